// Package events carries typed change notifications from the protocol
// services to observers (WebSocket surfaces, export sinks).
//
// A Change names the entity that moved and its id, so observers can refetch
// exactly what changed instead of reloading every list they display.
package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/metrics"
)

// Entity is the kind of record a change refers to.
type Entity string

const (
	EntityOrder       Entity = "order"
	EntityDispute     Entity = "dispute"
	EntityNegotiation Entity = "negotiation"
	EntityComplaint   Entity = "complaint"
)

// Change describes one committed mutation.
type Change struct {
	ID       string    `json:"id"`
	Entity   Entity    `json:"entity"`
	EntityID string    `json:"entityId"`
	OrderID  string    `json:"orderId,omitempty"`
	Op       string    `json:"op"`
	Status   string    `json:"status,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher accepts committed changes. Publish must not block the caller.
type Publisher interface {
	Publish(ctx context.Context, c Change)
}

// Discard drops every change.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Change) {}

// Filter selects changes. Empty fields match everything.
type Filter struct {
	Entities  []Entity `json:"entities,omitempty"`
	EntityIDs []string `json:"entityIds,omitempty"`
	OrderIDs  []string `json:"orderIds,omitempty"`
}

// Match reports whether c passes the filter.
func (f Filter) Match(c Change) bool {
	if len(f.Entities) > 0 && !slices.Contains(f.Entities, c.Entity) {
		return false
	}
	if len(f.EntityIDs) == 0 && len(f.OrderIDs) == 0 {
		return true
	}
	if slices.Contains(f.EntityIDs, c.EntityID) {
		return true
	}
	return c.OrderID != "" && slices.Contains(f.OrderIDs, c.OrderID)
}

type subscriber struct {
	name   string
	filter Filter
	ch     chan Change
}

// Bus fans changes out to subscribers. A subscriber whose buffer is full
// misses the change; writers never wait on observers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]*subscriber), logger: logger, now: time.Now}
}

// Publish stamps c with an id and time if missing and delivers it.
func (b *Bus) Publish(_ context.Context, c Change) {
	if c.ID == "" {
		c.ID = idgen.WithPrefix(idgen.EventPrefix)
	}
	if c.At.IsZero() {
		c.At = b.now()
	}
	metrics.ChangeEventsPublished.WithLabelValues(string(c.Entity)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.filter.Match(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			metrics.ChangeEventsDropped.WithLabelValues(s.name).Inc()
			b.logger.Warn("change dropped for slow subscriber", "subscriber", s.name, "entity", c.Entity, "id", c.EntityID)
		}
	}
}

// Subscribe registers a filtered subscription. The returned cancel func
// unregisters it and closes the channel.
func (b *Bus) Subscribe(name string, filter Filter, buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{name: name, filter: filter, ch: make(chan Change, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Sink consumes changes outside the process.
type Sink interface {
	Deliver(ctx context.Context, c Change) error
}

// Forward pumps every change matching filter into sink until ctx ends.
// Delivery errors are logged and counted; they never reach the publisher.
func (b *Bus) Forward(ctx context.Context, name string, filter Filter, sink Sink) {
	ch, cancel := b.Subscribe(name, filter, 1024)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			if err := sink.Deliver(ctx, c); err != nil {
				metrics.ChangeEventsDropped.WithLabelValues(name).Inc()
				b.logger.Warn("change sink delivery failed", "sink", name, "entity", c.Entity, "id", c.EntityID, "error", err)
			}
		}
	}
}
