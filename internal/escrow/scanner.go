package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradehold/internal/events"
	"github.com/mbd888/tradehold/internal/metrics"
)

// ReadinessScanner periodically counts release-ready orders and announces
// newly eligible ones. It never moves funds: release stays a human decision.
type ReadinessScanner struct {
	service  *Service
	bus      events.Publisher
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu        sync.Mutex
	announced map[string]struct{}
}

// NewReadinessScanner creates a scanner over the ledger.
func NewReadinessScanner(service *Service, bus events.Publisher, interval time.Duration, logger *slog.Logger) *ReadinessScanner {
	if bus == nil {
		bus = events.Discard
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadinessScanner{
		service:   service,
		bus:       bus,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}, 1),
		announced: make(map[string]struct{}),
	}
}

// Running reports whether the scan loop is active.
func (r *ReadinessScanner) Running() bool {
	return r.running.Load()
}

// Start runs the scan loop until ctx ends or Stop is called. Call in a goroutine.
func (r *ReadinessScanner) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.safeScan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeScan(ctx)
		}
	}
}

// Stop signals the scanner to stop.
func (r *ReadinessScanner) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *ReadinessScanner) safeScan(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in readiness scanner", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.Scan(ctx); err != nil {
		r.logger.Warn("readiness scan failed", "error", err)
	}
}

// Scan evaluates every confirmed order at the service clock's now, updates
// the release-ready gauge and publishes a release_ready change for orders
// not announced before. It returns the ready orders.
func (r *ReadinessScanner) Scan(ctx context.Context) ([]*Order, error) {
	now := r.service.now()
	candidates, err := r.service.store.ListByStatus(ctx, []Status{StatusSellerConfirmed, StatusBuyerConfirmed}, 0)
	if err != nil {
		return nil, err
	}

	var ready []*Order
	seen := make(map[string]struct{})
	for _, o := range candidates {
		if !r.service.eligibility.IsAutoReleaseEligible(o, now) {
			continue
		}
		ready = append(ready, o)
		seen[o.ID] = struct{}{}
	}
	metrics.ReleaseReadyOrders.Set(float64(len(ready)))

	r.mu.Lock()
	var fresh []*Order
	for _, o := range ready {
		if _, ok := r.announced[o.ID]; !ok {
			fresh = append(fresh, o)
		}
	}
	// Orders that left the ready set (released, refunded, disputed) are forgotten.
	r.announced = seen
	r.mu.Unlock()

	for _, o := range fresh {
		r.bus.Publish(ctx, events.Change{
			Entity:   events.EntityOrder,
			EntityID: o.ID,
			OrderID:  o.ID,
			Op:       "release_ready",
			Status:   string(o.EscrowStatus),
			Actor:    "system",
			At:       now,
		})
		r.logger.Info("order release-ready",
			"orderId", o.ID, "seller", o.SellerID, "amount", o.Amount,
			"sellerConfirmedAt", timeOrZero(o.SellerConfirmedAt))
	}
	return ready, nil
}
