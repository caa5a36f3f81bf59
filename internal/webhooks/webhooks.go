// Package webhooks notifies buyers and sellers about settled money, disputes
// and accepted prices.
//
// Parties register URLs for the event types they care about. Deliveries are
// signed with HMAC-SHA256, retried with backoff and circuit-broken per host.
// Failures are logged and counted; they never reach the protocol.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/tradehold/internal/circuitbreaker"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/retry"
	"github.com/mbd888/tradehold/internal/security"
)

// EventType names a notification.
type EventType string

const (
	EventOrderReleased   EventType = "order.released"
	EventOrderRefunded   EventType = "order.refunded"
	EventDisputeOpened   EventType = "dispute.opened"
	EventDisputeResolved EventType = "dispute.resolved"
	EventOfferAccepted   EventType = "negotiation.offer_accepted"
	EventCounterOffered  EventType = "negotiation.counter_offered"
	EventCounterAccepted EventType = "negotiation.counter_accepted"
)

const (
	signatureHeader = "X-Tradehold-Signature"
	eventHeader     = "X-Tradehold-Event"
	timestampHeader = "X-Tradehold-Timestamp"

	defaultDeliveryTimeout = 30 * time.Second
	maxErrorLength         = 500
	circuitThreshold       = 5
	circuitCooldown        = time.Minute
)

// Delivery results for metrics.WebhookDeliveriesTotal.
const (
	resultOK           = "ok"
	resultFailed       = "failed"
	resultCircuitOpen  = "circuit_open"
	resultBlocked      = "blocked"
	resultLookupFailed = "lookup_failed"
)

// EventTypes lists every event a subscription may ask for.
var EventTypes = []EventType{
	EventOrderReleased, EventOrderRefunded,
	EventDisputeOpened, EventDisputeResolved,
	EventOfferAccepted, EventCounterOffered, EventCounterAccepted,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, e := range EventTypes {
		if e == t {
			return true
		}
	}
	return false
}

var ErrNotFound = errors.New("webhook subscription not found")

// Event is the JSON body posted to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is one party's webhook endpoint.
type Subscription struct {
	ID          string      `json:"id"`
	PartyID     string      `json:"partyId"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"`
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// Wants reports whether the subscription should receive t. An empty event
// list means every event.
func (s *Subscription) Wants(t EventType) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByParty(ctx context.Context, partyID string) ([]*Subscription, error)
	// RecordDelivery stores the outcome of the latest delivery. An empty
	// errMsg marks a success at at.
	RecordDelivery(ctx context.Context, id string, at time.Time, errMsg string) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher posts events to subscribers.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	policy       retry.Policy
	timeout      time.Duration
	urlValidator func(string) error
	logger       *slog.Logger
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		breaker:      circuitbreaker.New(circuitThreshold, circuitCooldown),
		policy:       retry.DefaultPolicy,
		timeout:      defaultDeliveryTimeout,
		urlValidator: func(u string) error { return security.ValidateWebhookURL(u, nil) },
		logger:       logger,
		now:          time.Now,
	}
}

// WithRetryPolicy overrides the delivery backoff.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithHTTPClient overrides the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// Enqueue delivers event to partyID's subscribers in the background.
func (d *Dispatcher) Enqueue(partyID string, event *Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.DispatchToParty(ctx, partyID, event); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues(resultLookupFailed).Inc()
			d.logger.Warn("webhook dispatch failed", "event", event.Type, "party", partyID, "error", err)
		}
	}()
}

// Wait blocks until background deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// DispatchToParty posts event to each of partyID's matching subscriptions
// and waits for the deliveries. Only the subscription lookup can fail.
func (d *Dispatcher) DispatchToParty(ctx context.Context, partyID string, event *Event) error {
	subs, err := d.store.ListByParty(ctx, partyID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			d.deliver(ctx, sub, event, payload)
		}(sub)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	// Resolve again at send time; DNS may have changed since registration.
	if err := d.urlValidator(sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(resultBlocked).Inc()
		d.record(ctx, sub, "blocked: "+err.Error())
		return
	}

	host := sub.URL
	if u, err := url.Parse(sub.URL); err == nil {
		host = u.Host
	}

	err := d.breaker.Do(host, func() error {
		return d.policy.Do(ctx, func(ctx context.Context) error {
			return d.post(ctx, sub, event, payload)
		})
	})
	switch {
	case err == nil:
		metrics.WebhookDeliveriesTotal.WithLabelValues(resultOK).Inc()
		d.record(ctx, sub, "")
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.WebhookDeliveriesTotal.WithLabelValues(resultCircuitOpen).Inc()
		d.record(ctx, sub, "circuit open")
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues(resultFailed).Inc()
		d.logger.Warn("webhook delivery failed", "subscription", sub.ID, "event", event.Type, "error", err)
		d.record(ctx, sub, err.Error())
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, string(event.Type))
	req.Header.Set(timestampHeader, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(signatureHeader, "sha256="+Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) record(ctx context.Context, sub *Subscription, errMsg string) {
	if len(errMsg) > maxErrorLength {
		errMsg = errMsg[:maxErrorLength]
	}
	if err := d.store.RecordDelivery(ctx, sub.ID, d.now(), errMsg); err != nil {
		d.logger.Warn("failed to record webhook delivery", "subscription", sub.ID, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header value produced by the dispatcher.
func Verify(payload []byte, secret, header string) bool {
	want := "sha256=" + Sign(payload, secret)
	return hmac.Equal([]byte(want), []byte(header))
}
