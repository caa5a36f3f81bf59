package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/events"
	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/pagination"
	"github.com/mbd888/tradehold/internal/syncutil"
	"github.com/mbd888/tradehold/internal/traces"
)

// Service implements the escrow ledger. Dispute operations live on
// Arbitrator, which shares the service's store and per-order locks.
type Service struct {
	store       Store
	bus         events.Publisher
	notifier    Notifier
	prices      PriceSource
	eligibility Eligibility
	locks       *syncutil.KeyedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, bus events.Publisher) *Service {
	if bus == nil {
		bus = events.Discard
	}
	return &Service{
		store:       store,
		bus:         bus,
		eligibility: Eligibility{Window: DefaultAutoReleaseWindow},
		locks:       syncutil.NewKeyedMutex(0),
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// WithNotifier adds settlement notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithPriceSource enables capture at a negotiated price.
func (s *Service) WithPriceSource(p PriceSource) *Service {
	s.prices = p
	return s
}

// WithAutoReleaseWindow sets the release-ready window.
func (s *Service) WithAutoReleaseWindow(d time.Duration) *Service {
	s.eligibility = Eligibility{Window: d}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLogger sets the logger for side-effect failures.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Eligibility returns the configured evaluator.
func (s *Service) Eligibility() Eligibility {
	return s.eligibility
}

// CaptureOrder records a captured payment as a held order. With a
// negotiation id the amount comes from the negotiated price, which is
// claimed for this order.
func (s *Service) CaptureOrder(ctx context.Context, actor auth.Actor, req CaptureRequest) (order *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CaptureOrder", traces.Actor(actor.ID, string(actor.Role)))
	defer func() { s.observe("capture", err); traces.Finish(span, err) }()

	customerID := strings.TrimSpace(req.CustomerID)
	switch {
	case actor.Role == auth.RoleBuyer:
		if customerID != "" && customerID != actor.ID {
			return nil, ErrUnauthorized
		}
		customerID = actor.ID
	case actor.IsAdmin():
		if customerID == "" {
			return nil, fmt.Errorf("%w: customerId is required", ErrUnauthorized)
		}
	default:
		return nil, ErrUnauthorized
	}

	now := s.now()
	order = &Order{
		ID:                idgen.WithPrefix(idgen.OrderPrefix),
		CustomerID:        customerID,
		SellerID:          strings.TrimSpace(req.SellerID),
		ProductID:         strings.TrimSpace(req.ProductID),
		NegotiationID:     req.NegotiationID,
		Amount:            req.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(req.Currency)),
		FulfillmentStatus: FulfillmentPending,
		EscrowStatus:      StatusHeld,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if order.Currency == "" {
		order.Currency = DefaultCurrency
	}

	if req.NegotiationID != "" {
		if s.prices == nil {
			return nil, fmt.Errorf("%w: negotiated checkout unavailable", ErrInvalidAmount)
		}
		quote, err := s.prices.ConsumeForOrder(ctx, req.NegotiationID, customerID, order.ID)
		if err != nil {
			return nil, err
		}
		err = applyQuote(order, quote)
		if err == nil {
			err = validateCapture(order)
		}
		if err == nil {
			err = s.store.CreateOrder(ctx, order)
		}
		if err != nil {
			if relErr := s.prices.ReleaseConsumption(ctx, req.NegotiationID, order.ID); relErr != nil {
				s.logger.Error("negotiation left consumed by unstored order",
					"negotiationId", req.NegotiationID, "orderId", order.ID, "error", relErr)
			}
			return nil, err
		}
	} else {
		if err := validateCapture(order); err != nil {
			return nil, err
		}
		if err := s.store.CreateOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("failed to create order: %w", err)
		}
	}

	s.publish(ctx, "captured", actor, order, nil)
	return order, nil
}

func validateCapture(o *Order) error {
	if o.Amount <= 0 {
		return ErrInvalidAmount
	}
	if o.SellerID == "" || o.ProductID == "" {
		return fmt.Errorf("%w: sellerId and productId are required", ErrInvalidAmount)
	}
	if o.SellerID == o.CustomerID {
		return fmt.Errorf("%w: buyer and seller cannot be the same party", ErrUnauthorized)
	}
	return nil
}

func applyQuote(order *Order, q Quote) error {
	if order.Amount != 0 && order.Amount != q.Price {
		return ErrAmountMismatch
	}
	if order.SellerID != "" && q.SellerID != "" && order.SellerID != q.SellerID {
		return fmt.Errorf("%w: seller differs from negotiation", ErrAmountMismatch)
	}
	if order.ProductID != "" && q.ProductID != "" && order.ProductID != q.ProductID {
		return fmt.Errorf("%w: product differs from negotiation", ErrAmountMismatch)
	}
	order.Amount = q.Price
	if order.SellerID == "" {
		order.SellerID = q.SellerID
	}
	if order.ProductID == "" {
		order.ProductID = q.ProductID
	}
	return nil
}

// SellerConfirmDelivery records the seller's attestation: held → seller_confirmed.
func (s *Service) SellerConfirmDelivery(ctx context.Context, actor auth.Actor, orderID string) (*Order, error) {
	order, _, err := s.mutate(ctx, "seller_confirm", actor, orderID, func(o *Order, now time.Time) (*Dispute, bool, error) {
		if !actor.Is(auth.RoleSeller, o.SellerID) && !actor.IsAdmin() {
			return nil, false, ErrUnauthorized
		}
		if err := requireStatus(o, StatusHeld); err != nil {
			return nil, false, err
		}
		o.EscrowStatus = StatusSellerConfirmed
		o.SellerConfirmedAt = &now
		return nil, false, nil
	})
	return order, err
}

// BuyerConfirmReceipt records the buyer's acknowledgement: seller_confirmed → buyer_confirmed.
func (s *Service) BuyerConfirmReceipt(ctx context.Context, actor auth.Actor, orderID string) (*Order, error) {
	order, _, err := s.mutate(ctx, "buyer_confirm", actor, orderID, func(o *Order, now time.Time) (*Dispute, bool, error) {
		if !actor.Is(auth.RoleBuyer, o.CustomerID) {
			return nil, false, ErrUnauthorized
		}
		if err := requireStatus(o, StatusSellerConfirmed); err != nil {
			return nil, false, err
		}
		o.EscrowStatus = StatusBuyerConfirmed
		return nil, false, nil
	})
	return order, err
}

// BuyerReleaseNow lets the buyer pay the seller before delivery is confirmed:
// held → released. The buyer vouching for delivery marks the order delivered.
func (s *Service) BuyerReleaseNow(ctx context.Context, actor auth.Actor, orderID string) (*Order, error) {
	order, _, err := s.mutate(ctx, "buyer_release", actor, orderID, func(o *Order, now time.Time) (*Dispute, bool, error) {
		if !actor.Is(auth.RoleBuyer, o.CustomerID) {
			return nil, false, ErrUnauthorized
		}
		if err := requireStatus(o, StatusHeld); err != nil {
			return nil, false, err
		}
		markReleased(o, now)
		o.FulfillmentStatus = FulfillmentDelivered
		return nil, false, nil
	})
	return order, err
}

// AdminRelease pays out a confirmed order: {seller_confirmed, buyer_confirmed} → released.
// Held orders are refused; a held order is released only by its buyer.
func (s *Service) AdminRelease(ctx context.Context, actor auth.Actor, orderID string) (*Order, error) {
	order, _, err := s.mutate(ctx, "admin_release", actor, orderID, func(o *Order, now time.Time) (*Dispute, bool, error) {
		if !actor.IsAdmin() {
			return nil, false, ErrUnauthorized
		}
		if err := requireStatus(o, StatusSellerConfirmed, StatusBuyerConfirmed); err != nil {
			return nil, false, err
		}
		markReleased(o, now)
		return nil, false, nil
	})
	return order, err
}

// AdminRefund returns funds to the buyer from any unsettled state. An open
// dispute is closed as resolved_refund in the same write.
func (s *Service) AdminRefund(ctx context.Context, actor auth.Actor, orderID, note string) (*Order, error) {
	order, _, err := s.mutate(ctx, "admin_refund", actor, orderID, func(o *Order, now time.Time) (*Dispute, bool, error) {
		if !actor.IsAdmin() {
			return nil, false, ErrUnauthorized
		}
		if o.IsTerminal() {
			return nil, false, invalidTransition(o, "refund")
		}

		var closing *Dispute
		if o.EscrowStatus == StatusDisputed {
			d, err := s.store.GetOpenDispute(ctx, o.ID)
			switch {
			case err == nil:
				closing = d
				closeDispute(closing, DisputeResolvedRefund, actor.ID, note, now)
			case !errors.Is(err, ErrDisputeNotFound):
				return nil, false, err
			}
		}
		markRefunded(o, now)
		return closing, false, nil
	})
	return order, err
}

// UpdateFulfillment advances shipping progress on an unsettled order.
func (s *Service) UpdateFulfillment(ctx context.Context, actor auth.Actor, orderID string, to FulfillmentStatus) (*Order, error) {
	order, _, err := s.mutate(ctx, "fulfillment", actor, orderID, func(o *Order, now time.Time) (*Dispute, bool, error) {
		if !actor.Is(auth.RoleSeller, o.SellerID) && !actor.IsAdmin() {
			return nil, false, ErrUnauthorized
		}
		if o.IsTerminal() || !canFulfill(o.FulfillmentStatus, to) {
			return nil, false, fmt.Errorf("%w: fulfillment %s → %s", ErrInvalidTransition, o.FulfillmentStatus, to)
		}
		o.FulfillmentStatus = to
		return nil, false, nil
	})
	return order, err
}

var fulfillmentEdges = map[FulfillmentStatus][]FulfillmentStatus{
	FulfillmentPending:    {FulfillmentProcessing, FulfillmentCancelled},
	FulfillmentProcessing: {FulfillmentShipped, FulfillmentCancelled},
	FulfillmentShipped:    {FulfillmentDelivered, FulfillmentReturned},
	FulfillmentDelivered:  {FulfillmentReturned},
}

func canFulfill(from, to FulfillmentStatus) bool {
	for _, next := range fulfillmentEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Get returns an order by ID without visibility checks.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// GetOrder returns an order visible to actor.
func (s *Service) GetOrder(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, order) {
		return nil, ErrUnauthorized
	}
	return order, nil
}

// ListOrders lists orders visible to actor. Buyers and sellers only see their own.
func (s *Service) ListOrders(ctx context.Context, actor auth.Actor, filter OrderFilter) ([]*Order, error) {
	switch actor.Role {
	case auth.RoleBuyer:
		filter.CustomerID = actor.ID
	case auth.RoleSeller:
		filter.SellerID = actor.ID
	case auth.RoleAdmin:
	default:
		return nil, ErrUnauthorized
	}
	// One extra row is allowed so callers can detect a further page.
	if filter.Limit <= 0 || filter.Limit > pagination.MaxLimit+1 {
		filter.Limit = pagination.ClampLimit(filter.Limit)
	}
	return s.store.ListOrders(ctx, filter)
}

// CheckEligibility reports release readiness for an order visible to actor.
func (s *Service) CheckEligibility(ctx context.Context, actor auth.Actor, id string) (EligibilityReport, error) {
	order, err := s.GetOrder(ctx, actor, id)
	if err != nil {
		return EligibilityReport{}, err
	}
	return s.eligibility.Report(order, s.now()), nil
}

// ListReleaseReady returns confirmed orders past the auto-release window at now.
func (s *Service) ListReleaseReady(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	limit = pagination.ClampLimit(limit)
	candidates, err := s.store.ListByStatus(ctx, []Status{StatusSellerConfirmed, StatusBuyerConfirmed}, 0)
	if err != nil {
		return nil, err
	}
	var ready []*Order
	for _, o := range candidates {
		if s.eligibility.IsAutoReleaseEligible(o, now) {
			ready = append(ready, o)
			if len(ready) == limit {
				break
			}
		}
	}
	return ready, nil
}

// mutate runs fn against a fresh copy of the order under the order's lock and
// commits the result with a version check. fn may return a dispute to insert
// (create=true) or update alongside the order.
func (s *Service) mutate(ctx context.Context, op string, actor auth.Actor, orderID string,
	fn func(o *Order, now time.Time) (d *Dispute, create bool, err error)) (order *Order, dispute *Dispute, err error) {

	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.OrderID(orderID), traces.Actor(actor.ID, string(actor.Role)))
	defer func() { s.observe(op, err); traces.Finish(span, err) }()

	unlock, err := s.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	current, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	next := current.clone()
	now := s.now()
	dispute, create, err := fn(next, now)
	if err != nil {
		return nil, nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now

	err = s.store.ApplyTransition(ctx, Transition{
		Order:           next,
		ExpectedVersion: current.Version,
		Dispute:         dispute,
		CreateDispute:   create,
	})
	if err != nil {
		return nil, nil, err
	}

	s.afterCommit(ctx, op, actor, current, next, dispute)
	return next, dispute, nil
}

func (s *Service) afterCommit(ctx context.Context, op string, actor auth.Actor, before, after *Order, d *Dispute) {
	s.publish(ctx, opEventName(op, after), actor, after, d)

	if before.EscrowStatus == after.EscrowStatus || !after.IsTerminal() {
		return
	}
	metrics.EscrowHoldDuration.WithLabelValues(string(after.EscrowStatus)).Observe(after.UpdatedAt.Sub(after.CreatedAt).Seconds())
	if s.notifier == nil {
		return
	}
	if after.EscrowStatus == StatusReleased {
		s.notifier.EmitOrderReleased(ctx, after.SellerID, after.ID, after.CustomerID, after.Amount)
	} else {
		s.notifier.EmitOrderRefunded(ctx, after.CustomerID, after.ID, after.SellerID, after.Amount)
	}
}

func opEventName(op string, o *Order) string {
	switch op {
	case "fulfillment":
		return "fulfillment_" + string(o.FulfillmentStatus)
	default:
		return string(o.EscrowStatus)
	}
}

func (s *Service) publish(ctx context.Context, op string, actor auth.Actor, o *Order, d *Dispute) {
	who := string(actor.Role) + ":" + actor.ID
	s.bus.Publish(ctx, events.Change{
		Entity:   events.EntityOrder,
		EntityID: o.ID,
		OrderID:  o.ID,
		Op:       op,
		Status:   string(o.EscrowStatus),
		Actor:    who,
		At:       o.UpdatedAt,
	})
	if d != nil {
		s.bus.Publish(ctx, events.Change{
			Entity:   events.EntityDispute,
			EntityID: d.ID,
			OrderID:  o.ID,
			Op:       string(d.Status),
			Status:   string(d.Status),
			Actor:    who,
			At:       o.UpdatedAt,
		})
	}
}

func (s *Service) observe(op string, err error) {
	metrics.EscrowTransitionsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrDisputeNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyDisputed), errors.Is(err, ErrAlreadyResolved):
		return "duplicate"
	default:
		return "error"
	}
}

func requireStatus(o *Order, allowed ...Status) error {
	for _, st := range allowed {
		if o.EscrowStatus == st {
			return nil
		}
	}
	return invalidTransition(o, "")
}

func invalidTransition(o *Order, op string) error {
	if op == "" {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.EscrowStatus)
	}
	return fmt.Errorf("%w: cannot %s order %s in %s", ErrInvalidTransition, op, o.ID, o.EscrowStatus)
}

// markReleased settles funds only; fulfillment is the seller's to report.
func markReleased(o *Order, now time.Time) {
	o.EscrowStatus = StatusReleased
	o.EscrowReleasedAt = &now
}

func markRefunded(o *Order, now time.Time) {
	o.EscrowStatus = StatusRefunded
	o.RefundedAt = &now
}

func canView(actor auth.Actor, o *Order) bool {
	return actor.IsAdmin() || actor.Is(auth.RoleBuyer, o.CustomerID) || actor.Is(auth.RoleSeller, o.SellerID)
}
