package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/events"
	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/pagination"
	"github.com/mbd888/tradehold/internal/syncutil"
	"github.com/mbd888/tradehold/internal/traces"
	"github.com/mbd888/tradehold/internal/validation"
)

// Service implements the negotiation protocol.
type Service struct {
	store    Store
	bus      events.Publisher
	notifier Notifier
	names    CustomerNamer
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new negotiation service.
func NewService(store Store, bus events.Publisher) *Service {
	if bus == nil {
		bus = events.Discard
	}
	return &Service{
		store:  store,
		bus:    bus,
		locks:  syncutil.NewKeyedMutex(0),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithNotifier adds acceptance notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithCustomerNames fills in missing buyer names.
func (s *Service) WithCustomerNames(n CustomerNamer) *Service {
	s.names = n
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// ProposeOffer opens a pending thread for the buying actor.
func (s *Service) ProposeOffer(ctx context.Context, actor auth.Actor, req ProposeRequest) (n *Negotiation, err error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.ProposeOffer", traces.Actor(actor.ID, string(actor.Role)))
	defer func() { s.observe("propose", err); traces.Finish(span, err) }()

	if actor.Role != auth.RoleBuyer {
		return nil, ErrUnauthorized
	}
	productID := strings.TrimSpace(req.ProductID)
	sellerID := strings.TrimSpace(req.SellerID)
	if productID == "" || sellerID == "" {
		return nil, ErrMissingParty
	}
	if sellerID == actor.ID {
		return nil, fmt.Errorf("%w: cannot negotiate with yourself", ErrUnauthorized)
	}
	if req.Price <= 0 {
		return nil, ErrInvalidPrice
	}

	name := validation.SanitizeString(req.CustomerName, 255)
	if name == "" && s.names != nil {
		name = s.names.CustomerLabel(ctx, actor.ID)
	}

	now := s.now()
	n = &Negotiation{
		ID:            idgen.WithPrefix(idgen.NegotiationPrefix),
		ProductID:     productID,
		SellerID:      sellerID,
		CustomerID:    actor.ID,
		CustomerName:  name,
		ProposedPrice: req.Price,
		Message:       validation.SanitizeString(req.Message, validation.MaxMessageLength),
		Status:        StatusPending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create negotiation: %w", err)
	}

	s.publish(ctx, "proposed", actor, n)
	return n, nil
}

// SellerRespond accepts or rejects a pending offer.
func (s *Service) SellerRespond(ctx context.Context, actor auth.Actor, id string, decision Decision) (*Negotiation, error) {
	if !decision.Valid() {
		return nil, ErrInvalidDecision
	}
	n, err := s.mutate(ctx, "seller_respond", actor, id, func(n *Negotiation, now time.Time) error {
		if !actor.Is(auth.RoleSeller, n.SellerID) && !actor.IsAdmin() {
			return ErrUnauthorized
		}
		if n.Status != StatusPending {
			return fmt.Errorf("%w: offer already %s", ErrInvalidTransition, n.Status)
		}
		n.Status = Status(decision)
		return nil
	})
	if err == nil && decision == DecisionAccepted && s.notifier != nil {
		s.notifier.EmitOfferAccepted(ctx, n.CustomerID, n.ID, n.ProductID, n.ProposedPrice)
	}
	return n, err
}

// SellerCounter layers a counter-offer on the thread. It may follow an
// accept or reject and replaces a counter the buyer has not accepted.
func (s *Service) SellerCounter(ctx context.Context, actor auth.Actor, id string, price int64, message string) (*Negotiation, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}
	message = validation.SanitizeString(message, validation.MaxMessageLength)

	n, err := s.mutate(ctx, "seller_counter", actor, id, func(n *Negotiation, now time.Time) error {
		if !actor.Is(auth.RoleSeller, n.SellerID) && !actor.IsAdmin() {
			return ErrUnauthorized
		}
		if n.IsConsumed() {
			return ErrAlreadyConsumed
		}
		if n.Counter != nil && n.Counter.Response == CounterAccepted {
			return fmt.Errorf("%w: buyer already accepted a counter", ErrInvalidTransition)
		}
		n.Counter = &Counter{Price: price, Message: message, Response: CounterNone, CreatedAt: now}
		return nil
	})
	if err == nil && s.notifier != nil {
		s.notifier.EmitCounterOffered(ctx, n.CustomerID, n.ID, n.ProductID, price)
	}
	return n, err
}

// BuyerRespondToCounter answers an outstanding counter-offer.
func (s *Service) BuyerRespondToCounter(ctx context.Context, actor auth.Actor, id string, decision Decision) (*Negotiation, error) {
	if !decision.Valid() {
		return nil, ErrInvalidDecision
	}
	n, err := s.mutate(ctx, "buyer_respond", actor, id, func(n *Negotiation, now time.Time) error {
		if !actor.Is(auth.RoleBuyer, n.CustomerID) {
			return ErrUnauthorized
		}
		if n.Counter == nil {
			return fmt.Errorf("%w: no counter-offer to answer", ErrInvalidTransition)
		}
		if n.Counter.Response != CounterNone {
			return fmt.Errorf("%w: counter already %s", ErrInvalidTransition, n.Counter.Response)
		}
		n.Counter.Response = CounterResponse(decision)
		n.Counter.RespondedAt = &now
		return nil
	})
	if err == nil && decision == DecisionAccepted && s.notifier != nil {
		s.notifier.EmitCounterAccepted(ctx, n.SellerID, n.ID, n.ProductID, n.Counter.Price)
	}
	return n, err
}

// AppendMessage adds a chat message. It is allowed in every state.
func (s *Service) AppendMessage(ctx context.Context, actor auth.Actor, id string, sender Sender, text string) (msg ChatMessage, err error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.AppendMessage", traces.NegotiationID(id))
	defer func() { s.observe("message", err); traces.Finish(span, err) }()

	text = validation.SanitizeString(text, validation.MaxMessageLength+1)
	if text == "" || len(text) > validation.MaxMessageLength {
		return ChatMessage{}, fmt.Errorf("%w: text must be 1-%d bytes", ErrInvalidMessage, validation.MaxMessageLength)
	}

	n, err := s.store.Get(ctx, id)
	if err != nil {
		return ChatMessage{}, err
	}
	switch sender {
	case SenderBuyer:
		if !actor.Is(auth.RoleBuyer, n.CustomerID) && !actor.IsAdmin() {
			return ChatMessage{}, ErrUnauthorized
		}
	case SenderSeller:
		if !actor.Is(auth.RoleSeller, n.SellerID) && !actor.IsAdmin() {
			return ChatMessage{}, ErrUnauthorized
		}
	default:
		return ChatMessage{}, fmt.Errorf("%w: unknown sender %q", ErrInvalidMessage, sender)
	}

	msg, err = s.store.AppendMessage(ctx, id, ChatMessage{Sender: sender, Text: text, Timestamp: s.now()})
	if err != nil {
		return ChatMessage{}, err
	}
	n.Messages = append(n.Messages, msg)
	s.publish(ctx, "message", actor, n)
	return msg, nil
}

// GetNegotiation returns a thread by id for collaborators such as checkout.
func (s *Service) GetNegotiation(ctx context.Context, id string) (*Negotiation, error) {
	return s.store.Get(ctx, id)
}

// Get returns a thread visible to actor.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Negotiation, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, n) {
		return nil, ErrUnauthorized
	}
	return n, nil
}

// PurchasablePrice returns the price checkout would charge now.
func (s *Service) PurchasablePrice(ctx context.Context, id string) (int64, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if n.IsConsumed() {
		return 0, ErrAlreadyConsumed
	}
	price, ok := n.PurchasablePrice()
	if !ok {
		return 0, ErrNotPurchasable
	}
	return price, nil
}

// ConsumeForOrder claims the purchasable price for orderID. Each thread
// backs at most one order. An unknown id wraps escrow.ErrNegotiationNotFound;
// other failures wrap escrow.ErrNotPurchasable.
func (s *Service) ConsumeForOrder(ctx context.Context, id, customerID, orderID string) (escrow.Quote, error) {
	var quote escrow.Quote
	_, err := s.mutate(ctx, "consume", auth.System, id, func(n *Negotiation, now time.Time) error {
		if n.CustomerID != customerID {
			return ErrUnauthorized
		}
		if n.IsConsumed() {
			return ErrAlreadyConsumed
		}
		price, ok := n.PurchasablePrice()
		if !ok {
			return ErrNotPurchasable
		}
		n.ConsumedByOrderID = orderID
		quote = escrow.Quote{Price: price, SellerID: n.SellerID, ProductID: n.ProductID}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return escrow.Quote{}, fmt.Errorf("%w: %w", escrow.ErrNegotiationNotFound, err)
		}
		if errors.Is(err, ErrConflict) {
			return escrow.Quote{}, fmt.Errorf("%w: %w", escrow.ErrConflict, err)
		}
		return escrow.Quote{}, fmt.Errorf("%w: %w", escrow.ErrNotPurchasable, err)
	}
	return quote, nil
}

// ReleaseConsumption frees a claim made for orderID. Claims by other orders
// are left alone.
func (s *Service) ReleaseConsumption(ctx context.Context, id, orderID string) error {
	_, err := s.mutate(ctx, "release_consumption", auth.System, id, func(n *Negotiation, now time.Time) error {
		if n.ConsumedByOrderID != orderID {
			return errSkip
		}
		n.ConsumedByOrderID = ""
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	return err
}

// ListStaleClaims returns threads claimed by an order at least olderThan ago
// that come after the given position, oldest first.
func (s *Service) ListStaleClaims(ctx context.Context, olderThan time.Duration, after ClaimPosition, limit int) ([]*Negotiation, error) {
	return s.store.ListConsumedBefore(ctx, s.now().Add(-olderThan), after, pagination.ClampLimit(limit))
}

// errSkip aborts a mutation without error.
var errSkip = errors.New("nothing to change")

// ListByProduct lists threads on a product visible to actor, newest first.
func (s *Service) ListByProduct(ctx context.Context, actor auth.Actor, productID string, limit int) ([]*Negotiation, error) {
	list, err := s.store.ListByProduct(ctx, productID, pagination.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	visible := list[:0]
	for _, n := range list {
		if canView(actor, n) {
			visible = append(visible, n)
		}
	}
	return visible, nil
}

// ListByCustomer lists a buyer's threads.
func (s *Service) ListByCustomer(ctx context.Context, actor auth.Actor, customerID string, limit int) ([]*Negotiation, error) {
	if !actor.IsAdmin() && !actor.Is(auth.RoleBuyer, customerID) {
		return nil, ErrUnauthorized
	}
	return s.store.ListByCustomer(ctx, customerID, pagination.ClampLimit(limit))
}

// ListBySeller lists the threads in a seller's inbox.
func (s *Service) ListBySeller(ctx context.Context, actor auth.Actor, sellerID string, limit int) ([]*Negotiation, error) {
	if !actor.IsAdmin() && !actor.Is(auth.RoleSeller, sellerID) {
		return nil, ErrUnauthorized
	}
	return s.store.ListBySeller(ctx, sellerID, pagination.ClampLimit(limit))
}

// mutate applies fn to a fresh copy under the thread's lock and stores it
// with a version check.
func (s *Service) mutate(ctx context.Context, op string, actor auth.Actor, id string, fn func(n *Negotiation, now time.Time) error) (n *Negotiation, err error) {
	ctx, span := traces.StartSpan(ctx, "negotiation."+op, traces.NegotiationID(id), traces.Actor(actor.ID, string(actor.Role)))
	defer func() {
		if !errors.Is(err, errSkip) {
			s.observe(op, err)
		}
		traces.Finish(span, err)
	}()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.clone()
	now := s.now()
	if err := fn(next, now); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now

	if err := s.store.Update(ctx, next, current.Version); err != nil {
		return nil, err
	}
	s.publish(ctx, op, actor, next)
	return next, nil
}

func (s *Service) publish(ctx context.Context, op string, actor auth.Actor, n *Negotiation) {
	s.bus.Publish(ctx, events.Change{
		Entity:   events.EntityNegotiation,
		EntityID: n.ID,
		OrderID:  n.ConsumedByOrderID,
		Op:       op,
		Status:   string(n.Status),
		Actor:    string(actor.Role) + ":" + actor.ID,
		At:       s.now(),
	})
}

func (s *Service) observe(op string, err error) {
	metrics.NegotiationOpsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyConsumed), errors.Is(err, ErrNotPurchasable):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrInvalidDecision),
		errors.Is(err, ErrMissingParty):
		return "invalid"
	default:
		return "error"
	}
}

func canView(actor auth.Actor, n *Negotiation) bool {
	return actor.IsAdmin() || actor.Is(auth.RoleBuyer, n.CustomerID) || actor.Is(auth.RoleSeller, n.SellerID)
}
