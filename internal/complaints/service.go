package complaints

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/events"
	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/pagination"
	"github.com/mbd888/tradehold/internal/validation"
)

// Service manages complaints.
type Service struct {
	store Store
	bus   events.Publisher
	names Namer
	now   func() time.Time
}

// NewService creates a new complaints service.
func NewService(store Store, bus events.Publisher) *Service {
	if bus == nil {
		bus = events.Discard
	}
	return &Service{store: store, bus: bus, now: time.Now}
}

// WithNames fills in missing reporter and seller names.
func (s *Service) WithNames(n Namer) *Service {
	s.names = n
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// File records a new open complaint from actor.
func (s *Service) File(ctx context.Context, actor auth.Actor, req FileRequest) (*Complaint, error) {
	if actor.ID == "" {
		return nil, ErrUnauthorized
	}
	if !req.Type.Valid() {
		return nil, ErrInvalidType
	}
	desc := validation.SanitizeString(req.Description, validation.MaxMessageLength)
	if desc == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidComplaint)
	}
	sellerID := strings.TrimSpace(req.SellerID)
	if sellerID != "" && sellerID == actor.ID {
		return nil, fmt.Errorf("%w: cannot report yourself", ErrInvalidComplaint)
	}

	now := s.now()
	c := &Complaint{
		ID:           idgen.WithPrefix(idgen.ComplaintPrefix),
		OrderID:      strings.TrimSpace(req.OrderID),
		ReporterID:   actor.ID,
		ReporterName: validation.SanitizeString(req.ReporterName, 255),
		SellerID:     sellerID,
		SellerName:   validation.SanitizeString(req.SellerName, 255),
		Type:         req.Type,
		Description:  desc,
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.names != nil {
		if c.ReporterName == "" {
			c.ReporterName = s.names.CustomerLabel(ctx, c.ReporterID)
		}
		if c.SellerName == "" && c.SellerID != "" {
			c.SellerName = s.names.SellerLabel(ctx, c.SellerID)
		}
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create complaint: %w", err)
	}
	metrics.ComplaintsTotal.WithLabelValues(string(StatusOpen)).Inc()
	s.publish(ctx, "filed", actor, c)
	return c, nil
}

// Get returns a complaint visible to actor: its reporter or an admin.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Complaint, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && c.ReporterID != actor.ID {
		return nil, ErrUnauthorized
	}
	return c, nil
}

// List returns complaints newest first. Non-admins only see their own.
func (s *Service) List(ctx context.Context, actor auth.Actor, f Filter) ([]*Complaint, error) {
	if !actor.IsAdmin() {
		if actor.ID == "" {
			return nil, ErrUnauthorized
		}
		f.ReporterID = actor.ID
		f.SellerID = ""
	}
	if f.Limit <= 0 || f.Limit > pagination.MaxLimit+1 {
		f.Limit = pagination.ClampLimit(f.Limit)
	}
	return s.store.List(ctx, f)
}

// UpdateStatus moves a complaint through review. Admin only.
func (s *Service) UpdateStatus(ctx context.Context, actor auth.Actor, id string, to Status) (*Complaint, error) {
	if !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.Status, to)
	}

	now := s.now()
	if err := s.store.UpdateStatus(ctx, id, c.Status, to, now); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: status changed concurrently", err)
		}
		return nil, err
	}
	c.Status = to
	c.UpdatedAt = now

	metrics.ComplaintsTotal.WithLabelValues(string(to)).Inc()
	s.publish(ctx, string(to), actor, c)
	return c, nil
}

func (s *Service) publish(ctx context.Context, op string, actor auth.Actor, c *Complaint) {
	s.bus.Publish(ctx, events.Change{
		Entity:   events.EntityComplaint,
		EntityID: c.ID,
		OrderID:  c.OrderID,
		Op:       op,
		Status:   string(c.Status),
		Actor:    string(actor.Role) + ":" + actor.ID,
		At:       c.UpdatedAt,
	})
}
