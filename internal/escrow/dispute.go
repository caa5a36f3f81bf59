package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/pagination"
)

const selfResolveNote = "withdrawn by buyer"

// Arbitrator opens and settles disputes. Every write goes through the
// ledger's per-order lock and versioned transition, so an order and its
// dispute always change together.
type Arbitrator struct {
	svc *Service
}

// NewArbitrator creates an arbitrator over the ledger's store.
func NewArbitrator(svc *Service) *Arbitrator {
	return &Arbitrator{svc: svc}
}

// RaiseDispute opens a dispute on an unsettled order and moves it to disputed.
func (a *Arbitrator) RaiseDispute(ctx context.Context, actor auth.Actor, orderID string, req RaiseDisputeRequest) (*Order, *Dispute, error) {
	if !req.Reason.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidReason, req.Reason)
	}

	order, dispute, err := a.svc.mutate(ctx, "raise_dispute", actor, orderID, func(o *Order, now time.Time) (*Dispute, bool, error) {
		if !actor.Is(auth.RoleBuyer, o.CustomerID) {
			return nil, false, ErrUnauthorized
		}
		if o.EscrowStatus == StatusDisputed {
			return nil, false, ErrAlreadyDisputed
		}
		if err := requireStatus(o, StatusHeld, StatusSellerConfirmed, StatusBuyerConfirmed); err != nil {
			return nil, false, err
		}
		o.EscrowStatus = StatusDisputed
		return &Dispute{
			ID:          idgen.WithPrefix(idgen.DisputePrefix),
			OrderID:     o.ID,
			RaisedBy:    actor.ID,
			Reason:      req.Reason,
			Description: strings.TrimSpace(req.Description),
			Status:      DisputeOpen,
			CreatedAt:   now,
		}, true, nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.DisputesOpenedTotal.WithLabelValues(string(dispute.Reason)).Inc()
	if a.svc.notifier != nil {
		a.svc.notifier.EmitDisputeOpened(ctx, order.SellerID, order.ID, dispute.ID, string(dispute.Reason))
	}
	return order, dispute, nil
}

// Resolve settles an open dispute. resolved_release pays the seller,
// resolved_refund returns funds to the buyer.
func (a *Arbitrator) Resolve(ctx context.Context, actor auth.Actor, disputeID string, outcome DisputeStatus, note string) (*Order, *Dispute, error) {
	if outcome != DisputeResolvedRelease && outcome != DisputeResolvedRefund {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	if !actor.IsAdmin() {
		return nil, nil, ErrUnauthorized
	}
	return a.settle(ctx, "resolve_dispute", actor, disputeID, outcome, note)
}

// BuyerSelfResolve lets the buyer who raised a dispute withdraw it, which
// releases funds to the seller.
func (a *Arbitrator) BuyerSelfResolve(ctx context.Context, actor auth.Actor, disputeID string) (*Order, *Dispute, error) {
	d, err := a.svc.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.Is(auth.RoleBuyer, d.RaisedBy) {
		return nil, nil, ErrUnauthorized
	}
	return a.settle(ctx, "self_resolve", actor, disputeID, DisputeResolvedRelease, selfResolveNote)
}

func (a *Arbitrator) settle(ctx context.Context, op string, actor auth.Actor, disputeID string, outcome DisputeStatus, note string) (*Order, *Dispute, error) {
	d, err := a.svc.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}

	order, dispute, err := a.svc.mutate(ctx, op, actor, d.OrderID, func(o *Order, now time.Time) (*Dispute, bool, error) {
		current, err := a.svc.store.GetDispute(ctx, disputeID)
		if err != nil {
			return nil, false, err
		}
		if !current.IsOpen() {
			return nil, false, ErrAlreadyResolved
		}
		if err := requireStatus(o, StatusDisputed); err != nil {
			return nil, false, err
		}

		if outcome == DisputeResolvedRelease {
			markReleased(o, now)
		} else {
			markRefunded(o, now)
		}
		closed := current.clone()
		closeDispute(closed, outcome, actor.ID, note, now)
		return closed, false, nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(outcome)).Inc()
	if a.svc.notifier != nil {
		a.svc.notifier.EmitDisputeResolved(ctx, order.CustomerID, order.SellerID, order.ID, dispute.ID, string(outcome))
	}
	return order, dispute, nil
}

// GetDispute returns a dispute visible to actor.
func (a *Arbitrator) GetDispute(ctx context.Context, actor auth.Actor, id string) (*Dispute, error) {
	d, err := a.svc.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() || d.RaisedBy == actor.ID {
		return d, nil
	}
	if _, err := a.svc.GetOrder(ctx, actor, d.OrderID); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDisputes returns an order's dispute history, oldest first.
func (a *Arbitrator) ListDisputes(ctx context.Context, actor auth.Actor, orderID string) ([]*Dispute, error) {
	if _, err := a.svc.GetOrder(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return a.svc.store.ListDisputes(ctx, orderID)
}

// ListOpenDisputes returns the admin queue of open disputes, oldest first.
func (a *Arbitrator) ListOpenDisputes(ctx context.Context, actor auth.Actor, limit int) ([]*Dispute, error) {
	if !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	return a.svc.store.ListOpenDisputes(ctx, pagination.ClampLimit(limit))
}

func closeDispute(d *Dispute, outcome DisputeStatus, by, note string, now time.Time) {
	d.Status = outcome
	d.ResolvedBy = by
	d.ResolutionNote = strings.TrimSpace(note)
	d.ResolvedAt = &now
}
