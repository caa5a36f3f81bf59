// Package escrow holds a buyer's payment for an order until it is released
// to the seller or refunded to the buyer.
//
// Flow:
//  1. Payment captured: order created with escrow held
//  2. Seller confirms delivery: held → seller_confirmed
//  3. Buyer confirms receipt: seller_confirmed → buyer_confirmed
//  4. Admin releases (or buyer releases early from held): → released
//  5. Buyer disputes before release: → disputed, settled by admin as released or refunded
//  6. Admin refunds any unsettled order: → refunded
//
// Nothing moves money automatically. Orders whose seller confirmation is
// older than the auto-release window are only flagged as release-ready.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tradehold/internal/pagination"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrInvalidTransition   = errors.New("invalid transition for current order state")
	ErrAlreadyDisputed     = errors.New("order already has an open dispute")
	ErrAlreadyResolved     = errors.New("dispute already resolved")
	ErrUnauthorized        = errors.New("not authorized for this order operation")
	ErrConflict            = errors.New("order was modified concurrently")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidReason       = errors.New("invalid dispute reason")
	ErrInvalidOutcome      = errors.New("invalid dispute outcome")
	ErrAmountMismatch      = errors.New("amount does not match negotiated price")
	ErrNotPurchasable      = errors.New("negotiation has no purchasable price for this buyer")
	ErrNegotiationNotFound = errors.New("negotiation not found")
)

// Status is the escrow state of an order.
type Status string

const (
	StatusHeld            Status = "held"             // Payment captured, funds held
	StatusSellerConfirmed Status = "seller_confirmed" // Seller attests delivery
	StatusBuyerConfirmed  Status = "buyer_confirmed"  // Buyer acknowledges receipt
	StatusReleased        Status = "released"         // Funds paid out to seller
	StatusDisputed        Status = "disputed"         // Open dispute, settlement pending
	StatusRefunded        Status = "refunded"         // Funds returned to buyer
)

// FulfillmentStatus tracks shipping progress. It never moves money.
type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentProcessing FulfillmentStatus = "processing"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCancelled  FulfillmentStatus = "cancelled"
	FulfillmentReturned   FulfillmentStatus = "returned"
)

// DefaultCurrency applies when a capture names none.
const DefaultCurrency = "USD"

// Order is a purchase whose payment is held in escrow.
type Order struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customerId"`
	SellerID          string            `json:"sellerId"`
	ProductID         string            `json:"productId"`
	NegotiationID     string            `json:"negotiationId,omitempty"`
	Amount            int64             `json:"amount"` // minor units
	Currency          string            `json:"currency"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillmentStatus"`
	EscrowStatus      Status            `json:"escrowStatus"`
	SellerConfirmedAt *time.Time        `json:"sellerConfirmedAt,omitempty"`
	EscrowReleasedAt  *time.Time        `json:"escrowReleasedAt,omitempty"`
	RefundedAt        *time.Time        `json:"refundedAt,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// IsTerminal returns true once funds have left escrow.
func (o *Order) IsTerminal() bool {
	return o.EscrowStatus == StatusReleased || o.EscrowStatus == StatusRefunded
}

func (o *Order) clone() *Order {
	cp := *o
	cp.SellerConfirmedAt = cloneTime(o.SellerConfirmedAt)
	cp.EscrowReleasedAt = cloneTime(o.EscrowReleasedAt)
	cp.RefundedAt = cloneTime(o.RefundedAt)
	return &cp
}

// DisputeReason classifies a buyer's complaint against an order.
type DisputeReason string

const (
	ReasonWrongItem      DisputeReason = "wrong_item"
	ReasonDamaged        DisputeReason = "damaged"
	ReasonNotReceived    DisputeReason = "not_received"
	ReasonNotAsDescribed DisputeReason = "not_as_described"
	ReasonOther          DisputeReason = "other"
)

// Valid reports whether r is a known reason.
func (r DisputeReason) Valid() bool {
	switch r {
	case ReasonWrongItem, ReasonDamaged, ReasonNotReceived, ReasonNotAsDescribed, ReasonOther:
		return true
	}
	return false
}

// DisputeStatus is the state of a dispute. Resolved statuses name the outcome.
type DisputeStatus string

const (
	DisputeOpen            DisputeStatus = "open"
	DisputeResolvedRelease DisputeStatus = "resolved_release"
	DisputeResolvedRefund  DisputeStatus = "resolved_refund"
)

// Dispute is a buyer's formal challenge to an order before release.
type Dispute struct {
	ID             string        `json:"id"`
	OrderID        string        `json:"orderId"`
	RaisedBy       string        `json:"raisedBy"`
	Reason         DisputeReason `json:"reason"`
	Description    string        `json:"description,omitempty"`
	Status         DisputeStatus `json:"status"`
	ResolvedBy     string        `json:"resolvedBy,omitempty"`
	ResolutionNote string        `json:"resolutionNote,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ResolvedAt     *time.Time    `json:"resolvedAt,omitempty"`
}

// IsOpen reports whether the dispute still awaits a decision.
func (d *Dispute) IsOpen() bool { return d.Status == DisputeOpen }

func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	return &cp
}

// Transition is one atomic write: the order's new state, guarded by the
// version it was read at, plus an optional dispute insert or update.
type Transition struct {
	Order           *Order
	ExpectedVersion int64
	Dispute         *Dispute
	CreateDispute   bool
}

// OrderFilter narrows ListOrders. Results are newest first.
type OrderFilter struct {
	CustomerID string
	SellerID   string
	Status     Status
	Cursor     *pagination.Cursor
	Limit      int
}

// Store persists orders and disputes.
//
// ApplyTransition must be all-or-nothing. It fails with ErrConflict when the
// stored order version differs from ExpectedVersion, ErrAlreadyDisputed when
// creating a dispute for an order that has an open one, and
// ErrAlreadyResolved when updating a dispute that is no longer open.
type Store interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Order, error)
	ApplyTransition(ctx context.Context, t Transition) error

	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetOpenDispute(ctx context.Context, orderID string) (*Dispute, error)
	ListDisputes(ctx context.Context, orderID string) ([]*Dispute, error)
	ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error)
}

// Quote is the price a negotiation settled on.
type Quote struct {
	Price     int64
	SellerID  string
	ProductID string
}

// PriceSource lets checkout buy at a negotiated price. ConsumeForOrder claims
// the negotiation for orderID; ReleaseConsumption undoes a claim whose order
// could not be stored. Refusals should wrap ErrNotPurchasable.
type PriceSource interface {
	ConsumeForOrder(ctx context.Context, negotiationID, customerID, orderID string) (Quote, error)
	ReleaseConsumption(ctx context.Context, negotiationID, orderID string) error
}

// Notifier tells parties about settled money and disputes. Implementations
// must not block; failures are theirs to log.
type Notifier interface {
	EmitOrderReleased(ctx context.Context, sellerID, orderID, customerID string, amount int64)
	EmitOrderRefunded(ctx context.Context, customerID, orderID, sellerID string, amount int64)
	EmitDisputeOpened(ctx context.Context, sellerID, orderID, disputeID, reason string)
	EmitDisputeResolved(ctx context.Context, customerID, sellerID, orderID, disputeID, outcome string)
}

// CaptureRequest records a captured payment as a held order.
type CaptureRequest struct {
	CustomerID    string `json:"customerId"`
	SellerID      string `json:"sellerId"`
	ProductID     string `json:"productId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	NegotiationID string `json:"negotiationId"`
}

// RaiseDisputeRequest opens a dispute.
type RaiseDisputeRequest struct {
	Reason      DisputeReason `json:"reason" binding:"required"`
	Description string        `json:"description"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
