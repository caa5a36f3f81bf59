// Package negotiation runs price-negotiation threads between a buyer and a
// seller over one product.
//
// Flow:
//  1. Buyer proposes a price: thread is pending
//  2. Seller accepts or rejects the offer
//  3. Seller may layer a counter-offer on top, even after deciding
//  4. Buyer accepts or rejects the counter
//  5. Checkout consumes the accepted price for exactly one order
//
// The chat log is independent of the offer state and only ever grows.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("negotiation not found")
	ErrInvalidTransition = errors.New("invalid transition for current negotiation state")
	ErrUnauthorized      = errors.New("not authorized for this negotiation")
	ErrInvalidPrice      = errors.New("price must be greater than zero")
	ErrMissingParty      = errors.New("productId and sellerId are required")
	ErrInvalidDecision   = errors.New("decision must be accepted or rejected")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrNotPurchasable    = errors.New("negotiation has no purchasable price")
	ErrAlreadyConsumed   = errors.New("negotiated price already used by an order")
	ErrConflict          = errors.New("negotiation was modified concurrently")
)

// Status is the seller's decision on the original offer.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// CounterResponse is the buyer's answer to a counter-offer.
type CounterResponse string

const (
	CounterNone     CounterResponse = "none" // awaiting buyer
	CounterAccepted CounterResponse = "accepted"
	CounterRejected CounterResponse = "rejected"
)

// Decision is an accept/reject answer from either party.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is accepted or rejected.
func (d Decision) Valid() bool {
	return d == DecisionAccepted || d == DecisionRejected
}

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderBuyer  Sender = "buyer"
	SenderSeller Sender = "seller"
)

// Counter is a seller's counter-offer. A response only exists with a counter.
type Counter struct {
	Price       int64           `json:"price"`
	Message     string          `json:"message,omitempty"`
	Response    CounterResponse `json:"response"`
	CreatedAt   time.Time       `json:"createdAt"`
	RespondedAt *time.Time      `json:"respondedAt,omitempty"`
}

// ChatMessage is one entry of the append-only chat log.
type ChatMessage struct {
	Seq       int       `json:"seq"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Negotiation is one offer thread between a buyer and a seller for a product.
type Negotiation struct {
	ID                string        `json:"id"`
	ProductID         string        `json:"productId"`
	SellerID          string        `json:"sellerId"`
	CustomerID        string        `json:"customerId"`
	CustomerName      string        `json:"customerName,omitempty"`
	ProposedPrice     int64         `json:"proposedPrice"`
	Message           string        `json:"message,omitempty"`
	Status            Status        `json:"status"`
	Counter           *Counter      `json:"counter,omitempty"`
	Messages          []ChatMessage `json:"messages"`
	ConsumedByOrderID string        `json:"consumedByOrderId,omitempty"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// PurchasablePrice returns the price checkout may charge: an accepted
// counter, or an accepted offer with no counter awaiting the buyer.
func (n *Negotiation) PurchasablePrice() (int64, bool) {
	if c := n.Counter; c != nil {
		switch c.Response {
		case CounterAccepted:
			return c.Price, true
		case CounterNone:
			return 0, false
		}
	}
	if n.Status == StatusAccepted {
		return n.ProposedPrice, true
	}
	return 0, false
}

// IsDeadEnd reports a rejected offer with no live counter.
func (n *Negotiation) IsDeadEnd() bool {
	if n.Status != StatusRejected {
		return false
	}
	return n.Counter == nil || n.Counter.Response == CounterRejected
}

// IsConsumed reports whether checkout already used the negotiated price.
func (n *Negotiation) IsConsumed() bool {
	return n.ConsumedByOrderID != ""
}

// IsTerminal reports whether the offer can no longer change hands.
func (n *Negotiation) IsTerminal() bool {
	return n.IsConsumed() || n.IsDeadEnd()
}

// MarshalJSON adds the flat counter fields older observers read.
func (n Negotiation) MarshalJSON() ([]byte, error) {
	type plain Negotiation
	out := struct {
		plain
		CounterPrice     *int64          `json:"counterPrice"`
		CounterMessage   *string         `json:"counterMessage"`
		CounterStatus    CounterResponse `json:"counterStatus"`
		PurchasablePrice *int64          `json:"purchasablePrice,omitempty"`
	}{plain: plain(n), CounterStatus: CounterNone}

	if out.Messages == nil {
		out.Messages = []ChatMessage{}
	}
	if c := n.Counter; c != nil {
		price, msg := c.Price, c.Message
		out.CounterPrice = &price
		out.CounterMessage = &msg
		out.CounterStatus = c.Response
	}
	if p, ok := n.PurchasablePrice(); ok && !n.IsConsumed() {
		out.PurchasablePrice = &p
	}
	return json.Marshal(out)
}

func (n *Negotiation) clone() *Negotiation {
	cp := *n
	if n.Counter != nil {
		c := *n.Counter
		if c.RespondedAt != nil {
			t := *c.RespondedAt
			c.RespondedAt = &t
		}
		cp.Counter = &c
	}
	cp.Messages = append([]ChatMessage(nil), n.Messages...)
	return &cp
}

// ProposeRequest opens a thread.
type ProposeRequest struct {
	ProductID    string `json:"productId" binding:"required"`
	SellerID     string `json:"sellerId" binding:"required"`
	Price        int64  `json:"price" binding:"required"`
	Message      string `json:"message"`
	CustomerName string `json:"customerName"`
}

// Store persists negotiations and their chat logs.
//
// Update replaces the offer fields (not the chat log) when the stored
// version equals expectedVersion, else fails with ErrConflict.
// AppendMessage assigns the next sequence number atomically.
type Store interface {
	Create(ctx context.Context, n *Negotiation) error
	Get(ctx context.Context, id string) (*Negotiation, error)
	Update(ctx context.Context, n *Negotiation, expectedVersion int64) error
	AppendMessage(ctx context.Context, id string, msg ChatMessage) (ChatMessage, error)
	ListByProduct(ctx context.Context, productID string, limit int) ([]*Negotiation, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Negotiation, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Negotiation, error)
	// ListConsumedBefore returns claimed threads last updated before cutoff
	// and positioned after after, oldest first, without their chat logs.
	ListConsumedBefore(ctx context.Context, cutoff time.Time, after ClaimPosition, limit int) ([]*Negotiation, error)
}

// ClaimPosition is a keyset position in (UpdatedAt, ID) ascending order.
// The zero value starts before the oldest claim.
type ClaimPosition struct {
	UpdatedAt time.Time
	ID        string
}

// PositionOf returns the position just past n.
func PositionOf(n *Negotiation) ClaimPosition {
	return ClaimPosition{UpdatedAt: n.UpdatedAt, ID: n.ID}
}

// Before reports whether the position comes before a thread at (updatedAt, id).
func (p ClaimPosition) Before(updatedAt time.Time, id string) bool {
	if updatedAt.Equal(p.UpdatedAt) {
		return id > p.ID
	}
	return updatedAt.After(p.UpdatedAt)
}

// Notifier tells the other party about accepted prices. Implementations must
// not block.
type Notifier interface {
	EmitOfferAccepted(ctx context.Context, customerID, negotiationID, productID string, price int64)
	EmitCounterOffered(ctx context.Context, customerID, negotiationID, productID string, price int64)
	EmitCounterAccepted(ctx context.Context, sellerID, negotiationID, productID string, price int64)
}

// CustomerNamer supplies a display name when the buyer gives none.
type CustomerNamer interface {
	CustomerLabel(ctx context.Context, customerID string) string
}
