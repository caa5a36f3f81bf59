package webhooks

import (
	"context"
	"time"

	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/negotiation"
)

// Emitter turns protocol notifications into webhook events. Every method
// returns immediately; delivery happens in the background.
type Emitter struct {
	d   *Dispatcher
	now func() time.Time
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher) *Emitter {
	return &Emitter{d: d, now: time.Now}
}

func (e *Emitter) emit(partyID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil || partyID == "" {
		return
	}
	e.d.Enqueue(partyID, &Event{
		ID:        idgen.WithPrefix(idgen.EventPrefix),
		Type:      eventType,
		Timestamp: e.now(),
		Data:      data,
	})
}

// --- Escrow events ---

// EmitOrderReleased tells the seller their funds were released.
func (e *Emitter) EmitOrderReleased(_ context.Context, sellerID, orderID, customerID string, amount int64) {
	e.emit(sellerID, EventOrderReleased, map[string]interface{}{
		"orderId":    orderID,
		"sellerId":   sellerID,
		"customerId": customerID,
		"amount":     amount,
	})
}

// EmitOrderRefunded tells the buyer their payment was refunded.
func (e *Emitter) EmitOrderRefunded(_ context.Context, customerID, orderID, sellerID string, amount int64) {
	e.emit(customerID, EventOrderRefunded, map[string]interface{}{
		"orderId":    orderID,
		"sellerId":   sellerID,
		"customerId": customerID,
		"amount":     amount,
	})
}

// EmitDisputeOpened tells the seller an order they fulfil is disputed.
func (e *Emitter) EmitDisputeOpened(_ context.Context, sellerID, orderID, disputeID, reason string) {
	e.emit(sellerID, EventDisputeOpened, map[string]interface{}{
		"orderId":   orderID,
		"disputeId": disputeID,
		"reason":    reason,
	})
}

// EmitDisputeResolved tells both parties how a dispute ended.
func (e *Emitter) EmitDisputeResolved(_ context.Context, customerID, sellerID, orderID, disputeID, outcome string) {
	data := map[string]interface{}{
		"orderId":   orderID,
		"disputeId": disputeID,
		"outcome":   outcome,
	}
	e.emit(customerID, EventDisputeResolved, data)
	e.emit(sellerID, EventDisputeResolved, data)
}

// --- Negotiation events ---

// EmitOfferAccepted tells the buyer the seller took their offer.
func (e *Emitter) EmitOfferAccepted(_ context.Context, customerID, negotiationID, productID string, price int64) {
	e.emit(customerID, EventOfferAccepted, map[string]interface{}{
		"negotiationId": negotiationID,
		"productId":     productID,
		"price":         price,
	})
}

// EmitCounterOffered tells the buyer the seller countered.
func (e *Emitter) EmitCounterOffered(_ context.Context, customerID, negotiationID, productID string, price int64) {
	e.emit(customerID, EventCounterOffered, map[string]interface{}{
		"negotiationId": negotiationID,
		"productId":     productID,
		"price":         price,
	})
}

// EmitCounterAccepted tells the seller the buyer took their counter.
func (e *Emitter) EmitCounterAccepted(_ context.Context, sellerID, negotiationID, productID string, price int64) {
	e.emit(sellerID, EventCounterAccepted, map[string]interface{}{
		"negotiationId": negotiationID,
		"productId":     productID,
		"price":         price,
	})
}

var (
	_ escrow.Notifier      = (*Emitter)(nil)
	_ negotiation.Notifier = (*Emitter)(nil)
)
