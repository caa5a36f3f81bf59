package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/events"
)

var (
	buyer      = auth.Actor{ID: "cust_1", Role: auth.RoleBuyer}
	otherBuyer = auth.Actor{ID: "cust_2", Role: auth.RoleBuyer}
	seller     = auth.Actor{ID: "sell_1", Role: auth.RoleSeller}
	admin      = auth.Actor{ID: "adm_1", Role: auth.RoleAdmin}
)

// recorder captures published changes.
type recorder struct {
	mu      sync.Mutex
	changes []events.Change
}

func (r *recorder) Publish(_ context.Context, c events.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.changes))
	for i, c := range r.changes {
		out[i] = string(c.Entity) + ":" + c.Op
	}
	return out
}

// fakeNotifier records notification calls.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeNotifier) EmitOrderReleased(_ context.Context, sellerID, orderID, _ string, _ int64) {
	f.record("released:" + orderID)
}

func (f *fakeNotifier) EmitOrderRefunded(_ context.Context, _, orderID, _ string, _ int64) {
	f.record("refunded:" + orderID)
}

func (f *fakeNotifier) EmitDisputeOpened(_ context.Context, _, orderID, _, reason string) {
	f.record("dispute_opened:" + reason)
}

func (f *fakeNotifier) EmitDisputeResolved(_ context.Context, _, _, _, _, outcome string) {
	f.record("dispute_resolved:" + outcome)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *MemoryStore
	svc      *Service
	arb      *Arbitrator
	bus      *recorder
	notifier *fakeNotifier
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		bus:      &recorder{},
		notifier: &fakeNotifier{},
		clock:    newClock(),
	}
	f.svc = NewService(f.store, f.bus).WithNotifier(f.notifier).WithClock(f.clock.Now)
	f.arb = NewArbitrator(f.svc)
	return f
}

func (f *fixture) capture(t *testing.T, amount int64) *Order {
	t.Helper()
	o, err := f.svc.CaptureOrder(context.Background(), buyer, CaptureRequest{
		SellerID:  seller.ID,
		ProductID: "prod_1",
		Amount:    amount,
	})
	require.NoError(t, err)
	return o
}

func TestCaptureOrder(t *testing.T) {
	f := newFixture(t)
	o := f.capture(t, 50000)

	assert.Equal(t, StatusHeld, o.EscrowStatus)
	assert.Equal(t, FulfillmentPending, o.FulfillmentStatus)
	assert.Equal(t, buyer.ID, o.CustomerID)
	assert.Equal(t, DefaultCurrency, o.Currency)
	assert.Equal(t, int64(1), o.Version)
	assert.Contains(t, o.ID, "ord_")
	assert.Equal(t, []string{"order:captured"}, f.bus.ops())
}

func TestCaptureOrder_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		actor auth.Actor
		req   CaptureRequest
		want  error
	}{
		{"zero amount", buyer, CaptureRequest{SellerID: "s", ProductID: "p"}, ErrInvalidAmount},
		{"negative amount", buyer, CaptureRequest{SellerID: "s", ProductID: "p", Amount: -5}, ErrInvalidAmount},
		{"missing seller", buyer, CaptureRequest{ProductID: "p", Amount: 10}, ErrInvalidAmount},
		{"seller cannot buy", seller, CaptureRequest{SellerID: "s", ProductID: "p", Amount: 10}, ErrUnauthorized},
		{"buyer for someone else", buyer, CaptureRequest{CustomerID: "cust_9", SellerID: "s", ProductID: "p", Amount: 10}, ErrUnauthorized},
		{"self dealing", buyer, CaptureRequest{SellerID: buyer.ID, ProductID: "p", Amount: 10}, ErrUnauthorized},
		{"admin needs customer", admin, CaptureRequest{SellerID: "s", ProductID: "p", Amount: 10}, ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CaptureOrder(ctx, tt.actor, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.bus.ops())
}

func TestCaptureOrder_AdminOnBehalf(t *testing.T) {
	f := newFixture(t)
	o, err := f.svc.CaptureOrder(context.Background(), admin, CaptureRequest{
		CustomerID: buyer.ID, SellerID: seller.ID, ProductID: "prod_1", Amount: 100, Currency: "eur",
	})
	require.NoError(t, err)
	assert.Equal(t, buyer.ID, o.CustomerID)
	assert.Equal(t, "EUR", o.Currency)
}

// Scenario: capture, seller confirms, eligibility flips at 72h, admin releases,
// further buyer confirmation is refused.
func TestScenario_ConfirmEligibleAdminRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.capture(t, 50000)
	require.Equal(t, StatusHeld, o.EscrowStatus)

	o, err := f.svc.SellerConfirmDelivery(ctx, seller, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSellerConfirmed, o.EscrowStatus)
	require.NotNil(t, o.SellerConfirmedAt)
	confirmedAt := *o.SellerConfirmedAt

	elig := f.svc.Eligibility()
	assert.False(t, elig.IsAutoReleaseEligible(o, confirmedAt.Add(48*time.Hour)))
	assert.True(t, elig.IsAutoReleaseEligible(o, confirmedAt.Add(72*time.Hour)))

	o, err = f.svc.AdminRelease(ctx, admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, o.EscrowStatus)
	require.NotNil(t, o.EscrowReleasedAt)
	assert.Equal(t, FulfillmentPending, o.FulfillmentStatus, "admin release leaves fulfillment alone")

	_, err = f.svc.BuyerConfirmReceipt(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, []string{"released:" + o.ID}, f.notifier.calls)
}

// Scenario: buyer releases straight from held; later seller confirmation fails.
func TestScenario_BuyerReleaseNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.capture(t, 1200)
	o, err := f.svc.BuyerReleaseNow(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, o.EscrowStatus)
	assert.Equal(t, FulfillmentDelivered, o.FulfillmentStatus)
	assert.Nil(t, o.SellerConfirmedAt)

	_, err = f.svc.SellerConfirmDelivery(ctx, seller, o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitions_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.capture(t, 100)

	_, err := f.svc.SellerConfirmDelivery(ctx, auth.Actor{ID: "sell_2", Role: auth.RoleSeller}, o.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.SellerConfirmDelivery(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.BuyerReleaseNow(ctx, otherBuyer, o.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.AdminRelease(ctx, seller, o.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.AdminRefund(ctx, buyer, o.ID, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, stored.EscrowStatus)
	assert.Equal(t, int64(1), stored.Version)
}

func TestAdminRelease_RefusedFromHeldAndDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held := f.capture(t, 100)
	_, err := f.svc.AdminRelease(ctx, admin, held.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	disputed := f.capture(t, 100)
	_, _, err = f.arb.RaiseDispute(ctx, buyer, disputed.ID, RaiseDisputeRequest{Reason: ReasonNotReceived})
	require.NoError(t, err)
	_, err = f.svc.AdminRelease(ctx, admin, disputed.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdminRelease_FromBuyerConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.capture(t, 100)
	_, err := f.svc.SellerConfirmDelivery(ctx, admin, o.ID)
	require.NoError(t, err)
	o, err = f.svc.BuyerConfirmReceipt(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBuyerConfirmed, o.EscrowStatus)

	o, err = f.svc.AdminRelease(ctx, admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, o.EscrowStatus)
}

func TestAdminRefund_FromEveryOpenState(t *testing.T) {
	ctx := context.Background()
	setups := map[string]func(f *fixture, o *Order){
		"held": func(f *fixture, o *Order) {},
		"seller_confirmed": func(f *fixture, o *Order) {
			_, err := f.svc.SellerConfirmDelivery(ctx, seller, o.ID)
			require.NoError(t, err)
		},
		"buyer_confirmed": func(f *fixture, o *Order) {
			_, err := f.svc.SellerConfirmDelivery(ctx, seller, o.ID)
			require.NoError(t, err)
			_, err = f.svc.BuyerConfirmReceipt(ctx, buyer, o.ID)
			require.NoError(t, err)
		},
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			o := f.capture(t, 700)
			setup(f, o)

			refunded, err := f.svc.AdminRefund(ctx, admin, o.ID, "customer request")
			require.NoError(t, err)
			assert.Equal(t, StatusRefunded, refunded.EscrowStatus)
			assert.NotNil(t, refunded.RefundedAt)
			assert.Nil(t, refunded.EscrowReleasedAt)
		})
	}
}

func TestAdminRefund_ClosesOpenDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.capture(t, 900)
	_, d, err := f.arb.RaiseDispute(ctx, buyer, o.ID, RaiseDisputeRequest{Reason: ReasonDamaged})
	require.NoError(t, err)

	o, err = f.svc.AdminRefund(ctx, admin, o.ID, "refund approved")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, o.EscrowStatus)

	d, err = f.store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DisputeResolvedRefund, d.Status)
	assert.Equal(t, admin.ID, d.ResolvedBy)
	assert.Equal(t, "refund approved", d.ResolutionNote)
}

func TestTerminalOrdersAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	released := f.capture(t, 100)
	released, err := f.svc.BuyerReleaseNow(ctx, buyer, released.ID)
	require.NoError(t, err)

	refunded := f.capture(t, 200)
	refunded, err = f.svc.AdminRefund(ctx, admin, refunded.ID, "")
	require.NoError(t, err)

	for _, o := range []*Order{released, refunded} {
		attempts := []error{}
		_, err := f.svc.SellerConfirmDelivery(ctx, seller, o.ID)
		attempts = append(attempts, err)
		_, err = f.svc.BuyerConfirmReceipt(ctx, buyer, o.ID)
		attempts = append(attempts, err)
		_, err = f.svc.BuyerReleaseNow(ctx, buyer, o.ID)
		attempts = append(attempts, err)
		_, err = f.svc.AdminRelease(ctx, admin, o.ID)
		attempts = append(attempts, err)
		_, err = f.svc.AdminRefund(ctx, admin, o.ID, "")
		attempts = append(attempts, err)
		_, _, err = f.arb.RaiseDispute(ctx, buyer, o.ID, RaiseDisputeRequest{Reason: ReasonOther})
		attempts = append(attempts, err)
		_, err = f.svc.UpdateFulfillment(ctx, seller, o.ID, FulfillmentReturned)
		attempts = append(attempts, err)

		for i, err := range attempts {
			assert.ErrorIs(t, err, ErrInvalidTransition, "attempt %d on %s", i, o.EscrowStatus)
		}

		stored, err := f.store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.EscrowStatus, stored.EscrowStatus)
		assert.Equal(t, o.Amount, stored.Amount)
		assert.Equal(t, o.EscrowReleasedAt, stored.EscrowReleasedAt)
		assert.Equal(t, o.FulfillmentStatus, stored.FulfillmentStatus)
		assert.Equal(t, o.Version, stored.Version)
	}
}

func TestUpdateFulfillment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.capture(t, 100)

	_, err := f.svc.UpdateFulfillment(ctx, seller, o.ID, FulfillmentShipped)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for _, next := range []FulfillmentStatus{FulfillmentProcessing, FulfillmentShipped, FulfillmentDelivered} {
		o, err = f.svc.UpdateFulfillment(ctx, seller, o.ID, next)
		require.NoError(t, err)
		assert.Equal(t, next, o.FulfillmentStatus)
	}
	assert.Equal(t, StatusHeld, o.EscrowStatus, "fulfillment never moves money")

	_, err = f.svc.UpdateFulfillment(ctx, buyer, o.ID, FulfillmentReturned)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGetOrder_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.capture(t, 100)

	for _, a := range []auth.Actor{buyer, seller, admin} {
		_, err := f.svc.GetOrder(ctx, a, o.ID)
		assert.NoError(t, err, a.ID)
	}
	_, err := f.svc.GetOrder(ctx, otherBuyer, o.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.GetOrder(ctx, admin, "ord_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestListOrders_ScopedAndPaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.capture(t, int64(100+i))
		f.clock.Advance(time.Second)
	}
	_, err := f.svc.CaptureOrder(ctx, otherBuyer, CaptureRequest{SellerID: seller.ID, ProductID: "p", Amount: 5})
	require.NoError(t, err)

	mine, err := f.svc.ListOrders(ctx, buyer, OrderFilter{CustomerID: otherBuyer.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 3, "buyers only see their own orders")
	assert.Equal(t, int64(102), mine[0].Amount, "newest first")

	sellers, err := f.svc.ListOrders(ctx, seller, OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, sellers, 4)

	page, err := f.svc.ListOrders(ctx, admin, OrderFilter{CustomerID: buyer.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func TestCheckEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.capture(t, 100)

	report, err := f.svc.CheckEligibility(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.False(t, report.Eligible)
	assert.Nil(t, report.EligibleAt)

	_, err = f.svc.SellerConfirmDelivery(ctx, seller, o.ID)
	require.NoError(t, err)
	f.clock.Advance(72 * time.Hour)

	report, err = f.svc.CheckEligibility(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.True(t, report.Eligible)
	require.NotNil(t, report.EligibleAt)
	assert.Equal(t, StatusSellerConfirmed, report.Status)

	stored, _ := f.store.GetOrder(ctx, o.ID)
	assert.Equal(t, StatusSellerConfirmed, stored.EscrowStatus, "checking eligibility never releases")
}

func TestListReleaseReady(t *testing.T) {
	f := newFixture(t).withWindow(24 * time.Hour)
	ctx := context.Background()

	early := f.capture(t, 100)
	_, err := f.svc.SellerConfirmDelivery(ctx, seller, early.ID)
	require.NoError(t, err)
	f.clock.Advance(12 * time.Hour)

	late := f.capture(t, 200)
	_, err = f.svc.SellerConfirmDelivery(ctx, seller, late.ID)
	require.NoError(t, err)
	f.capture(t, 300) // held, never ready

	f.clock.Advance(13 * time.Hour)
	ready, err := f.svc.ListReleaseReady(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, early.ID, ready[0].ID)

	ready, err = f.svc.ListReleaseReady(ctx, f.clock.Now().Add(12*time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, ready, 2)
}

func (f *fixture) withWindow(d time.Duration) *fixture {
	f.svc.WithAutoReleaseWindow(d)
	return f
}

// conflictStore simulates another replica committing first.
type conflictStore struct {
	*MemoryStore
}

func (c conflictStore) ApplyTransition(ctx context.Context, t Transition) error {
	return ErrConflict
}

func TestMutate_ConflictLeavesNothingBehind(t *testing.T) {
	mem := NewMemoryStore()
	bus := &recorder{}
	svc := NewService(conflictStore{mem}, bus)
	ctx := context.Background()

	o, err := svc.CaptureOrder(ctx, buyer, CaptureRequest{SellerID: seller.ID, ProductID: "p", Amount: 10})
	require.NoError(t, err)

	_, err = svc.SellerConfirmDelivery(ctx, seller, o.ID)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, []string{"order:captured"}, bus.ops(), "no change published on failure")

	stored, err := mem.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, stored.EscrowStatus)
}

func TestConcurrentReleaseAndRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.capture(t, 100)
	_, err := f.svc.SellerConfirmDelivery(ctx, seller, o.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = f.svc.AdminRelease(ctx, admin, o.ID)
	}()
	go func() {
		defer wg.Done()
		_, results[1] = f.svc.AdminRefund(ctx, admin, o.ID, "")
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one settlement wins")

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsTerminal())
	assert.Equal(t, int64(3), stored.Version)
}

// fakePrices is an in-test PriceSource.
type fakePrices struct {
	quote    Quote
	err      error
	consumed map[string]string
	released []string
}

func (p *fakePrices) ConsumeForOrder(_ context.Context, negotiationID, customerID, orderID string) (Quote, error) {
	if p.err != nil {
		return Quote{}, p.err
	}
	if p.consumed == nil {
		p.consumed = make(map[string]string)
	}
	p.consumed[negotiationID] = orderID
	return p.quote, nil
}

func (p *fakePrices) ReleaseConsumption(_ context.Context, negotiationID, orderID string) error {
	delete(p.consumed, negotiationID)
	p.released = append(p.released, negotiationID)
	return nil
}

func TestCaptureOrder_NegotiatedPrice(t *testing.T) {
	f := newFixture(t)
	prices := &fakePrices{quote: Quote{Price: 9500, SellerID: seller.ID, ProductID: "prod_1"}}
	f.svc.WithPriceSource(prices)
	ctx := context.Background()

	o, err := f.svc.CaptureOrder(ctx, buyer, CaptureRequest{NegotiationID: "neg_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(9500), o.Amount)
	assert.Equal(t, seller.ID, o.SellerID)
	assert.Equal(t, "prod_1", o.ProductID)
	assert.Equal(t, o.ID, prices.consumed["neg_1"])
}

func TestCaptureOrder_NegotiatedMismatchReleasesClaim(t *testing.T) {
	f := newFixture(t)
	prices := &fakePrices{quote: Quote{Price: 9500, SellerID: seller.ID, ProductID: "prod_1"}}
	f.svc.WithPriceSource(prices)

	_, err := f.svc.CaptureOrder(context.Background(), buyer, CaptureRequest{NegotiationID: "neg_1", Amount: 8000})
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Empty(t, prices.consumed)
	assert.Equal(t, []string{"neg_1"}, prices.released)
}

func TestCaptureOrder_UnknownNegotiation(t *testing.T) {
	f := newFixture(t)
	f.svc.WithPriceSource(&fakePrices{err: ErrNegotiationNotFound})

	_, err := f.svc.CaptureOrder(context.Background(), buyer, CaptureRequest{NegotiationID: "neg_missing"})
	assert.ErrorIs(t, err, ErrNegotiationNotFound)
	assert.Empty(t, f.bus.ops())
}

func TestCaptureOrder_NotPurchasable(t *testing.T) {
	f := newFixture(t)
	f.svc.WithPriceSource(&fakePrices{err: ErrNotPurchasable})

	_, err := f.svc.CaptureOrder(context.Background(), buyer, CaptureRequest{NegotiationID: "neg_1"})
	assert.ErrorIs(t, err, ErrNotPurchasable)
}
