package complaints

import (
	"context"
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

type recorder struct {
	mu      sync.Mutex
	changes []events.Change
}

func (r *recorder) Publish(_ context.Context, c events.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

type labels struct{}

func (labels) CustomerLabel(_ context.Context, id string) string { return "customer " + id }
func (labels) SellerLabel(_ context.Context, id string) string   { return "seller " + id }

func newTestService(t *testing.T) (*Service, *recorder, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := &recorder{}
	svc := NewService(NewMemoryStore(), bus).
		WithNames(labels{}).
		WithClock(func() time.Time { return now })
	return svc, bus, &now
}

func file(t *testing.T, svc *Service, actor auth.Actor) *Complaint {
	t.Helper()
	c, err := svc.File(context.Background(), actor, FileRequest{
		OrderID:     "ord_1",
		SellerID:    seller.ID,
		Type:        TypeNonDelivery,
		Description: "never shipped",
	})
	require.NoError(t, err)
	return c
}

func TestFile(t *testing.T) {
	svc, bus, _ := newTestService(t)
	c := file(t, svc, buyer)

	assert.Equal(t, StatusOpen, c.Status)
	assert.Equal(t, "customer cust_1", c.ReporterName)
	assert.Equal(t, "seller sell_1", c.SellerName)
	require.Len(t, bus.changes, 1)
	assert.Equal(t, events.EntityComplaint, bus.changes[0].Entity)
	assert.Equal(t, "ord_1", bus.changes[0].OrderID)
}

func TestFile_Invalid(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.File(ctx, buyer, FileRequest{Type: "rude", Description: "x"})
	assert.ErrorIs(t, err, ErrInvalidType)
	_, err = svc.File(ctx, buyer, FileRequest{Type: TypeOther, Description: "  "})
	assert.ErrorIs(t, err, ErrInvalidComplaint)
	_, err = svc.File(ctx, seller, FileRequest{SellerID: seller.ID, Type: TypeOther, Description: "me"})
	assert.ErrorIs(t, err, ErrInvalidComplaint)
	_, err = svc.File(ctx, auth.Actor{}, FileRequest{Type: TypeOther, Description: "x"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUpdateStatus(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		ok   bool
	}{
		{"open to investigating to resolved", []Status{StatusInvestigating, StatusResolved}, true},
		{"open straight to resolved", []Status{StatusResolved}, true},
		{"resolved is final", []Status{StatusResolved, StatusInvestigating}, false},
		{"no reopening", []Status{StatusInvestigating, StatusOpen}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			c := file(t, svc, buyer)
			var err error
			for _, st := range tt.path {
				_, err = svc.UpdateStatus(context.Background(), admin, c.ID, st)
				if err != nil {
					break
				}
			}
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestUpdateStatus_AdminOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := file(t, svc, buyer)

	_, err := svc.UpdateStatus(context.Background(), buyer, c.ID, StatusResolved)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.UpdateStatus(context.Background(), admin, "cmp_missing", StatusResolved)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVisibilityAndList(t *testing.T) {
	svc, _, now := newTestService(t)
	ctx := context.Background()

	mine := file(t, svc, buyer)
	*now = now.Add(time.Minute)
	file(t, svc, otherBuyer)

	_, err := svc.Get(ctx, otherBuyer, mine.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Get(ctx, seller, mine.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	got, err := svc.Get(ctx, admin, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)

	list, err := svc.List(ctx, buyer, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	list, err = svc.List(ctx, admin, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, otherBuyer.ID, list[0].ReporterID, "newest first")

	_, err = svc.UpdateStatus(ctx, admin, mine.ID, StatusInvestigating)
	require.NoError(t, err)
	list, err = svc.List(ctx, admin, Filter{Status: StatusInvestigating})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)
}
