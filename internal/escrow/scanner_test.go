package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradehold/internal/metrics"
)

func TestReadinessScanner_AnnouncesOnceAndNeverMutates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.capture(t, 100)
	_, err := f.svc.SellerConfirmDelivery(ctx, seller, o.ID)
	require.NoError(t, err)

	scanBus := &recorder{}
	scanner := NewReadinessScanner(f.svc, scanBus, time.Minute, slog.Default())

	ready, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ReleaseReadyOrders))

	f.clock.Advance(73 * time.Hour)
	ready, err = scanner.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReleaseReadyOrders))
	assert.Equal(t, []string{"order:release_ready"}, scanBus.ops())

	_, err = scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, scanBus.ops(), 1, "already announced")

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSellerConfirmed, stored.EscrowStatus)
	assert.Equal(t, int64(2), stored.Version)

	_, err = f.svc.AdminRelease(ctx, admin, o.ID)
	require.NoError(t, err)
	ready, err = scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ReleaseReadyOrders))
}

func TestReadinessScanner_StartStop(t *testing.T) {
	f := newFixture(t)
	scanner := NewReadinessScanner(f.svc, nil, 10*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		scanner.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, scanner.Running, time.Second, 5*time.Millisecond)
	scanner.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
	assert.False(t, scanner.Running())
}
