// Package reconciliation repairs negotiated prices claimed by orders that were
// never written.
//
// Checkout claims a negotiation before it writes the order. When the write
// fails and the compensating release also fails, or the process dies between
// the two, the thread stays consumed by an order id nothing knows about and
// the buyer can never buy at that price. The Runner finds such claims and
// frees them.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/negotiation"
)

// DefaultGrace is how old a claim must be before it is checked. It is far
// longer than any checkout takes.
const DefaultGrace = 15 * time.Minute

const (
	defaultBatch = 200
	maxPages     = 10
)

// Orders looks up orders by id.
type Orders interface {
	Get(ctx context.Context, id string) (*escrow.Order, error)
}

// Claims lists and frees negotiation claims.
type Claims interface {
	ListStaleClaims(ctx context.Context, olderThan time.Duration, after negotiation.ClaimPosition, limit int) ([]*negotiation.Negotiation, error)
	ReleaseConsumption(ctx context.Context, id, orderID string) error
}

// Report summarizes one run.
type Report struct {
	Checked    int           `json:"checked"`
	Orphaned   int           `json:"orphaned"`
	Released   int           `json:"released"`
	Mismatched int           `json:"mismatched"`
	Duration   time.Duration `json:"duration"`
}

// Runner checks stale claims against the order ledger. Healthy claims stay
// claimed forever, so the runner walks them in keyset order and resumes where
// the previous run stopped, starting over after the newest one.
type Runner struct {
	orders Orders
	claims Claims
	grace  time.Duration
	batch  int
	pages  int
	logger *slog.Logger

	mu     sync.Mutex
	cursor negotiation.ClaimPosition
}

// NewRunner creates a runner with DefaultGrace.
func NewRunner(orders Orders, claims Claims, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{orders: orders, claims: claims, grace: DefaultGrace, batch: defaultBatch, pages: maxPages, logger: logger}
}

// WithGrace sets the minimum claim age.
func (r *Runner) WithGrace(d time.Duration) *Runner {
	if d > 0 {
		r.grace = d
	}
	return r
}

// RunAll checks up to a fixed number of batches of stale claims. A claim is
// orphaned when its order does not exist or points at a different
// negotiation; orphaned claims are released. An existing order whose amount
// differs from the negotiated price is only reported. Runs are serialized.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	report := &Report{}
	defer func() {
		report.Duration = time.Since(start)
		runDuration.Observe(report.Duration.Seconds())
		orphanedClaims.Set(float64(report.Orphaned))
		mismatchedAmounts.Set(float64(report.Mismatched))
	}()

	var errs []error
	for page := 0; page < r.pages; page++ {
		stale, err := r.claims.ListStaleClaims(ctx, r.grace, r.cursor, r.batch)
		if err != nil {
			runErrors.Inc()
			errs = append(errs, fmt.Errorf("list stale claims: %w", err))
			break
		}
		for _, n := range stale {
			if err := r.check(ctx, n, report); err != nil {
				errs = append(errs, err)
			}
		}
		if len(stale) < r.batch {
			r.cursor = negotiation.ClaimPosition{}
			break
		}
		r.cursor = negotiation.PositionOf(stale[len(stale)-1])
	}

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}

func (r *Runner) check(ctx context.Context, n *negotiation.Negotiation, report *Report) error {
	report.Checked++
	order, err := r.orders.Get(ctx, n.ConsumedByOrderID)
	switch {
	case errors.Is(err, escrow.ErrOrderNotFound):
	case err != nil:
		runErrors.Inc()
		return fmt.Errorf("order %s: %w", n.ConsumedByOrderID, err)
	case order.NegotiationID == n.ID:
		if price, ok := n.PurchasablePrice(); ok && price != order.Amount {
			report.Mismatched++
			r.logger.Warn("order amount differs from negotiated price",
				"order_id", order.ID, "negotiation_id", n.ID, "amount", order.Amount, "price", price)
		}
		return nil
	}

	report.Orphaned++
	if err := r.claims.ReleaseConsumption(ctx, n.ID, n.ConsumedByOrderID); err != nil {
		runErrors.Inc()
		return fmt.Errorf("release %s: %w", n.ID, err)
	}
	report.Released++
	claimsReleased.Inc()
	r.logger.Info("released orphaned negotiation claim", "negotiation_id", n.ID, "order_id", n.ConsumedByOrderID)
	return nil
}
