package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs the Runner once at start, which catches claims left by a crash,
// and then on every tick.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a timer that runs every interval (5m when zero).
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{runner: runner, interval: interval, logger: logger, stop: make(chan struct{})}
}

// Running reports whether Start is looping.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks until ctx ends or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	for {
		t.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-tick.C:
		}
	}
}

// Stop ends the loop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			runErrors.Inc()
			t.logger.Error("panic in claim reconciliation", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		t.logger.Warn("claim reconciliation incomplete", "checked", report.Checked, "error", err)
		return
	}
	if report.Orphaned > 0 || report.Mismatched > 0 {
		t.logger.Info("claim reconciliation",
			"checked", report.Checked,
			"orphaned", report.Orphaned,
			"released", report.Released,
			"mismatched", report.Mismatched,
			"duration", report.Duration,
		)
	}
}
