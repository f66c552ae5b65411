package counters

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler periodically refreshes every project's counters, repairing any
// refresh that was lost after a write committed.
type Reconciler struct {
	maintainer *Maintainer
	cron       *cron.Cron
	timeout    time.Duration
	logger     *slog.Logger
}

// NewReconciler schedules RefreshAll on schedule, a standard cron expression
// or descriptor such as "@every 5m". Overlapping runs are skipped.
func NewReconciler(m *Maintainer, schedule string, timeout time.Duration, logger *slog.Logger) (*Reconciler, error) {
	cl := cronLogger{logger: logger}
	r := &Reconciler{
		maintainer: m,
		cron:       cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		timeout:    timeout,
		logger:     logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.Run); err != nil {
		return nil, fmt.Errorf("schedule reconciler %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins running the schedule in the background.
func (r *Reconciler) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish or ctx to end.
func (r *Reconciler) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := time.Now()
	if err := r.maintainer.RefreshAll(ctx); err != nil {
		r.logger.Error("counter reconciliation incomplete", "error", err)
		return
	}
	r.logger.Info("counters reconciled", "duration_ms", time.Since(start).Milliseconds())
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
