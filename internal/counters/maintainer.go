// Package counters keeps a project's reported/resolved/unresolved counters
// equal to what its aggregate set says.
package counters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	triggerWrite     = "write"
	triggerReconcile = "reconcile"

	maxRetries = 3
)

// Maintainer recomputes and persists project counters.
type Maintainer struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	// initialInterval is the first retry delay. Tests shorten it.
	initialInterval time.Duration
}

// NewMaintainer creates a Maintainer.
func NewMaintainer(s store.Store, logger *slog.Logger, m *metrics.Metrics) *Maintainer {
	return &Maintainer{store: s, logger: logger, metrics: m, initialInterval: 50 * time.Millisecond}
}

// Refresh recounts projectID's aggregates and stores the result. Transient
// failures are retried with exponential backoff; a missing project is not.
func (m *Maintainer) Refresh(ctx context.Context, projectID uuid.UUID) (models.ProjectCounters, error) {
	return m.refresh(ctx, projectID, triggerWrite)
}

// RefreshAll refreshes every project. It keeps going past failures and
// returns them joined.
func (m *Maintainer) RefreshAll(ctx context.Context) error {
	ids, err := m.store.ListProjectIDs(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := m.refresh(ctx, id, triggerReconcile); err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Maintainer) refresh(ctx context.Context, projectID uuid.UUID, trigger string) (models.ProjectCounters, error) {
	var counters models.ProjectCounters

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)

	err := backoff.Retry(func() error {
		c, err := m.store.CountAggregates(ctx, projectID)
		if err != nil {
			return err
		}
		if err := m.store.UpdateProjectCounters(ctx, projectID, c); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		counters = c
		return nil
	}, policy)

	m.metrics.RecordCounterRefresh(trigger, err == nil)
	if err != nil {
		m.logger.ErrorContext(ctx, "counter refresh failed",
			"project_id", projectID,
			"trigger", trigger,
			"error", err,
		)
		return models.ProjectCounters{}, fmt.Errorf("refresh counters: %w", err)
	}
	return counters, nil
}
