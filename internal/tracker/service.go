// Package tracker is the ingestion pipeline: it turns error reports into
// deduplicated aggregates and drives the follow-up steps.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/analysis"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/lock"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/notify"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/kiranshivaraju/faultline/pkg/search"
)

// ErrConcurrencyConflict means another writer won a race for the same
// aggregate. Nothing was written; the caller may retry with the same input.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// Notifier dispatches notifications for one aggregate.
type Notifier interface {
	Dispatch(ctx context.Context, agg *models.ErrorAggregate, project *models.Project, reason notify.Reason) notify.DispatchResult
}

// CounterRefresher recomputes a project's counters.
type CounterRefresher interface {
	Refresh(ctx context.Context, projectID uuid.UUID) (models.ProjectCounters, error)
}

// SubmitResult describes what a submission did.
type SubmitResult struct {
	Aggregate  *models.ErrorAggregate
	Transition models.Transition
	// Notified is true when a notification cycle was started.
	Notified bool
}

// ErrorPage is one page of a project's aggregates.
type ErrorPage struct {
	Aggregates []*models.ErrorAggregate
	Total      int
	Counters   models.ProjectCounters
	Page       int
	PerPage    int
}

// Config holds the time budgets of the pipeline.
type Config struct {
	// StoreTimeout bounds lock acquisition plus the match-then-write section.
	StoreTimeout time.Duration
	// NotifyTimeout bounds one background dispatch cycle.
	NotifyTimeout time.Duration
}

// Service runs the pipeline: validate, lock the fingerprint, match, create or
// merge, persist, unlock, refresh counters, then notify in the background.
type Service struct {
	store    store.Store
	matcher  *Matcher
	locker   lock.Locker
	notifier Notifier
	counters CounterRefresher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	builder  search.QueryBuilder

	dispatches sync.WaitGroup
}

// NewService creates a Service.
func NewService(s store.Store, locker lock.Locker, notifier Notifier, counters CounterRefresher, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		store:    s,
		matcher:  NewMatcher(s),
		locker:   locker,
		notifier: notifier,
		counters: counters,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Submit ingests one report. Either the aggregate is created or merged and
// counters are refreshed, or nothing is written. Notification failures never
// fail a submission.
func (s *Service) Submit(ctx context.Context, r models.Report) (*SubmitResult, error) {
	start := time.Now()
	res, err := s.submit(ctx, r)
	s.metrics.RecordSubmission(outcome(res, err), time.Since(start))
	return res, err
}

func (s *Service) submit(ctx context.Context, r models.Report) (*SubmitResult, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.Context = r.Context.Normalize()

	project, err := s.store.GetProject(ctx, r.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	fingerprint := analysis.Fingerprint(r.Message, r.Backtrace)
	var (
		agg        *models.ErrorAggregate
		transition models.Transition
	)
	err = s.withLock(ctx, cache.FingerprintLockKey(r.ProjectID, fingerprint), func(ctx context.Context) error {
		var err error
		agg, transition, err = s.createOrMerge(ctx, r, fingerprint)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "report aggregated",
		"project_id", r.ProjectID,
		"aggregate_id", agg.ID,
		"transition", transition,
	)

	s.refreshCounters(ctx, r.ProjectID)

	res := &SubmitResult{Aggregate: agg, Transition: transition}
	if reason, ok := notify.ReasonFor(transition); ok {
		s.dispatchAsync(agg.Clone(), project, reason)
		res.Notified = true
	}
	return res, nil
}

// createOrMerge runs under the fingerprint lock.
func (s *Service) createOrMerge(ctx context.Context, r models.Report, fingerprint string) (*models.ErrorAggregate, models.Transition, error) {
	existing, err := s.matcher.Find(ctx, r.ProjectID, r.Message, r.Backtrace)
	if errors.Is(err, store.ErrNotFound) {
		agg := models.NewErrorAggregate(r, fingerprint)
		agg.Keywords = analysis.Keywords(agg.Message)
		if err := s.store.CreateAggregate(ctx, agg); err != nil {
			return nil, "", fmt.Errorf("create aggregate: %w", err)
		}
		return agg, models.TransitionCreated, nil
	}
	if err != nil {
		return nil, "", err
	}

	occ := models.Occurrence{RaisedAt: r.RaisedAt, Context: r.Context}
	transition := existing.ApplyOccurrence(occ, true)
	existing.Keywords = analysis.Keywords(existing.Message, existing.CommentTexts()...)
	if err := s.store.AppendOccurrence(ctx, existing, &occ); err != nil {
		return nil, "", fmt.Errorf("append occurrence: %w", err)
	}
	existing.Occurrences[len(existing.Occurrences)-1].ID = occ.ID
	return existing, transition, nil
}

// Resolve marks an aggregate resolved. Resolving an already resolved
// aggregate is a no-op. No notification is sent.
func (s *Service) Resolve(ctx context.Context, projectID, aggregateID uuid.UUID) (*models.ErrorAggregate, error) {
	var agg *models.ErrorAggregate
	changed := false
	err := s.withAggregate(ctx, projectID, aggregateID, func(ctx context.Context, a *models.ErrorAggregate) error {
		agg = a
		if !a.Resolve() {
			return nil
		}
		if err := s.store.UpdateAggregateState(ctx, a); err != nil {
			return fmt.Errorf("resolve aggregate: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.InfoContext(ctx, "aggregate resolved", "project_id", projectID, "aggregate_id", aggregateID)
		s.refreshCounters(ctx, projectID)
	}
	return agg, nil
}

// AddComment attaches a comment and folds its words into the keyword index.
func (s *Service) AddComment(ctx context.Context, projectID, aggregateID uuid.UUID, userID *uuid.UUID, text string) (*models.ErrorAggregate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: comment text is required", models.ErrValidation)
	}

	var agg *models.ErrorAggregate
	err := s.withAggregate(ctx, projectID, aggregateID, func(ctx context.Context, a *models.ErrorAggregate) error {
		c := models.Comment{ID: uuid.New(), UserID: userID, Text: text, CreatedAt: time.Now().UTC()}
		a.AddComment(c)
		a.Keywords = analysis.Keywords(a.Message, a.CommentTexts()...)
		if err := s.store.AppendComment(ctx, a, &c); err != nil {
			return fmt.Errorf("add comment: %w", err)
		}
		agg = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshCounters(ctx, projectID)
	return agg, nil
}

// GetError returns one aggregate with its occurrences and comments.
func (s *Service) GetError(ctx context.Context, projectID, aggregateID uuid.UUID) (*models.ErrorAggregate, error) {
	agg, err := s.store.GetAggregate(ctx, projectID, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	return agg, nil
}

// ListErrors returns the page of aggregates selected by f, with the project's counters.
func (s *Service) ListErrors(ctx context.Context, projectID uuid.UUID, f search.Filters) (*ErrorPage, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	spec := s.builder.Build(f)
	aggs, total, err := s.store.ListAggregates(ctx, projectID, spec)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	if aggs == nil {
		aggs = []*models.ErrorAggregate{}
	}
	return &ErrorPage{
		Aggregates: aggs,
		Total:      total,
		Counters:   project.Counters,
		Page:       spec.Page,
		PerPage:    spec.PerPage,
	}, nil
}

// Wait blocks until background notification cycles have finished.
func (s *Service) Wait() {
	s.dispatches.Wait()
}

// withAggregate loads an aggregate under its fingerprint lock and hands a
// fresh copy to fn.
func (s *Service) withAggregate(ctx context.Context, projectID, aggregateID uuid.UUID, fn func(context.Context, *models.ErrorAggregate) error) error {
	current, err := s.store.GetAggregate(ctx, projectID, aggregateID)
	if err != nil {
		return fmt.Errorf("get aggregate: %w", err)
	}
	return s.withLock(ctx, cache.FingerprintLockKey(projectID, current.Fingerprint), func(ctx context.Context) error {
		fresh, err := s.store.GetAggregate(ctx, projectID, aggregateID)
		if err != nil {
			return fmt.Errorf("get aggregate: %w", err)
		}
		return fn(ctx, fresh)
	})
}

// withLock runs fn holding key, all within the store timeout. Lost races are
// reported as ErrConcurrencyConflict.
func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if s.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()
	}

	release, err := s.locker.Acquire(ctx, key)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: lock wait: %w", ErrConcurrencyConflict, err)
	}
	if err != nil {
		return conflict(err)
	}
	defer release()

	return conflict(fn(ctx))
}

func (s *Service) refreshCounters(ctx context.Context, projectID uuid.UUID) {
	// The write is committed; a failed refresh is left to the reconciler.
	if _, err := s.counters.Refresh(context.WithoutCancel(ctx), projectID); err != nil {
		s.logger.WarnContext(ctx, "counters stale until next reconciliation",
			"project_id", projectID,
			"error", err,
		)
	}
}

func (s *Service) dispatchAsync(agg *models.ErrorAggregate, project *models.Project, reason notify.Reason) {
	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		ctx := context.Background()
		if s.cfg.NotifyTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.NotifyTimeout)
			defer cancel()
		}
		s.notifier.Dispatch(ctx, agg, project, reason)
	}()
}

func conflict(err error) error {
	if errors.Is(err, store.ErrConflict) || errors.Is(err, lock.ErrContended) {
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	return err
}

func outcome(res *SubmitResult, err error) string {
	switch {
	case err == nil:
		return string(res.Transition)
	case errors.Is(err, models.ErrValidation):
		return "invalid"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	}
	return "error"
}
