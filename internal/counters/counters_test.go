package counters

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/store/memstore"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails UpdateProjectCounters a fixed number of times.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) UpdateProjectCounters(ctx context.Context, id uuid.UUID, c models.ProjectCounters) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Store.UpdateProjectCounters(ctx, id, c)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMaintainer(s store.Store) *Maintainer {
	m := NewMaintainer(s, discardLogger(), nil)
	m.initialInterval = time.Millisecond
	return m
}

func seedProject(t *testing.T, s store.Store, aggregates, resolved int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	admin := &models.User{ID: uuid.New(), Email: uuid.NewString() + "@example.com", CreatedAt: now}
	require.NoError(t, s.CreateUser(ctx, admin))
	p := &models.Project{ID: uuid.New(), Name: "p", CreatedAt: now, UpdatedAt: now}
	p.AddAdminMember(admin)
	require.NoError(t, s.CreateProject(ctx, p))

	for i := 0; i < aggregates; i++ {
		agg := models.NewErrorAggregate(models.Report{ProjectID: p.ID, Message: "m", RaisedAt: now}, uuid.NewString())
		require.NoError(t, s.CreateAggregate(ctx, agg))
		if i < resolved {
			agg.Resolve()
			require.NoError(t, s.UpdateAggregateState(ctx, agg))
		}
	}
	return p.ID
}

func newMemStore(t *testing.T) store.Store {
	s, err := memstore.New()
	require.NoError(t, err)
	return s
}

func TestRefresh_RecountsFromAggregates(t *testing.T) {
	s := newMemStore(t)
	projectID := seedProject(t, s, 3, 1)

	counters, err := newMaintainer(s).Refresh(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectCounters{Reported: 3, Resolved: 1, Unresolved: 2}, counters)

	p, err := s.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, counters, p.Counters)
	assert.Equal(t, p.Counters.Reported, p.Counters.Resolved+p.Counters.Unresolved)
}

func TestRefresh_EmptyProject(t *testing.T) {
	s := newMemStore(t)
	projectID := seedProject(t, s, 0, 0)

	counters, err := newMaintainer(s).Refresh(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectCounters{}, counters)
}

func TestRefresh_RetriesTransientFailures(t *testing.T) {
	fs := &flakyStore{Store: newMemStore(t)}
	projectID := seedProject(t, fs, 2, 0)
	fs.failures.Store(2)

	counters, err := newMaintainer(fs).Refresh(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, 2, counters.Reported)
	assert.Equal(t, int32(3), fs.calls.Load())
}

func TestRefresh_GivesUpAfterMaxRetries(t *testing.T) {
	fs := &flakyStore{Store: newMemStore(t)}
	projectID := seedProject(t, fs, 1, 0)
	fs.failures.Store(100)

	_, err := newMaintainer(fs).Refresh(context.Background(), projectID)
	require.Error(t, err)
	assert.Equal(t, int32(maxRetries+1), fs.calls.Load())
}

func TestRefresh_MissingProjectIsNotRetried(t *testing.T) {
	fs := &flakyStore{Store: newMemStore(t)}

	_, err := newMaintainer(fs).Refresh(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, int32(1), fs.calls.Load())
}

func TestRefreshAll_ContinuesPastFailures(t *testing.T) {
	s := newMemStore(t)
	first := seedProject(t, s, 1, 1)
	second := seedProject(t, s, 2, 0)

	require.NoError(t, newMaintainer(s).RefreshAll(context.Background()))

	p1, err := s.GetProject(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectCounters{Reported: 1, Resolved: 1}, p1.Counters)
	p2, err := s.GetProject(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectCounters{Reported: 2, Unresolved: 2}, p2.Counters)

	fs := &flakyStore{Store: s}
	fs.failures.Store(100)
	err = newMaintainer(fs).RefreshAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), first.String())
	assert.Contains(t, err.Error(), second.String())
}

func TestReconciler_InvalidSchedule(t *testing.T) {
	_, err := NewReconciler(newMaintainer(newMemStore(t)), "not a schedule", time.Second, discardLogger())
	assert.Error(t, err)
}

func TestReconciler_RunRepairsCounters(t *testing.T) {
	s := newMemStore(t)
	projectID := seedProject(t, s, 2, 1)

	r, err := NewReconciler(newMaintainer(s), "@every 1h", 5*time.Second, discardLogger())
	require.NoError(t, err)
	r.Run()

	p, err := s.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectCounters{Reported: 2, Resolved: 1, Unresolved: 1}, p.Counters)
}

func TestReconciler_StartStop(t *testing.T) {
	r, err := NewReconciler(newMaintainer(newMemStore(t)), "@every 1h", time.Second, discardLogger())
	require.NoError(t, err)
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
	assert.NoError(t, ctx.Err())
}
