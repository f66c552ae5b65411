package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/analysis"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Matcher finds the aggregate owning a (message, backtrace) pair in a project.
type Matcher struct {
	store store.Store
}

// NewMatcher creates a Matcher.
func NewMatcher(s store.Store) *Matcher {
	return &Matcher{store: s}
}

// Find looks the pair up by fingerprint and confirms the hit by exact
// comparison, so a hash collision reads as a miss. A miss returns
// store.ErrNotFound.
func (m *Matcher) Find(ctx context.Context, projectID uuid.UUID, message string, backtrace []string) (*models.ErrorAggregate, error) {
	agg, err := m.store.FindAggregateByFingerprint(ctx, projectID, analysis.Fingerprint(message, backtrace))
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match fingerprint: %w", err)
	}
	if !analysis.SameSignature(agg.Message, agg.Backtrace, message, backtrace) {
		return nil, store.ErrNotFound
	}
	return agg, nil
}
