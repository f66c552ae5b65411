package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/kiranshivaraju/faultline/pkg/search"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned when a write lost a race: a concurrent create of the
// same fingerprint or an update against a stale aggregate version. The caller
// retries the whole operation.
var ErrConflict = errors.New("concurrent write conflict")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// CreateProject persists a validated project with its members.
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetProjectsByAPIKeyPrefix(ctx context.Context, prefix string) ([]*models.Project, error)
	ListProjectIDs(ctx context.Context) ([]uuid.UUID, error)
	// ListProjectsByMember returns every project where userID holds a member entry.
	ListProjectsByMember(ctx context.Context, userID uuid.UUID) ([]*models.Project, error)
	UpdateProjectAPIKey(ctx context.Context, id uuid.UUID, hash, prefix string) error
	// SaveMembers replaces the member list of a project, preserving order.
	SaveMembers(ctx context.Context, projectID uuid.UUID, members []models.Member) error
	// SetMemberNotifications sets NotifyByEmail for userID on every project the
	// user belongs to: true for projects in enabled, false elsewhere. All or nothing.
	SetMemberNotifications(ctx context.Context, userID uuid.UUID, enabled []uuid.UUID) error
	UpdateProjectCounters(ctx context.Context, id uuid.UUID, counters models.ProjectCounters) error
	// CountAggregates recomputes counters from the live aggregate set.
	CountAggregates(ctx context.Context, projectID uuid.UUID) (models.ProjectCounters, error)

	// FindAggregateByFingerprint returns the aggregate with the given fingerprint
	// hash in a project, with its comments but without its occurrences.
	FindAggregateByFingerprint(ctx context.Context, projectID uuid.UUID, fingerprint string) (*models.ErrorAggregate, error)
	// GetAggregate returns an aggregate with its occurrences and comments.
	GetAggregate(ctx context.Context, projectID, id uuid.UUID) (*models.ErrorAggregate, error)
	// CreateAggregate inserts a new aggregate. A second aggregate with the same
	// (project, fingerprint) yields ErrConflict.
	CreateAggregate(ctx context.Context, agg *models.ErrorAggregate) error
	// AppendOccurrence stores occ under agg and writes agg's state (resolved,
	// keywords) in one transaction, guarded by agg.Version. On success occ has an
	// ID and agg.Version is incremented.
	AppendOccurrence(ctx context.Context, agg *models.ErrorAggregate, occ *models.Occurrence) error
	// AppendComment stores c under agg and writes agg's keywords, guarded by agg.Version.
	AppendComment(ctx context.Context, agg *models.ErrorAggregate, c *models.Comment) error
	// UpdateAggregateState writes resolved and keywords, guarded by agg.Version.
	UpdateAggregateState(ctx context.Context, agg *models.ErrorAggregate) error
	// ListAggregates returns one page of a project's aggregates matching spec
	// (without embedded collections) and the total number of matches.
	ListAggregates(ctx context.Context, projectID uuid.UUID, spec search.Spec) ([]*models.ErrorAggregate, int, error)
}
