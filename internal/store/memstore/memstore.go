// Package memstore is an in-process store.Store backed by go-memdb. Every
// write runs in a single memdb write transaction, so it lands completely or
// not at all. Models are copied on the way in and out.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/kiranshivaraju/faultline/pkg/search"
)

// Store implements store.Store in memory.
type Store struct {
	db *memdb.MemDB
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableUsers, "id", user.ID.String()); err != nil {
		return fmt.Errorf("create user: %w", err)
	} else if existing != nil {
		return store.ErrDuplicateKey
	}
	if existing, err := txn.First(tableUsers, "email", user.Email); err != nil {
		return fmt.Errorf("create user: %w", err)
	} else if existing != nil {
		return store.ErrDuplicateKey
	}

	u := *user
	if err := txn.Insert(tableUsers, &userRow{ID: u.ID.String(), Email: u.Email, User: &u}); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	return s.firstUser("id", id.String())
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	return s.firstUser("email", email)
}

func (s *Store) firstUser(index, arg string) (*models.User, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableUsers, index, arg)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	u := *raw.(*userRow).User
	return &u, nil
}

// --- Projects ---

func (s *Store) CreateProject(_ context.Context, project *models.Project) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableProjects, "id", project.ID.String())
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	if existing != nil {
		return store.ErrDuplicateKey
	}
	if err := insertProject(txn, project.Clone()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := getProject(s.db.Txn(false), id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (s *Store) GetProjectsByAPIKeyPrefix(_ context.Context, prefix string) ([]*models.Project, error) {
	if prefix == "" {
		return nil, nil
	}
	it, err := s.db.Txn(false).Get(tableProjects, "prefix", prefix)
	if err != nil {
		return nil, fmt.Errorf("get projects by prefix: %w", err)
	}
	var out []*models.Project
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*projectRow).Project.Clone())
	}
	return out, nil
}

func (s *Store) ListProjectIDs(_ context.Context) ([]uuid.UUID, error) {
	projects, err := allProjects(s.db.Txn(false))
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}
	return ids, nil
}

func (s *Store) ListProjectsByMember(_ context.Context, userID uuid.UUID) ([]*models.Project, error) {
	projects, err := allProjects(s.db.Txn(false))
	if err != nil {
		return nil, err
	}
	var out []*models.Project
	for _, p := range projects {
		if p.MemberIncludes(userID) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *Store) UpdateProjectAPIKey(_ context.Context, id uuid.UUID, hash, prefix string) error {
	return s.updateProject(id, func(p *models.Project) {
		p.APIKeyHash = hash
		p.APIKeyPrefix = prefix
	})
}

func (s *Store) SaveMembers(_ context.Context, projectID uuid.UUID, members []models.Member) error {
	return s.updateProject(projectID, func(p *models.Project) {
		p.Members = (&models.Project{Members: members}).Clone().Members
	})
}

func (s *Store) UpdateProjectCounters(_ context.Context, id uuid.UUID, counters models.ProjectCounters) error {
	return s.updateProject(id, func(p *models.Project) {
		p.Counters = counters
	})
}

func (s *Store) SetMemberNotifications(_ context.Context, userID uuid.UUID, enabled []uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	projects, err := allProjects(txn)
	if err != nil {
		return err
	}
	for _, p := range projects {
		m := p.Member(userID)
		if m == nil {
			continue
		}
		updated := p.Clone()
		updated.Member(userID).NotifyByEmail = slices.Contains(enabled, p.ID)
		if err := insertProject(txn, updated); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (s *Store) CountAggregates(_ context.Context, projectID uuid.UUID) (models.ProjectCounters, error) {
	aggs, err := projectAggregates(s.db.Txn(false), projectID)
	if err != nil {
		return models.ProjectCounters{}, err
	}
	resolved := 0
	for _, a := range aggs {
		if a.Resolved {
			resolved++
		}
	}
	return models.NewProjectCounters(len(aggs), resolved), nil
}

func (s *Store) updateProject(id uuid.UUID, mutate func(*models.Project)) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	p, err := getProject(txn, id)
	if err != nil {
		return err
	}
	updated := p.Clone()
	mutate(updated)
	updated.UpdatedAt = time.Now().UTC()
	if err := insertProject(txn, updated); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func insertProject(txn *memdb.Txn, p *models.Project) error {
	row := &projectRow{ID: p.ID.String(), APIKeyPrefix: p.APIKeyPrefix, Project: p}
	if err := txn.Insert(tableProjects, row); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func getProject(txn *memdb.Txn, id uuid.UUID) (*models.Project, error) {
	raw, err := txn.First(tableProjects, "id", id.String())
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	return raw.(*projectRow).Project, nil
}

// allProjects returns stored projects ordered by creation time. Callers must not mutate them.
func allProjects(txn *memdb.Txn) ([]*models.Project, error) {
	it, err := txn.Get(tableProjects, "id")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var out []*models.Project
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*projectRow).Project)
	}
	slices.SortStableFunc(out, func(a, b *models.Project) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// --- Error Aggregates ---

func (s *Store) FindAggregateByFingerprint(_ context.Context, projectID uuid.UUID, fingerprint string) (*models.ErrorAggregate, error) {
	raw, err := s.db.Txn(false).First(tableAggregates, "fingerprint", projectID.String(), fingerprint)
	if err != nil {
		return nil, fmt.Errorf("find aggregate by fingerprint: %w", err)
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	stored := raw.(*aggregateRow).Aggregate
	a := stored.Clone()
	a.Occurrences = []models.Occurrence{}
	a.SetCounts(len(stored.Occurrences), len(stored.Comments))
	a.SetLastRaisedAt(stored.LastRaisedAt())
	return a, nil
}

func (s *Store) GetAggregate(_ context.Context, projectID, id uuid.UUID) (*models.ErrorAggregate, error) {
	a, err := getAggregate(s.db.Txn(false), projectID, id)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

func (s *Store) CreateAggregate(_ context.Context, agg *models.ErrorAggregate) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableAggregates, "fingerprint", agg.ProjectID.String(), agg.Fingerprint)
	if err != nil {
		return fmt.Errorf("create aggregate: %w", err)
	}
	if existing != nil {
		return store.ErrConflict
	}

	stored := agg.Clone()
	stored.Version = 0
	stored.Context = stored.Context.Normalize()
	stored.Occurrences = []models.Occurrence{}
	stored.Comments = []models.Comment{}
	if stored.Keywords == nil {
		stored.Keywords = []string{}
	}
	stored.SetCounts(0, 0)
	if err := insertAggregate(txn, stored); err != nil {
		return err
	}
	txn.Commit()

	agg.Version = 0
	agg.SetCounts(0, 0)
	return nil
}

func (s *Store) AppendOccurrence(_ context.Context, agg *models.ErrorAggregate, occ *models.Occurrence) error {
	id := uuid.New()
	now := time.Now().UTC()
	err := s.updateAggregate(agg, func(stored *models.ErrorAggregate) {
		o := *occ
		o.ID = id
		o.Context = o.Context.Normalize()
		stored.Occurrences = append(stored.Occurrences, o)
		stored.Resolved = agg.Resolved
		stored.Keywords = slices.Clone(agg.Keywords)
	}, now)
	if err != nil {
		return err
	}
	occ.ID = id
	agg.Version++
	agg.UpdatedAt = now
	return nil
}

func (s *Store) AppendComment(_ context.Context, agg *models.ErrorAggregate, c *models.Comment) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	err := s.updateAggregate(agg, func(stored *models.ErrorAggregate) {
		stored.Comments = append(stored.Comments, *c)
		stored.Keywords = slices.Clone(agg.Keywords)
	}, now)
	if err != nil {
		return err
	}
	agg.Version++
	agg.UpdatedAt = now
	return nil
}

func (s *Store) UpdateAggregateState(_ context.Context, agg *models.ErrorAggregate) error {
	now := time.Now().UTC()
	err := s.updateAggregate(agg, func(stored *models.ErrorAggregate) {
		stored.Resolved = agg.Resolved
		stored.Keywords = slices.Clone(agg.Keywords)
	}, now)
	if err != nil {
		return err
	}
	agg.Version++
	agg.UpdatedAt = now
	return nil
}

// updateAggregate applies mutate to a copy of the stored aggregate if agg's
// version is still current.
func (s *Store) updateAggregate(agg *models.ErrorAggregate, mutate func(*models.ErrorAggregate), now time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := getAggregate(txn, agg.ProjectID, agg.ID)
	if err != nil {
		return err
	}
	if current.Version != agg.Version {
		return store.ErrConflict
	}

	updated := current.Clone()
	mutate(updated)
	updated.SetCounts(len(updated.Occurrences), len(updated.Comments))
	updated.Version++
	updated.UpdatedAt = now
	if err := insertAggregate(txn, updated.Clone()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) ListAggregates(_ context.Context, projectID uuid.UUID, spec search.Spec) ([]*models.ErrorAggregate, int, error) {
	aggs, err := projectAggregates(s.db.Txn(false), projectID)
	if err != nil {
		return nil, 0, err
	}

	var matched []*models.ErrorAggregate
	for _, a := range aggs {
		ok, err := matches(a, spec.Conditions)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			matched = append(matched, a)
		}
	}

	for _, k := range spec.Sort {
		if _, err := sortValue(&models.ErrorAggregate{}, k.Field); err != nil {
			return nil, 0, err
		}
	}
	slices.SortStableFunc(matched, func(a, b *models.ErrorAggregate) int {
		for _, k := range spec.Sort {
			va, _ := sortValue(a, k.Field)
			vb, _ := sortValue(b, k.Field)
			c := cmp.Compare(va, vb)
			if k.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	total := len(matched)
	start := min(spec.Offset(), total)
	end := min(start+spec.PerPage, total)

	page := make([]*models.ErrorAggregate, 0, end-start)
	for _, a := range matched[start:end] {
		page = append(page, summary(a))
	}
	return page, total, nil
}

func matches(a *models.ErrorAggregate, conditions []search.Condition) (bool, error) {
	for _, c := range conditions {
		switch {
		case c.Field == search.FieldResolved && c.Op == search.OpEq:
			want, ok := c.Value.(bool)
			if !ok {
				return false, fmt.Errorf("list aggregates: %s expects a bool", c.Field)
			}
			if a.Resolved != want {
				return false, nil
			}
		case c.Field == search.FieldKeywords && c.Op == search.OpIntersects:
			words, ok := c.Value.([]string)
			if !ok {
				return false, fmt.Errorf("list aggregates: %s expects []string", c.Field)
			}
			if !slices.ContainsFunc(words, func(w string) bool { return slices.Contains(a.Keywords, w) }) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("list aggregates: unsupported condition %s %s", c.Field, c.Op)
		}
	}
	return true, nil
}

// sortValue maps a sortable field to a comparable number. Times sort by nanoseconds.
func sortValue(a *models.ErrorAggregate, field string) (int64, error) {
	switch field {
	case search.FieldRaisedAt:
		return a.RaisedAt.UnixNano(), nil
	case search.FieldCommentCount:
		return int64(a.CommentCount()), nil
	case search.FieldOccurrenceCount:
		return int64(a.OccurrenceCount()), nil
	}
	return 0, fmt.Errorf("list aggregates: unknown sort field %q", field)
}

func insertAggregate(txn *memdb.Txn, a *models.ErrorAggregate) error {
	row := &aggregateRow{
		ID:          a.ID.String(),
		ProjectID:   a.ProjectID.String(),
		Fingerprint: a.Fingerprint,
		Aggregate:   a,
	}
	if err := txn.Insert(tableAggregates, row); err != nil {
		return fmt.Errorf("insert aggregate: %w", err)
	}
	return nil
}

func getAggregate(txn *memdb.Txn, projectID, id uuid.UUID) (*models.ErrorAggregate, error) {
	raw, err := txn.First(tableAggregates, "id", id.String())
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	a := raw.(*aggregateRow).Aggregate
	if a.ProjectID != projectID {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func projectAggregates(txn *memdb.Txn, projectID uuid.UUID) ([]*models.ErrorAggregate, error) {
	it, err := txn.Get(tableAggregates, "project", projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	var out []*models.ErrorAggregate
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*aggregateRow).Aggregate)
	}
	return out, nil
}

// summary copies a without its embedded collections, keeping their counts and
// the latest raise time.
func summary(a *models.ErrorAggregate) *models.ErrorAggregate {
	occurrences, comments := len(a.Occurrences), len(a.Comments)
	c := a.Clone()
	c.Occurrences = []models.Occurrence{}
	c.Comments = []models.Comment{}
	c.SetCounts(occurrences, comments)
	c.SetLastRaisedAt(a.LastRaisedAt())
	return c
}
