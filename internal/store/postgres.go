package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/kiranshivaraju/faultline/pkg/search"
)

// PostgresStore implements the Store interface using pgx/v5. Occurrences and
// comments live in child tables; the aggregate row carries their counts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Email, user.Name, user.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, created_at FROM users WHERE LOWER(email) = LOWER($1)`, email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// --- Projects ---

const projectColumns = `id, name, api_key_hash, api_key_prefix, reported_count, resolved_count, unresolved_count, created_at, updated_at`

func scanProject(row scanner) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix,
		&p.Counters.Reported, &p.Counters.Resolved, &p.Counters.Unresolved,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Members = []models.Member{}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		project.ID, project.Name, project.APIKeyHash, project.APIKeyPrefix,
		project.Counters.Reported, project.Counters.Resolved, project.Counters.Unresolved,
		project.CreatedAt, project.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create project: %w", err)
	}

	if err := insertMembers(ctx, tx, project.ID, project.Members); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if err := s.loadMembers(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) GetProjectsByAPIKeyPrefix(ctx context.Context, prefix string) ([]*models.Project, error) {
	return s.queryProjects(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE api_key_prefix = $1`, prefix)
}

func (s *PostgresStore) ListProjectsByMember(ctx context.Context, userID uuid.UUID) ([]*models.Project, error) {
	return s.queryProjects(ctx,
		`SELECT `+projectColumns+` FROM projects p
		 WHERE EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = $1)
		 ORDER BY created_at`, userID)
}

func (s *PostgresStore) ListProjectIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list project ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) queryProjects(ctx context.Context, query string, args ...any) ([]*models.Project, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}

	for _, p := range projects {
		if err := s.loadMembers(ctx, p); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

func (s *PostgresStore) UpdateProjectAPIKey(ctx context.Context, id uuid.UUID, hash, prefix string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET api_key_hash = $2, api_key_prefix = $3, updated_at = NOW() WHERE id = $1`,
		id, hash, prefix)
	if err != nil {
		return fmt.Errorf("update project api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateProjectCounters(ctx context.Context, id uuid.UUID, c models.ProjectCounters) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET reported_count = $2, resolved_count = $3, unresolved_count = $4, updated_at = NOW()
		 WHERE id = $1`, id, c.Reported, c.Resolved, c.Unresolved)
	if err != nil {
		return fmt.Errorf("update project counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountAggregates(ctx context.Context, projectID uuid.UUID) (models.ProjectCounters, error) {
	var total, resolved int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE resolved) FROM error_aggregates WHERE project_id = $1`,
		projectID).Scan(&total, &resolved)
	if err != nil {
		return models.ProjectCounters{}, fmt.Errorf("count aggregates: %w", err)
	}
	return models.NewProjectCounters(total, resolved), nil
}

// --- Members ---

func (s *PostgresStore) loadMembers(ctx context.Context, p *models.Project) error {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, email, admin, notify_by_email FROM project_members
		 WHERE project_id = $1 ORDER BY position`, p.ID)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.UserID, &m.Email, &m.Admin, &m.NotifyByEmail); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		p.Members = append(p.Members, m)
	}
	return rows.Err()
}

func insertMembers(ctx context.Context, q querier, projectID uuid.UUID, members []models.Member) error {
	for i, m := range members {
		_, err := q.Exec(ctx,
			`INSERT INTO project_members (project_id, position, user_id, email, admin, notify_by_email)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			projectID, i, m.UserID, m.Email, m.Admin, m.NotifyByEmail)
		if err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveMembers(ctx context.Context, projectID uuid.UUID, members []models.Member) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save members: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE projects SET updated_at = NOW() WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("lock project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM project_members WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	if err := insertMembers(ctx, tx, projectID, members); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save members: %w", err)
	}
	return nil
}

// SetMemberNotifications is a single UPDATE, so it applies to every project of
// the user or to none.
func (s *PostgresStore) SetMemberNotifications(ctx context.Context, userID uuid.UUID, enabled []uuid.UUID) error {
	if enabled == nil {
		enabled = []uuid.UUID{}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE project_members SET notify_by_email = (project_id = ANY($2)) WHERE user_id = $1`,
		userID, enabled)
	if err != nil {
		return fmt.Errorf("set member notifications: %w", err)
	}
	return nil
}

// --- Error Aggregates ---

const aggregateColumns = `id, project_id, fingerprint, message, backtrace, raised_at, last_raised_at, resolved,
	keywords, session, request, environment, data, occurrence_count, comment_count, version, created_at, updated_at`

// aggregateFields maps search fields to columns. Only these can be filtered or sorted on.
var aggregateFields = map[string]string{
	search.FieldResolved:        "resolved",
	search.FieldKeywords:        "keywords",
	search.FieldRaisedAt:        "raised_at",
	search.FieldCommentCount:    "comment_count",
	search.FieldOccurrenceCount: "occurrence_count",
}

func scanAggregate(row scanner) (*models.ErrorAggregate, error) {
	var (
		a                     models.ErrorAggregate
		lastRaisedAt          time.Time
		occurrences, comments int
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.Fingerprint, &a.Message, &a.Backtrace, &a.RaisedAt,
		&lastRaisedAt, &a.Resolved, &a.Keywords, &a.Context.Session, &a.Context.Request, &a.Context.Environment,
		&a.Context.Data, &occurrences, &comments, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Context = a.Context.Normalize()
	a.Occurrences = []models.Occurrence{}
	a.Comments = []models.Comment{}
	a.SetCounts(occurrences, comments)
	a.SetLastRaisedAt(lastRaisedAt)
	return &a, nil
}

func (s *PostgresStore) FindAggregateByFingerprint(ctx context.Context, projectID uuid.UUID, fingerprint string) (*models.ErrorAggregate, error) {
	a, err := scanAggregate(s.pool.QueryRow(ctx,
		`SELECT `+aggregateColumns+` FROM error_aggregates WHERE project_id = $1 AND fingerprint = $2`,
		projectID, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find aggregate by fingerprint: %w", err)
	}

	comments, err := s.loadComments(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Comments = comments
	a.SetCounts(a.OccurrenceCount(), len(comments))
	return a, nil
}

func (s *PostgresStore) GetAggregate(ctx context.Context, projectID, id uuid.UUID) (*models.ErrorAggregate, error) {
	a, err := scanAggregate(s.pool.QueryRow(ctx,
		`SELECT `+aggregateColumns+` FROM error_aggregates WHERE id = $1 AND project_id = $2`, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}

	occurrences, err := s.loadOccurrences(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	comments, err := s.loadComments(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Occurrences = occurrences
	a.Comments = comments
	a.SetCounts(len(occurrences), len(comments))
	return a, nil
}

func (s *PostgresStore) loadOccurrences(ctx context.Context, aggregateID uuid.UUID) ([]models.Occurrence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, raised_at, session, request, environment, data FROM error_occurrences
		 WHERE aggregate_id = $1 ORDER BY created_at, raised_at`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load occurrences: %w", err)
	}
	defer rows.Close()

	out := []models.Occurrence{}
	for rows.Next() {
		var o models.Occurrence
		if err := rows.Scan(&o.ID, &o.RaisedAt, &o.Context.Session, &o.Context.Request,
			&o.Context.Environment, &o.Context.Data); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		o.Context = o.Context.Normalize()
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadComments(ctx context.Context, aggregateID uuid.UUID) ([]models.Comment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, text, created_at FROM error_comments
		 WHERE aggregate_id = $1 ORDER BY created_at`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	out := []models.Comment{}
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.UserID, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateAggregate(ctx context.Context, a *models.ErrorAggregate) error {
	ctxMaps := a.Context.Normalize()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO error_aggregates (id, project_id, fingerprint, message, backtrace, raised_at, last_raised_at,
		   resolved, keywords, session, request, environment, data, occurrence_count, comment_count, version,
		   created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, 0, 0, $14, $15)
		 ON CONFLICT (project_id, fingerprint) DO NOTHING`,
		a.ID, a.ProjectID, a.Fingerprint, a.Message, nonNil(a.Backtrace), a.RaisedAt, a.LastRaisedAt(),
		a.Resolved, nonNil(a.Keywords), ctxMaps.Session, ctxMaps.Request, ctxMaps.Environment, ctxMaps.Data,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	a.Version = 0
	a.SetCounts(0, 0)
	return nil
}

func (s *PostgresStore) AppendOccurrence(ctx context.Context, a *models.ErrorAggregate, occ *models.Occurrence) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append occurrence: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE error_aggregates SET resolved = $3, keywords = $4, occurrence_count = occurrence_count + 1,
		   last_raised_at = GREATEST(last_raised_at, $5), version = version + 1, updated_at = $6
		 WHERE id = $1 AND version = $2`,
		a.ID, a.Version, a.Resolved, nonNil(a.Keywords), occ.RaisedAt, now)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	id := uuid.New()
	c := occ.Context.Normalize()
	_, err = tx.Exec(ctx,
		`INSERT INTO error_occurrences (id, aggregate_id, raised_at, session, request, environment, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, a.ID, occ.RaisedAt, c.Session, c.Request, c.Environment, c.Data, now)
	if err != nil {
		return fmt.Errorf("insert occurrence: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append occurrence: %w", err)
	}
	occ.ID = id
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (s *PostgresStore) AppendComment(ctx context.Context, a *models.ErrorAggregate, c *models.Comment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append comment: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE error_aggregates SET keywords = $3, comment_count = comment_count + 1,
		   version = version + 1, updated_at = $4
		 WHERE id = $1 AND version = $2`,
		a.ID, a.Version, nonNil(a.Keywords), now)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO error_comments (id, aggregate_id, user_id, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, a.ID, c.UserID, c.Text, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append comment: %w", err)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (s *PostgresStore) UpdateAggregateState(ctx context.Context, a *models.ErrorAggregate) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE error_aggregates SET resolved = $3, keywords = $4, version = version + 1, updated_at = $5
		 WHERE id = $1 AND version = $2`,
		a.ID, a.Version, a.Resolved, nonNil(a.Keywords), now)
	if err != nil {
		return fmt.Errorf("update aggregate state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListAggregates(ctx context.Context, projectID uuid.UUID, spec search.Spec) ([]*models.ErrorAggregate, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"project_id = $1"}
	args := []any{projectID}
	argIdx := 2

	for _, c := range spec.Conditions {
		col, ok := aggregateFields[c.Field]
		if !ok {
			return nil, 0, fmt.Errorf("list aggregates: unknown field %q", c.Field)
		}
		switch c.Op {
		case search.OpEq:
			conditions = append(conditions, fmt.Sprintf("%s = $%d", col, argIdx))
		case search.OpIntersects:
			conditions = append(conditions, fmt.Sprintf("%s && $%d::text[]", col, argIdx))
		default:
			return nil, 0, fmt.Errorf("list aggregates: unknown operator %q", c.Op)
		}
		args = append(args, c.Value)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	// Count query
	var total int
	countQuery := "SELECT COUNT(*) FROM error_aggregates WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count aggregates: %w", err)
	}

	order := make([]string, 0, len(spec.Sort)+1)
	for _, k := range spec.Sort {
		col, ok := aggregateFields[k.Field]
		if !ok {
			return nil, 0, fmt.Errorf("list aggregates: unknown sort field %q", k.Field)
		}
		dir := "ASC"
		if k.Descending {
			dir = "DESC"
		}
		order = append(order, col+" "+dir)
	}
	// id keeps pages stable when every sort key ties
	order = append(order, "id")

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM error_aggregates WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		aggregateColumns, where, strings.Join(order, ", "), argIdx, argIdx+1)
	args = append(args, spec.PerPage, spec.Offset())

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []*models.ErrorAggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, total, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
