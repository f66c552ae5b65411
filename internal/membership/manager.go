// Package membership manages project creation, members and API keys on top
// of the store.
package membership

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/lock"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix starts every raw project key.
	APIKeyPrefix = "fl_"
	// KeyPrefixLen is how many leading characters of a raw key are stored in
	// clear for lookup.
	KeyPrefixLen = 8

	apiKeyBytes = 32
)

// Inviter requests an invitation for an address that has no account yet.
type Inviter interface {
	Invite(ctx context.Context, email string, project *models.Project) error
}

// Manager implements the membership lifecycle. Member list changes on one
// project are serialized through the locker.
type Manager struct {
	store   store.Store
	locker  lock.Locker
	inviter Inviter
	logger  *slog.Logger

	// bcryptCost is lowered in tests.
	bcryptCost int
}

// NewManager creates a Manager.
func NewManager(s store.Store, locker lock.Locker, inviter Inviter, logger *slog.Logger) *Manager {
	return &Manager{store: s, locker: locker, inviter: inviter, logger: logger, bcryptCost: bcrypt.DefaultCost}
}

// AddMembersResult reports what AddMemberByEmail did with each address.
type AddMembersResult struct {
	Added   []models.Member
	Invited []string
	Skipped []string
}

// CreateProject creates a project administered by adminID and returns it with
// its raw API key. The raw key is not stored and cannot be recovered.
func (m *Manager) CreateProject(ctx context.Context, name string, adminID uuid.UUID) (*models.Project, string, error) {
	admin, err := m.store.GetUser(ctx, adminID)
	if err != nil {
		return nil, "", fmt.Errorf("get admin user: %w", err)
	}

	now := time.Now().UTC()
	p := &models.Project{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.AddAdminMember(admin)
	if err := p.Validate(); err != nil {
		return nil, "", err
	}

	rawKey, err := m.GenerateAPIKey(p)
	if err != nil {
		return nil, "", err
	}
	if err := m.store.CreateProject(ctx, p); err != nil {
		return nil, "", fmt.Errorf("create project: %w", err)
	}

	m.logger.InfoContext(ctx, "project created", "project_id", p.ID, "admin_id", adminID)
	return p, rawKey, nil
}

// AddAdminMember makes userID an admin of the project, adding the member
// entry if it does not exist.
func (m *Manager) AddAdminMember(ctx context.Context, projectID, userID uuid.UUID) error {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	return m.withProject(ctx, projectID, func(p *models.Project) (bool, error) {
		if existing := p.Member(userID); existing != nil {
			if existing.Admin {
				return false, nil
			}
			existing.Admin = true
			return true, nil
		}
		p.AddAdminMember(user)
		return true, nil
	})
}

// AccessibleBy returns every project userID belongs to, in any role.
func (m *Manager) AccessibleBy(ctx context.Context, userID uuid.UUID) ([]*models.Project, error) {
	projects, err := m.store.ListProjectsByMember(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects for user: %w", err)
	}
	return projects, nil
}

// NotifyByEmailOnProject turns email notifications on for userID in exactly
// the given projects and off in every other project the user belongs to. An
// empty list silences the user everywhere. The write is all or nothing and
// holds the member lock of every project the user belongs to, so a concurrent
// member list save cannot restore an old setting.
func (m *Manager) NotifyByEmailOnProject(ctx context.Context, userID uuid.UUID, projectIDs []uuid.UUID) error {
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	projects, err := m.store.ListProjectsByMember(ctx, userID)
	if err != nil {
		return fmt.Errorf("list projects for user: %w", err)
	}
	ids := make([]uuid.UUID, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}

	release, err := m.lockProjects(ctx, ids)
	if err != nil {
		return err
	}
	defer release()

	if err := m.store.SetMemberNotifications(ctx, userID, projectIDs); err != nil {
		return fmt.Errorf("set notifications: %w", err)
	}
	return nil
}

// lockProjects takes the member locks of projectIDs in id order, so two
// callers locking overlapping sets cannot deadlock.
func (m *Manager) lockProjects(ctx context.Context, projectIDs []uuid.UUID) (func(), error) {
	ids := slices.Clone(projectIDs)
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	ids = slices.Compact(ids)

	releases := make([]func(), 0, len(ids))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range ids {
		release, err := m.locker.Acquire(ctx, cache.ProjectMembersLockKey(id))
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("lock project members: %w", err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// AddMemberByEmail adds the comma-separated addresses in emails to the
// project. Registered users become regular members; unknown addresses become
// pending members and get an invitation. Addresses already on the project are
// skipped. Invitation failures are logged and do not undo the membership.
func (m *Manager) AddMemberByEmail(ctx context.Context, projectID uuid.UUID, emails string) (*AddMembersResult, error) {
	addresses := splitEmails(emails)
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: at least one email is required", models.ErrValidation)
	}

	// Resolve users before taking the lock.
	users := make(map[string]*models.User, len(addresses))
	for _, addr := range addresses {
		u, err := m.store.GetUserByEmail(ctx, addr)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get user by email: %w", err)
		}
		users[addr] = u
	}

	result := &AddMembersResult{}
	var project *models.Project
	err := m.withProject(ctx, projectID, func(p *models.Project) (bool, error) {
		project = p
		for _, addr := range addresses {
			if u, ok := users[addr]; ok {
				if p.MemberIncludes(u.ID) {
					result.Skipped = append(result.Skipped, addr)
					continue
				}
				p.AddMember(u, false)
			} else {
				if p.PendingMember(addr) != nil {
					result.Skipped = append(result.Skipped, addr)
					continue
				}
				p.AddPendingMember(addr)
				result.Invited = append(result.Invited, addr)
			}
			result.Added = append(result.Added, p.Members[len(p.Members)-1])
		}
		return len(result.Added) > 0, nil
	})
	if err != nil {
		return nil, err
	}

	for _, addr := range result.Invited {
		if err := m.inviter.Invite(ctx, addr, project); err != nil {
			m.logger.WarnContext(ctx, "invitation not sent", "project_id", projectID, "error", err)
		}
	}
	return result, nil
}

// RemoveMember drops userID from the project. Admins are never removed; the
// call reports whether anything changed.
func (m *Manager) RemoveMember(ctx context.Context, projectID, userID uuid.UUID) (bool, error) {
	var removed bool
	err := m.withProject(ctx, projectID, func(p *models.Project) (bool, error) {
		if !p.MemberIncludes(userID) {
			return false, fmt.Errorf("member %s: %w", userID, store.ErrNotFound)
		}
		removed = p.RemoveMember(userID)
		return removed, nil
	})
	return removed, err
}

// GenerateAPIKey sets a fresh key hash and prefix on p without saving it and
// returns the raw key.
func (m *Manager) GenerateAPIKey(p *models.Project) (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	rawKey := APIKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), m.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	p.APIKeyHash = string(hash)
	p.APIKeyPrefix = rawKey[:KeyPrefixLen]
	return rawKey, nil
}

// GenerateAPIKeyAndSave replaces the project's key and persists it. The old
// key stops working immediately.
func (m *Manager) GenerateAPIKeyAndSave(ctx context.Context, projectID uuid.UUID) (string, error) {
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("get project: %w", err)
	}
	rawKey, err := m.GenerateAPIKey(p)
	if err != nil {
		return "", err
	}
	if err := m.store.UpdateProjectAPIKey(ctx, p.ID, p.APIKeyHash, p.APIKeyPrefix); err != nil {
		return "", fmt.Errorf("save api key: %w", err)
	}
	m.logger.InfoContext(ctx, "api key rotated", "project_id", projectID, "key_prefix", p.APIKeyPrefix)
	return rawKey, nil
}

// withProject loads the project under its member lock, applies mutate and
// saves the member list when mutate reports a change.
func (m *Manager) withProject(ctx context.Context, projectID uuid.UUID, mutate func(*models.Project) (bool, error)) error {
	release, err := m.locker.Acquire(ctx, cache.ProjectMembersLockKey(projectID))
	if err != nil {
		return fmt.Errorf("lock project members: %w", err)
	}
	defer release()

	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("get project: %w", err)
	}
	changed, err := mutate(p)
	if err != nil || !changed {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := m.store.SaveMembers(ctx, projectID, p.Members); err != nil {
		return fmt.Errorf("save members: %w", err)
	}
	return nil
}

func splitEmails(list string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(list, ",") {
		addr := strings.TrimSpace(part)
		key := strings.ToLower(addr)
		if addr == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr)
	}
	return out
}
