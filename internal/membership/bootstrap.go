package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Bootstrap seeds an empty store with one project administered by
// adminEmail, creating the user when needed. It returns the raw API key, or
// "" when the store already holds a project.
func (m *Manager) Bootstrap(ctx context.Context, adminEmail, projectName string) (string, error) {
	ids, err := m.store.ListProjectIDs(ctx)
	if err != nil {
		return "", fmt.Errorf("list projects: %w", err)
	}
	if len(ids) > 0 {
		return "", nil
	}

	admin, err := m.store.GetUserByEmail(ctx, adminEmail)
	if errors.Is(err, store.ErrNotFound) {
		admin = &models.User{
			ID:        uuid.New(),
			Email:     strings.TrimSpace(adminEmail),
			CreatedAt: time.Now().UTC(),
		}
		err = m.store.CreateUser(ctx, admin)
	}
	if err != nil {
		return "", fmt.Errorf("bootstrap admin: %w", err)
	}

	_, rawKey, err := m.CreateProject(ctx, projectName, admin.ID)
	if err != nil {
		return "", err
	}
	return rawKey, nil
}
