package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/membership"
)

// ProjectManager defines the membership operations the project handlers depend on.
type ProjectManager interface {
	GenerateAPIKeyAndSave(ctx context.Context, projectID uuid.UUID) (string, error)
	AddMemberByEmail(ctx context.Context, projectID uuid.UUID, emails string) (*membership.AddMembersResult, error)
	RemoveMember(ctx context.Context, projectID, userID uuid.UUID) (bool, error)
}

// NewRegenerateAPIKeyHandler returns an http.HandlerFunc for
// POST /api/v1/project/api-key. The raw key is only ever shown here.
func NewRegenerateAPIKeyHandler(m ProjectManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}

		rawKey, err := m.GenerateAPIKeyAndSave(r.Context(), projectID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Created(w, map[string]string{
			"key":        rawKey,
			"key_prefix": rawKey[:membership.KeyPrefixLen],
		})
	}
}

// NewAddMembersHandler returns an http.HandlerFunc for
// POST /api/v1/project/members. The body carries a comma separated list.
func NewAddMembersHandler(m ProjectManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}

		var req struct {
			Emails string `json:"emails"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		result, err := m.AddMemberByEmail(r.Context(), projectID, req.Emails)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		added := make([]string, len(result.Added))
		for i, member := range result.Added {
			added[i] = member.Email
		}
		response.JSON(w, map[string][]string{
			"added":   added,
			"invited": nonNil(result.Invited),
			"skipped": nonNil(result.Skipped),
		})
	}
}

// NewRemoveMemberHandler returns an http.HandlerFunc for
// DELETE /api/v1/project/members/{userID}. Admins are kept; the response
// says whether the member was removed.
func NewRemoveMemberHandler(m ProjectManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}
		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "Invalid user ID", nil)
			return
		}

		removed, err := m.RemoveMember(r.Context(), projectID, userID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, map[string]bool{"removed": removed})
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
