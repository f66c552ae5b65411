package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	projectIDKey contextKey = "project_id"
	keyPrefixKey contextKey = "key_prefix"
	requestKey   contextKey = "request_info"
)

// requestInfo is filled in by inner middleware and read back by the outer
// logging and recovery middleware, which only see the original request.
type requestInfo struct {
	projectID uuid.UUID
}

// withRequestInfo returns r carrying a requestInfo, reusing one installed by
// an outer middleware.
func withRequestInfo(r *http.Request) (*http.Request, *requestInfo) {
	if info, ok := r.Context().Value(requestKey).(*requestInfo); ok {
		return r, info
	}
	info := &requestInfo{}
	return r.WithContext(context.WithValue(r.Context(), requestKey, info)), info
}

// logAttrs returns the request attributes known so far.
func (i *requestInfo) logAttrs() []any {
	if i.projectID == uuid.Nil {
		return nil
	}
	return []any{"project_id", i.projectID}
}

// SetProjectID stores the authenticated project in ctx.
func SetProjectID(ctx context.Context, id uuid.UUID) context.Context {
	if info, ok := ctx.Value(requestKey).(*requestInfo); ok {
		info.projectID = id
	}
	return context.WithValue(ctx, projectIDKey, id)
}

// GetProjectID returns the project authenticated for r.
func GetProjectID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(projectIDKey).(uuid.UUID)
	return id, ok
}

// SetKeyPrefix stores the API key prefix used for rate limiting.
func SetKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}
