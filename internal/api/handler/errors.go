package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tracker"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/kiranshivaraju/faultline/pkg/search"
)

// Tracker defines the ingestion and query operations the error handlers depend on.
type Tracker interface {
	Submit(ctx context.Context, r models.Report) (*tracker.SubmitResult, error)
	ListErrors(ctx context.Context, projectID uuid.UUID, f search.Filters) (*tracker.ErrorPage, error)
	GetError(ctx context.Context, projectID, aggregateID uuid.UUID) (*models.ErrorAggregate, error)
	Resolve(ctx context.Context, projectID, aggregateID uuid.UUID) (*models.ErrorAggregate, error)
	AddComment(ctx context.Context, projectID, aggregateID uuid.UUID, userID *uuid.UUID, text string) (*models.ErrorAggregate, error)
}

type submitRequest struct {
	Message   string               `json:"message"`
	Backtrace []string             `json:"backtrace"`
	RaisedAt  *time.Time           `json:"raised_at"`
	Context   models.ReportContext `json:"context"`
}

type submitResponse struct {
	ErrorID    uuid.UUID         `json:"error_id"`
	Transition models.Transition `json:"transition"`
	Resolved   bool              `json:"resolved"`
	Notified   bool              `json:"notified"`
}

// NewSubmitErrorHandler returns an http.HandlerFunc for POST /api/v1/errors.
// A missing raised_at defaults to the time the report was received.
func NewSubmitErrorHandler(svc Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		raisedAt := time.Now().UTC()
		if req.RaisedAt != nil {
			raisedAt = req.RaisedAt.UTC()
		}

		res, err := svc.Submit(r.Context(), models.Report{
			ProjectID: projectID,
			Message:   req.Message,
			Backtrace: req.Backtrace,
			RaisedAt:  raisedAt,
			Context:   req.Context,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		body := submitResponse{
			ErrorID:    res.Aggregate.ID,
			Transition: res.Transition,
			Resolved:   res.Aggregate.Resolved,
			Notified:   res.Notified,
		}
		if res.Transition == models.TransitionCreated {
			response.Created(w, body)
			return
		}
		response.JSON(w, body)
	}
}

type errorSummary struct {
	ID              uuid.UUID `json:"id"`
	Message         string    `json:"message"`
	Backtrace       []string  `json:"backtrace"`
	RaisedAt        time.Time `json:"raised_at"`
	LastRaisedAt    time.Time `json:"last_raised_at"`
	Resolved        bool      `json:"resolved"`
	OccurrenceCount int       `json:"occurrence_count"`
	CommentCount    int       `json:"comment_count"`
}

type listMeta struct {
	response.PaginationMeta
	Counters models.ProjectCounters `json:"counters"`
}

// NewListErrorsHandler returns an http.HandlerFunc for GET /api/v1/errors.
// Query parameters: resolved, search, sort_by, asc, page, per_page.
func NewListErrorsHandler(svc Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}

		q := r.URL.Query()
		asc, _ := strconv.ParseBool(q.Get("asc"))
		page, _ := strconv.Atoi(q.Get("page"))
		perPage, _ := strconv.Atoi(q.Get("per_page"))

		result, err := svc.ListErrors(r.Context(), projectID, search.Filters{
			Resolved: q.Get("resolved"),
			Search:   q.Get("search"),
			SortBy:   q.Get("sort_by"),
			AscOrder: asc,
			Page:     page,
			PerPage:  perPage,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		items := make([]errorSummary, len(result.Aggregates))
		for i, a := range result.Aggregates {
			items[i] = errorSummary{
				ID:              a.ID,
				Message:         a.Message,
				Backtrace:       a.Backtrace,
				RaisedAt:        a.RaisedAt,
				LastRaisedAt:    a.LastRaisedAt(),
				Resolved:        a.Resolved,
				OccurrenceCount: a.OccurrenceCount(),
				CommentCount:    a.CommentCount(),
			}
		}

		response.Collection(w, items, listMeta{
			PaginationMeta: response.NewPaginationMeta(result.Page, result.PerPage, result.Total),
			Counters:       result.Counters,
		})
	}
}

// NewGetErrorHandler returns an http.HandlerFunc for GET /api/v1/errors/{errorID}.
func NewGetErrorHandler(svc Tracker) http.HandlerFunc {
	return withErrorID(func(w http.ResponseWriter, r *http.Request, projectID, errorID uuid.UUID) {
		agg, err := svc.GetError(r.Context(), projectID, errorID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, agg)
	})
}

// NewResolveErrorHandler returns an http.HandlerFunc for
// POST /api/v1/errors/{errorID}/resolve.
func NewResolveErrorHandler(svc Tracker) http.HandlerFunc {
	return withErrorID(func(w http.ResponseWriter, r *http.Request, projectID, errorID uuid.UUID) {
		agg, err := svc.Resolve(r.Context(), projectID, errorID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"error_id": agg.ID, "resolved": agg.Resolved})
	})
}

// NewAddCommentHandler returns an http.HandlerFunc for
// POST /api/v1/errors/{errorID}/comments.
func NewAddCommentHandler(svc Tracker) http.HandlerFunc {
	return withErrorID(func(w http.ResponseWriter, r *http.Request, projectID, errorID uuid.UUID) {
		var req struct {
			Text   string     `json:"text"`
			UserID *uuid.UUID `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		agg, err := svc.AddComment(r.Context(), projectID, errorID, req.UserID, req.Text)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Created(w, agg.Comments[len(agg.Comments)-1])
	})
}

func withErrorID(next func(w http.ResponseWriter, r *http.Request, projectID, errorID uuid.UUID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}
		errorID, err := uuid.Parse(chi.URLParam(r, "errorID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_ERROR_ID", "Invalid error ID", nil)
			return
		}
		next(w, r, projectID, errorID)
	}
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, tracker.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", "1")
		response.Error(w, http.StatusConflict, "CONCURRENCY_CONFLICT",
			"A concurrent update won; retry the request", nil)
	default:
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
