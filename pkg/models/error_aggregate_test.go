package models_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validReport() models.Report {
	return models.Report{
		ProjectID: uuid.New(),
		Message:   "NullPointerException",
		Backtrace: []string{"a.rb:1", "b.rb:2"},
		RaisedAt:  time.Date(2024, 2, 17, 1, 0, 0, 0, time.UTC),
	}
}

func TestReport_Validate(t *testing.T) {
	assert.NoError(t, validReport().Validate())

	tests := []struct {
		name   string
		mutate func(*models.Report)
		field  string
	}{
		{"no project", func(r *models.Report) { r.ProjectID = uuid.Nil }, "project"},
		{"empty message", func(r *models.Report) { r.Message = "" }, "message"},
		{"blank message", func(r *models.Report) { r.Message = "   " }, "message"},
		{"no raised_at", func(r *models.Report) { r.RaisedAt = time.Time{} }, "raised_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validReport()
			tt.mutate(&r)
			err := r.Validate()
			require.ErrorIs(t, err, models.ErrValidation)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestNewErrorAggregate_Defaults(t *testing.T) {
	r := validReport()
	agg := models.NewErrorAggregate(r, "fp")

	assert.False(t, agg.Resolved)
	assert.Equal(t, r.RaisedAt, agg.RaisedAt)
	assert.Equal(t, "fp", agg.Fingerprint)
	assert.Empty(t, agg.Occurrences)
	assert.Equal(t, map[string]any{}, agg.Context.Session)
	assert.Equal(t, map[string]any{}, agg.Context.Request)
	assert.Equal(t, map[string]any{}, agg.Context.Environment)
	assert.Equal(t, map[string]any{}, agg.Context.Data)

	r.Backtrace[0] = "mutated"
	assert.Equal(t, "a.rb:1", agg.Backtrace[0])
}

func TestReportContext_URLAndParams(t *testing.T) {
	c := models.ReportContext{Request: map[string]any{
		"url":    "http://example.com/checkout",
		"params": map[string]any{"id": "1"},
	}}
	assert.Equal(t, "http://example.com/checkout", c.URL())
	assert.Equal(t, map[string]any{"id": "1"}, c.Params())

	empty := models.ReportContext{}.Normalize()
	assert.Nil(t, empty.URL())
	assert.Nil(t, empty.Params())
}

func TestApplyOccurrence_StateMachine(t *testing.T) {
	agg := models.NewErrorAggregate(validReport(), "fp")
	occ := models.Occurrence{RaisedAt: agg.RaisedAt.Add(time.Minute)}

	assert.Equal(t, models.TransitionRepeated, agg.ApplyOccurrence(occ, true))
	assert.False(t, agg.Resolved)
	assert.Equal(t, 1, agg.OccurrenceCount())

	assert.True(t, agg.Resolve())
	assert.False(t, agg.Resolve(), "resolving twice is not a change")

	assert.Equal(t, models.TransitionReactivated, agg.ApplyOccurrence(occ, true))
	assert.False(t, agg.Resolved)
	assert.Equal(t, 2, agg.OccurrenceCount())

	assert.True(t, agg.Resolve())
	assert.True(t, agg.Resolved)
}

func TestApplyOccurrence_PersistedOccurrenceIsInert(t *testing.T) {
	agg := models.NewErrorAggregate(validReport(), "fp")
	agg.Resolve()

	tr := agg.ApplyOccurrence(models.Occurrence{ID: uuid.New(), RaisedAt: time.Now()}, false)

	assert.Equal(t, models.TransitionNone, tr)
	assert.False(t, tr.Notifies())
	assert.True(t, agg.Resolved)
	assert.Empty(t, agg.Occurrences)
}

func TestTransition_Notifies(t *testing.T) {
	assert.True(t, models.TransitionCreated.Notifies())
	assert.True(t, models.TransitionRepeated.Notifies())
	assert.True(t, models.TransitionReactivated.Notifies())
	assert.False(t, models.TransitionNone.Notifies())
}

func TestLastRaisedAt(t *testing.T) {
	agg := models.NewErrorAggregate(validReport(), "fp")
	assert.Equal(t, agg.RaisedAt, agg.LastRaisedAt())

	later := agg.RaisedAt.Add(2 * time.Hour)
	agg.ApplyOccurrence(models.Occurrence{RaisedAt: later}, true)
	agg.ApplyOccurrence(models.Occurrence{RaisedAt: agg.RaisedAt.Add(time.Hour)}, true)
	assert.Equal(t, later, agg.LastRaisedAt())
}

func TestLastRaisedAt_FromListedAggregate(t *testing.T) {
	agg := models.NewErrorAggregate(validReport(), "fp")
	later := agg.RaisedAt.Add(3 * time.Hour)
	agg.SetLastRaisedAt(later)
	assert.Equal(t, later, agg.LastRaisedAt())
	assert.Equal(t, later, agg.Clone().LastRaisedAt())

	newest := later.Add(time.Minute)
	agg.ApplyOccurrence(models.Occurrence{RaisedAt: newest}, true)
	assert.Equal(t, newest, agg.LastRaisedAt())

	agg.SetLastRaisedAt(agg.RaisedAt.Add(-time.Hour))
	assert.Equal(t, newest, agg.LastRaisedAt())
}

func TestCounts_FromListedAggregate(t *testing.T) {
	agg := models.NewErrorAggregate(validReport(), "fp")
	agg.SetCounts(4, 2)

	assert.Equal(t, 4, agg.OccurrenceCount())
	assert.Equal(t, 2, agg.CommentCount())

	agg.ApplyOccurrence(models.Occurrence{RaisedAt: time.Now()}, true)
	agg.AddComment(models.Comment{Text: "seen again"})
	assert.Equal(t, 5, agg.OccurrenceCount())
	assert.Equal(t, 3, agg.CommentCount())
}

func TestErrorAggregate_CloneIsDeep(t *testing.T) {
	r := validReport()
	r.Context.Data = map[string]any{"k": "v"}
	agg := models.NewErrorAggregate(r, "fp")
	agg.AddComment(models.Comment{Text: "first"})

	c := agg.Clone()
	c.Backtrace[0] = "x"
	c.Context.Data["k"] = "changed"
	c.Comments[0].Text = "edited"

	assert.Equal(t, "a.rb:1", agg.Backtrace[0])
	assert.Equal(t, "v", agg.Context.Data["k"])
	assert.Equal(t, []string{"first"}, agg.CommentTexts())
}
