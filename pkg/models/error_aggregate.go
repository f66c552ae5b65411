package models

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReportContext is the free-form context captured with a report. Each map is
// opaque to the aggregation core.
type ReportContext struct {
	Session     map[string]any `json:"session"`
	Request     map[string]any `json:"request"`
	Environment map[string]any `json:"environment"`
	Data        map[string]any `json:"data"`
}

// Normalize replaces nil maps with empty ones.
func (c ReportContext) Normalize() ReportContext {
	if c.Session == nil {
		c.Session = map[string]any{}
	}
	if c.Request == nil {
		c.Request = map[string]any{}
	}
	if c.Environment == nil {
		c.Environment = map[string]any{}
	}
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	return c
}

// URL returns request["url"], if any.
func (c ReportContext) URL() any {
	return c.Request["url"]
}

// Params returns request["params"], if any.
func (c ReportContext) Params() any {
	return c.Request["params"]
}

func (c ReportContext) clone() ReportContext {
	return ReportContext{
		Session:     maps.Clone(c.Session),
		Request:     maps.Clone(c.Request),
		Environment: maps.Clone(c.Environment),
		Data:        maps.Clone(c.Data),
	}
}

// Report is one incoming error report, already translated from its wire format.
type Report struct {
	ProjectID uuid.UUID
	Message   string
	Backtrace []string
	RaisedAt  time.Time
	Context   ReportContext
}

// Validate rejects reports that cannot be aggregated.
func (r Report) Validate() error {
	if r.ProjectID == uuid.Nil {
		return invalid("project is required")
	}
	if strings.TrimSpace(r.Message) == "" {
		return invalid("message is required")
	}
	if r.RaisedAt.IsZero() {
		return invalid("raised_at is required")
	}
	return nil
}

// Occurrence is a repeat report merged into an existing aggregate.
type Occurrence struct {
	ID       uuid.UUID     `db:"id"        json:"id"`
	RaisedAt time.Time     `db:"raised_at" json:"raised_at"`
	Context  ReportContext `json:"context"`
}

// Comment is a human annotation on an aggregate. Its text feeds the keyword index.
type Comment struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	UserID    *uuid.UUID `db:"user_id"    json:"user_id,omitempty"`
	Text      string     `db:"text"       json:"text"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Transition is the outcome of running the resolution state machine.
type Transition string

const (
	TransitionNone        Transition = "none"
	TransitionCreated     Transition = "created"
	TransitionRepeated    Transition = "repeated"
	TransitionReactivated Transition = "reactivated"
)

// Notifies reports whether members must be alerted for this transition.
func (t Transition) Notifies() bool {
	return t == TransitionCreated || t == TransitionRepeated || t == TransitionReactivated
}

// ErrorAggregate is the single record for every report sharing a
// (project, message, backtrace) fingerprint. Occurrences and comments are
// owned by value.
type ErrorAggregate struct {
	ID          uuid.UUID     `db:"id"          json:"id"`
	ProjectID   uuid.UUID     `db:"project_id"  json:"project_id"`
	Fingerprint string        `db:"fingerprint" json:"fingerprint"`
	Message     string        `db:"message"     json:"message"`
	Backtrace   []string      `db:"backtrace"   json:"backtrace"`
	RaisedAt    time.Time     `db:"raised_at"   json:"raised_at"`
	Resolved    bool          `db:"resolved"    json:"resolved"`
	Keywords    []string      `db:"keywords"    json:"keywords"`
	Context     ReportContext `json:"context"`
	Occurrences []Occurrence  `json:"occurrences"`
	Comments    []Comment     `json:"comments"`
	Version     int           `db:"version"     json:"-"`
	CreatedAt   time.Time     `db:"created_at"  json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"  json:"updated_at"`

	// occurrenceCount, commentCount and lastRaisedAt are set by stores that
	// load aggregates without the embedded collections.
	occurrenceCount *int
	commentCount    *int
	lastRaisedAt    *time.Time
}

// NewErrorAggregate builds an unresolved aggregate from the first report of a fingerprint.
func NewErrorAggregate(r Report, fingerprint string) *ErrorAggregate {
	now := time.Now().UTC()
	return &ErrorAggregate{
		ID:          uuid.New(),
		ProjectID:   r.ProjectID,
		Fingerprint: fingerprint,
		Message:     r.Message,
		Backtrace:   slices.Clone(r.Backtrace),
		RaisedAt:    r.RaisedAt,
		Context:     r.Context.Normalize(),
		Occurrences: []Occurrence{},
		Comments:    []Comment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Resolve marks the aggregate resolved. It reports whether the state changed.
func (e *ErrorAggregate) Resolve() bool {
	if e.Resolved {
		return false
	}
	e.Resolved = true
	return true
}

// ApplyOccurrence merges o and runs the resolution state machine. pending marks
// an occurrence that has not been persisted yet; only pending occurrences can
// change state. A resolved aggregate is reactivated by any new occurrence.
func (e *ErrorAggregate) ApplyOccurrence(o Occurrence, pending bool) Transition {
	if !pending {
		return TransitionNone
	}
	o.Context = o.Context.Normalize()
	e.Occurrences = append(e.Occurrences, o)
	if e.occurrenceCount != nil {
		n := *e.occurrenceCount + 1
		e.occurrenceCount = &n
	}
	if e.Resolved {
		e.Resolved = false
		return TransitionReactivated
	}
	return TransitionRepeated
}

// AddComment appends a comment. Callers re-derive keywords afterwards.
func (e *ErrorAggregate) AddComment(c Comment) {
	e.Comments = append(e.Comments, c)
	if e.commentCount != nil {
		n := *e.commentCount + 1
		e.commentCount = &n
	}
}

// CommentTexts returns the text of every comment, in order.
func (e *ErrorAggregate) CommentTexts() []string {
	texts := make([]string, len(e.Comments))
	for i, c := range e.Comments {
		texts[i] = c.Text
	}
	return texts
}

// LastRaisedAt is the latest raise time over the aggregate and its occurrences,
// including occurrences that were not loaded.
func (e *ErrorAggregate) LastRaisedAt() time.Time {
	last := e.RaisedAt
	if e.lastRaisedAt != nil && e.lastRaisedAt.After(last) {
		last = *e.lastRaisedAt
	}
	for _, o := range e.Occurrences {
		if o.RaisedAt.After(last) {
			last = o.RaisedAt
		}
	}
	return last
}

// OccurrenceCount returns the number of merged occurrences.
func (e *ErrorAggregate) OccurrenceCount() int {
	if e.occurrenceCount != nil {
		return *e.occurrenceCount
	}
	return len(e.Occurrences)
}

// CommentCount returns the number of comments.
func (e *ErrorAggregate) CommentCount() int {
	if e.commentCount != nil {
		return *e.commentCount
	}
	return len(e.Comments)
}

// SetCounts records collection sizes for an aggregate loaded without its
// occurrences and comments.
func (e *ErrorAggregate) SetCounts(occurrences, comments int) {
	e.occurrenceCount = &occurrences
	e.commentCount = &comments
}

// SetLastRaisedAt records the latest raise time of an aggregate loaded without
// its occurrences.
func (e *ErrorAggregate) SetLastRaisedAt(t time.Time) {
	e.lastRaisedAt = &t
}

// Clone returns a deep copy of the aggregate.
func (e *ErrorAggregate) Clone() *ErrorAggregate {
	c := *e
	c.Backtrace = slices.Clone(e.Backtrace)
	c.Keywords = slices.Clone(e.Keywords)
	c.Context = e.Context.clone()
	c.Occurrences = make([]Occurrence, len(e.Occurrences))
	for i, o := range e.Occurrences {
		o.Context = o.Context.clone()
		c.Occurrences[i] = o
	}
	c.Comments = make([]Comment, len(e.Comments))
	for i, cm := range e.Comments {
		if cm.UserID != nil {
			id := *cm.UserID
			cm.UserID = &id
		}
		c.Comments[i] = cm
	}
	if e.occurrenceCount != nil {
		n := *e.occurrenceCount
		c.occurrenceCount = &n
	}
	if e.commentCount != nil {
		n := *e.commentCount
		c.commentCount = &n
	}
	if e.lastRaisedAt != nil {
		t := *e.lastRaisedAt
		c.lastRaisedAt = &t
	}
	return &c
}
