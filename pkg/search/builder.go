// Package search translates list filters into a store-neutral query description.
package search

import (
	"strings"
)

// Field names understood by every store implementation.
const (
	FieldResolved        = "resolved"
	FieldKeywords        = "keywords"
	FieldRaisedAt        = "raised_at"
	FieldCommentCount    = "comment_count"
	FieldOccurrenceCount = "occurrence_count"
)

const (
	DefaultPage    = 1
	DefaultPerPage = 10
	MaxPerPage     = 100
)

// sortFields maps accepted sortBy values to their fields. Anything else is ignored.
var sortFields = map[string]string{
	"raisedAt":        FieldRaisedAt,
	"commentCount":    FieldCommentCount,
	"occurrenceCount": FieldOccurrenceCount,
}

// Op is a condition operator.
type Op string

const (
	// OpEq matches when the field equals Value.
	OpEq Op = "eq"
	// OpIntersects matches when the set-valued field shares at least one
	// element with Value ([]string).
	OpIntersects Op = "intersects"
)

// Condition is one filter predicate. Conditions are ANDed together.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// SortKey orders results by Field.
type SortKey struct {
	Field      string
	Descending bool
}

// Spec is a complete, deterministic list query: filters, sort order and page window.
type Spec struct {
	Conditions []Condition
	Sort       []SortKey
	Page       int
	PerPage    int
}

// Offset is the number of rows skipped before the page starts.
func (s Spec) Offset() int {
	return (s.Page - 1) * s.PerPage
}

// Filters are the raw list parameters.
type Filters struct {
	// Resolved filters on resolution state: "y" selects resolved aggregates,
	// any other non-empty value unresolved ones, empty means no filter.
	Resolved string
	// Search is free text; aggregates match when any word is in their keyword index.
	Search string
	// SortBy is one of raisedAt, commentCount, occurrenceCount.
	SortBy   string
	AscOrder bool
	Page     int
	PerPage  int
}

// QueryBuilder builds Specs from Filters.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type QueryBuilder struct{}

// Build returns the Spec for f.
func (b QueryBuilder) Build(f Filters) Spec {
	spec := Spec{
		Conditions: []Condition{},
		Sort:       b.buildSort(f.SortBy, f.AscOrder),
	}
	spec.Page, spec.PerPage = b.buildWindow(f.Page, f.PerPage)

	if c, ok := b.buildResolved(f.Resolved); ok {
		spec.Conditions = append(spec.Conditions, c)
	}
	if c, ok := b.buildSearch(f.Search); ok {
		spec.Conditions = append(spec.Conditions, c)
	}
	return spec
}

// Words splits free text into lower-cased query words.
func Words(text string) []string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return words
}

func (b QueryBuilder) buildResolved(resolved string) (Condition, bool) {
	if resolved == "" {
		return Condition{}, false
	}
	return Condition{Field: FieldResolved, Op: OpEq, Value: resolved == "y"}, true
}

func (b QueryBuilder) buildSearch(text string) (Condition, bool) {
	words := Words(text)
	if len(words) == 0 {
		return Condition{}, false
	}
	return Condition{Field: FieldKeywords, Op: OpIntersects, Value: words}, true
}

func (b QueryBuilder) buildSort(sortBy string, asc bool) []SortKey {
	tieBreak := SortKey{Field: FieldRaisedAt, Descending: true}

	field, ok := sortFields[sortBy]
	if !ok {
		return []SortKey{tieBreak}
	}
	primary := SortKey{Field: field, Descending: !asc}
	if field == FieldRaisedAt {
		return []SortKey{primary}
	}
	return []SortKey{primary, tieBreak}
}

func (b QueryBuilder) buildWindow(page, perPage int) (int, int) {
	if page <= 0 {
		page = DefaultPage
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}
