package filter

import (
	"strings"

	"github.com/amishk599/jobfeed/internal/model"
)

// QueryFilter applies the job query filters to items in memory, with the same
// semantics the stores use: case-insensitive substrings, Search matching any
// of title, company or location, and empty filters matching everything.
type QueryFilter struct {
	search   string
	title    string
	company  string
	location string
}

// NewQueryFilter returns a filter for the non-paging fields of q.
func NewQueryFilter(q model.JobQuery) *QueryFilter {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return &QueryFilter{
		search:   norm(q.Search),
		title:    norm(q.Title),
		company:  norm(q.Company),
		location: norm(q.Location),
	}
}

// Match returns true if item passes every non-empty filter.
func (f *QueryFilter) Match(item model.CanonicalItem) bool {
	title := strings.ToLower(item.Title)
	company := strings.ToLower(item.Company)
	location := strings.ToLower(item.Location)

	if f.search != "" &&
		!strings.Contains(title, f.search) &&
		!strings.Contains(company, f.search) &&
		!strings.Contains(location, f.search) {
		return false
	}
	if f.title != "" && !strings.Contains(title, f.title) {
		return false
	}
	if f.company != "" && !strings.Contains(company, f.company) {
		return false
	}
	if f.location != "" && !strings.Contains(location, f.location) {
		return false
	}
	return true
}
