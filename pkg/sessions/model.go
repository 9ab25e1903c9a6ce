// Package sessions holds the data model shared by the sync engine, the HTTP client and
// the reference store: session records, partial patches, filter state and list results.
package sessions

import (
	"time"
)

// Status is the lifecycle status of a recorded session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDraft     Status = "draft"
	StatusArchived  Status = "archived"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{StatusActive, StatusCompleted, StatusDraft, StatusArchived}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusDraft, StatusArchived:
		return true
	}
	return false
}

// SessionRecord is one recorded meeting session as listed on the dashboard.
type SessionRecord struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	Status          Status    `json:"status"`
	Type            string    `json:"type,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	Speakers        []string  `json:"speakers,omitempty"`
	IsSharedWithMe  bool      `json:"is_shared_with_me"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	DurationSeconds int       `json:"duration_seconds"`
	WordCount       int       `json:"word_count"`
}

// Clone returns a deep copy of r.
func (r SessionRecord) Clone() SessionRecord {
	out := r
	if r.Speakers != nil {
		out.Speakers = append([]string(nil), r.Speakers...)
	}
	return out
}

// Equal reports whether two records carry identical field values.
func (r SessionRecord) Equal(o SessionRecord) bool {
	if r.ID != o.ID || r.UserID != o.UserID || r.Title != o.Title || r.Status != o.Status ||
		r.Type != o.Type || r.Platform != o.Platform || r.IsSharedWithMe != o.IsSharedWithMe ||
		!r.CreatedAt.Equal(o.CreatedAt) || !r.UpdatedAt.Equal(o.UpdatedAt) ||
		r.DurationSeconds != o.DurationSeconds || r.WordCount != o.WordCount {
		return false
	}
	if len(r.Speakers) != len(o.Speakers) {
		return false
	}
	for i := range r.Speakers {
		if r.Speakers[i] != o.Speakers[i] {
			return false
		}
	}
	return true
}

// NewSession is the payload for creating a session.
type NewSession struct {
	Title          string   `json:"title"`
	Status         Status   `json:"status,omitempty"`
	Type           string   `json:"type,omitempty"`
	Platform       string   `json:"platform,omitempty"`
	Speakers       []string `json:"speakers,omitempty"`
	IsSharedWithMe bool     `json:"is_shared_with_me,omitempty"`
}

// StatusFilter selects which statuses are visible in a view.
type StatusFilter string

const (
	// FilterAll shows every non-archived session.
	FilterAll       StatusFilter = "all"
	FilterActive    StatusFilter = "active"
	FilterCompleted StatusFilter = "completed"
	FilterDraft     StatusFilter = "draft"
	FilterArchived  StatusFilter = "archived"
	// FilterShared shows non-archived sessions other users shared with the principal.
	FilterShared StatusFilter = "shared"
)

func (f StatusFilter) Valid() bool {
	switch f {
	case "", FilterAll, FilterActive, FilterCompleted, FilterDraft, FilterArchived, FilterShared:
		return true
	}
	return false
}

// Sort orders a view.
type Sort string

const (
	SortNewest   Sort = "newest"
	SortOldest   Sort = "oldest"
	SortUpdated  Sort = "updated"
	SortTitle    Sort = "title"
	SortDuration Sort = "duration"
)

func (s Sort) Valid() bool {
	switch s {
	case "", SortNewest, SortOldest, SortUpdated, SortTitle, SortDuration:
		return true
	}
	return false
}

// FilterState is the user-selected filter of the dashboard list.
type FilterState struct {
	Status    StatusFilter `json:"status,omitempty"`
	Search    string       `json:"search,omitempty"`
	DateFrom  *time.Time   `json:"date_from,omitempty"`
	DateTo    *time.Time   `json:"date_to,omitempty"`
	Platforms []string     `json:"platform,omitempty"`
	Speakers  []string     `json:"speakers,omitempty"`
	Sort      Sort         `json:"sort,omitempty"`
}

// Normalized returns f with defaults filled in.
func (f FilterState) Normalized() FilterState {
	if f.Status == "" {
		f.Status = FilterAll
	}
	if f.Sort == "" {
		f.Sort = SortNewest
	}
	return f
}

// Query is a FilterState plus a page window.
type Query struct {
	Filters FilterState
	Limit   int
	Offset  int
}

// ListResult is one page of sessions as returned by the remote store.
type ListResult struct {
	Items      []SessionRecord `json:"items"`
	TotalCount int             `json:"total_count"`
	HasMore    bool            `json:"has_more"`
	// Counts is only filled by the unified dashboard endpoint.
	Counts map[Status]int `json:"counts,omitempty"`
}
