// Package filter decides whether a session belongs to a filtered view. The same predicate
// backs the reference store's list endpoint, so records arriving over the push channel can
// be classified locally without a round trip.
package filter

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// Matches reports whether r satisfies every criterion of f.
func Matches(r sessions.SessionRecord, f sessions.FilterState) bool {
	f = f.Normalized()
	if !matchesStatus(r, f.Status) {
		return false
	}
	if f.DateFrom != nil && r.CreatedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && r.CreatedAt.After(*f.DateTo) {
		return false
	}
	if len(f.Platforms) > 0 && !containsFold(f.Platforms, r.Platform) {
		return false
	}
	if len(f.Speakers) > 0 && !anyFold(f.Speakers, r.Speakers) {
		return false
	}
	if q := strings.TrimSpace(f.Search); q != "" && !matchesSearch(r, q) {
		return false
	}
	return true
}

// ShouldBeVisible reports whether r belongs in the view described by f after an update.
// A visible record for which it returns false is removed from the view (not from the store).
func ShouldBeVisible(r sessions.SessionRecord, f sessions.FilterState) bool {
	return Matches(r, f)
}

func matchesStatus(r sessions.SessionRecord, sf sessions.StatusFilter) bool {
	switch sf {
	case sessions.FilterAll, "":
		return r.Status != sessions.StatusArchived
	case sessions.FilterShared:
		return r.IsSharedWithMe && r.Status != sessions.StatusArchived
	case sessions.FilterActive:
		return r.Status == sessions.StatusActive
	case sessions.FilterCompleted:
		return r.Status == sessions.StatusCompleted
	case sessions.FilterDraft:
		return r.Status == sessions.StatusDraft
	case sessions.FilterArchived:
		return r.Status == sessions.StatusArchived
	}
	return false
}

func matchesSearch(r sessions.SessionRecord, q string) bool {
	needle := fold(q)
	if strings.Contains(fold(r.Title), needle) {
		return true
	}
	for _, s := range r.Speakers {
		if strings.Contains(fold(s), needle) {
			return true
		}
	}
	return false
}

// fold builds a fresh Caser on every call; Casers are stateful and not safe to share.
func fold(s string) string {
	return cases.Fold().String(s)
}

func containsFold(set []string, v string) bool {
	fv := fold(v)
	for _, s := range set {
		if fold(s) == fv {
			return true
		}
	}
	return false
}

func anyFold(want, have []string) bool {
	for _, h := range have {
		if containsFold(want, h) {
			return true
		}
	}
	return false
}

// Less orders a before b under s. Ties fall back to id so the order is total.
func Less(a, b sessions.SessionRecord, s sessions.Sort) bool {
	switch s {
	case sessions.SortOldest:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	case sessions.SortUpdated:
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
	case sessions.SortTitle:
		ta, tb := fold(a.Title), fold(b.Title)
		if ta != tb {
			return ta < tb
		}
	case sessions.SortDuration:
		if a.DurationSeconds != b.DurationSeconds {
			return a.DurationSeconds > b.DurationSeconds
		}
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
	}
	return a.ID < b.ID
}

// SortRecords sorts rs in place.
func SortRecords(rs []sessions.SessionRecord, s sessions.Sort) {
	sort.SliceStable(rs, func(i, j int) bool { return Less(rs[i], rs[j], s) })
}

// InsertIndex returns the position at which r keeps items ordered under s.
func InsertIndex(items []sessions.SessionRecord, r sessions.SessionRecord, s sessions.Sort) int {
	return sort.Search(len(items), func(i int) bool { return Less(r, items[i], s) })
}

// Apply filters and sorts rs into a new slice.
func Apply(rs []sessions.SessionRecord, f sessions.FilterState) []sessions.SessionRecord {
	f = f.Normalized()
	out := make([]sessions.SessionRecord, 0, len(rs))
	for _, r := range rs {
		if Matches(r, f) {
			out = append(out, r)
		}
	}
	SortRecords(out, f.Sort)
	return out
}

// Page cuts a window out of an already filtered and sorted slice.
func Page(rs []sessions.SessionRecord, limit, offset int) ([]sessions.SessionRecord, bool) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rs) {
		return []sessions.SessionRecord{}, false
	}
	end := len(rs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return rs[offset:end], end < len(rs)
}

// CountByStatus counts records per status.
func CountByStatus(rs []sessions.SessionRecord) map[sessions.Status]int {
	out := make(map[sessions.Status]int, len(sessions.Statuses))
	for _, s := range sessions.Statuses {
		out[s] = 0
	}
	for _, r := range rs {
		out[r.Status]++
	}
	return out
}
