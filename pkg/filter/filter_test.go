package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func rec(id string, status sessions.Status, mod ...func(*sessions.SessionRecord)) sessions.SessionRecord {
	r := sessions.SessionRecord{
		ID:        id,
		Title:     "Weekly sync " + id,
		Status:    status,
		Platform:  "zoom",
		Speakers:  []string{"Ana", "Björn"},
		CreatedAt: base,
		UpdatedAt: base,
	}
	for _, m := range mod {
		m(&r)
	}
	return r
}

func TestMatches_Status(t *testing.T) {
	active := rec("a", sessions.StatusActive)
	archived := rec("b", sessions.StatusArchived)
	shared := rec("c", sessions.StatusCompleted, func(r *sessions.SessionRecord) { r.IsSharedWithMe = true })

	require.True(t, Matches(active, sessions.FilterState{}))
	require.False(t, Matches(archived, sessions.FilterState{}))
	require.True(t, Matches(archived, sessions.FilterState{Status: sessions.FilterArchived}))
	require.False(t, Matches(active, sessions.FilterState{Status: sessions.FilterArchived}))
	require.True(t, Matches(shared, sessions.FilterState{Status: sessions.FilterShared}))
	require.False(t, Matches(active, sessions.FilterState{Status: sessions.FilterShared}))
	require.True(t, Matches(shared, sessions.FilterState{Status: sessions.FilterCompleted}))
	require.False(t, Matches(active, sessions.FilterState{Status: sessions.StatusFilter("bogus")}))
}

func TestMatches_SearchIsCaseInsensitive(t *testing.T) {
	r := rec("a", sessions.StatusActive)
	require.True(t, Matches(r, sessions.FilterState{Search: "WEEKLY"}))
	require.True(t, Matches(r, sessions.FilterState{Search: "björn"}))
	require.True(t, Matches(r, sessions.FilterState{Search: "  "}))
	require.False(t, Matches(r, sessions.FilterState{Search: "retro"}))
}

func TestMatches_DatesPlatformsSpeakers(t *testing.T) {
	r := rec("a", sessions.StatusActive)
	before := base.Add(-time.Hour)
	after := base.Add(time.Hour)

	require.True(t, Matches(r, sessions.FilterState{DateFrom: &before, DateTo: &after}))
	require.True(t, Matches(r, sessions.FilterState{DateFrom: &base, DateTo: &base}))
	require.False(t, Matches(r, sessions.FilterState{DateFrom: &after}))
	require.False(t, Matches(r, sessions.FilterState{DateTo: &before}))

	require.True(t, Matches(r, sessions.FilterState{Platforms: []string{"meet", "Zoom"}}))
	require.False(t, Matches(r, sessions.FilterState{Platforms: []string{"teams"}}))

	require.True(t, Matches(r, sessions.FilterState{Speakers: []string{"ana"}}))
	require.False(t, Matches(r, sessions.FilterState{Speakers: []string{"cy"}}))
}

func TestClassify(t *testing.T) {
	f := sessions.FilterState{Status: sessions.FilterActive}
	active := rec("a", sessions.StatusActive)
	archived := rec("a", sessions.StatusArchived)

	require.Equal(t, ActionPatch, Classify(true, active, f))
	require.Equal(t, ActionRemove, Classify(true, archived, f))
	require.Equal(t, ActionInsert, Classify(false, active, f))
	require.Equal(t, ActionIgnore, Classify(false, archived, f))
}

func TestCanInsert(t *testing.T) {
	require.True(t, CanInsert(Position{}))
	require.False(t, CanInsert(Position{Offset: 20}))
	require.False(t, CanInsert(Position{Extended: true}))
}

func TestApplyAndPage(t *testing.T) {
	rs := []sessions.SessionRecord{
		rec("a", sessions.StatusActive, func(r *sessions.SessionRecord) { r.CreatedAt = base.Add(1 * time.Minute) }),
		rec("b", sessions.StatusArchived),
		rec("c", sessions.StatusDraft, func(r *sessions.SessionRecord) { r.CreatedAt = base.Add(3 * time.Minute) }),
		rec("d", sessions.StatusCompleted, func(r *sessions.SessionRecord) { r.CreatedAt = base.Add(2 * time.Minute) }),
	}

	got := Apply(rs, sessions.FilterState{})
	require.Equal(t, []string{"c", "d", "a"}, ids(got))

	got = Apply(rs, sessions.FilterState{Sort: sessions.SortOldest})
	require.Equal(t, []string{"a", "d", "c"}, ids(got))

	page, more := Page(got, 2, 0)
	require.Equal(t, []string{"a", "d"}, ids(page))
	require.True(t, more)

	page, more = Page(got, 2, 2)
	require.Equal(t, []string{"c"}, ids(page))
	require.False(t, more)

	page, more = Page(got, 2, 10)
	require.Empty(t, page)
	require.False(t, more)
}

func TestInsertIndexKeepsOrder(t *testing.T) {
	items := []sessions.SessionRecord{
		rec("x", sessions.StatusActive, func(r *sessions.SessionRecord) { r.CreatedAt = base.Add(3 * time.Hour) }),
		rec("y", sessions.StatusActive, func(r *sessions.SessionRecord) { r.CreatedAt = base.Add(1 * time.Hour) }),
	}
	newest := rec("n", sessions.StatusActive, func(r *sessions.SessionRecord) { r.CreatedAt = base.Add(5 * time.Hour) })
	middle := rec("m", sessions.StatusActive, func(r *sessions.SessionRecord) { r.CreatedAt = base.Add(2 * time.Hour) })

	require.Equal(t, 0, InsertIndex(items, newest, sessions.SortNewest))
	require.Equal(t, 1, InsertIndex(items, middle, sessions.SortNewest))
	require.Equal(t, 2, InsertIndex(items, rec("o", sessions.StatusActive), sessions.SortNewest))
}

func TestCountByStatus(t *testing.T) {
	counts := CountByStatus([]sessions.SessionRecord{
		rec("a", sessions.StatusActive), rec("b", sessions.StatusActive), rec("c", sessions.StatusArchived),
	})
	require.Equal(t, 2, counts[sessions.StatusActive])
	require.Equal(t, 1, counts[sessions.StatusArchived])
	require.Equal(t, 0, counts[sessions.StatusDraft])
}

func ids(rs []sessions.SessionRecord) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}
