package mutation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sessionsync/pkg/cache"
	"github.com/go-go-golems/sessionsync/pkg/clock"
	"github.com/go-go-golems/sessionsync/pkg/echo"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

type stubRemote struct {
	mu      sync.Mutex
	fail    map[string]error
	updates []string
	deletes []string
	hard    []bool
	seen    func()
}

func (s *stubRemote) Update(_ context.Context, id string, p sessions.Patch) (sessions.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, id)
	if s.seen != nil {
		s.seen()
	}
	if err := s.fail[id]; err != nil {
		return sessions.SessionRecord{}, err
	}
	return p.Apply(sessions.SessionRecord{ID: id}), nil
}

func (s *stubRemote) Delete(_ context.Context, id string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	s.hard = append(s.hard, hard)
	if s.seen != nil {
		s.seen()
	}
	return s.fail[id]
}

type fixture struct {
	cache  *cache.Cache
	echo   *echo.Suppressor
	clock  *clock.Fake
	remote *stubRemote
	mgr    *Manager
	auth   []error
	change int
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	f := &fixture{clock: clock.NewFake(time.Time{}), remote: &stubRemote{fail: map[string]error{}}}
	f.cache = cache.New(20)
	g := f.cache.BumpGeneration()
	items := make([]sessions.SessionRecord, 0, len(ids))
	for _, id := range ids {
		items = append(items, sessions.SessionRecord{ID: id, Title: "t-" + id, Status: sessions.StatusActive, Speakers: []string{"Ada"}})
	}
	require.True(t, f.cache.Replace(g, sessions.ListResult{Items: items, TotalCount: len(items) + 5, HasMore: true}))
	f.echo = echo.NewSuppressor(f.clock, 2*time.Second)
	f.mgr = NewManager(f.cache, f.echo, f.remote,
		WithConcurrency(2),
		WithAuthExpired(func(err error) { f.auth = append(f.auth, err) }),
		WithChangeNotifier(func() { f.change++ }),
	)
	return f
}

func ids(items []sessions.SessionRecord) []string {
	out := make([]string, 0, len(items))
	for _, r := range items {
		out = append(out, r.ID)
	}
	return out
}

func TestManager_UpdateIsVisibleBeforeRemoteCall(t *testing.T) {
	f := newFixture(t, "s-41", "s-42")
	var during sessions.SessionRecord
	var suppressed bool
	f.remote.seen = func() {
		during, _ = f.cache.Get("s-42")
		suppressed = f.echo.IsSuppressed("s-42")
	}

	_, err := f.mgr.Update(context.Background(), "s-42", sessions.StatusPatch(sessions.StatusArchived))
	require.NoError(t, err)
	require.Equal(t, sessions.StatusArchived, during.Status)
	require.True(t, suppressed)

	after, ok := f.cache.Get("s-42")
	require.True(t, ok)
	require.Equal(t, during, after)
	require.True(t, f.echo.IsSuppressed("s-42"))
	f.clock.Advance(2 * time.Second)
	require.False(t, f.echo.IsSuppressed("s-42"))
}

func TestManager_UpdateRollsBackExactly(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	before := f.cache.Snapshot()
	f.remote.fail["b"] = errors.Wrap(sessions.ErrMutationConflict, "stale")

	_, err := f.mgr.Update(context.Background(), "b", sessions.Patch{
		Status:   ptr(sessions.StatusArchived),
		Speakers: &[]string{"Grace"},
	})
	require.True(t, errors.Is(err, sessions.ErrMutationConflict))
	require.Equal(t, before.Items, f.cache.Snapshot().Items)
	require.False(t, f.echo.IsSuppressed("b"))
	require.Empty(t, f.auth)
	require.Equal(t, 2, f.change)
}

func TestManager_UpdateOutsideViewGoesStraightToRemote(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.mgr.Update(context.Background(), "zzz", sessions.TitlePatch("x"))
	require.NoError(t, err)
	require.Equal(t, []string{"zzz"}, f.remote.updates)
	require.Equal(t, []string{"a"}, ids(f.cache.Items()))
}

func TestManager_UpdateRejectsEmptyPatch(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.mgr.Update(context.Background(), "a", sessions.Patch{})
	require.True(t, errors.Is(err, sessions.ErrInvalidInput))
	require.Empty(t, f.remote.updates)
}

func TestManager_DeleteRollbackRestoresPositionAndTotal(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.cache.Selection().Add("b")
	before := f.cache.Snapshot()
	f.remote.fail["b"] = errors.Wrap(sessions.ErrNetworkUnavailable, "offline")

	var duringTotal int
	var duringSelected bool
	f.remote.seen = func() {
		duringTotal = f.cache.Snapshot().TotalCount
		duringSelected = f.cache.Selection().Has("b")
	}
	err := f.mgr.Delete(context.Background(), "b", true)
	require.Error(t, err)
	require.Equal(t, before.TotalCount-1, duringTotal)
	require.False(t, duringSelected)

	after := f.cache.Snapshot()
	require.Equal(t, ids(before.Items), ids(after.Items))
	require.Equal(t, before.TotalCount, after.TotalCount)
	require.True(t, f.cache.Selection().Has("b"))
	require.Equal(t, []bool{true}, f.remote.hard)
	require.False(t, f.echo.IsSuppressed("b"))
}

func TestManager_DeleteSuccessRemovesFromSelection(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.cache.Selection().Add("a", "b")
	require.NoError(t, f.mgr.Delete(context.Background(), "a", false))
	require.Equal(t, []string{"b"}, ids(f.cache.Items()))
	require.Equal(t, []string{"b"}, f.cache.Selection().IDs())
	require.True(t, f.echo.IsSuppressed("a"))
}

func TestManager_AuthExpiredIsReported(t *testing.T) {
	f := newFixture(t, "a")
	f.remote.fail["a"] = &sessions.RemoteError{Op: "delete a", Status: 401, Kind: sessions.ErrAuthExpired}
	err := f.mgr.Delete(context.Background(), "a", false)
	require.True(t, errors.Is(err, sessions.ErrAuthExpired))
	require.Len(t, f.auth, 1)
	require.Equal(t, []string{"a"}, ids(f.cache.Items()))
}

func TestManager_BulkArchiveReportsPartialSuccess(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	f.remote.fail["c"] = errors.Wrap(sessions.ErrServerError, "boom")

	res := f.mgr.BulkArchive(context.Background(), []string{"a", "b", "c", "b", ""})
	require.ElementsMatch(t, []string{"a", "b"}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	require.Error(t, res.Err())
	require.Contains(t, res.Err().Error(), "c")

	for _, id := range []string{"a", "b"} {
		r, _ := f.cache.Get(id)
		require.Equal(t, sessions.StatusArchived, r.Status, id)
	}
	c, _ := f.cache.Get("c")
	require.Equal(t, sessions.StatusActive, c.Status)
	require.False(t, f.echo.IsSuppressed("c"))
	require.True(t, f.echo.IsSuppressed("a"))
}

func TestManager_BulkDeleteRestoresFailuresInOrder(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d", "e")
	before := f.cache.Snapshot()
	f.remote.fail["a"] = errors.Wrap(sessions.ErrServerError, "boom")
	f.remote.fail["d"] = errors.Wrap(sessions.ErrServerError, "boom")

	res := f.mgr.BulkDelete(context.Background(), []string{"a", "c", "d"}, false)
	require.Equal(t, []string{"c"}, res.Succeeded)
	require.Len(t, res.Failed, 2)

	after := f.cache.Snapshot()
	require.Equal(t, []string{"a", "b", "d", "e"}, ids(after.Items))
	require.Equal(t, before.TotalCount-1, after.TotalCount)
}

func TestManager_RollbackAfterViewChangeLeavesNewViewAlone(t *testing.T) {
	f := newFixture(t, "a", "b")
	archived := sessions.SessionRecord{ID: "z", Title: "t-z", Status: sessions.StatusArchived}
	f.remote.seen = func() {
		g := f.cache.BumpGeneration()
		f.cache.Replace(g, sessions.ListResult{Items: []sessions.SessionRecord{archived}, TotalCount: 1})
	}
	f.remote.fail["a"] = errors.Wrap(sessions.ErrServerError, "boom")
	f.remote.fail["z"] = errors.Wrap(sessions.ErrServerError, "boom")

	require.Error(t, f.mgr.Delete(context.Background(), "a", false))
	after := f.cache.Snapshot()
	require.Equal(t, []string{"z"}, ids(after.Items))
	require.Equal(t, 1, after.TotalCount)
	require.False(t, f.echo.IsSuppressed("a"))

	fresh := archived
	fresh.Title = "from server"
	f.remote.seen = func() {
		g := f.cache.BumpGeneration()
		f.cache.Replace(g, sessions.ListResult{Items: []sessions.SessionRecord{fresh}, TotalCount: 1})
	}
	_, err := f.mgr.Update(context.Background(), "z", sessions.TitlePatch("renamed"))
	require.Error(t, err)
	z, ok := f.cache.Get("z")
	require.True(t, ok)
	require.Equal(t, "from server", z.Title)
	require.False(t, f.echo.IsSuppressed("z"))
}

func TestManager_BulkAllSucceedHasNilErr(t *testing.T) {
	f := newFixture(t, "a", "b")
	res := f.mgr.BulkDelete(context.Background(), []string{"a", "b"}, false)
	require.NoError(t, res.Err())
	require.Empty(t, f.cache.Items())
}

func ptr[T any](v T) *T { return &v }
