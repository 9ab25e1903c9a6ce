package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sessionsync/pkg/clock"
	"github.com/go-go-golems/sessionsync/pkg/filter"
	"github.com/go-go-golems/sessionsync/pkg/polling"
	"github.com/go-go-golems/sessionsync/pkg/push"
	"github.com/go-go-golems/sessionsync/pkg/remote"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func session(id string, status sessions.Status, minutes int) sessions.SessionRecord {
	ts := base.Add(time.Duration(minutes) * time.Minute)
	return sessions.SessionRecord{ID: id, UserID: "u1", Title: "Session " + id, Status: status, CreatedAt: ts, UpdatedAt: ts}
}

// fakeStore serves List from memory with the same predicate as the real store.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]sessions.SessionRecord
	listCalls int
	gate      chan struct{}
	listErr   error
	updateErr error
	deleteErr error
	// deleteGate, when set, holds Delete until it is closed.
	deleteGate chan struct{}
	queries    []sessions.Query
}

func newFakeStore(rs ...sessions.SessionRecord) *fakeStore {
	s := &fakeStore{records: map[string]sessions.SessionRecord{}}
	for _, r := range rs {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeStore) List(ctx context.Context, q sessions.Query) (sessions.ListResult, error) {
	s.mu.Lock()
	s.listCalls++
	s.queries = append(s.queries, q)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return sessions.ListResult{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return sessions.ListResult{}, s.listErr
	}
	all := make([]sessions.SessionRecord, 0, len(s.records))
	for _, r := range s.records {
		all = append(all, r)
	}
	matched := filter.Apply(all, q.Filters)
	page, more := filter.Page(matched, q.Limit, q.Offset)
	return sessions.ListResult{Items: append([]sessions.SessionRecord{}, page...), TotalCount: len(matched), HasMore: more}, nil
}

func (s *fakeStore) Update(_ context.Context, id string, p sessions.Patch) (sessions.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return sessions.SessionRecord{}, s.updateErr
	}
	r, ok := s.records[id]
	if !ok {
		return sessions.SessionRecord{}, sessions.ErrMutationConflict
	}
	r = p.Apply(r)
	s.records[id] = r
	return r, nil
}

func (s *fakeStore) Delete(_ context.Context, id string, _ bool) error {
	s.mu.Lock()
	gate := s.deleteGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.records, id)
	return nil
}

func (s *fakeStore) Create(_ context.Context, in sessions.NewSession) (sessions.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("new-%d", len(s.records))
	st := in.Status
	if st == "" {
		st = sessions.StatusDraft
	}
	r := sessions.SessionRecord{ID: id, UserID: "u1", Title: in.Title, Status: st, CreatedAt: base.Add(24 * time.Hour), UpdatedAt: base.Add(24 * time.Hour)}
	s.records[id] = r
	return r, nil
}

func (s *fakeStore) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func newOrchestrator(t *testing.T, store remote.Store, opts Options) *Orchestrator {
	t.Helper()
	opts.PrincipalID = "u1"
	opts.Remote = store
	o, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func viewIDs(v View) []string {
	out := make([]string, 0, len(v.Items))
	for _, r := range v.Items {
		out = append(out, r.ID)
	}
	return out
}

func TestOrchestrator_FetchArchivedWhenNoneExist(t *testing.T) {
	store := newFakeStore(session("a", sessions.StatusActive, 1))
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})

	v, err := o.Fetch(context.Background(), sessions.FilterState{Status: sessions.FilterArchived})
	require.NoError(t, err)
	require.Empty(t, v.Items)
	require.Equal(t, 0, v.TotalCount)
	require.False(t, v.HasMore)
	require.Equal(t, 0, v.Offset)
}

func TestOrchestrator_ArchiveEchoIsSuppressed(t *testing.T) {
	fc := clock.NewFake(base)
	store := newFakeStore(session("s-41", sessions.StatusActive, 1), session("s-42", sessions.StatusActive, 2))
	o := newOrchestrator(t, store, Options{Clock: fc, EchoTTL: 2 * time.Second})
	_, err := o.Fetch(context.Background(), sessions.FilterState{Status: sessions.FilterArchived})
	require.NoError(t, err)
	_, err = o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)

	_, err = o.Update(context.Background(), "s-42", sessions.StatusPatch(sessions.StatusArchived))
	require.NoError(t, err)
	r, ok := o.cache.Get("s-42")
	require.True(t, ok)
	require.Equal(t, sessions.StatusArchived, r.Status)

	fc.Advance(200 * time.Millisecond)
	stale := session("s-42", sessions.StatusActive, 2)
	o.handleEvent(push.Update{Record: stale})
	r, ok = o.cache.Get("s-42")
	require.True(t, ok)
	require.Equal(t, sessions.StatusArchived, r.Status)

	fc.Advance(2 * time.Second)
	_, err = o.Fetch(context.Background(), sessions.FilterState{Status: sessions.FilterArchived})
	require.NoError(t, err)
	v, err := o.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"s-42"}, viewIDs(v))
	require.Equal(t, sessions.StatusArchived, v.Items[0].Status)
}

func TestOrchestrator_UpdateEventIsIdempotent(t *testing.T) {
	store := newFakeStore(session("a", sessions.StatusActive, 1), session("b", sessions.StatusActive, 2))
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)

	up := session("a", sessions.StatusCompleted, 1)
	up.Title = "renamed"
	o.handleEvent(push.Update{Record: up})
	once := o.View()
	o.handleEvent(push.Update{Record: up})
	twice := o.View()
	require.Equal(t, once.View, twice.View)
	require.Equal(t, []string{"b", "a"}, viewIDs(twice))
}

func TestOrchestrator_UpdateEventRemovesRecordThatStopsMatching(t *testing.T) {
	store := newFakeStore(session("a", sessions.StatusActive, 1), session("b", sessions.StatusActive, 2))
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})
	_, err := o.Fetch(context.Background(), sessions.FilterState{Status: sessions.FilterActive})
	require.NoError(t, err)
	o.Select("a", "b")

	o.handleEvent(push.Update{Record: session("a", sessions.StatusArchived, 1)})
	v := o.View()
	require.Equal(t, []string{"b"}, viewIDs(v))
	require.Equal(t, 1, v.TotalCount)
	require.Equal(t, []string{"b"}, v.Selected)
}

func TestOrchestrator_DeleteEventClearsSelection(t *testing.T) {
	store := newFakeStore(session("a", sessions.StatusActive, 1), session("b", sessions.StatusActive, 2))
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)
	o.Select("a", "missing")
	require.Equal(t, []string{"a"}, o.Selected())

	o.handleEvent(push.Delete{ID: "a"})
	require.Empty(t, o.Selected())
	require.Equal(t, []string{"b"}, viewIDs(o.View()))
}

func TestOrchestrator_InsertOnlyOnUnextendedFirstPage(t *testing.T) {
	var rs []sessions.SessionRecord
	for i := 0; i < 5; i++ {
		rs = append(rs, session(fmt.Sprintf("s%d", i), sessions.StatusActive, i))
	}
	store := newFakeStore(rs...)
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base), PageSize: 2})
	v, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)
	require.Equal(t, []string{"s4", "s3"}, viewIDs(v))

	o.handleEvent(push.Insert{Record: session("fresh", sessions.StatusActive, 100)})
	v = o.View()
	require.Equal(t, []string{"fresh", "s4"}, viewIDs(v))
	require.Equal(t, 6, v.TotalCount)
	require.False(t, v.Stale)

	o.handleEvent(push.Insert{Record: session("ignored", sessions.StatusArchived, 200)})
	require.Equal(t, []string{"fresh", "s4"}, viewIDs(o.View()))

	_, err = o.Refresh(context.Background())
	require.NoError(t, err)
	v, err = o.LoadMore(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"s4", "s3", "s2", "s1"}, viewIDs(v))

	o.handleEvent(push.Insert{Record: session("late", sessions.StatusActive, 300)})
	v = o.View()
	require.Equal(t, []string{"s4", "s3", "s2", "s1"}, viewIDs(v))
	require.True(t, v.Stale)
}

func TestOrchestrator_EventsBeyondFullPageKeepTotal(t *testing.T) {
	store := newFakeStore(
		session("a", sessions.StatusActive, 3),
		session("b", sessions.StatusActive, 2),
		session("c", sessions.StatusActive, 1),
	)
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base), PageSize: 2})
	v, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, viewIDs(v))
	require.Equal(t, 3, v.TotalCount)

	up := session("c", sessions.StatusActive, 1)
	up.Title = "renamed"
	o.handleEvent(push.Update{Record: up})
	once := o.View()
	o.handleEvent(push.Update{Record: up})
	twice := o.View()
	require.Equal(t, once.View, twice.View)
	require.Equal(t, []string{"a", "b"}, viewIDs(twice))
	require.Equal(t, 3, twice.TotalCount)

	o.handleEvent(push.Insert{Record: session("old", sessions.StatusActive, 0)})
	v = o.View()
	require.Equal(t, []string{"a", "b"}, viewIDs(v))
	require.Equal(t, 4, v.TotalCount)
	require.True(t, v.HasMore)

	moved := session("c", sessions.StatusActive, 1)
	moved.CreatedAt = base.Add(time.Hour)
	o.handleEvent(push.Update{Record: moved})
	v = o.View()
	require.Equal(t, []string{"c", "a"}, viewIDs(v))
	require.Equal(t, 4, v.TotalCount)
}

func TestOrchestrator_LoadMoreAfterDeleteSkipsNothing(t *testing.T) {
	var rs []sessions.SessionRecord
	for i := 0; i < 6; i++ {
		rs = append(rs, session(fmt.Sprintf("s%d", i), sessions.StatusActive, i))
	}
	store := newFakeStore(rs...)
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base), PageSize: 2})
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)

	require.NoError(t, o.Delete(context.Background(), "s5", false))
	v, err := o.LoadMore(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"s4", "s3", "s2"}, viewIDs(v))

	// a removal the server already knows about shifts its window the same way
	store.mu.Lock()
	delete(store.records, "s4")
	store.mu.Unlock()
	o.RemoveRecord("s4")
	v, err = o.LoadMore(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"s3", "s2", "s1", "s0"}, viewIDs(v))
}

func TestOrchestrator_RollbackAfterFilterChangeLeavesNewView(t *testing.T) {
	store := newFakeStore(
		session("a", sessions.StatusActive, 2),
		session("b", sessions.StatusActive, 1),
		session("z", sessions.StatusArchived, 3),
	)
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})
	_, err := o.Fetch(context.Background(), sessions.FilterState{Status: sessions.FilterActive})
	require.NoError(t, err)

	gate := make(chan struct{})
	store.mu.Lock()
	store.deleteGate = gate
	store.deleteErr = errors.Wrap(sessions.ErrServerError, "boom")
	store.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- o.Delete(context.Background(), "a", false) }()
	require.Eventually(t, func() bool { return !o.cache.Has("a") }, time.Second, time.Millisecond)

	v, err := o.Fetch(context.Background(), sessions.FilterState{Status: sessions.FilterArchived})
	require.NoError(t, err)
	require.Equal(t, []string{"z"}, viewIDs(v))

	close(gate)
	require.Error(t, <-done)
	v = o.View()
	require.Equal(t, []string{"z"}, viewIDs(v))
	require.Equal(t, 1, v.TotalCount)
}

func TestOrchestrator_RapidFilterChangesApplyOnlyLatest(t *testing.T) {
	store := newFakeStore(
		session("act", sessions.StatusActive, 1),
		session("done", sessions.StatusCompleted, 2),
		session("draft", sessions.StatusDraft, 3),
	)
	store.gate = make(chan struct{})
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})

	filters := []sessions.StatusFilter{sessions.FilterActive, sessions.FilterCompleted, sessions.FilterDraft}
	var wg sync.WaitGroup
	errs := make([]error, len(filters))
	for i, sf := range filters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = o.Fetch(context.Background(), sessions.FilterState{Status: sf})
		}()
		require.Eventually(t, func() bool { return store.ListCalls() == i+1 }, time.Second, time.Millisecond)
	}
	close(store.gate)
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	v := o.View()
	require.Equal(t, []string{"draft"}, viewIDs(v))
	require.Equal(t, 3, store.ListCalls())
	require.Equal(t, sessions.FilterDraft, v.Filters.Status)
	require.Equal(t, 0, v.Offset)
}

func TestOrchestrator_ConcurrentIdenticalFetchesShareOneCall(t *testing.T) {
	store := newFakeStore(session("a", sessions.StatusActive, 1))
	store.gate = make(chan struct{})
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.Refresh(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return store.ListCalls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(store.gate)
	wg.Wait()
	require.Equal(t, 1, store.ListCalls())
	require.Equal(t, []string{"a"}, viewIDs(o.View()))
}

func TestOrchestrator_FetchErrorKeepsView(t *testing.T) {
	store := newFakeStore(session("a", sessions.StatusActive, 1))
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)

	store.listErr = &sessions.RemoteError{Op: "list", Status: 503, Kind: sessions.ErrServerError}
	v, err := o.Refresh(context.Background())
	require.True(t, errors.Is(err, sessions.ErrServerError))
	require.Equal(t, []string{"a"}, viewIDs(v))
	require.Error(t, v.LastError)

	store.listErr = nil
	v, err = o.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, v.LastError)
}

func TestOrchestrator_AuthExpiredReachesProvider(t *testing.T) {
	store := newFakeStore()
	store.listErr = &sessions.RemoteError{Op: "list", Status: 401, Kind: sessions.ErrAuthExpired}
	auth := &remote.StaticAuth{AccessToken: "t"}
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base), Auth: auth})
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.True(t, errors.Is(err, sessions.ErrAuthExpired))
	require.Equal(t, 1, auth.Expired())
}

func TestOrchestrator_DeleteRollbackAndBulk(t *testing.T) {
	store := newFakeStore(session("a", sessions.StatusActive, 1), session("b", sessions.StatusActive, 2), session("c", sessions.StatusActive, 3))
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)
	before := o.View()

	store.deleteErr = errors.Wrap(sessions.ErrNetworkUnavailable, "offline")
	require.Error(t, o.Delete(context.Background(), "b", false))
	after := o.View()
	require.Equal(t, before.Items, after.Items)
	require.Equal(t, before.TotalCount, after.TotalCount)

	store.deleteErr = nil
	res := o.BulkArchive(context.Background(), []string{"a", "c"})
	require.NoError(t, res.Err())
	require.Len(t, res.Succeeded, 2)
	for _, id := range []string{"a", "c"} {
		r, _ := o.cache.Get(id)
		require.Equal(t, sessions.StatusArchived, r.Status)
	}
}

func TestOrchestrator_SelectionWithBulkOperations(t *testing.T) {
	store := newFakeStore(session("a", sessions.StatusActive, 1), session("b", sessions.StatusActive, 2), session("c", sessions.StatusActive, 3))
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)

	o.Select("a", "b", "c", "missing")
	require.Equal(t, []string{"a", "b", "c"}, o.Selected())
	o.Deselect("b")
	require.Equal(t, []string{"a", "c"}, o.Selected())

	res := o.BulkUpdate(context.Background(), o.Selected(), sessions.TitlePatch("renamed"))
	require.NoError(t, res.Err())
	r, _ := o.cache.Get("c")
	require.Equal(t, "renamed", r.Title)

	res = o.BulkDelete(context.Background(), []string{"a"}, true)
	require.NoError(t, res.Err())
	require.Equal(t, []string{"c"}, o.Selected())
	require.Equal(t, []string{"c", "b"}, viewIDs(o.View()))

	o.ClearSelection()
	require.Empty(t, o.Selected())
}

func TestOrchestrator_CreateInsertsAndSuppressesEcho(t *testing.T) {
	store := newFakeStore(session("a", sessions.StatusDraft, 1))
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)

	rec, err := o.Create(context.Background(), sessions.NewSession{Title: "Kickoff"})
	require.NoError(t, err)
	v := o.View()
	require.Equal(t, []string{rec.ID, "a"}, viewIDs(v))
	require.Equal(t, 2, v.TotalCount)

	echoed := rec
	echoed.Title = "stale"
	o.handleEvent(push.Insert{Record: echoed})
	r, _ := o.cache.Get(rec.ID)
	require.Equal(t, "Kickoff", r.Title)
}

func TestOrchestrator_AddAndRemoveRecord(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(t, store, Options{Clock: clock.NewFake(base)})
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)

	o.AddRecord(session("x", sessions.StatusActive, 1))
	require.Equal(t, []string{"x"}, viewIDs(o.View()))
	select {
	case <-o.Changes():
	default:
		t.Fatal("expected change signal")
	}
	require.True(t, o.RemoveRecord("x"))
	require.False(t, o.RemoveRecord("x"))
	require.Empty(t, o.View().Items)
}

func TestOrchestrator_PollsWithoutPush(t *testing.T) {
	fc := clock.NewFake(base)
	store := newFakeStore(session("a", sessions.StatusActive, 1))
	o := newOrchestrator(t, store, Options{Clock: fc, PollInterval: 30 * time.Second})
	require.NoError(t, o.Start(context.Background()))
	_, err := o.Fetch(context.Background(), sessions.FilterState{})
	require.NoError(t, err)
	require.Equal(t, polling.StateArmed, o.View().Polling)

	fc.Advance(29 * time.Second)
	require.Equal(t, 1, store.ListCalls())
	fc.Advance(time.Second)
	require.Equal(t, 2, store.ListCalls())
	fc.Advance(30 * time.Second)
	require.Equal(t, 3, store.ListCalls())
	require.Equal(t, push.Disconnected, o.State())

	o.Close()
	fc.Advance(time.Minute)
	require.Equal(t, 3, store.ListCalls())
	_, err = o.Refresh(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{Remote: newFakeStore()})
	require.Error(t, err)
	_, err = New(Options{PrincipalID: "u1"})
	require.Error(t, err)
}
