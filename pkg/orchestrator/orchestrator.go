// Package orchestrator composes the sync engine: deduplicated fetches into the paginated
// cache, optimistic mutations, push events filtered through echo suppression and the view
// filter, and polling while push is unavailable.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sessionsync/pkg/cache"
	"github.com/go-go-golems/sessionsync/pkg/clock"
	"github.com/go-go-golems/sessionsync/pkg/dedupe"
	"github.com/go-go-golems/sessionsync/pkg/echo"
	"github.com/go-go-golems/sessionsync/pkg/mutation"
	"github.com/go-go-golems/sessionsync/pkg/polling"
	"github.com/go-go-golems/sessionsync/pkg/push"
	"github.com/go-go-golems/sessionsync/pkg/remote"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// DefaultPageSize is the first-page size of a view.
const DefaultPageSize = 20

// ErrClosed is returned by operations on a closed orchestrator.
var ErrClosed = errors.New("orchestrator closed")

// Options configures an Orchestrator. PrincipalID and Remote are required.
type Options struct {
	PrincipalID string
	Remote      remote.Store
	// Push is optional. Without it the view is kept fresh by polling only.
	Push push.Source
	// Auth receives session-expired notifications.
	Auth  remote.AuthProvider
	Clock clock.Clock

	EchoTTL         time.Duration
	PollInterval    time.Duration
	PageSize        int
	BulkConcurrency int
	PushOptions     push.Options
}

// View is what the UI renders.
type View struct {
	cache.View
	Filters    sessions.FilterState
	Connection push.ConnectionState
	Polling    polling.State
	Selected   []string
	// LastError is the error of the latest failed fetch, cleared by the next successful one.
	LastError error
}

// Orchestrator is the per-principal sync engine. Construct it once per authenticated
// session and Close it on teardown.
type Orchestrator struct {
	opts      Options
	clock     clock.Clock
	cache     *cache.Cache
	echo      *echo.Suppressor
	dedupe    *dedupe.Deduplicator[sessions.ListResult]
	mutations *mutation.Manager
	polling   *polling.Fallback
	channel   *push.Channel

	// writeMu serialises every cache writer: fetch completion, mutations and push events.
	writeMu sync.Mutex

	mu       sync.Mutex
	filters  sessions.FilterState
	lastErr  error
	started  bool
	closed   bool
	runCtx   context.Context
	cancel   context.CancelFunc
	changes  chan struct{}
	pageSize int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.PrincipalID == "" {
		return nil, errors.New("orchestrator: missing principal id")
	}
	if opts.Remote == nil {
		return nil, errors.New("orchestrator: missing remote store")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	o := &Orchestrator{
		opts:     opts,
		clock:    clock.OrReal(opts.Clock),
		cache:    cache.New(opts.PageSize),
		dedupe:   dedupe.New[sessions.ListResult](),
		filters:  sessions.FilterState{}.Normalized(),
		changes:  make(chan struct{}, 1),
		pageSize: opts.PageSize,
	}
	o.runCtx, o.cancel = context.WithCancel(context.Background())
	o.echo = echo.NewSuppressor(o.clock, opts.EchoTTL)
	o.mutations = mutation.NewManager(o.cache, o.echo, opts.Remote,
		mutation.WithTTL(opts.EchoTTL),
		mutation.WithConcurrency(opts.BulkConcurrency),
		mutation.WithWriteLock(&o.writeMu),
		mutation.WithAuthExpired(o.reportAuth),
		mutation.WithChangeNotifier(o.notify),
	)
	o.polling = polling.New(o.clock, opts.PollInterval, o.pollRefresh)
	if opts.Push != nil {
		pushOpts := opts.PushOptions
		if pushOpts.Clock == nil {
			pushOpts.Clock = o.clock
		}
		o.channel = push.NewChannel(opts.Push, pushOpts)
		o.channel.OnEvent(o.handleEvent)
		o.channel.OnStateChange(o.handleState)
		o.channel.OnAuthExpired(o.reportAuth)
	}
	return o, nil
}

// Start subscribes to push changes and arms polling until push reports connected.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	o.polling.SetConnected(false)
	if o.channel != nil {
		if ctx == nil {
			ctx = o.runCtx
		}
		if err := o.channel.Start(ctx, o.opts.PrincipalID); err != nil {
			return errors.Wrap(err, "start push channel")
		}
	}
	log.Info().Str("component", "orchestrator").Str("principal", o.opts.PrincipalID).Bool("push", o.channel != nil).Msg("sync engine started")
	return nil
}

// Close stops push, polling and every pending ticket timer.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	if o.channel != nil {
		o.channel.Stop()
	}
	o.polling.Stop()
	o.echo.Close()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Fetch switches the view to filters, resetting pagination to the first page. Only the
// response for the latest filters is applied. Errors leave the current view in place.
func (o *Orchestrator) Fetch(ctx context.Context, filters sessions.FilterState) (View, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return View{}, ErrClosed
	}
	o.filters = filters.Normalized()
	f := o.filters
	gen := o.cache.BumpGeneration()
	o.mu.Unlock()

	o.polling.ResetInterval()
	return o.load(ctx, gen, sessions.Query{Filters: f, Limit: o.pageSize})
}

// Refresh reloads the current view from the first page with the last-used filters.
func (o *Orchestrator) Refresh(ctx context.Context) (View, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return View{}, ErrClosed
	}
	f := o.filters
	gen := o.cache.BumpGeneration()
	o.mu.Unlock()

	limit := o.cache.PageState().Limit
	if limit < o.pageSize {
		limit = o.pageSize
	}
	return o.load(ctx, gen, sessions.Query{Filters: f, Limit: limit})
}

func (o *Orchestrator) load(ctx context.Context, gen uint64, q sessions.Query) (View, error) {
	res, err := o.list(ctx, q)
	if err != nil {
		o.setLastErr(err)
		return o.View(), errors.Wrap(err, "fetch sessions")
	}
	o.writeMu.Lock()
	applied := o.cache.ReplaceWithLimit(gen, q.Limit, res)
	o.writeMu.Unlock()
	if !applied {
		log.Debug().Str("component", "orchestrator").Uint64("generation", gen).Msg("discarding superseded fetch")
		return o.View(), nil
	}
	o.setLastErr(nil)
	o.notify()
	return o.View(), nil
}

// LoadMore appends the next page. The view then counts as mid-pagination and push
// insertions only mark it stale.
func (o *Orchestrator) LoadMore(ctx context.Context) (View, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return View{}, ErrClosed
	}
	f := o.filters
	gen := o.cache.Generation()
	o.mu.Unlock()

	ps := o.cache.PageState()
	if !ps.HasMore {
		return o.View(), nil
	}
	res, err := o.list(ctx, sessions.Query{Filters: f, Limit: o.pageSize, Offset: len(ps.IDs)})
	if err != nil {
		o.setLastErr(err)
		return o.View(), errors.Wrap(err, "load more sessions")
	}
	o.writeMu.Lock()
	applied := o.cache.Append(gen, res)
	o.writeMu.Unlock()
	if applied {
		o.notify()
	}
	return o.View(), nil
}

func (o *Orchestrator) list(ctx context.Context, q sessions.Query) (sessions.ListResult, error) {
	key, err := dedupe.Key(o.opts.PrincipalID, q)
	if err != nil {
		return sessions.ListResult{}, err
	}
	res, shared, err := o.dedupe.Do(ctx, key, func(ctx context.Context) (sessions.ListResult, error) {
		return o.opts.Remote.List(ctx, q)
	})
	if err != nil {
		o.reportAuth(err)
		log.Warn().Str("component", "orchestrator").Err(err).Bool("shared", shared).Msg("list failed")
		return res, err
	}
	return res, nil
}

// Update applies p optimistically. See mutation.Manager.Update.
func (o *Orchestrator) Update(ctx context.Context, id string, p sessions.Patch) (sessions.SessionRecord, error) {
	if o.isClosed() {
		return sessions.SessionRecord{}, ErrClosed
	}
	return o.mutations.Update(ctx, id, p)
}

// Delete removes id optimistically. See mutation.Manager.Delete.
func (o *Orchestrator) Delete(ctx context.Context, id string, hard bool) error {
	if o.isClosed() {
		return ErrClosed
	}
	return o.mutations.Delete(ctx, id, hard)
}

// BulkUpdate applies p to every id optimistically. Each item succeeds or rolls back on its own.
func (o *Orchestrator) BulkUpdate(ctx context.Context, ids []string, p sessions.Patch) mutation.BulkResult {
	return o.mutations.BulkUpdate(ctx, ids, p)
}

// BulkArchive archives every id, settling each item on its own.
func (o *Orchestrator) BulkArchive(ctx context.Context, ids []string) mutation.BulkResult {
	return o.mutations.BulkArchive(ctx, ids)
}

// BulkDelete deletes every id. Failed items are restored where they were.
func (o *Orchestrator) BulkDelete(ctx context.Context, ids []string, hard bool) mutation.BulkResult {
	return o.mutations.BulkDelete(ctx, ids, hard)
}

// Create stores a new session and shows it when the view accepts live insertions. Its
// push echo is suppressed.
func (o *Orchestrator) Create(ctx context.Context, in sessions.NewSession) (sessions.SessionRecord, error) {
	if o.isClosed() {
		return sessions.SessionRecord{}, ErrClosed
	}
	rec, err := o.opts.Remote.Create(ctx, in)
	if err != nil {
		o.reportAuth(err)
		return sessions.SessionRecord{}, errors.Wrap(err, "create session")
	}
	o.writeMu.Lock()
	o.echo.Register(rec.ID, o.opts.EchoTTL)
	changed := o.applyRecordLocked(rec, true)
	o.writeMu.Unlock()
	if changed {
		o.notify()
	}
	return rec, nil
}

// AddRecord applies an externally created record to the view with the same rules as a push
// insert. It bypasses echo suppression.
func (o *Orchestrator) AddRecord(r sessions.SessionRecord) {
	o.writeMu.Lock()
	changed := o.applyRecordLocked(r, true)
	o.writeMu.Unlock()
	if changed {
		o.notify()
	}
}

// RemoveRecord drops id from the view without contacting the remote store.
func (o *Orchestrator) RemoveRecord(id string) bool {
	o.writeMu.Lock()
	_, _, ok := o.cache.Remove(id)
	o.writeMu.Unlock()
	if ok {
		o.notify()
	}
	return ok
}

// State returns the reported push connection state.
func (o *Orchestrator) State() push.ConnectionState {
	if o.channel == nil {
		return push.Disconnected
	}
	return o.channel.State()
}

// Filters returns the active filters.
func (o *Orchestrator) Filters() sessions.FilterState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filters
}

// View returns a snapshot for rendering.
func (o *Orchestrator) View() View {
	o.mu.Lock()
	f, lastErr := o.filters, o.lastErr
	o.mu.Unlock()
	return View{
		View:       o.cache.Snapshot(),
		Filters:    f,
		Connection: o.State(),
		Polling:    o.polling.State(),
		Selected:   o.cache.Selection().IDs(),
		LastError:  lastErr,
	}
}

// Changes signals after view changes. Signals coalesce; read View after each one.
func (o *Orchestrator) Changes() <-chan struct{} { return o.changes }

// Select adds visible ids to the selection and ignores the rest.
func (o *Orchestrator) Select(ids ...string) {
	o.writeMu.Lock()
	for _, id := range ids {
		if o.cache.Has(id) {
			o.cache.Selection().Add(id)
		}
	}
	o.writeMu.Unlock()
	o.notify()
}

// Deselect drops ids from the selection.
func (o *Orchestrator) Deselect(ids ...string) {
	o.cache.Selection().Remove(ids...)
	o.notify()
}

// ClearSelection empties the selection.
func (o *Orchestrator) ClearSelection() {
	o.cache.Selection().Clear()
	o.notify()
}

// Selected returns the selected ids in sorted order.
func (o *Orchestrator) Selected() []string { return o.cache.Selection().IDs() }

func (o *Orchestrator) pollRefresh() {
	if _, err := o.Refresh(o.runCtx); err != nil && !errors.Is(err, ErrClosed) {
		log.Debug().Str("component", "orchestrator").Err(err).Msg("polling refresh failed")
	}
}

func (o *Orchestrator) handleState(s push.ConnectionState) {
	o.polling.SetConnected(s == push.Connected)
	o.notify()
}

func (o *Orchestrator) setLastErr(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

func (o *Orchestrator) reportAuth(err error) {
	if !errors.Is(err, sessions.ErrAuthExpired) {
		return
	}
	log.Warn().Str("component", "orchestrator").Str("principal", o.opts.PrincipalID).Msg("session expired")
	if o.opts.Auth != nil {
		o.opts.Auth.SessionExpired(err)
	}
}

func (o *Orchestrator) notify() {
	select {
	case o.changes <- struct{}{}:
	default:
	}
}
