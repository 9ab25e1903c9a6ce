// Package mutation applies local changes to the cache before the remote store confirms
// them, and rolls them back when it does not.
package mutation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/sessionsync/pkg/cache"
	"github.com/go-go-golems/sessionsync/pkg/echo"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// DefaultConcurrency bounds the remote calls a bulk operation runs at once.
const DefaultConcurrency = 4

// Remote is the part of the remote store mutations talk to.
type Remote interface {
	Update(ctx context.Context, id string, p sessions.Patch) (sessions.SessionRecord, error)
	Delete(ctx context.Context, id string, hard bool) error
}

// Manager runs optimistic updates and deletes against one cache.
type Manager struct {
	cache       *cache.Cache
	echo        *echo.Suppressor
	remote      Remote
	ttl         time.Duration
	concurrency int
	mu          sync.Locker
	authExpired func(error)
	changed     func()
}

type Option func(*Manager)

// WithTTL sets the echo ticket lifetime registered for every mutation.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithWriteLock shares the lock that serialises cache writers. Holders must not call
// back into the manager.
func WithWriteLock(l sync.Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.mu = l
		}
	}
}

// WithAuthExpired is called once per operation that hit sessions.ErrAuthExpired.
func WithAuthExpired(fn func(error)) Option {
	return func(m *Manager) { m.authExpired = fn }
}

// WithChangeNotifier is called after every cache change the manager makes.
func WithChangeNotifier(fn func()) Option {
	return func(m *Manager) { m.changed = fn }
}

func NewManager(c *cache.Cache, s *echo.Suppressor, r Remote, opts ...Option) *Manager {
	m := &Manager{
		cache:       c,
		echo:        s,
		remote:      r,
		ttl:         echo.DefaultTTL,
		concurrency: DefaultConcurrency,
		mu:          &sync.Mutex{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// undo is what a single optimistic change needs to be reverted. gen is the cache
// generation the change was made against.
type undo struct {
	id       string
	gen      uint64
	before   sessions.SessionRecord
	index    int
	visible  bool
	selected bool
}

// Update patches id in the cache, registers an echo ticket and sends the patch. On failure
// the record is restored to its previous field values and the ticket is cleared. Records
// outside the view are sent to the store without a local change.
func (m *Manager) Update(ctx context.Context, id string, p sessions.Patch) (sessions.SessionRecord, error) {
	if id == "" {
		return sessions.SessionRecord{}, errors.Wrap(sessions.ErrInvalidInput, "update: empty id")
	}
	if p.IsEmpty() {
		return sessions.SessionRecord{}, errors.Wrap(sessions.ErrInvalidInput, "update: empty patch")
	}
	u := m.applyPatch(id, p)
	m.notify()

	rec, err := m.remote.Update(ctx, id, p)
	if err != nil {
		m.rollback([]undo{u})
		m.notify()
		m.reportAuth(err)
		log.Debug().Str("component", "mutation").Str("id", id).Err(err).Msg("update rolled back")
		return sessions.SessionRecord{}, errors.Wrapf(err, "update %s", id)
	}
	return rec, nil
}

// Delete removes id from the cache, registers an echo ticket and deletes it remotely. On
// failure the record goes back to its former position and the total count is restored.
func (m *Manager) Delete(ctx context.Context, id string, hard bool) error {
	if id == "" {
		return errors.Wrap(sessions.ErrInvalidInput, "delete: empty id")
	}
	u := m.applyRemove(id)
	m.notify()

	if err := m.remote.Delete(ctx, id, hard); err != nil {
		m.rollback([]undo{u})
		m.notify()
		m.reportAuth(err)
		log.Debug().Str("component", "mutation").Str("id", id).Err(err).Msg("delete rolled back")
		return errors.Wrapf(err, "delete %s", id)
	}
	return nil
}

// BulkUpdate applies p to every id. Each item succeeds or fails on its own.
func (m *Manager) BulkUpdate(ctx context.Context, ids []string, p sessions.Patch) BulkResult {
	ids = uniqueIDs(ids)
	if p.IsEmpty() {
		res := newBulkResult()
		for _, id := range ids {
			res.Failed[id] = errors.Wrap(sessions.ErrInvalidInput, "empty patch")
		}
		return res
	}
	m.mu.Lock()
	undos := make([]undo, len(ids))
	for i, id := range ids {
		undos[i] = m.applyPatchLocked(id, p)
	}
	m.mu.Unlock()
	m.notify()

	return m.settle(ctx, "bulk update", undos, func(ctx context.Context, id string) error {
		_, err := m.remote.Update(ctx, id, p)
		return err
	})
}

// BulkArchive sets every id to archived.
func (m *Manager) BulkArchive(ctx context.Context, ids []string) BulkResult {
	return m.BulkUpdate(ctx, ids, sessions.StatusPatch(sessions.StatusArchived))
}

// BulkDelete deletes every id. Failed items are restored at their former positions.
func (m *Manager) BulkDelete(ctx context.Context, ids []string, hard bool) BulkResult {
	ids = uniqueIDs(ids)
	m.mu.Lock()
	undos := make([]undo, len(ids))
	for i, id := range ids {
		undos[i] = m.applyRemoveLocked(id)
	}
	m.mu.Unlock()
	m.notify()

	return m.settle(ctx, "bulk delete", undos, func(ctx context.Context, id string) error {
		return m.remote.Delete(ctx, id, hard)
	})
}

func (m *Manager) settle(ctx context.Context, op string, undos []undo, call func(context.Context, string) error) BulkResult {
	errs := make([]error, len(undos))
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i := range undos {
		g.Go(func() error {
			errs[i] = call(ctx, undos[i].id)
			return nil
		})
	}
	_ = g.Wait()

	res := newBulkResult()
	var failed []undo
	var authErr error
	for i, u := range undos {
		if errs[i] == nil {
			res.Succeeded = append(res.Succeeded, u.id)
			continue
		}
		res.Failed[u.id] = errs[i]
		failed = append(failed, u)
		if authErr == nil && errors.Is(errs[i], sessions.ErrAuthExpired) {
			authErr = errs[i]
		}
	}
	if len(failed) > 0 {
		m.rollback(failed)
		m.notify()
	}
	if authErr != nil {
		m.reportAuth(authErr)
	}
	log.Debug().Str("component", "mutation").Str("op", op).
		Int("succeeded", len(res.Succeeded)).Int("failed", len(res.Failed)).Msg("bulk mutation settled")
	return res
}

func (m *Manager) applyPatch(id string, p sessions.Patch) undo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyPatchLocked(id, p)
}

func (m *Manager) applyPatchLocked(id string, p sessions.Patch) undo {
	gen := m.cache.Generation()
	before, ok := m.cache.Patch(id, p)
	m.echo.Register(id, m.ttl)
	return undo{id: id, gen: gen, before: before, index: -1, visible: ok}
}

func (m *Manager) applyRemove(id string) undo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyRemoveLocked(id)
}

func (m *Manager) applyRemoveLocked(id string) undo {
	gen := m.cache.Generation()
	selected := m.cache.Selection().Has(id)
	before, idx, ok := m.cache.Remove(id)
	m.echo.Register(id, m.ttl)
	return undo{id: id, gen: gen, before: before, index: idx, visible: ok, selected: selected}
}

// rollback reverts undos in reverse order so that restored indexes line up. Changes made
// against an older generation are not written back: the view they belonged to is gone.
func (m *Manager) rollback(undos []undo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.cache.Generation()
	for i := len(undos) - 1; i >= 0; i-- {
		u := undos[i]
		m.echo.Clear(u.id)
		if !u.visible || u.gen != gen {
			continue
		}
		if u.index >= 0 {
			m.cache.Restore(u.index, u.before)
			if u.selected {
				m.cache.Selection().Add(u.id)
			}
			continue
		}
		m.cache.Put(u.before)
	}
}

func (m *Manager) notify() {
	if m.changed != nil {
		m.changed()
	}
}

func (m *Manager) reportAuth(err error) {
	if m.authExpired != nil && errors.Is(err, sessions.ErrAuthExpired) {
		m.authExpired(err)
	}
}

// BulkResult reports the per-item outcome of a bulk mutation.
type BulkResult struct {
	Succeeded []string
	Failed    map[string]error
}

func newBulkResult() BulkResult {
	return BulkResult{Failed: map[string]error{}}
}

// Err aggregates the failures, or returns nil when every item succeeded.
func (r BulkResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var merr *multierror.Error
	for _, id := range ids {
		merr = multierror.Append(merr, errors.Wrap(r.Failed[id], id))
	}
	return merr.ErrorOrNil()
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
