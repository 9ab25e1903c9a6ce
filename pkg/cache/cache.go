// Package cache holds the in-memory page of visible sessions plus its pagination metadata.
// Every full replacement is tied to a generation so that stale fetch completions can be
// recognised and dropped.
package cache

import (
	"sync"

	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// PageState is the ordering and pagination metadata of the visible page.
type PageState struct {
	IDs        []string
	TotalCount int
	Limit      int
	Offset     int
	HasMore    bool
}

// View is an immutable snapshot of the cache.
type View struct {
	Items      []sessions.SessionRecord
	TotalCount int
	Limit      int
	Offset     int
	HasMore    bool
	// Stale is set when a change was observed that the view could not apply live.
	Stale      bool
	Generation uint64
	Counts     map[sessions.Status]int
}

// Cache is the paginated, filtered collection of visible records.
type Cache struct {
	mu         sync.Mutex
	ids        []string
	records    map[string]sessions.SessionRecord
	total      int
	limit      int
	offset     int
	hasMore    bool
	extended   bool
	stale      bool
	generation uint64
	counts     map[sessions.Status]int
	selection  *Selection
}

func New(limit int) *Cache {
	if limit <= 0 {
		limit = 20
	}
	return &Cache{
		records:   map[string]sessions.SessionRecord{},
		limit:     limit,
		selection: NewSelection(),
	}
}

// Selection returns the selection set kept consistent with the cache.
func (c *Cache) Selection() *Selection { return c.selection }

// BumpGeneration invalidates every in-flight fetch and returns the new generation.
func (c *Cache) BumpGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	return c.generation
}

// Generation returns the current generation.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Replace installs a full first-page fetch result. It returns false and changes nothing
// when gen is no longer current.
func (c *Cache) Replace(gen uint64, res sessions.ListResult) bool {
	return c.ReplaceWithLimit(gen, 0, res)
}

// ReplaceWithLimit is Replace with a new page limit. A limit <= 0 keeps the current one.
func (c *Cache) ReplaceWithLimit(gen uint64, limit int, res sessions.ListResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	if limit > 0 {
		c.limit = limit
	}
	c.ids = c.ids[:0]
	c.records = make(map[string]sessions.SessionRecord, len(res.Items))
	for _, r := range res.Items {
		if _, dup := c.records[r.ID]; dup {
			continue
		}
		if len(c.ids) >= c.limit {
			break
		}
		c.ids = append(c.ids, r.ID)
		c.records[r.ID] = r.Clone()
	}
	c.total = maxInt(res.TotalCount, len(c.ids))
	c.hasMore = res.HasMore
	c.offset = 0
	c.extended = false
	c.stale = false
	c.counts = copyCounts(res.Counts)
	c.selection.retain(c.records)
	return true
}

// Append adds a further page loaded by infinite scroll. Records already present are skipped.
// The page limit grows with the appended items. Returns false when gen is stale.
func (c *Cache) Append(gen uint64, res sessions.ListResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	for _, r := range res.Items {
		if _, dup := c.records[r.ID]; dup {
			continue
		}
		c.ids = append(c.ids, r.ID)
		c.records[r.ID] = r.Clone()
	}
	if len(c.ids) > c.limit {
		c.limit = len(c.ids)
	}
	c.extended = true
	c.total = maxInt(res.TotalCount, len(c.ids))
	c.hasMore = res.HasMore
	if res.Counts != nil {
		c.counts = copyCounts(res.Counts)
	}
	return true
}

// Get returns the record with id, if visible.
func (c *Cache) Get(id string) (sessions.SessionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	if !ok {
		return sessions.SessionRecord{}, false
	}
	return r.Clone(), true
}

// Has reports whether id is visible.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[id]
	return ok
}

// Items returns a copy of the visible records in order.
func (c *Cache) Items() []sessions.SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemsLocked()
}

// Upsert updates r in place when present, otherwise inserts it at the front.
func (c *Cache) Upsert(r sessions.SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[r.ID]; ok {
		c.records[r.ID] = r.Clone()
		return
	}
	c.insertLocked(0, r, true)
}

// InsertAt places r at index when absent, otherwise updates it in place. countsAsNew says
// whether r is a record the server did not have before; only then does the total grow.
// An index past the end of a full page leaves the page as is: r belongs to a later page.
// When the page overflows its limit the last record is pushed out and HasMore is set.
// Returns whether the view changed.
func (c *Cache) InsertAt(index int, r sessions.SessionRecord, countsAsNew bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[r.ID]; ok {
		c.records[r.ID] = r.Clone()
		return true
	}
	if index >= c.limit && len(c.ids) >= c.limit {
		if !countsAsNew {
			return false
		}
		c.total++
		c.hasMore = true
		return true
	}
	c.insertLocked(index, r, countsAsNew)
	return true
}

// Put replaces an already visible record. It returns false when the record is absent.
func (c *Cache) Put(r sessions.SessionRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[r.ID]; !ok {
		return false
	}
	c.records[r.ID] = r.Clone()
	return true
}

// Patch merges p into the visible record id and returns the record as it was before.
func (c *Cache) Patch(id string, p sessions.Patch) (sessions.SessionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before, ok := c.records[id]
	if !ok {
		return sessions.SessionRecord{}, false
	}
	c.records[id] = p.Apply(before)
	return before.Clone(), true
}

// Remove drops id from the view, decrementing the total count (floored at zero).
// It returns the removed record and its former index.
func (c *Cache) Remove(id string) (sessions.SessionRecord, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	if !ok {
		return sessions.SessionRecord{}, -1, false
	}
	idx := c.indexLocked(id)
	delete(c.records, id)
	if idx >= 0 {
		c.ids = append(c.ids[:idx], c.ids[idx+1:]...)
	}
	if c.total > 0 {
		c.total--
	}
	c.selection.Remove(id)
	return r, idx, true
}

// Restore reinserts a record removed by Remove at its former position and increments the
// total count. It is the rollback of an optimistic delete.
func (c *Cache) Restore(index int, r sessions.SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[r.ID]; ok {
		c.records[r.ID] = r.Clone()
		return
	}
	c.insertLocked(index, r, true)
}

// MarkStale flags the view as possibly out of date until the next Replace.
func (c *Cache) MarkStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Position returns the pagination offset and whether extra pages were appended.
func (c *Cache) Position() (offset int, extended bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset, c.extended
}

// PageState returns a copy of the pagination metadata.
func (c *Cache) PageState() PageState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PageState{
		IDs:        append([]string(nil), c.ids...),
		TotalCount: c.total,
		Limit:      c.limit,
		Offset:     c.offset,
		HasMore:    c.hasMore,
	}
}

// Snapshot returns an immutable view.
func (c *Cache) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		Items:      c.itemsLocked(),
		TotalCount: c.total,
		Limit:      c.limit,
		Offset:     c.offset,
		HasMore:    c.hasMore,
		Stale:      c.stale,
		Generation: c.generation,
		Counts:     copyCounts(c.counts),
	}
}

func (c *Cache) insertLocked(index int, r sessions.SessionRecord, countsAsNew bool) {
	if index < 0 {
		index = 0
	}
	if index > len(c.ids) {
		index = len(c.ids)
	}
	c.ids = append(c.ids, "")
	copy(c.ids[index+1:], c.ids[index:])
	c.ids[index] = r.ID
	c.records[r.ID] = r.Clone()
	if countsAsNew || c.total < len(c.ids) {
		c.total++
	}
	for len(c.ids) > c.limit {
		last := c.ids[len(c.ids)-1]
		c.ids = c.ids[:len(c.ids)-1]
		delete(c.records, last)
		c.selection.Remove(last)
		c.hasMore = true
	}
}

func (c *Cache) indexLocked(id string) int {
	for i, cur := range c.ids {
		if cur == id {
			return i
		}
	}
	return -1
}

func (c *Cache) itemsLocked() []sessions.SessionRecord {
	out := make([]sessions.SessionRecord, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.records[id].Clone())
	}
	return out
}

func copyCounts(in map[sessions.Status]int) map[sessions.Status]int {
	if in == nil {
		return nil
	}
	out := make(map[sessions.Status]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
