package orchestrator

import (
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sessionsync/pkg/filter"
	"github.com/go-go-golems/sessionsync/pkg/push"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// handleEvent applies a push event unless it is the echo of a local mutation.
func (o *Orchestrator) handleEvent(ev push.Event) {
	o.writeMu.Lock()
	if o.echo.IsSuppressed(ev.RecordID()) {
		o.writeMu.Unlock()
		log.Debug().Str("component", "orchestrator").Str("id", ev.RecordID()).Str("kind", string(ev.Kind())).Msg("suppressed echo")
		return
	}
	a := &eventApplier{o: o}
	ev.Accept(a)
	o.writeMu.Unlock()
	if a.changed {
		o.notify()
	}
}

// eventApplier applies push events with writeMu held.
type eventApplier struct {
	o       *Orchestrator
	changed bool
}

func (a *eventApplier) OnInsert(e push.Insert) { a.changed = a.o.applyRecordLocked(e.Record, true) }
func (a *eventApplier) OnUpdate(e push.Update) { a.changed = a.o.applyRecordLocked(e.Record, false) }

func (a *eventApplier) OnDelete(e push.Delete) {
	_, _, a.changed = a.o.cache.Remove(e.ID)
}

// applyRecordLocked reconciles r with the view: patch it in place, drop it when it no longer
// matches, or insert it when it newly matches and the view is an unextended first page.
// isNew marks records the server just created; only those grow the total count. A record
// sorting past the end of a full page is left to a later page. Returns whether the view changed.
func (o *Orchestrator) applyRecordLocked(r sessions.SessionRecord, isNew bool) bool {
	f := o.Filters()
	wasVisible := o.cache.Has(r.ID)
	switch filter.Classify(wasVisible, r, f) {
	case filter.ActionPatch:
		cur, _ := o.cache.Get(r.ID)
		if cur.Equal(r) {
			return false
		}
		return o.cache.Put(r)
	case filter.ActionRemove:
		_, _, ok := o.cache.Remove(r.ID)
		return ok
	case filter.ActionInsert:
		offset, extended := o.cache.Position()
		if !filter.CanInsert(filter.Position{Offset: offset, Extended: extended}) {
			o.cache.MarkStale()
			return true
		}
		idx := filter.InsertIndex(o.cache.Items(), r, f.Sort)
		return o.cache.InsertAt(idx, r, isNew)
	}
	return false
}
