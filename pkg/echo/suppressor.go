// Package echo keeps short-lived tickets for records that were just mutated locally, so that
// the push channel can drop the echo of the client's own change.
package echo

import (
	"sync"
	"time"

	"github.com/go-go-golems/sessionsync/pkg/clock"
)

// DefaultTTL bounds how long an echo is suppressed.
const DefaultTTL = 2 * time.Second

// Ticket marks a record whose push events are currently ignored.
type Ticket struct {
	RecordID  string
	CreatedAt time.Time
	TTL       time.Duration
}

// ExpiresAt returns the moment the ticket stops suppressing events.
func (t Ticket) ExpiresAt() time.Time { return t.CreatedAt.Add(t.TTL) }

type entry struct {
	ticket Ticket
	timer  clock.Timer
	seq    uint64
}

// Suppressor is a registry of live tickets. Tickets expire on their own timer.
type Suppressor struct {
	mu         sync.Mutex
	clock      clock.Clock
	defaultTTL time.Duration
	seq        uint64
	tickets    map[string]*entry
}

func NewSuppressor(c clock.Clock, defaultTTL time.Duration) *Suppressor {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Suppressor{
		clock:      clock.OrReal(c),
		defaultTTL: defaultTTL,
		tickets:    map[string]*entry{},
	}
}

// Register creates or replaces the ticket for recordID. A ttl <= 0 uses the default TTL.
func (s *Suppressor) Register(recordID string, ttl time.Duration) Ticket {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tickets[recordID]; ok {
		old.timer.Stop()
	}
	s.seq++
	seq := s.seq
	e := &entry{
		ticket: Ticket{RecordID: recordID, CreatedAt: s.clock.Now(), TTL: ttl},
		seq:    seq,
	}
	e.timer = s.clock.AfterFunc(ttl, func() { s.expire(recordID, seq) })
	s.tickets[recordID] = e
	return e.ticket
}

// IsSuppressed reports whether a live ticket exists for recordID.
func (s *Suppressor) IsSuppressed(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tickets[recordID]
	return ok
}

// Ticket returns the live ticket for recordID, if any.
func (s *Suppressor) Ticket(recordID string) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tickets[recordID]
	if !ok {
		return Ticket{}, false
	}
	return e.ticket, true
}

// Clear drops the ticket for recordID immediately.
func (s *Suppressor) Clear(recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tickets[recordID]; ok {
		e.timer.Stop()
		delete(s.tickets, recordID)
	}
}

// Len returns the number of live tickets.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

// Close stops every pending expiry timer and drops all tickets.
func (s *Suppressor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.tickets {
		e.timer.Stop()
		delete(s.tickets, id)
	}
}

func (s *Suppressor) expire(recordID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// a timer that lost the race against Register must not drop the newer ticket
	if e, ok := s.tickets[recordID]; ok && e.seq == seq {
		delete(s.tickets, recordID)
	}
}
