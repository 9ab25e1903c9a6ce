package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sessionsync/pkg/clock"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	clock   clock.Clock
	records map[string]sessions.SessionRecord
	deleted map[string]bool
}

var _ Store = (*Memory)(nil)

func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		clock:   clock.OrReal(c),
		records: map[string]sessions.SessionRecord{},
		deleted: map[string]bool{},
	}
}

func (m *Memory) List(_ context.Context, principal string, q sessions.Query) (sessions.ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]sessions.SessionRecord, 0, len(m.records))
	for id, r := range m.records {
		if r.UserID == principal && !m.deleted[id] {
			all = append(all, r.Clone())
		}
	}
	return page(all, q), nil
}

func (m *Memory) Get(_ context.Context, principal, id string) (sessions.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.visibleLocked(principal, id)
	if err != nil {
		return sessions.SessionRecord{}, err
	}
	return r.Clone(), nil
}

func (m *Memory) Create(_ context.Context, principal string, in sessions.NewSession) (sessions.SessionRecord, error) {
	r, err := newRecord(principal, in, m.clock.Now())
	if err != nil {
		return sessions.SessionRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return r.Clone(), nil
}

// Put inserts or replaces r as is. Used for seeding and tests.
func (m *Memory) Put(_ context.Context, r sessions.SessionRecord) error {
	if r.ID == "" {
		return errors.Wrap(sessions.ErrInvalidInput, "put: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r.Clone()
	delete(m.deleted, r.ID)
	return nil
}

func (m *Memory) Update(_ context.Context, principal, id string, p sessions.Patch) (sessions.SessionRecord, error) {
	if err := validatePatch(p); err != nil {
		return sessions.SessionRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.visibleLocked(principal, id)
	if err != nil {
		return sessions.SessionRecord{}, err
	}
	r = applyPatch(r, p, m.clock.Now())
	m.records[id] = r
	return r.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, principal, id string, hard bool) (sessions.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.visibleLocked(principal, id)
	if err != nil {
		return sessions.SessionRecord{}, err
	}
	if hard {
		delete(m.records, id)
	} else {
		m.deleted[id] = true
	}
	return r.Clone(), nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) visibleLocked(principal, id string) (sessions.SessionRecord, error) {
	r, ok := m.records[id]
	if !ok || r.UserID != principal || m.deleted[id] {
		return sessions.SessionRecord{}, errors.Wrap(sessions.ErrNotFound, id)
	}
	return r, nil
}
