package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/sessionsync/pkg/clock"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// SQLite is a Store persisted with mattn/go-sqlite3.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

var _ Store = (*SQLite)(nil)

func NewSQLite(dsn string, c clock.Clock) (*SQLite, error) {
	if dsn == "" {
		return nil, errors.New("sqlite session store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, clock: clock.OrReal(c)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			speakers_json TEXT NOT NULL DEFAULT '[]',
			is_shared_with_me INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			word_count INTEGER NOT NULL DEFAULT 0,
			deleted_at_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_by_user ON sessions(user_id, deleted_at_ms)`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session store: migrate")
		}
	}
	return nil
}

const selectColumns = `id, user_id, title, status, type, platform, speakers_json, is_shared_with_me,
	created_at_ms, updated_at_ms, duration_seconds, word_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (sessions.SessionRecord, error) {
	var (
		r                    sessions.SessionRecord
		status, speakersJSON string
		shared               int64
		createdMs, updatedMs int64
	)
	if err := sc.Scan(&r.ID, &r.UserID, &r.Title, &status, &r.Type, &r.Platform, &speakersJSON, &shared,
		&createdMs, &updatedMs, &r.DurationSeconds, &r.WordCount); err != nil {
		return r, err
	}
	r.Status = sessions.Status(status)
	r.IsSharedWithMe = shared != 0
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	r.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if err := json.Unmarshal([]byte(speakersJSON), &r.Speakers); err != nil {
		return r, errors.Wrap(err, "decode speakers")
	}
	if len(r.Speakers) == 0 {
		r.Speakers = nil
	}
	return r, nil
}

func (s *SQLite) List(ctx context.Context, principal string, q sessions.Query) (sessions.ListResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE user_id = ? AND deleted_at_ms = 0`, principal)
	if err != nil {
		return sessions.ListResult{}, errors.Wrap(err, "sqlite session store: list")
	}
	defer func() { _ = rows.Close() }()
	var all []sessions.SessionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return sessions.ListResult{}, errors.Wrap(err, "sqlite session store: scan")
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return sessions.ListResult{}, errors.Wrap(err, "sqlite session store: list rows")
	}
	return page(all, q), nil
}

func (s *SQLite) Get(ctx context.Context, principal, id string) (sessions.SessionRecord, error) {
	return s.get(ctx, s.db, principal, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) get(ctx context.Context, q queryer, principal, id string) (sessions.SessionRecord, error) {
	r, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions
		WHERE id = ? AND user_id = ? AND deleted_at_ms = 0`, id, principal))
	if errors.Is(err, sql.ErrNoRows) {
		return sessions.SessionRecord{}, errors.Wrap(sessions.ErrNotFound, id)
	}
	if err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "sqlite session store: get")
	}
	return r, nil
}

func (s *SQLite) Create(ctx context.Context, principal string, in sessions.NewSession) (sessions.SessionRecord, error) {
	r, err := newRecord(principal, in, s.clock.Now())
	if err != nil {
		return sessions.SessionRecord{}, err
	}
	if err := s.Put(ctx, r); err != nil {
		return sessions.SessionRecord{}, err
	}
	return r, nil
}

// Put inserts or replaces r as is. Used for seeding and tests.
func (s *SQLite) Put(ctx context.Context, r sessions.SessionRecord) error {
	speakers, err := json.Marshal(nonNil(r.Speakers))
	if err != nil {
		return errors.Wrap(err, "encode speakers")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+selectColumns+`, deleted_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			title = excluded.title,
			status = excluded.status,
			type = excluded.type,
			platform = excluded.platform,
			speakers_json = excluded.speakers_json,
			is_shared_with_me = excluded.is_shared_with_me,
			created_at_ms = excluded.created_at_ms,
			updated_at_ms = excluded.updated_at_ms,
			duration_seconds = excluded.duration_seconds,
			word_count = excluded.word_count,
			deleted_at_ms = 0
	`, r.ID, r.UserID, r.Title, string(r.Status), r.Type, r.Platform, string(speakers), boolToInt(r.IsSharedWithMe),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(), r.DurationSeconds, r.WordCount)
	if err != nil {
		return errors.Wrap(err, "sqlite session store: put")
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, principal, id string, p sessions.Patch) (sessions.SessionRecord, error) {
	if err := validatePatch(p); err != nil {
		return sessions.SessionRecord{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "sqlite session store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	r, err := s.get(ctx, tx, principal, id)
	if err != nil {
		return sessions.SessionRecord{}, err
	}
	r = applyPatch(r, p, s.clock.Now())
	speakers, err := json.Marshal(nonNil(r.Speakers))
	if err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "encode speakers")
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET title = ?, status = ?, type = ?, platform = ?, speakers_json = ?,
			is_shared_with_me = ?, updated_at_ms = ?, duration_seconds = ?, word_count = ?
		WHERE id = ? AND user_id = ?
	`, r.Title, string(r.Status), r.Type, r.Platform, string(speakers), boolToInt(r.IsSharedWithMe),
		r.UpdatedAt.UnixMilli(), r.DurationSeconds, r.WordCount, id, principal)
	if err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "sqlite session store: update")
	}
	if err := tx.Commit(); err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "sqlite session store: commit")
	}
	return r, nil
}

func (s *SQLite) Delete(ctx context.Context, principal, id string, hard bool) (sessions.SessionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "sqlite session store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	r, err := s.get(ctx, tx, principal, id)
	if err != nil {
		return sessions.SessionRecord{}, err
	}
	if hard {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, id, principal)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET deleted_at_ms = ? WHERE id = ? AND user_id = ?`,
			s.clock.Now().UnixMilli(), id, principal)
	}
	if err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "sqlite session store: delete")
	}
	if err := tx.Commit(); err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "sqlite session store: commit")
	}
	return r, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
