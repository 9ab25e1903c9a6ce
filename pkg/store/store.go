// Package store is the reference remote store: per-principal session records with the
// same filter predicate the client evaluates locally.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/sessionsync/pkg/filter"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// MaxPageSize caps a list request.
const MaxPageSize = 200

// Store holds the sessions of every principal. Records of other principals are invisible:
// operations on them return sessions.ErrNotFound.
type Store interface {
	List(ctx context.Context, principal string, q sessions.Query) (sessions.ListResult, error)
	Get(ctx context.Context, principal, id string) (sessions.SessionRecord, error)
	Create(ctx context.Context, principal string, in sessions.NewSession) (sessions.SessionRecord, error)
	Update(ctx context.Context, principal, id string, p sessions.Patch) (sessions.SessionRecord, error)
	// Delete hides the record, or removes it for good when hard is set. It returns the
	// record as it was before deletion.
	Delete(ctx context.Context, principal, id string, hard bool) (sessions.SessionRecord, error)
	Close() error
}

func newRecord(principal string, in sessions.NewSession, now time.Time) (sessions.SessionRecord, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return sessions.SessionRecord{}, errors.Wrap(sessions.ErrInvalidInput, "title is required")
	}
	status := in.Status
	if status == "" {
		status = sessions.StatusDraft
	}
	if !status.Valid() {
		return sessions.SessionRecord{}, errors.Wrapf(sessions.ErrInvalidInput, "unknown status %q", status)
	}
	now = now.UTC().Truncate(time.Millisecond)
	return sessions.SessionRecord{
		ID:             uuid.NewString(),
		UserID:         principal,
		Title:          title,
		Status:         status,
		Type:           in.Type,
		Platform:       in.Platform,
		Speakers:       append([]string(nil), in.Speakers...),
		IsSharedWithMe: in.IsSharedWithMe,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func validatePatch(p sessions.Patch) error {
	if p.IsEmpty() {
		return errors.Wrap(sessions.ErrInvalidInput, "empty patch")
	}
	if p.Status != nil && !p.Status.Valid() {
		return errors.Wrapf(sessions.ErrInvalidInput, "unknown status %q", *p.Status)
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return errors.Wrap(sessions.ErrInvalidInput, "title must not be empty")
	}
	return nil
}

// applyPatch merges p and stamps the update time unless the patch sets one. Timestamps
// keep millisecond precision, the resolution of the SQLite store.
func applyPatch(r sessions.SessionRecord, p sessions.Patch, now time.Time) sessions.SessionRecord {
	out := p.Apply(r)
	if p.UpdatedAt == nil {
		out.UpdatedAt = now
	}
	out.UpdatedAt = out.UpdatedAt.UTC().Truncate(time.Millisecond)
	return out
}

// page filters, sorts and cuts all into a list result with per-status counts.
func page(all []sessions.SessionRecord, q sessions.Query) sessions.ListResult {
	limit := q.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	matched := filter.Apply(all, q.Filters)
	items, more := filter.Page(matched, limit, q.Offset)
	return sessions.ListResult{
		Items:      append([]sessions.SessionRecord{}, items...),
		TotalCount: len(matched),
		HasMore:    more,
		Counts:     filter.CountByStatus(all),
	}
}
