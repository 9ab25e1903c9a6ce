// Package dedupe collapses concurrent identical list requests into a single in-flight call.
package dedupe

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// Deduplicator shares one pending call among all callers asking for the same key.
// Nothing is cached once the call settles: the next caller issues a fresh request.
type Deduplicator[T any] struct {
	group singleflight.Group
	calls atomic.Int64
}

func New[T any]() *Deduplicator[T] {
	return &Deduplicator[T]{}
}

// Do runs fn unless a call for key is already pending, in which case it waits for that call.
// fn runs detached from the caller's cancellation so that one impatient caller cannot fail
// the call for everybody; ctx only bounds how long this caller waits.
func (d *Deduplicator[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	if d == nil {
		return zero, false, errors.New("dedupe: nil deduplicator")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (any, error) {
		d.calls.Add(1)
		return fn(callCtx)
	})
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	}
}

// Calls returns how many times an underlying call was actually started.
func (d *Deduplicator[T]) Calls() int64 {
	if d == nil {
		return 0
	}
	return d.calls.Load()
}

type keyFields struct {
	Principal string
	Status    string
	Search    string
	DateFrom  int64
	DateTo    int64
	Platforms []string `hash:"set"`
	Speakers  []string `hash:"set"`
	Sort      string
	Limit     int
	Offset    int
}

// Key derives the deduplication key for a principal's list query.
func Key(principal string, q sessions.Query) (string, error) {
	f := q.Filters.Normalized()
	kf := keyFields{
		Principal: principal,
		Status:    string(f.Status),
		Search:    f.Search,
		Platforms: f.Platforms,
		Speakers:  f.Speakers,
		Sort:      string(f.Sort),
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	if f.DateFrom != nil {
		kf.DateFrom = f.DateFrom.UnixNano()
	}
	if f.DateTo != nil {
		kf.DateTo = f.DateTo.UnixNano()
	}
	h, err := hashstructure.Hash(kf, hashstructure.FormatV2, nil)
	if err != nil {
		return "", errors.Wrap(err, "hash list query")
	}
	return strconv.FormatUint(h, 16), nil
}
