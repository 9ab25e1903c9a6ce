package remote

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// EncodeQuery renders q as list endpoint query parameters.
func EncodeQuery(q sessions.Query) url.Values {
	f := q.Filters.Normalized()
	v := url.Values{}
	v.Set("status", string(f.Status))
	if s := strings.TrimSpace(f.Search); s != "" {
		v.Set("search", s)
	}
	if f.DateFrom != nil {
		v.Set("date_from", f.DateFrom.UTC().Format(time.RFC3339))
	}
	if f.DateTo != nil {
		v.Set("date_to", f.DateTo.UTC().Format(time.RFC3339))
	}
	for _, p := range f.Platforms {
		v.Add("platform", p)
	}
	for _, s := range f.Speakers {
		v.Add("speakers", s)
	}
	v.Set("sort", string(f.Sort))
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// DecodeQuery parses list endpoint query parameters. Errors wrap sessions.ErrInvalidInput.
func DecodeQuery(v url.Values) (sessions.Query, error) {
	var q sessions.Query
	f := &q.Filters
	f.Status = sessions.StatusFilter(strings.TrimSpace(v.Get("status")))
	if !f.Status.Valid() {
		return q, errors.Wrapf(sessions.ErrInvalidInput, "unknown status %q", f.Status)
	}
	f.Search = strings.TrimSpace(v.Get("search"))
	for _, name := range []string{"date_from", "date_to"} {
		raw := strings.TrimSpace(v.Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.Wrapf(sessions.ErrInvalidInput, "%s: %s", name, err)
		}
		if name == "date_from" {
			f.DateFrom = &t
		} else {
			f.DateTo = &t
		}
	}
	f.Platforms = nonEmpty(v["platform"])
	f.Speakers = nonEmpty(v["speakers"])
	f.Sort = sessions.Sort(strings.TrimSpace(v.Get("sort")))
	if !f.Sort.Valid() {
		return q, errors.Wrapf(sessions.ErrInvalidInput, "unknown sort %q", f.Sort)
	}
	var err error
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = intParam(v, "offset"); err != nil {
		return q, err
	}
	q.Filters = f.Normalized()
	return q, nil
}

func intParam(v url.Values, name string) (int, error) {
	raw := strings.TrimSpace(v.Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(sessions.ErrInvalidInput, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
