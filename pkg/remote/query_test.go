package remote

import (
	"net/url"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

func TestQuery_EncodeDecode(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	q := sessions.Query{
		Filters: sessions.FilterState{
			Status:    sessions.FilterCompleted,
			Search:    " roadmap ",
			DateFrom:  &from,
			Platforms: []string{"zoom", "meet"},
			Speakers:  []string{"Ada"},
			Sort:      sessions.SortTitle,
		},
		Limit:  20,
		Offset: 40,
	}
	v := EncodeQuery(q)
	require.Equal(t, []string{"zoom", "meet"}, v["platform"])
	require.Equal(t, "roadmap", v.Get("search"))
	require.Equal(t, "2024-03-01T00:00:00Z", v.Get("date_from"))

	got, err := DecodeQuery(v)
	require.NoError(t, err)
	require.Equal(t, sessions.FilterCompleted, got.Filters.Status)
	require.Equal(t, "roadmap", got.Filters.Search)
	require.True(t, from.Equal(*got.Filters.DateFrom))
	require.Nil(t, got.Filters.DateTo)
	require.Equal(t, 20, got.Limit)
	require.Equal(t, 40, got.Offset)
}

func TestDecodeQuery_DefaultsAndErrors(t *testing.T) {
	q, err := DecodeQuery(url.Values{})
	require.NoError(t, err)
	require.Equal(t, sessions.FilterAll, q.Filters.Status)
	require.Equal(t, sessions.SortNewest, q.Filters.Sort)

	for _, raw := range []string{"status=bogus", "sort=random", "limit=-1", "offset=x", "date_to=yesterday"} {
		v, perr := url.ParseQuery(raw)
		require.NoError(t, perr)
		_, err := DecodeQuery(v)
		require.True(t, errors.Is(err, sessions.ErrInvalidInput), raw)
	}
}
