package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// Putter stores records as given.
type Putter interface {
	Put(ctx context.Context, r sessions.SessionRecord) error
}

var (
	seedPlatforms = []string{"zoom", "meet", "teams"}
	seedSpeakers  = [][]string{{"Ada", "Grace"}, {"Linus"}, {"Barbara", "Ada"}, {"Ken", "Dennis"}}
	seedTitles    = []string{"Weekly sync", "Roadmap review", "Customer call", "Retro", "Design critique", "Hiring panel"}
)

// Seed fills p with n deterministic-looking demo sessions for principal, one every hour
// back from now.
func Seed(ctx context.Context, p Putter, principal string, n int, now time.Time) error {
	for i := 0; i < n; i++ {
		created := now.Add(-time.Duration(i) * time.Hour).UTC().Truncate(time.Millisecond)
		r := sessions.SessionRecord{
			ID:              uuid.NewString(),
			UserID:          principal,
			Title:           fmt.Sprintf("%s #%d", seedTitles[i%len(seedTitles)], i+1),
			Status:          sessions.Statuses[i%len(sessions.Statuses)],
			Type:            "meeting",
			Platform:        seedPlatforms[i%len(seedPlatforms)],
			Speakers:        append([]string(nil), seedSpeakers[i%len(seedSpeakers)]...),
			IsSharedWithMe:  i%5 == 0,
			CreatedAt:       created,
			UpdatedAt:       created,
			DurationSeconds: 600 + 60*(i%45),
			WordCount:       900 + 130*(i%30),
		}
		if err := p.Put(ctx, r); err != nil {
			return errors.Wrapf(err, "seed session %d", i)
		}
	}
	return nil
}
