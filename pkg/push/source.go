package push

import (
	"context"

	"github.com/pkg/errors"
)

// ErrTransient marks a stream error after which the same subscription may be retried.
var ErrTransient = errors.New("push: transient stream error")

// Source opens subscriptions to a principal's change stream.
type Source interface {
	// Subscribe returns once the server acknowledged the subscription. The stream lives
	// until ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, principalID string) (Stream, error)
}

// Stream yields change events. Recv returns a nil event for control frames such as heartbeats.
type Stream interface {
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// cancelStream ties the subscription context to the stream's lifetime.
type cancelStream struct {
	Stream
	cancel context.CancelFunc
}

func (s *cancelStream) Close() error {
	s.cancel()
	return s.Stream.Close()
}
