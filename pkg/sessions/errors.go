package sessions

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAuthExpired means the bearer token was rejected. It is routed to the auth
	// collaborator and never retried internally.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrNetworkUnavailable is a transient transport failure.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrEndpointUnavailable means an optional endpoint is not deployed.
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
	// ErrServerError is a recoverable 5xx or malformed response.
	ErrServerError = errors.New("server error")
	// ErrMutationConflict means the remote store rejected an optimistic change.
	ErrMutationConflict = errors.New("mutation conflict")
	// ErrPushChannel is contained inside the push channel and never surfaces from fetches or mutations.
	ErrPushChannel = errors.New("push channel error")

	ErrNotFound     = errors.New("session not found")
	ErrInvalidInput = errors.New("invalid session input")
)

// RemoteError describes a failed call to the remote store.
type RemoteError struct {
	Op      string
	Status  int
	Message string
	Kind    error
}

func (e *RemoteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Kind }

// IsTransient reports whether err may succeed on a later refresh.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrServerError)
}
