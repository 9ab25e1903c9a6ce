package remote

import (
	"context"
	"sync"
)

// TokenSource supplies the bearer token for every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// AuthProvider is the external authentication collaborator. The engine reports expired
// sessions to it and never retries authentication itself.
type AuthProvider interface {
	TokenSource
	SessionExpired(err error)
}

// StaticAuth is an AuthProvider with a fixed token that records expiry notifications.
type StaticAuth struct {
	AccessToken string
	OnExpired   func(err error)

	mu      sync.Mutex
	expired int
}

func (a *StaticAuth) Token(context.Context) (string, error) { return a.AccessToken, nil }

func (a *StaticAuth) SessionExpired(err error) {
	a.mu.Lock()
	a.expired++
	fn := a.OnExpired
	a.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Expired returns how many times SessionExpired was called.
func (a *StaticAuth) Expired() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expired
}
