// Package server is the reference session store server: a JSON API over a store.Store
// plus a websocket endpoint that pushes each principal's changes.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/sessionsync/pkg/store"
)

// Server serves the session API and the push endpoint.
type Server struct {
	store     store.Store
	auth      Authenticator
	hub       *Hub
	logger    zerolog.Logger
	dashboard bool
	upgrader  websocket.Upgrader
}

type Option func(*Server)

// WithoutDashboard disables the unified /dashboard/sessions endpoint, as on servers that
// predate it.
func WithoutDashboard() Option {
	return func(s *Server) { s.dashboard = false }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(st store.Store, auth Authenticator, hub *Hub, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("server store is nil")
	}
	if auth == nil {
		return nil, errors.New("server authenticator is nil")
	}
	if hub == nil {
		return nil, errors.New("server hub is nil")
	}
	s := &Server{
		store:     st,
		auth:      auth,
		hub:       hub,
		logger:    log.With().Str("component", "server").Logger(),
		dashboard: true,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /sessions", s.handleList(false))
	if s.dashboard {
		api.HandleFunc("GET /dashboard/sessions", s.handleList(true))
	}
	api.HandleFunc("POST /sessions", s.handleCreate)
	api.HandleFunc("GET /sessions/{id}", s.handleGet)
	api.HandleFunc("PATCH /sessions/{id}", s.handleUpdate)
	api.HandleFunc("DELETE /sessions/{id}", s.handleDelete)
	api.HandleFunc("GET /ws", s.handleWS(s.upgrader))

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	root.Handle("/", requireAuth(s.auth, api))
	return root
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.hub.Run(egCtx) })
	eg.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http serve")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		s.logger.Info().Msg("shutting down")
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.logger.Info().Msg("server shutdown complete")
		return nil
	})
	return eg.Wait()
}
