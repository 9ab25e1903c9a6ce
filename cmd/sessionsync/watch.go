package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/sessionsync/pkg/config"
	"github.com/go-go-golems/sessionsync/pkg/orchestrator"
	"github.com/go-go-golems/sessionsync/pkg/push"
	"github.com/go-go-golems/sessionsync/pkg/redisstream"
	"github.com/go-go-golems/sessionsync/pkg/remote"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

type watchFlags struct {
	baseURL   string
	token     string
	principal string
	pushMode  string

	status    string
	search    string
	platforms []string
	speakers  []string
	sort      string
	from      string
	to        string
}

func newWatchCommand() *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a filtered session list in sync and log every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("base-url") {
				cfg.Client.BaseURL = f.baseURL
			}
			if flags.Changed("token") {
				cfg.Client.Token = f.token
			}
			if flags.Changed("principal") {
				cfg.Client.Principal = f.principal
			}
			if flags.Changed("push") {
				cfg.Client.Push = f.pushMode
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			if cfg.Client.Principal == "" {
				return errors.New("no principal configured, pass --principal")
			}
			filters, err := f.filterState()
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), cfg, filters)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.baseURL, "base-url", "", "session store base URL")
	fl.StringVar(&f.token, "token", "", "bearer token")
	fl.StringVar(&f.principal, "principal", "", "principal the token belongs to")
	fl.StringVar(&f.pushMode, "push", config.PushWebSocket, "push transport: websocket, redis or none")
	fl.StringVar(&f.status, "status", string(sessions.FilterAll), "status filter: all, active, completed, draft, archived, shared")
	fl.StringVar(&f.search, "search", "", "case-insensitive search over title and speakers")
	fl.StringSliceVar(&f.platforms, "platform", nil, "platforms to include")
	fl.StringSliceVar(&f.speakers, "speaker", nil, "speakers to include")
	fl.StringVar(&f.sort, "sort", "", "sort order")
	fl.StringVar(&f.from, "from", "", "earliest creation time (RFC3339)")
	fl.StringVar(&f.to, "to", "", "latest creation time (RFC3339)")
	return cmd
}

func (f watchFlags) filterState() (sessions.FilterState, error) {
	fs := sessions.FilterState{
		Status:    sessions.StatusFilter(f.status),
		Search:    f.search,
		Platforms: f.platforms,
		Speakers:  f.speakers,
		Sort:      sessions.Sort(f.sort),
	}
	if !fs.Status.Valid() {
		return fs, errors.Errorf("unknown status filter %q", f.status)
	}
	if !fs.Sort.Valid() {
		return fs, errors.Errorf("unknown sort %q", f.sort)
	}
	for _, d := range []struct {
		raw string
		dst **time.Time
	}{{f.from, &fs.DateFrom}, {f.to, &fs.DateTo}} {
		if d.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, d.raw)
		if err != nil {
			return fs, errors.Wrapf(err, "parse %q", d.raw)
		}
		*d.dst = &t
	}
	return fs.Normalized(), nil
}

func buildPushSource(ctx context.Context, c config.Config) (push.Source, func(), error) {
	switch c.Client.Push {
	case config.PushNone:
		return nil, func() {}, nil
	case config.PushRedis:
		group := fmt.Sprintf("%s-watch-%s", c.Redis.Group, uuid.NewString()[:8])
		if err := redisstream.EnsureGroupAtTail(ctx, c.Redis.Addr, push.Topic(c.Client.Principal), group); err != nil {
			return nil, nil, err
		}
		sub, err := redisstream.BuildGroupSubscriber(c.Redis.Addr, group, c.Redis.Consumer)
		if err != nil {
			return nil, nil, err
		}
		return &push.WatermillSource{Subscriber: sub}, func() { _ = sub.Close() }, nil
	default:
		return &push.WebSocketSource{
			URL:         c.Client.PushURL(),
			Token:       remote.StaticToken(c.Client.Token).Token,
			IdleTimeout: c.Sync.PushIdleTimeout,
		}, func() {}, nil
	}
}

func runWatch(ctx context.Context, c config.Config, filters sessions.FilterState) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	expired := make(chan error, 1)
	auth := &remote.StaticAuth{
		AccessToken: c.Client.Token,
		OnExpired: func(err error) {
			select {
			case expired <- err:
			default:
			}
		},
	}
	clientOpts := []remote.Option{remote.WithTokenSource(auth)}
	if !c.Client.Unified {
		clientOpts = append(clientOpts, remote.WithoutUnifiedEndpoint())
	}
	client, err := remote.NewClient(c.Client.BaseURL, clientOpts...)
	if err != nil {
		return err
	}
	src, closeSrc, err := buildPushSource(ctx, c)
	if err != nil {
		return err
	}
	defer closeSrc()

	o, err := orchestrator.New(orchestrator.Options{
		PrincipalID:     c.Client.Principal,
		Remote:          client,
		Push:            src,
		Auth:            auth,
		EchoTTL:         c.Sync.EchoTTL,
		PollInterval:    c.Sync.PollInterval,
		PageSize:        c.Sync.PageSize,
		BulkConcurrency: c.Sync.BulkConcurrency,
		PushOptions: push.Options{
			Debounce:         c.Sync.PushDebounce,
			SubscribeTimeout: c.Sync.SubscribeTimeout,
			ReconnectMin:     c.Sync.ReconnectMin,
			ReconnectMax:     c.Sync.ReconnectMax,
		},
	})
	if err != nil {
		return err
	}
	defer o.Close()
	if err := o.Start(ctx); err != nil {
		return err
	}
	if _, err := o.Fetch(ctx, filters); err != nil {
		log.Warn().Err(err).Msg("initial fetch failed, waiting for the next refresh")
	}

	var last orchestrator.View
	logView(o.View(), &last)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("watch stopped")
			return nil
		case err := <-expired:
			return errors.Wrap(err, "session expired")
		case <-o.Changes():
			logView(o.View(), &last)
		}
	}
}

func logView(v orchestrator.View, last *orchestrator.View) {
	prev := map[string]sessions.SessionRecord{}
	for _, r := range last.Items {
		prev[r.ID] = r
	}
	for _, r := range v.Items {
		old, ok := prev[r.ID]
		switch {
		case !ok:
			log.Info().Str("id", r.ID).Str("title", r.Title).Str("status", string(r.Status)).Msg("session visible")
		case !old.Equal(r):
			log.Info().Str("id", r.ID).Str("title", r.Title).Str("status", string(r.Status)).Msg("session changed")
		}
		delete(prev, r.ID)
	}
	for id := range prev {
		log.Info().Str("id", id).Msg("session gone")
	}
	ev := log.Info().
		Int("visible", len(v.Items)).
		Int("total", v.TotalCount).
		Bool("has_more", v.HasMore).
		Bool("stale", v.Stale).
		Str("connection", v.Connection.String()).
		Str("polling", v.Polling.String())
	if v.LastError != nil {
		ev = ev.AnErr("last_error", v.LastError)
	}
	ev.Msg("view")
	*last = v
}
