package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/sessionsync/pkg/config"
	"github.com/go-go-golems/sessionsync/pkg/redisstream"
	"github.com/go-go-golems/sessionsync/pkg/server"
	"github.com/go-go-golems/sessionsync/pkg/store"
)

const seedCount = 40

type storeWithPut interface {
	store.Store
	store.Putter
}

func newServeCommand() *cobra.Command {
	var (
		addr   string
		dbPath string
		tokens string
		seed   bool
		legacy bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference session store with its push endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("db") {
				cfg.Server.DBPath = dbPath
			}
			if cmd.Flags().Changed("seed") {
				cfg.Server.Seed = seed
			}
			if cmd.Flags().Changed("tokens") {
				m, err := config.ParseTokens(tokens)
				if err != nil {
					return err
				}
				cfg.Server.Tokens = m
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if len(cfg.Server.Tokens) == 0 {
				return errors.New("no tokens configured, pass --tokens token=principal")
			}
			var opts []server.Option
			if legacy {
				opts = append(opts, server.WithoutDashboard())
			}
			return runServe(cmd.Context(), cfg, opts...)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file, empty keeps records in memory")
	cmd.Flags().StringVar(&tokens, "tokens", "", "comma separated token=principal pairs")
	cmd.Flags().BoolVar(&seed, "seed", false, "fill every principal with demo sessions on startup")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "serve without the unified dashboard endpoint")
	return cmd
}

func openStore(c config.Config) (storeWithPut, error) {
	if c.Server.DBPath == "" {
		log.Info().Msg("using in-memory session store")
		return store.NewMemory(nil), nil
	}
	log.Info().Str("path", c.Server.DBPath).Msg("using sqlite session store")
	return store.NewSQLite(c.Server.DBPath, nil)
}

func runServe(ctx context.Context, c config.Config, opts ...server.Option) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}()

	if c.Server.Seed {
		seen := map[string]bool{}
		for _, principal := range c.Server.Tokens {
			if seen[principal] {
				continue
			}
			seen[principal] = true
			if err := store.Seed(ctx, st, principal, seedCount, time.Now()); err != nil {
				return err
			}
			log.Info().Str("principal", principal).Int("count", seedCount).Msg("seeded sessions")
		}
	}

	bus, err := redisstream.Build(c.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error().Err(err).Msg("bus close error")
		}
	}()

	hub, err := server.NewHub(server.HubConfig{
		BaseCtx:    ctx,
		Subscriber: bus.Subscriber,
		Heartbeat:  c.Server.Heartbeat,
	})
	if err != nil {
		return err
	}
	srv, err := server.New(store.NewPublishing(st, bus.Publisher), server.TokenTable(c.Server.Tokens), hub, opts...)
	if err != nil {
		return err
	}
	log.Info().Bool("redis", c.Redis.Enabled).Int("principals", len(c.Server.Tokens)).Msg("starting session server")
	return srv.Run(ctx, c.Server.Addr)
}
