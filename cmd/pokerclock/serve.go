package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lox/pokerclock/internal/auth"
	"github.com/lox/pokerclock/internal/bus"
	"github.com/lox/pokerclock/internal/clock"
	"github.com/lox/pokerclock/internal/config"
	"github.com/lox/pokerclock/internal/server"
	"github.com/lox/pokerclock/internal/store"
)

// ServeCmd runs the clock server
type ServeCmd struct {
	Config  string `short:"c" default:"pokerclock.hcl" help:"Path to HCL configuration file"`
	Addr    string `short:"a" help:"Listen address host:port (overrides config)"`
	EnvFile string `name:"env-file" default:".env" help:"Environment file to load when present"`
}

func (c *ServeCmd) Run(g *Globals) error {
	if err := loadEnvFile(c.EnvFile); err != nil {
		return err
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	getenv := os.Getenv
	if c.Addr != "" {
		getenv = func(key string) string {
			if key == config.EnvAddress {
				return c.Addr
			}
			return os.Getenv(key)
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog, err := g.SetupLogger(cfg.Server.LogLevel, cfg.Server.LogFile, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	registry := server.NewRegistry()
	defer func() { _ = registry.Close() }()

	for _, t := range cfg.Tournaments {
		schedule, err := cfg.Schedule(t)
		if err != nil {
			return fmt.Errorf("tournament %s: %w", t.ID, err)
		}
		engine, err := newEngine(ctx, t, schedule, st, logger)
		if err != nil {
			return err
		}
		if _, err := registry.Add(t.Name, engine); err != nil {
			_ = engine.Close()
			return err
		}
		logger.Info("Loaded tournament",
			"tournament", t.ID,
			"name", t.Name,
			"levels", schedule.Len(),
			"length", schedule.TotalDuration(),
			"status", engine.State().Status)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.NATS != nil {
		fwd, err := bus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer func() { _ = fwd.Close() }()

		for _, t := range registry.List() {
			sub := t.Engine.Subscribe()
			group.Go(func() error {
				err := fwd.Run(groupCtx, sub)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
	}

	opts := []server.Option{server.WithAllowedOrigins(cfg.Server.AllowedOrigins)}
	if v := validator(cfg.Auth); v != nil {
		opts = append(opts, server.WithValidator(v))
	}
	srv := server.NewServer(registry, logger, opts...)
	group.Go(func() error {
		return srv.Serve(groupCtx, cfg.ListenAddress())
	})

	logger.Info("Starting pokerclock",
		"addr", cfg.ListenAddress(),
		"store", cfg.Store.Driver,
		"tournaments", len(cfg.Tournaments),
		"nats", cfg.NATS != nil,
		"auth", cfg.Auth != nil)

	err = group.Wait()
	logger.Info("Shutting down")
	return err
}

// newEngine builds the clock for t, resuming from its last snapshot when the
// store has one. A snapshot that no longer fits the schedule is discarded.
func newEngine(ctx context.Context, t config.TournamentConfig, schedule clock.Schedule, st store.Store, logger *log.Logger) (*clock.Engine, error) {
	opts := []clock.Option{
		clock.WithLogger(logger),
		clock.WithPersister(st),
	}

	snapshot, err := st.LoadClockState(ctx, t.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return clock.New(t.ID, schedule, opts...)
	case err != nil:
		return nil, fmt.Errorf("tournament %s: load snapshot: %w", t.ID, err)
	}

	engine, err := clock.New(t.ID, schedule, append(opts, clock.WithRestoredState(snapshot))...)
	if err != nil {
		logger.Warn("Discarding snapshot that does not match the schedule",
			"tournament", t.ID,
			"level", snapshot.CurrentLevelIndex,
			"error", err)
		return clock.New(t.ID, schedule, opts...)
	}
	logger.Info("Restored clock",
		"tournament", t.ID,
		"level", snapshot.CurrentLevelIndex,
		"status", engine.State().Status)
	return engine, nil
}

func validator(settings *config.AuthSettings) auth.Validator {
	switch {
	case settings == nil:
		return nil
	case settings.URL != "":
		return auth.NewHTTPValidator(settings.URL, settings.AdminSecret)
	default:
		return auth.NewStaticValidator(settings.DirectorTokens)
	}
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
