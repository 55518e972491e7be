package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scalyclaw/scalyclaw-sub000/internal/config"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/progress"
	"github.com/scalyclaw/scalyclaw-sub000/internal/ratelimit"
	"github.com/scalyclaw/scalyclaw-sub000/internal/registry"
	"github.com/scalyclaw/scalyclaw-sub000/internal/storage"
)

// backend holds the state shared between nodes and workers: the job queue,
// the progress buffer, the process registry and the rate-limit window.
type backend struct {
	kind     string
	db       *sql.DB
	listener *storage.Listener

	queue    jobs.Queue
	bus      progress.Bus
	registry *registry.Registry
	limiter  ratelimit.Limiter
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	rl := ratelimit.Config{
		Enabled:     cfg.RateLimit.Enabled,
		MaxMessages: cfg.RateLimit.MaxMessages,
		Window:      cfg.RateLimit.Window,
	}

	switch strings.ToLower(cfg.Queue.Backend) {
	case "", "memory":
		return &backend{
			kind:     "memory",
			queue:    jobs.NewMemoryQueue(),
			bus:      progress.NewMemoryBus(),
			registry: registry.NewRegistry(registry.NewMemoryStore(), logger),
			limiter:  ratelimit.NewWindow(rl),
		}, nil
	case "postgres":
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}

	pool := storage.DefaultPostgresConfig()
	if cfg.Queue.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.Queue.MaxOpenConns
	}
	if cfg.Queue.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.Queue.MaxIdleConns
	}
	if cfg.Queue.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Queue.ConnMaxLifetime
	}
	db, err := storage.OpenPostgres(cfg.Queue.DSN, pool)
	if err != nil {
		return nil, err
	}

	var schema []string
	schema = append(schema, jobs.Schema...)
	schema = append(schema, progress.Schema...)
	schema = append(schema, registry.Schema...)
	schema = append(schema, ratelimit.Schema...)
	if err := storage.Migrate(ctx, db, schema...); err != nil {
		_ = db.Close()
		return nil, err
	}

	listener, err := storage.NewListener(cfg.Queue.DSN, logger, jobs.NotifyChannel, progress.NotifyChannel)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &backend{
		kind:     "postgres",
		db:       db,
		listener: listener,
		queue:    jobs.NewPostgresQueue(db, listener.Signal(jobs.NotifyChannel), cfg.Queue.PollInterval),
		bus:      progress.NewPostgresBus(db, listener.Signal(progress.NotifyChannel)),
		registry: registry.NewRegistry(registry.NewPostgresStore(db), logger),
		limiter:  ratelimit.NewPostgresWindow(db, rl),
	}, nil
}

// shared reports whether other processes can see this backend.
func (b *backend) shared() bool { return b.kind == "postgres" }

func (b *backend) ping(ctx context.Context) bool {
	if b.db == nil {
		return true
	}
	return b.db.PingContext(ctx) == nil
}

func (b *backend) Close() error {
	var errs []error
	if b.queue != nil {
		errs = append(errs, b.queue.Close())
	}
	if b.listener != nil {
		errs = append(errs, b.listener.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}
