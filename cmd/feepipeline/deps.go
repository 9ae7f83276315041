package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"solana-fee-pipeline/internal/config"
	"solana-fee-pipeline/internal/idempotency"
	"solana-fee-pipeline/internal/observability"
	"solana-fee-pipeline/internal/pipeline"
	"solana-fee-pipeline/internal/queue"
	"solana-fee-pipeline/internal/storage"
	chstore "solana-fee-pipeline/internal/storage/clickhouse"
	"solana-fee-pipeline/internal/storage/memory"
	pgstore "solana-fee-pipeline/internal/storage/postgres"
)

// deps holds the stores and transport shared by the worker and scheduler.
type deps struct {
	clock   clockwork.Clock
	pool    *pgstore.Pool // nil when nothing uses postgres
	tokens  storage.TokenStore
	records storage.DistributionRecordStore
	keys    storage.CustodialKeyStore
	mirror  storage.DistributionRecordStore
	broker  queue.Broker
	outbox  pipeline.Outbox // nil unless tokens and queue share postgres
	guard   idempotency.Guard

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openDeps connects the configured backends. Stores live in postgres when a
// database is configured and in memory otherwise.
func openDeps(ctx context.Context, cfg *config.Config, log *slog.Logger) (*deps, error) {
	d := &deps{clock: clockwork.NewRealClock()}

	var pgTokens *pgstore.TokenStore

	if cfg.Database.URL != "" {
		pool, err := pgstore.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		d.pool = pool
		d.closers = append(d.closers, closerFunc(func() error { pool.Close(); return nil }))

		pgTokens = pgstore.NewTokenStore(pool)
		d.tokens = pgTokens
		d.records = pgstore.NewDistributionRecordStore(pool)
		d.keys = pgstore.NewCustodialKeyStore(pool)
	} else {
		log.Warn("no database configured, state is kept in memory")
		d.tokens = memory.NewTokenStore(d.clock)
		d.records = memory.NewDistributionRecordStore()
		d.keys = memory.NewCustodialKeyStore()
	}

	switch cfg.Queue.Backend {
	case "postgres":
		broker := queue.NewPostgresBroker(d.pool, d.clock)
		d.broker = broker
		if pgTokens != nil {
			d.outbox = queue.NewPostgresOutbox(pgTokens, broker)
		}
	default:
		d.broker = queue.NewMemoryBroker(d.clock)
	}

	switch cfg.Idempotency.Backend {
	case "postgres":
		d.guard = idempotency.NewPostgresGuard(d.pool, d.clock)
	case "badger":
		g, err := idempotency.OpenBadgerGuard(cfg.Idempotency.BadgerDir, log)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.guard = g
		d.closers = append(d.closers, g)
	default:
		d.guard = idempotency.NewMemoryGuard(d.clock)
	}

	if cfg.ClickHouse.URL != "" {
		conn, err := chstore.NewConn(ctx, cfg.ClickHouse.URL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("clickhouse mirror: %w", err)
		}
		d.mirror = chstore.NewDistributionRecordStore(conn)
		d.closers = append(d.closers, conn)
	}

	return d, nil
}

// registerHealth adds a check per connected backend.
func (d *deps) registerHealth(h *observability.Health) {
	if d.pool != nil {
		h.Register("postgres", func(ctx context.Context) error { return d.pool.Ping(ctx) })
	}
}

// Close releases every backend in reverse order of opening.
func (d *deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
