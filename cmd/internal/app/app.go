// Package app wires the Connex client runtime: config, logging, the sync
// engine with its transport and REST collaborators, and the ops listener.
package app

import (
	"context"
	"errors"
	"fmt"

	"connex/cmd/internal/chat"
	"connex/cmd/internal/rest"
	"connex/cmd/internal/transport"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the Connex client runtime. It owns the store, engine, transport and
// archive lifecycles.
type App struct {
	cfg Config
	log Logger

	reg    *prometheus.Registry
	store  *chat.Store
	engine *chat.Engine
	tr     *transport.Transport

	pool    *pgxpool.Pool
	archive chat.Archive
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.UserID == "" {
		return nil, errors.New("app: CONNEX_USER_ID is required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pool, archive, err := newArchive(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	restClient, err := rest.NewClient(rest.Config{
		BaseURL: cfg.ServerURL,
		Token:   cfg.Token,
		Timeout: cfg.RequestTimeout,
	}, log)
	if err != nil {
		closeArchive(pool, archive)
		return nil, fmt.Errorf("app: rest client: %w", err)
	}

	tr := transport.New(transport.Config{
		URL:               cfg.WSURL,
		Token:             cfg.Token,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log, transport.NewMetrics(reg))

	store := chat.NewStore(log, cfg.UserID)

	engine, err := chat.NewEngine(log, store, restClient, tr, chat.StaticIdentity(cfg.UserID), chat.Config{
		RequestTimeout: cfg.RequestTimeout,
		TypingWindow:   cfg.TypingWindow,
		PageSize:       cfg.PageSize,
		Archive:        archive,
		Metrics:        chat.NewMetrics(reg),
	})
	if err != nil {
		closeArchive(pool, archive)
		return nil, fmt.Errorf("app: engine: %w", err)
	}

	return &App{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		store:   store,
		engine:  engine,
		tr:      tr,
		pool:    pool,
		archive: archive,
	}, nil
}

// Store exposes the message store for read access (UI layers, tools).
func (a *App) Store() *chat.Store { return a.store }

// Engine exposes the sync engine operations.
func (a *App) Engine() *chat.Engine { return a.engine }

// Run starts the transport, the engine loop and the ops listener, then blocks
// until context cancellation or a fatal error.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("client.start",
		"server_url", a.cfg.ServerURL,
		"ws_url", a.cfg.WSURL,
		"ops_addr", a.cfg.OpsAddr,
		"archive_db", a.pool != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.tr.Run(gctx)
	})

	g.Go(func() error {
		err := a.engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return a.serveOps(gctx)
	})

	// Initial load is best effort: with the server down, the client starts
	// empty and the first catch-up fills it in.
	if err := a.engine.LoadConversations(ctx); err != nil {
		a.log.Info("client.initial_load.fail", "err", err)
	}

	err := g.Wait()

	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("client.fail", "err", err)
		return err
	}
	a.log.Info("client.stopped")
	return nil
}

func (a *App) shutdown() {
	a.tr.Shutdown()
	a.engine.Close()
	a.store.Close()
	closeArchive(a.pool, a.archive)
}

// newArchive decides between the Postgres-backed archive and the in-memory
// dev archive.
func newArchive(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, chat.Archive, error) {
	if cfg.DatabaseURL == "" {
		log.Info("archive.inmemory")
		return nil, chat.NewMemoryArchive(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("app: db pool: %w", err)
	}

	// Ownership model: the app owns the pool lifecycle, the archive's Close
	// is a no-op.
	archive, err := chat.NewPostgresArchive(ctx, pool, chat.WithArchiveSchema(cfg.ArchiveSchema))
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("app: postgres archive: %w", err)
	}

	log.Info("archive.postgres", "schema", cfg.ArchiveSchema)
	return pool, archive, nil
}

func closeArchive(pool *pgxpool.Pool, archive chat.Archive) {
	if archive != nil {
		_ = archive.Close()
	}
	if pool != nil {
		pool.Close()
	}
}
