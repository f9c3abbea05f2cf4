// Package app wires the tasklane server runtime: config, logging, persistence,
// the REST API and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tasklane/cmd/identity"
	"tasklane/cmd/internal/auth/session"
	"tasklane/cmd/internal/chat"
	"tasklane/cmd/internal/chatapi"
	"tasklane/cmd/internal/realtime"
)

// App owns the server dependencies and their lifecycle.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	store chat.Store

	tokens  session.AccessTokenManager
	chats   *chat.Service
	gateway *realtime.Gateway
	api     *chatapi.Handler
	metrics *prometheus.Registry
}

// New constructs a fully wired App. Call Close when done.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	wsCfg := realtime.LoadConfigFromEnv()
	if err := ValidateSecurityConfig(cfg, wsCfg); err != nil {
		return nil, err
	}

	tokens, err := newTokenManager(cfg, log)
	if err != nil {
		return nil, err
	}
	authn := session.NewTokenAuthenticator(tokens)

	store, dir, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	chats := chat.NewService(store, dir, chat.WithLogger(log))

	gw, err := realtime.NewGateway(log, wsCfg, chats, authn, realtime.WithMetrics(realtime.NewMetrics(reg)))
	if err != nil {
		closeStore(store, pool)
		return nil, err
	}

	api, err := chatapi.NewHandler(log, chats, authn,
		chatapi.WithPublisher(gw),
		chatapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	if err != nil {
		closeStore(store, pool)
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		pool:    pool,
		store:   store,
		tokens:  tokens,
		chats:   chats,
		gateway: gw,
		api:     api,
		metrics: reg,
	}, nil
}

// newTokenManager loads the PASETO key. Dev mode falls back to an ephemeral key.
func newTokenManager(cfg Config, log Logger) (session.AccessTokenManager, error) {
	sessCfg, err := session.LoadConfigFromEnv()
	switch {
	case errors.Is(err, session.ErrMissingKey) && cfg.DevMode:
		sessCfg = session.WithEphemeralKey(sessCfg)
		log.Warn("auth.key.ephemeral", "hint", "tokens will not survive a restart")
	case err != nil:
		return nil, fmt.Errorf("auth config: %w", err)
	}
	return session.NewPasetoV4PublicManager(sessCfg)
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, identity.Directory, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return chat.NewMemoryStore(), identity.NewPermissiveDirectory(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// The app owns the pool; PostgresStore.Close is a no-op.
	st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("db.migrate.ok", "schema", cfg.DBSchema)
	}

	var dir identity.Directory = identity.NewPermissiveDirectory()
	if cfg.UsersTable != "" {
		pd, err := identity.NewPostgresDirectory(pool,
			identity.WithDirectorySchema(cfg.DBSchema),
			identity.WithDirectoryTable(cfg.UsersTable),
		)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		dir = pd
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "users_table", cfg.UsersTable)
	return st, dir, pool, nil
}

func closeStore(st chat.Store, pool *pgxpool.Pool) {
	if st != nil {
		_ = st.Close()
	}
	if pool != nil {
		pool.Close()
	}
}

// Handler returns the fully wrapped root handler.
func (a *App) Handler() http.Handler {
	return WithRequestLogging(WithSecurityHeaders(WithCORS(a.routes(), a.cfg, a.log)), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/api",
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"dev", a.cfg.DevMode,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections; their sessions end with the process.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// Close releases the store and the database pool.
func (a *App) Close() {
	if a == nil {
		return
	}
	closeStore(a.store, a.pool)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
