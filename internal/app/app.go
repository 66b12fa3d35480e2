// Package app assembles the shared infrastructure of the unsend processes
// from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/SuperALKALINEdroiD/unsend/internal/api"
	"github.com/SuperALKALINEdroiD/unsend/internal/auth"
	"github.com/SuperALKALINEdroiD/unsend/internal/bootstrap"
	"github.com/SuperALKALINEdroiD/unsend/internal/config"
	"github.com/SuperALKALINEdroiD/unsend/internal/dispatch"
	"github.com/SuperALKALINEdroiD/unsend/internal/domain"
	"github.com/SuperALKALINEdroiD/unsend/internal/lifecycle"
	"github.com/SuperALKALINEdroiD/unsend/internal/msgstore"
	"github.com/SuperALKALINEdroiD/unsend/internal/queue"
	"github.com/SuperALKALINEdroiD/unsend/internal/ratelimit"
	"github.com/SuperALKALINEdroiD/unsend/internal/storage"
	"github.com/SuperALKALINEdroiD/unsend/internal/template"
)

// Runtime holds the connections every process shares.
type Runtime struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *storage.DB
	Queue  *queue.Queue
	Blobs  msgstore.Store

	limitRedis *redis.Client
}

// Open connects to Postgres, applies migrations when configured, and
// builds the queue and attachment store.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	db, err := storage.NewDB(ctx, cfg.Database.URL, cfg.Database.PoolMin, cfg.Database.PoolMax, cfg.Database.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	rt := &Runtime{Config: cfg, Log: log, DB: db}

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx, log); err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	rt.Queue, err = queue.New(ctx, cfg.Queue, log)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create queue: %w", err)
	}

	rt.Blobs, err = msgstore.New(ctx, cfg.Store, log)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create attachment store: %w", err)
	}
	log.Info().
		Str("queue", cfg.Queue.Type).
		Str("store", cfg.Store.Type).
		Strs("localities", cfg.Queue.Localities).
		Msg("runtime initialized")
	return rt, nil
}

// Close releases every connection. It is safe on a partially opened Runtime.
func (r *Runtime) Close() {
	if r.limitRedis != nil {
		_ = r.limitRedis.Close()
	}
	if r.Queue != nil {
		_ = r.Queue.Close()
	}
	if r.DB != nil {
		r.DB.Close()
	}
}

// Lifecycle returns the Postgres message store.
func (r *Runtime) Lifecycle() lifecycle.Store {
	return lifecycle.NewPostgresStore(r.DB.Pool)
}

// Keys returns the Postgres API key store.
func (r *Runtime) Keys() *auth.PostgresKeyStore {
	return auth.NewPostgresKeyStore(r.DB.Pool)
}

// Dispatch builds the submit orchestrator.
func (r *Runtime) Dispatch() (*dispatch.Service, error) {
	strategies, err := r.Config.RateLimit.ParsedStrategies()
	if err != nil {
		return nil, err
	}

	var store ratelimit.Store
	switch r.Config.RateLimit.Store {
	case "memory":
		r.Log.Warn().Msg("rate limit counters are process-local")
		store = ratelimit.NewMemoryStore()
	default:
		store = ratelimit.NewRedisStore(r.rateLimitRedis())
	}

	return dispatch.NewService(dispatch.Deps{
		Store:       r.Lifecycle(),
		Scheduler:   r.Queue.Scheduler,
		Limiter:     ratelimit.NewLimiter(store, r.Config.RateLimit.Policy()),
		Domains:     domain.NewPostgresValidator(r.DB.Pool),
		Templates:   template.NewPostgresStore(r.DB.Pool),
		Attachments: r.Blobs,
	}, dispatch.Config{
		Strategies:      strategies,
		DefaultLocality: r.Config.DefaultLocality(),
	}, r.Log.With().Str("component", "dispatch").Logger()), nil
}

// rateLimitRedis shares the queue's client unless counters live elsewhere.
func (r *Runtime) rateLimitRedis() *redis.Client {
	addr := r.Config.RateLimitRedisAddr()
	if q := r.Queue.Redis(); q != nil && addr == r.Config.Queue.RedisAddr {
		return q
	}
	if r.limitRedis == nil {
		r.limitRedis = redis.NewClient(&redis.Options{Addr: addr})
	}
	return r.limitRedis
}

// Bootstrap seeds the configured development team when enabled.
func (r *Runtime) Bootstrap(ctx context.Context) error {
	b := r.Config.Bootstrap
	if !b.Enabled {
		return nil
	}
	_, err := bootstrap.SeedTeam(ctx, r.DB.Pool, r.Keys(), r.Log, bootstrap.Team{
		ID:         b.TeamID,
		Domain:     b.Domain,
		Region:     b.Region,
		APIKeyName: b.APIKeyName,
	})
	return err
}

// ReadyChecks are the dependencies every process needs.
func (r *Runtime) ReadyChecks() map[string]api.Pinger {
	checks := map[string]api.Pinger{
		"database":    r.DB,
		"queue":       api.PingFunc(r.Queue.Ping),
		"attachments": r.Blobs,
	}
	if r.limitRedis != nil {
		checks["rate_limit"] = api.PingFunc(func(ctx context.Context) error {
			return r.limitRedis.Ping(ctx).Err()
		})
	}
	return checks
}

// OpsHandler serves /metrics, /healthz and /readyz for processes without
// the HTTP API.
func OpsHandler(checks map[string]api.Pinger) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", api.HealthzHandler())
	r.Get("/readyz", api.ReadyzHandler(checks))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ServeOps runs OpsHandler on addr until ctx is done.
func ServeOps(ctx context.Context, addr string, checks map[string]api.Pinger, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: OpsHandler(checks)}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info().Str("addr", addr).Msg("ops server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}
