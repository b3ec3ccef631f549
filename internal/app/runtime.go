package app

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/larder-erp/larder/internal/inventory"
	"github.com/larder-erp/larder/internal/ledger"
	"github.com/larder-erp/larder/internal/observability"
	"github.com/larder-erp/larder/internal/platform/cache"
	"github.com/larder-erp/larder/internal/platform/db"
	"github.com/larder-erp/larder/internal/platform/lock"
	"github.com/larder-erp/larder/internal/shared"
)

const testModeEnv = "LARDER_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode reads the LARDER_TEST_MODE flag once.
func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// Runtime holds the process-wide dependencies shared by the server and the worker.
type Runtime struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Metrics    *observability.Metrics
	Audit      *shared.AuditLogger
	LedgerRepo *ledger.Repository
	Ledger     *ledger.Service
	Inventory  *inventory.Service
}

// Bootstrap connects PostgreSQL and Redis, applies migrations when DB_AUTO_MIGRATE is set
// and builds the domain services.
func Bootstrap(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	if cfg.DBAutoMigrate {
		changed, err := db.Migrate(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		logger.Info("migrations checked", slog.Bool("applied", changed))
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		return nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, err
	}

	metrics := observability.NewMetrics()
	locker := lock.NewRedisLocker(redisClient, cfg.LockTTL, cfg.LockWait)
	ledgerRepo := ledger.NewRepository(pool)

	rt := &Runtime{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Redis:      redisClient,
		Metrics:    metrics,
		Audit:      shared.NewAuditLogger(pool, logger),
		LedgerRepo: ledgerRepo,
		Ledger: ledger.NewService(ledgerRepo, ledger.ServiceConfig{
			Locker:      locker,
			Cache:       ledger.NewRedisAgingCache(redisClient, cfg.AgingCacheTTL, logger),
			Metrics:     metrics,
			Logger:      logger.With(slog.String("module", "ledger")),
			Concurrency: cfg.RecalcConcurrency,
		}),
		Inventory: inventory.NewService(inventory.NewRepository(pool), inventory.ServiceConfig{
			AllowNegativeStock: cfg.AllowNegativeStock,
			Locker:             locker,
			Metrics:            metrics,
			Logger:             logger.With(slog.String("module", "inventory")),
		}),
	}
	return rt, nil
}

// Checks returns the health probes for /healthz.
func (rt *Runtime) Checks() map[string]HealthCheck {
	return map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return rt.Pool.Ping(ctx) },
		"redis":    cache.Check(rt.Redis),
	}
}

// Close releases connections.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.Logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

