package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/arturoeanton/repolens/internal/adapter/cache"
	"github.com/arturoeanton/repolens/internal/adapter/store"
	"github.com/arturoeanton/repolens/internal/adapter/vcs"
	"github.com/arturoeanton/repolens/internal/handler"
	"github.com/arturoeanton/repolens/internal/lockfile"
	"github.com/arturoeanton/repolens/internal/port"
	"github.com/arturoeanton/repolens/internal/scheduler"
	"github.com/arturoeanton/repolens/internal/service"
	"github.com/arturoeanton/repolens/internal/syncer"
	"github.com/arturoeanton/repolens/pkg/config"

	_ "github.com/lib/pq"
)

func main() {
	// ── Load .env file ───────────────────────────────────────────────────
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	// ── Configuration ────────────────────────────────────────────────────
	cfg := config.Load()
	logger := slog.Default()

	logger.Info("🚀 Starting RepoLens",
		"port", cfg.Port,
		"clone_base_path", cfg.CloneBasePath,
		"max_concurrent_syncs", cfg.MaxConcurrentSyncs,
	)

	// ── Database ─────────────────────────────────────────────────────────
	pgStore, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	// ── Cache — Redis when configured, in-memory otherwise ──────────────
	var appCache port.Cache
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "repolens")
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		appCache = redisCache
		logger.Info("using redis cache", "addr", cfg.RedisAddr)
	} else {
		appCache = cache.NewMemory()
		logger.Info("using in-memory cache")
	}

	// ── Locks ────────────────────────────────────────────────────────────
	locks, err := lockfile.NewManager(cfg.LockDir, cfg.LockStaleTTL, logger)
	if err != nil {
		logger.Error("failed to initialize lock directory", "dir", cfg.LockDir, "error", err)
		os.Exit(1)
	}

	// ── Git provider and synchronization engine ─────────────────────────
	gitProvider := vcs.NewProvider(cfg.GitWorkers, logger)
	breakers := syncer.NewBreakerRegistry(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout, logger)
	syncEngine := syncer.New(pgStore, gitProvider, locks, appCache, breakers, syncer.Options{
		LockTimeout:      cfg.LockTimeout,
		GitTimeout:       cfg.GitTimeout,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
	}, logger)

	// ── Scheduler and façade ─────────────────────────────────────────────
	sched := scheduler.New(cfg.MaxConcurrentSyncs, cfg.TaskRetention, logger)
	defer sched.Close()

	manager := service.NewRepositoryManager(pgStore, appCache, locks, sched, syncEngine, service.ManagerOptions{
		CloneBasePath: cfg.CloneBasePath,
		CacheTTL:      cfg.CacheTTL,
		LockTimeout:   cfg.LockTimeout,
		BatchTimeout:  cfg.BatchTimeout,
	}, logger)

	// ── Repository list ──────────────────────────────────────────────────
	if _, err := os.Stat(cfg.ReposFile); err == nil {
		rf, err := config.LoadRepos(cfg.ReposFile)
		if err != nil {
			logger.Error("failed to load repos file", "path", cfg.ReposFile, "error", err)
			os.Exit(1)
		}
		if err := manager.LoadConfigs(context.Background(), rf); err != nil {
			logger.Error("failed to register repositories", "error", err)
			os.Exit(1)
		}
		logger.Info("registered repositories from file", "path", cfg.ReposFile, "count", len(rf.Repos))
	}

	// ── Fiber App ────────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:     cfg.AppName,
		ReadTimeout: 30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New())

	app.Get("/api/v1/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"app":     cfg.AppName,
			"version": "1.0.0",
		})
	})

	api := app.Group("/api/v1")

	repoHandler := handler.NewRepoHandler(manager)
	repoHandler.Register(api)

	taskHandler := handler.NewTaskHandler(manager)
	taskHandler.Register(api)

	// ── Start ────────────────────────────────────────────────────────────
	logger.Info("🌐 Fiber listening", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
