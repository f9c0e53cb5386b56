// fathomd is the mission orchestration daemon. It owns the store, the
// model dispatch gateway, the mission controller, and the HTTP control
// surface; one process runs any number of concurrent missions.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fathomlabs/fathom/internal/auth"
	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/events"
	"github.com/fathomlabs/fathom/internal/health"
	"github.com/fathomlabs/fathom/internal/httpapi"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/orchestrator"
	"github.com/fathomlabs/fathom/internal/pricing"
	"github.com/fathomlabs/fathom/internal/ratecontrol"
	"github.com/fathomlabs/fathom/internal/roles"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/store"
	"github.com/fathomlabs/fathom/internal/tasks"
	"github.com/fathomlabs/fathom/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// Mission store. Postgres is the production backend; the memory
	// store keeps development zero-dependency.
	var st store.Store
	var sqlDB *sqlx.DB
	switch cfg.Store.Driver {
	case "postgres":
		client, err := store.NewClient(&cfg.Store.Postgres, logger)
		if err != nil {
			logger.Fatal("Failed to initialize mission store", zap.Error(err))
		}
		if err := client.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to apply store schema", zap.Error(err))
		}
		defer client.Close()
		st = client
		sqlDB = client.DB()
	default:
		mem := store.NewMemory()
		defer mem.Close()
		st = mem
		logger.Warn("Using in-memory mission store; missions will not survive restarts")
	}

	// Model providers. Roles map onto providers through models.yaml.
	providers := llm.NewRegistry()
	if cfg.Providers.OpenAI.Enabled {
		p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Timeout: cfg.Providers.OpenAI.Timeout,
		}, logger)
		if err != nil {
			logger.Warn("OpenAI provider unavailable", zap.Error(err))
		} else {
			providers.Register(p)
		}
	}
	for _, sc := range cfg.Providers.Services {
		providers.Register(llm.NewServiceProvider(sc, logger))
	}
	if len(providers.Names()) == 0 {
		logger.Fatal("No model providers configured; set providers.openai.api_key or add a provider service")
	}
	logger.Info("Model providers registered", zap.Strings("providers", providers.Names()))

	// Event fan-out, optionally mirrored to a Redis stream.
	ev := events.NewManager(cfg.Service.EventBuffer)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pub := events.NewRedisPublisher(redisClient, logger)
		if err := pub.Ping(ctx); err != nil {
			logger.Warn("Redis unreachable; event mirroring is best-effort", zap.Error(err))
		}
		ev.AttachSink(pub)
		defer pub.Close()
	}

	registry := tasks.NewRegistry(cfg.Service.CancelGrace, logger)
	gateway := dispatch.NewGateway(providers, st, orchestrator.NewStatusAdapter(st), cfg.Dispatch, logger)
	searchClient := search.NewClient(cfg.Search, logger)

	ctl := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Events:   ev,
		Registry: registry,
		Caller: func(missionID string, maxConcurrent int) orchestrator.ModelCaller {
			return gateway.ForMission(missionID, maxConcurrent)
		},
		Search: searchClient,
		Logger: logger,
	})

	// API authentication.
	var authSvc *auth.Service
	if cfg.Auth.Enabled {
		var sources []auth.KeySource
		if len(cfg.Auth.Keys) > 0 {
			keys := make([]auth.APIKey, 0, len(cfg.Auth.Keys))
			for _, k := range cfg.Auth.Keys {
				keys = append(keys, auth.APIKey{
					ID:         k.ID,
					Name:       k.Name,
					Role:       auth.Role(k.Role),
					SecretHash: k.Hash,
				})
			}
			sources = append(sources, auth.NewStaticKeys(keys))
		}
		if sqlDB != nil {
			sqlKeys := auth.NewSQLKeys(sqlDB, logger)
			if err := sqlKeys.EnsureSchema(ctx); err != nil {
				logger.Fatal("Failed to apply auth schema", zap.Error(err))
			}
			sources = append(sources, sqlKeys)
		}
		if len(sources) == 0 {
			logger.Fatal("Auth is enabled but no key source exists; add auth.keys or use the postgres store")
		}
		authSvc = auth.NewService(auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry), logger, sources...)
	}
	authMW := auth.NewMiddleware(authSvc, cfg.Auth.Enabled, logger)

	checks := health.New(logger)
	if sqlDB != nil {
		checks.Register(health.NewDatabase(sqlDB))
	}
	if redisClient != nil {
		checks.Register(health.NewRedis(redisClient))
	}

	// Hot-reload of model routing, pricing and rate limits.
	if path, ok := cfg.ModelsPath(); ok {
		watcher, err := config.NewWatcher(path, logger)
		if err != nil {
			logger.Warn("Models config watcher unavailable", zap.Error(err))
		} else {
			watcher.OnChange(pricing.Reload)
			watcher.OnChange(roles.Reload)
			watcher.OnChange(ratecontrol.Reload)
			if err := watcher.Start(); err != nil {
				logger.Warn("Models config watcher failed to start", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}
	} else {
		logger.Info("No models.yaml found; model routing uses built-in defaults")
	}

	api := httpapi.NewServer(ctl, ev, authMW, authSvc, checks, logger)
	srv := &http.Server{
		Addr:         cfg.Service.Addr,
		Handler:      api.Router(),
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Mission API listening", zap.String("addr", cfg.Service.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down fathomd")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Service.GracefulTimeout)
	defer cancel()

	// Pause running missions first so their state is checkpointed and
	// resumable, then stop accepting traffic.
	ctl.PauseAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if lc.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
