package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/circuitbreaker"
	cfg "github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/httpapi"
	"github.com/loomworks/loom/internal/knowledge"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/qualitygate"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/taskgraph"
	"github.com/loomworks/loom/internal/tracing"
	"github.com/loomworks/loom/internal/worker"
)

func main() {
	ctx := context.Background()

	// Bootstrap logger; replaced once the logging configuration is known.
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Start configuration manager (hot-reload for loom.yaml, capability
	// profiles and .rego policies)
	configDir := getEnvOrDefault("LOOM_CONFIG_DIR", "config")
	configMgr, err := cfg.NewConfigManager(configDir, logger)
	if err != nil {
		logger.Fatal("Failed to create config manager", zap.Error(err))
	}
	if err := configMgr.Start(); err != nil {
		logger.Fatal("Failed to start config manager", zap.Error(err))
	}
	defer func() { _ = configMgr.Stop() }()

	loomCfgMgr := cfg.NewLoomConfigManager(configMgr, logger)
	if err := loomCfgMgr.Initialize(); err != nil {
		logger.Fatal("Failed to initialize loom configuration", zap.Error(err))
	}
	loomCfg := loomCfgMgr.GetConfig()

	if configured, err := buildLogger(loomCfg.Logging); err == nil {
		logger = configured
	} else {
		logger.Warn("Invalid logging configuration, keeping production defaults", zap.Error(err))
	}

	// Feature toggles (worker endpoint, metrics port); optional file
	features, err := cfg.Load()
	if err != nil {
		logger.Info("No features file loaded, using defaults", zap.Error(err))
		features = &cfg.Features{}
	}

	// Initialize tracing
	if err := tracing.Initialize(tracing.Config{
		Enabled:      loomCfg.Tracing.Enabled,
		ServiceName:  loomCfg.Tracing.ServiceName,
		OTLPEndpoint: loomCfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Knowledge store
	storeOpts := knowledge.Options{
		Driver:     getEnvOrDefault("LOOM_STORE_DRIVER", loomCfg.Store.Driver),
		DSN:        getEnvOrDefault("LOOM_STORE_DSN", loomCfg.Store.DSN),
		MaxConns:   loomCfg.Store.MaxConns,
		IdleConns:  loomCfg.Store.IdleConns,
		PutRetries: loomCfg.Store.PutRetries,
		CacheSize:  loomCfg.Store.CacheSize,
		CacheTTL:   loomCfg.Store.CacheTTL,
	}
	if loomCfg.Redis.Enabled {
		storeOpts.RedisAddr = loomCfg.Redis.Addr
	}
	store, err := knowledge.Open(ctx, storeOpts, logger)
	if err != nil {
		logger.Fatal("Failed to open knowledge store", zap.Error(err))
	}
	defer store.Close()

	// Redis client mirrors the event stream; the pipeline runs without it.
	var redisClient *redis.Client
	if loomCfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     loomCfg.Redis.Addr,
			Password: loomCfg.Redis.Password,
			DB:       loomCfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, event stream mirror disabled",
				zap.String("addr", loomCfg.Redis.Addr),
				zap.Error(err),
			)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	events := streaming.NewManager(redisClient, logger)
	events.SetCapacity(loomCfg.Streaming.RingCapacity)

	// Capability registry with hot reload from capabilities.yaml
	caps, err := cfg.LoadCapabilities()
	if err != nil {
		logger.Fatal("Failed to load capability profiles", zap.Error(err))
	}
	reg := registry.NewWithOptions(caps.Capabilities, registry.Options{
		DefaultConcurrency: caps.Defaults.MaxConcurrency,
	}, logger)
	configMgr.RegisterHandler("capabilities.yaml", func(ev cfg.ChangeEvent) error {
		parsed, err := cfg.ParseCapabilities(ev.Config)
		if err != nil {
			return err
		}
		reg.Apply(parsed.Capabilities)
		logger.Info("Capability profiles reloaded",
			zap.String("action", ev.Action),
			zap.Int("profiles", len(parsed.Capabilities)),
		)
		return nil
	})

	// Per-capability circuit breakers
	breakers := scheduler.NewBreakers(circuitbreaker.Config{
		MaxRequests:      loomCfg.Breaker.MaxRequests,
		Interval:         loomCfg.Breaker.Interval,
		Timeout:          loomCfg.Breaker.Timeout,
		FailureThreshold: loomCfg.Breaker.FailureThreshold,
		SuccessThreshold: loomCfg.Breaker.SuccessThreshold,
	}, logger)

	// Admission policy engine with .rego hot reload
	admission, err := policy.NewOPAEngine(&policy.Config{
		Enabled:     loomCfg.Policy.Enabled,
		Mode:        policy.Mode(loomCfg.Policy.Mode),
		Path:        loomCfg.Policy.Path,
		FailClosed:  loomCfg.Policy.FailClosed,
		Environment: loomCfg.Policy.Environment,
		Audit:       loomCfg.Policy.Audit.Enabled,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize policy engine", zap.Error(err))
	}
	configMgr.RegisterPolicyHandler(func() error {
		logger.Info("Reloading admission policies")
		return admission.LoadPolicies()
	})

	// Worker service clients. One HTTP service backs every capability tag;
	// the fallback covers tags auto-registered after a config reload.
	workerBase := cfg.WorkerBaseURL("http://localhost:8090")
	workerOpts := worker.HTTPOptions{}
	if features.Worker.TimeoutMs > 0 {
		workerOpts.Timeout = time.Duration(features.Worker.TimeoutMs) * time.Millisecond
	}
	httpWorker := worker.NewHTTP(workerBase, workerOpts, logger)
	workers := worker.NewMux()
	for _, p := range caps.Capabilities {
		workers.Register(p.Tag, httpWorker)
	}
	workers.SetFallback(httpWorker)

	decomposer := worker.NewHTTPDecomposer(workerBase, worker.HTTPOptions{}, logger)

	engine := orchestrator.New(orchestrator.Deps{
		Decomposer: decomposer,
		Registry:   reg,
		Gate:       qualitygate.New(reg, logger),
		Worker:     workers,
		Store:      store,
		Events:     events,
		Admission:  admission,
		Breakers:   breakers,
		Logger:     logger,
	}, orchestrator.Options{
		Graph: taskgraph.Config{
			MaxDepth:                loomCfg.Graph.MaxDepth,
			MaxFanout:               loomCfg.Graph.MaxFanout,
			DefaultQualityThreshold: loomCfg.Graph.DefaultQualityThreshold,
			MaxAttempts:             loomCfg.Graph.MaxAttempts,
		},
		Backoff: scheduler.BackoffPolicy{
			InitialInterval:    loomCfg.Scheduler.InitialInterval,
			BackoffCoefficient: loomCfg.Scheduler.BackoffCoefficient,
			MaximumInterval:    loomCfg.Scheduler.MaximumInterval,
		},
		PollInterval: loomCfg.Scheduler.PollInterval,
		MaxFinished:  loomCfg.Scheduler.MaxFinished,
	})

	// Graph bounds (depth, fanout, quality threshold, attempts) follow
	// loom.yaml edits; requests already running keep their bounds.
	loomCfgMgr.RegisterCallback(func(_, updated *cfg.LoomConfig) error {
		engine.SetGraphDefaults(taskgraph.Config{
			MaxDepth:                updated.Graph.MaxDepth,
			MaxFanout:               updated.Graph.MaxFanout,
			DefaultQualityThreshold: updated.Graph.DefaultQualityThreshold,
			MaxAttempts:             updated.Graph.MaxAttempts,
		})
		return nil
	})

	// Authentication middleware; pass-through until a secret or key is set
	apiKeys := make([]auth.APIKey, 0, len(loomCfg.Auth.APIKeys))
	for _, k := range loomCfg.Auth.APIKeys {
		apiKeys = append(apiKeys, auth.APIKey{Name: k.Name, Hash: k.Hash, Scopes: k.Scopes})
	}
	authMiddleware := auth.NewMiddleware(auth.Config{
		Enabled:           loomCfg.Auth.Enabled,
		SkipAuth:          loomCfg.Auth.SkipAuth,
		JWTSecret:         loomCfg.Auth.JWTSecret,
		AccessTokenExpiry: loomCfg.Auth.AccessTokenExpiry,
		APIKeys:           apiKeys,
		APIKeyRateLimit:   loomCfg.Auth.APIKeyRateLimit,
	}, logger)
	logger.Info("Auth middleware initialized",
		zap.Bool("enabled", loomCfg.Auth.Enabled),
		zap.Bool("skip_auth", loomCfg.Auth.SkipAuth),
		zap.Int("api_keys", len(apiKeys)),
	)

	api := httpapi.NewServer(httpapi.Deps{
		Engine:   engine,
		Store:    store,
		Registry: reg,
		Events:   events,
		Auth:     authMiddleware,
		Logger:   logger,
	})

	port := getEnvOrDefaultInt("LOOM_PORT", loomCfg.Service.Port)
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        api.Routes(),
		ReadTimeout:    loomCfg.Service.ReadTimeout,
		WriteTimeout:   loomCfg.Service.WriteTimeout,
		IdleTimeout:    loomCfg.Service.IdleTimeout,
		MaxHeaderBytes: loomCfg.Service.MaxHeaderBytes,
	}

	go func() {
		logger.Info("Orchestrator API listening",
			zap.Int("port", port),
			zap.String("worker_endpoint", workerBase),
			zap.String("policy_mode", string(admission.Mode())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down orchestrator")

	shutdownCtx, cancel := context.WithTimeout(ctx, loomCfg.Service.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("Engine shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("Tracer shutdown failed", zap.Error(err))
	}
}

// buildLogger constructs the service logger from the logging section.
func buildLogger(c cfg.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", c.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if c.Encoding != "" {
		zc.Encoding = c.Encoding
	}
	if len(c.OutputPaths) > 0 {
		zc.OutputPaths = c.OutputPaths
	}
	if len(c.ErrorOutputPaths) > 0 {
		zc.ErrorOutputPaths = c.ErrorOutputPaths
	}
	return zc.Build()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
