// Package main is the entrypoint for ratelimitd, a distributed
// token-bucket rate-limiting service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/nrjones/ratelimitd/internal/audit"
	"github.com/nrjones/ratelimitd/internal/clock"
	"github.com/nrjones/ratelimitd/internal/config"
	"github.com/nrjones/ratelimitd/internal/diststore"
	"github.com/nrjones/ratelimitd/internal/engine"
	"github.com/nrjones/ratelimitd/internal/health"
	"github.com/nrjones/ratelimitd/internal/httpapi"
	"github.com/nrjones/ratelimitd/internal/localstore"
	"github.com/nrjones/ratelimitd/internal/logging"
	"github.com/nrjones/ratelimitd/internal/rules"
)

// Version information (set during build via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("application failed to start")
		os.Exit(1)
	}
}

// run contains the main application logic. Separating this from
// main() makes it easier to test and handle errors.
func run() error {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	} else {
		log.Debug().Msg("loaded configuration from .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Str("environment", cfg.Environment).
		Msg("ratelimitd starting")

	// Durable rule persistence is optional: an empty Postgres DSN means
	// rules live in memory only, seeded from the default-rule config.
	var pgStore *rules.PostgresStore
	table := rules.NewTable(cfg.DefaultRule())
	if cfg.Postgres.DSN != "" {
		pgStore, err = rules.NewPostgresStore(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("failed to connect to rules database: %w", err)
		}
		defer func() {
			if err := pgStore.Close(); err != nil {
				log.Error().Err(err).Msg("error closing rules database connection")
			}
		}()

		ctx := context.Background()
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure rules schema: %w", err)
		}
		persisted, err := pgStore.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to load persisted rules: %w", err)
		}
		for key, rule := range persisted {
			if err := table.Set(key, rule); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("skipping invalid persisted rule")
			}
		}
		log.Info().Int("count", len(persisted)).Msg("rules loaded from database")
	}

	local := localstore.New(64, clock.NewMonotonicClock())

	engineOpts := []engine.Option{
		engine.WithFallbackPolicy(engine.FallbackPolicy(cfg.FallbackPolicy)),
		engine.WithStoreDeadline(cfg.StoreDeadline),
	}

	// Distributed coordination is optional: an empty REDIS_URL means
	// every replica enforces its rules purely against LocalStore.
	var distStore *diststore.Store
	if cfg.DistributedModeEnabled() {
		distStore, err = diststore.New(cfg.RedisConfig())
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to distributed store; continuing in local-only mode")
			distStore = nil
		} else {
			defer distStore.Close()
			engineOpts = append(engineOpts, engine.WithDistributedStore(distStore))
			log.Info().Msg("distributed coordination enabled")
		}
	}

	auditor, err := audit.New(cfg.Kafka)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize audit producer; continuing without audit events")
	} else if auditor != nil {
		defer auditor.Close()
		engineOpts = append(engineOpts, engine.WithAuditor(auditor))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("audit publishing enabled")
	}

	eng := engine.New(table, local, engineOpts...)

	// Every rule change persists to Postgres (if configured) and, once a
	// shared store exists, broadcasts over Redis pub/sub so it takes
	// effect on every other replica without a restart.
	if pgStore != nil || distStore != nil {
		table.OnWrite(func(key string, rule *rules.Rule) {
			ctx := context.Background()
			if pgStore != nil {
				if rule == nil {
					_ = pgStore.Delete(ctx, key)
				} else {
					_ = pgStore.Upsert(ctx, key, *rule)
				}
			}
			if distStore != nil {
				action := "set"
				if rule == nil {
					action = "delete"
				}
				distStore.PublishRuleChange(ctx, diststore.RuleChangeEvent{Action: action, Key: key, Rule: rule})
			}
		})
	}

	if distStore != nil {
		watcher := diststore.NewRuleWatcher(distStore.Client(), table)
		watcherCtx, cancelWatcher := context.WithCancel(context.Background())
		defer cancelWatcher()
		go func() {
			if err := watcher.Start(watcherCtx); err != nil && watcherCtx.Err() == nil {
				log.Error().Err(err).Msg("rule change watcher stopped")
			}
		}()
	}

	healthHandler := health.NewHandler(eng, pgStore)
	server := httpapi.NewServer(eng, healthHandler)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.ServerAddress()).Msg("HTTP server starting")
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("error during graceful shutdown, forcing shutdown")
			if err := httpServer.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		log.Info().Msg("server stopped gracefully")
	}

	return nil
}
