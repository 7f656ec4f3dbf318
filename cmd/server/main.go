package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftdoc/driftdoc/internal/auth"
	"github.com/driftdoc/driftdoc/internal/bus"
	"github.com/driftdoc/driftdoc/internal/db"
	"github.com/driftdoc/driftdoc/internal/engine"
	"github.com/driftdoc/driftdoc/internal/httpapi"
	"github.com/driftdoc/driftdoc/internal/rules"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "driftdoc").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Database connection
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	// Access rules: a JSON ruleset on disk, or the built-in defaults.
	ruleSet := rules.DefaultRules()
	if path := env("RULES_PATH", ""); path != "" {
		ruleSet, err = rules.LoadFile(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load rules")
		}
		log.Info().Str("path", path).Int("rules", len(ruleSet)).Msg("loaded access rules")
	}
	ruleEngine := rules.NewEngine(ruleSet)

	// The Redis broker is optional; without it writes still commit and
	// clients fall back to periodic sync.
	var publisher engine.Publisher
	if addr := env("REDIS_ADDR", ""); addr != "" {
		redisBus, err := bus.Dial(ctx, addr, env("REDIS_PASSWORD", ""))
		if err != nil {
			log.Fatal().Err(err).Str("addr", addr).Msg("failed to connect to redis broker")
		}
		defer redisBus.Close()
		publisher = redisBus
	} else {
		log.Warn().Msg("REDIS_ADDR not set, change propagation disabled")
	}

	// HTTP server setup
	srv := &httpapi.Server{
		DB:       pool,
		Engine:   engine.New(pool, ruleEngine, publisher),
		Issuer:   auth.NewIssuer(env("BROKER_JWT_SECRET", "dev-secret-change-in-production")),
		AdminKey: env("ADMIN_KEY", ""),
	}

	httpAddr := env("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
