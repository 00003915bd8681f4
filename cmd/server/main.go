package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/fieldbridge-api/internal/auth"
	"github.com/erauner12/fieldbridge-api/internal/cache"
	"github.com/erauner12/fieldbridge-api/internal/config"
	"github.com/erauner12/fieldbridge-api/internal/fanout"
	"github.com/erauner12/fieldbridge-api/internal/gateway"
	"github.com/erauner12/fieldbridge-api/internal/httpapi"
	"github.com/erauner12/fieldbridge-api/internal/offline"
	"github.com/erauner12/fieldbridge-api/internal/tenant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 backing service
// unreachable at startup.
const (
	exitConfig      = 1
	exitUnreachable = 2
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "fieldbridge-api").Logger()

	cfg := config.Load()

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	// Pretty logging for local dev
	if cfg.DevMode() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(exitConfig)
	}

	ctx := context.Background()

	// Tenant registry
	tenants, err := tenant.OpenPG(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to postgres")
		os.Exit(exitUnreachable)
	}
	defer tenants.Close()

	// Shared cache
	store, err := cache.Open(ctx, cfg.RedisURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to redis")
		os.Exit(exitUnreachable)
	}
	defer store.Close()

	resolver := tenant.NewResolver(tenants)
	defer resolver.Shutdown()

	hub := fanout.NewHub()
	gw := gateway.New(resolver, store, hub)

	srv := &httpapi.Server{
		GW:    gw,
		Hub:   hub,
		Cache: store,
		Push:  offline.NewProcessor(gw),
		JWT: auth.JWTCfg{
			HS256Secret: cfg.JWTSecret,
			DevMode:     cfg.DevMode(),
		},
		WebhookSecret: cfg.WebhookSecret,
		RateLimit: httpapi.RateLimitInfo{
			WindowSeconds: cfg.RateLimitWindowSeconds,
			MaxRequests:   cfg.RateLimitMaxRequests,
		},
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
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
