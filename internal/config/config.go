// Package config collects the environment the server needs and validates it
// once at startup.
package config

import (
	"errors"
	"os"
	"strconv"
)

// Config is everything the server reads from the environment.
type Config struct {
	HTTPAddr string

	DatabaseURL string // tenant registry (Postgres)
	RedisURL    string // shared cache

	JWTSecret     string
	WebhookSecret string

	RateLimitWindowSeconds int
	RateLimitMaxRequests   int

	Env      string // dev|prod
	LogLevel string
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Load reads the environment. Call Validate before using the result.
func Load() Config {
	return Config{
		HTTPAddr:               env("HTTP_ADDR", ":8080"),
		DatabaseURL:            env("DATABASE_URL", ""),
		RedisURL:               env("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:              env("JWT_HS256_SECRET", ""),
		WebhookSecret:          env("WEBHOOK_SECRET", ""),
		RateLimitWindowSeconds: envInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitMaxRequests:   envInt("RATE_LIMIT_MAX_REQUESTS", 600),
		Env:                    env("ENV", "dev"),
		LogLevel:               env("LOG_LEVEL", "info"),
	}
}

// DevMode reports whether the server runs with development conveniences.
func (c Config) DevMode() bool {
	return c.Env == "dev"
}

// Validate reports every missing requirement at once.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_HS256_SECRET is required"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}
	return errors.Join(errs...)
}
