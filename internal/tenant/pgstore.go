package tenant

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PGStore is the Postgres-backed tenant store.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPG creates a connection pool against the tenant database and verifies
// connectivity.
func OpenPG(ctx context.Context, url string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("tenant store connection pool created")

	return &PGStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Get loads one tenant by id.
func (s *PGStore) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, status,
		       upstream_url, upstream_db, upstream_login, upstream_secret,
		       requests_per_day, requests_per_hour, max_users,
		       allowed_models, last_active
		FROM tenant
		WHERE id = $1
	`, id).Scan(
		&t.ID, &t.Name, &t.Status,
		&t.UpstreamURL, &t.UpstreamDB, &t.UpstreamLogin, &t.UpstreamSecret,
		&t.RequestsPerDay, &t.RequestsPerHour, &t.MaxUsers,
		&t.AllowedModels, &t.LastActive,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// TouchLastActive records a gateway traversal for the tenant.
func (s *PGStore) TouchLastActive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tenant SET last_active = NOW() WHERE id = $1`, id)
	return err
}
