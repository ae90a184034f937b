// Postgres-backed persistence for the rule-management API. Adapted
// from the teacher's internal/database package: same connection-pool
// shape, same Health/Ping contract, same repository-style CRUD methods
// built on database/sql.
package rules

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// PostgresConfig mirrors the teacher's database.Config: pool sizing and
// timeouts live here, not scattered across callers.
type PostgresConfig struct {
	DSN string `envconfig:"POSTGRES_DSN"`

	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"5m"`
	ConnectTimeout  time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"10s"`
}

// PostgresStore is the durable backing store for rules: it persists
// what the RuleTable holds in memory so a restarted instance can be
// primed without waiting for operators to re-push every rule.
type PostgresStore struct {
	pool *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity,
// the same way the teacher's database.NewDB does.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	log.Info().Str("component", "rules_store").Msg("connecting to PostgreSQL")

	pool, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &PostgresStore{pool: pool}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping rules database: %w", err)
	}

	log.Info().Str("component", "rules_store").Msg("rules database connection established")
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.pool.Close()
}

// Ping verifies the connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.PingContext(ctx); err != nil {
		return fmt.Errorf("rules database ping failed: %w", err)
	}
	return nil
}

// Health reports a status map in the same shape the teacher's
// database.DB.Health exposes, consumed directly by internal/health.
func (s *PostgresStore) Health(ctx context.Context) map[string]interface{} {
	if err := s.Ping(ctx); err != nil {
		return map[string]interface{}{"status": "unhealthy", "error": err.Error()}
	}
	stats := s.pool.Stats()
	return map[string]interface{}{
		"status":           "healthy",
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
	}
}

// ensureSchema creates the rules table if it does not already exist.
// Called once at startup; idempotent.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS rate_limit_rules (
	key          TEXT PRIMARY KEY,
	capacity     BIGINT NOT NULL,
	refill_rate  DOUBLE PRECISION NOT NULL,
	window_ms    BIGINT NOT NULL,
	enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	algorithm    TEXT NOT NULL DEFAULT 'token-bucket',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	_, err := s.pool.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("failed to ensure rules schema: %w", err)
	}
	return nil
}

// EnsureSchema is the exported entrypoint main() calls at startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return s.ensureSchema(ctx)
}

// Upsert persists a rule for key, replacing any existing row.
func (s *PostgresStore) Upsert(ctx context.Context, key string, r Rule) error {
	const q = `
INSERT INTO rate_limit_rules (key, capacity, refill_rate, window_ms, enabled, algorithm, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (key) DO UPDATE SET
	capacity = EXCLUDED.capacity,
	refill_rate = EXCLUDED.refill_rate,
	window_ms = EXCLUDED.window_ms,
	enabled = EXCLUDED.enabled,
	algorithm = EXCLUDED.algorithm,
	updated_at = now()
`
	_, err := s.pool.ExecContext(ctx, q, key, r.Capacity, r.RefillRate, r.Window.Milliseconds(), r.Enabled, string(r.Algorithm))
	if err != nil {
		return fmt.Errorf("failed to upsert rule %q: %w", key, err)
	}
	return nil
}

// Delete removes the persisted rule for key, if any.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.ExecContext(ctx, `DELETE FROM rate_limit_rules WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete rule %q: %w", key, err)
	}
	return nil
}

// LoadAll reads every persisted rule, used to prime a fresh Table at
// startup the way the teacher primes its router from repo.GetRoutes.
func (s *PostgresStore) LoadAll(ctx context.Context) (map[string]Rule, error) {
	rows, err := s.pool.QueryContext(ctx, `SELECT key, capacity, refill_rate, window_ms, enabled, algorithm FROM rate_limit_rules`)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Rule)
	for rows.Next() {
		var (
			key       string
			capacity  uint64
			refill    float64
			windowMs  int64
			enabled   bool
			algorithm string
		)
		if err := rows.Scan(&key, &capacity, &refill, &windowMs, &enabled, &algorithm); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		out[key] = Rule{
			Capacity:   capacity,
			RefillRate: refill,
			Window:     time.Duration(windowMs) * time.Millisecond,
			Enabled:    enabled,
			Algorithm:  Algorithm(algorithm),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	log.Debug().Str("component", "rules_store").Int("count", len(out)).Msg("loaded persisted rules")
	return out, nil
}
