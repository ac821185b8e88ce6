// Package db owns the server's PostgreSQL connection pool and schema.
// Grounded on the teacher pack's internal/db/pg.go
// (erauner12-toolbridge-api), same pool tuning, same ping-on-open
// contract.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a connection pool against url and verifies connectivity.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("db: parse url: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Int32("min_conns", cfg.MinConns).Msg("postgres connection pool created")
	return pool, nil
}

// schema is applied idempotently at startup; migrations are
// forward-only per §6, so every statement here is additive across
// versions of this file.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id               uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	email            text NOT NULL UNIQUE,
	password_verifier text NOT NULL,
	user_salt        bytea NOT NULL,
	created_at       timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS devices (
	id            uuid PRIMARY KEY,
	user_id       uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	device_name   text NOT NULL,
	platform      text NOT NULL,
	is_active     boolean NOT NULL DEFAULT true,
	last_seen_at  timestamptz NOT NULL DEFAULT now(),
	created_at    timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS devices_user_id_idx ON devices(user_id);

CREATE TABLE IF NOT EXISTS data_type_versions (
	user_id    uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	data_type  text NOT NULL,
	version    bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, data_type)
);

CREATE TABLE IF NOT EXISTS records (
	user_id           uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	data_type         text NOT NULL,
	record_id         text NOT NULL,
	encrypted_payload bytea NOT NULL,
	nonce             bytea NOT NULL,
	checksum          text NOT NULL,
	version           bigint NOT NULL,
	origin_device_id  uuid NOT NULL,
	client_timestamp  timestamptz NOT NULL,
	server_timestamp  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, data_type, record_id)
);
CREATE INDEX IF NOT EXISTS records_delta_idx ON records(user_id, data_type, server_timestamp);

CREATE TABLE IF NOT EXISTS tombstones (
	user_id             uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	data_type           text NOT NULL,
	record_id           text NOT NULL,
	deleted_at          timestamptz NOT NULL,
	deleted_by_device_id uuid NOT NULL,
	expires_at          timestamptz NOT NULL,
	PRIMARY KEY (user_id, data_type, record_id)
);
CREATE INDEX IF NOT EXISTS tombstones_expiry_idx ON tombstones(expires_at);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token_hash  text PRIMARY KEY,
	user_id     uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	device_id   uuid NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	revoked     boolean NOT NULL DEFAULT false,
	expires_at  timestamptz NOT NULL,
	created_at  timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS refresh_tokens_device_idx ON refresh_tokens(device_id);

CREATE TABLE IF NOT EXISTS device_audit_log (
	id          bigserial PRIMARY KEY,
	device_id   uuid NOT NULL,
	event       text NOT NULL,
	occurred_at timestamptz NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Safe to call on every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		return fmt.Errorf("db: enable pgcrypto: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("db: apply schema: %w", err)
	}
	return nil
}
