package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	client := &PostgresClient{Pool: pool}

	// Auto-migrate schema
	if err := client.Migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return client, nil
}

func (p *PostgresClient) Migrate() error {
	ctx := context.Background()

	// Admin users for the HTTP API
	_, err := p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username VARCHAR(50) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(20) DEFAULT 'user',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("create users table: %w", err)
	}

	// Instances: one row per WhatsApp login
	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS instances (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT DEFAULT 0,
			instance_key VARCHAR(64) UNIQUE NOT NULL,
			phone_number VARCHAR(32),
			status VARCHAR(20) NOT NULL DEFAULT 'disconnected',
			banned BOOLEAN NOT NULL DEFAULT FALSE,
			shared_pool BOOLEAN NOT NULL DEFAULT FALSE,
			daily_limit INT NOT NULL DEFAULT 200,
			used_today INT NOT NULL DEFAULT 0,
			last_reset_date DATE,
			priority INT NOT NULL DEFAULT 0,
			last_seen TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("create instances table: %w", err)
	}

	// Opaque credential blob per instance
	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS instance_credentials (
			instance_key VARCHAR(64) PRIMARY KEY,
			credential BYTEA NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("create instance_credentials table: %w", err)
	}

	// Signal key records, keyed by (category, id)
	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS instance_keys (
			instance_key VARCHAR(64) NOT NULL,
			category VARCHAR(64) NOT NULL,
			key_id VARCHAR(128) NOT NULL,
			value BYTEA NOT NULL,
			PRIMARY KEY (instance_key, category, key_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("create instance_keys table: %w", err)
	}

	_, err = p.Pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_instances_rotation
		ON instances (user_id, status, banned);
	`)
	if err != nil {
		return fmt.Errorf("create rotation index: %w", err)
	}

	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
