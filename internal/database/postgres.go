package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// DSN renders the lib/pq connection string
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// Postgres represents a PostgreSQL connection
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL connection
func NewPostgres(cfg Config) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// DB exposes the underlying handle for stores and transactions
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// ExecContext executes a statement against the pool
func (p *Postgres) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query against the pool
func (p *Postgres) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query against the pool
func (p *Postgres) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction
func (p *Postgres) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return p.db.BeginTx(ctx, opts)
}

// CreateTables creates the necessary database tables
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS elections (
			id VARCHAR(255) PRIMARY KEY,
			state VARCHAR(2) NOT NULL,
			office VARCHAR(255) NOT NULL,
			election_type VARCHAR(64) NOT NULL,
			election_date DATE NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS candidates (
			id VARCHAR(255) PRIMARY KEY,
			election_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			party VARCHAR(128),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			FOREIGN KEY (election_id) REFERENCES elections(id)
		)`,
		`CREATE TABLE IF NOT EXISTS legislators (
			id VARCHAR(255) PRIMARY KEY,
			state VARCHAR(2) NOT NULL,
			chamber VARCHAR(16) NOT NULL,
			name VARCHAR(255) NOT NULL,
			in_office BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS delegation_baseline (
			state VARCHAR(2) NOT NULL,
			chamber VARCHAR(16) NOT NULL,
			expected_count INT NOT NULL,
			PRIMARY KEY (state, chamber)
		)`,
		`CREATE TABLE IF NOT EXISTS election_date_sources (
			election_id VARCHAR(255) NOT NULL,
			source VARCHAR(128) NOT NULL,
			priority INT NOT NULL,
			election_date DATE NOT NULL,
			fetched_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (election_id, source),
			FOREIGN KEY (election_id) REFERENCES elections(id)
		)`,
		`CREATE TABLE IF NOT EXISTS bot_task_runs (
			run_id UUID PRIMARY KEY,
			trigger VARCHAR(64) NOT NULL,
			tasks TEXT[] NOT NULL,
			started_at TIMESTAMP NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bot_suggestions (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL,
			kind VARCHAR(64) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			election_ref VARCHAR(255),
			state VARCHAR(2),
			message TEXT NOT NULL,
			payload JSONB,
			status VARCHAR(16) NOT NULL DEFAULT 'OPEN',
			error TEXT,
			acted_at TIMESTAMP,
			acted_by VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			FOREIGN KEY (run_id) REFERENCES bot_task_runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS autofix_policies (
			kind VARCHAR(64) PRIMARY KEY,
			auto_fix_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			auto_fix_max_severity VARCHAR(16) NOT NULL DEFAULT 'low',
			has_fix_sql BOOLEAN NOT NULL DEFAULT FALSE,
			has_verification BOOLEAN NOT NULL DEFAULT FALSE,
			applied_count INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS failover_events (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL DEFAULT NOW(),
			from_mode VARCHAR(32) NOT NULL,
			to_mode VARCHAR(32) NOT NULL,
			trigger VARCHAR(32) NOT NULL,
			reason TEXT,
			success BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL DEFAULT NOW(),
			actor VARCHAR(255),
			event_type VARCHAR(64) NOT NULL,
			resource VARCHAR(255),
			result VARCHAR(16) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			detail TEXT,
			metadata JSONB
		)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	return nil
}
