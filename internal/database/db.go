package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shadiayoub/ada-binance-bot/config"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// One bot, one symbol: a small pool is plenty.
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.WithComponent("database")
	logger.Info("connected to PostgreSQL", "database", cfg.Database)
	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("database connection closed")
	}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS hedge_positions (
		id VARCHAR(64) PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		role VARCHAR(20) NOT NULL,
		side VARCHAR(5) NOT NULL,
		entry_price DECIMAL(20, 8) NOT NULL,
		size DECIMAL(20, 8) NOT NULL,
		leverage INT NOT NULL,
		status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
		exit_price DECIMAL(20, 8),
		pnl DECIMAL(20, 8),
		close_reason TEXT,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hedge_positions_symbol ON hedge_positions(symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_hedge_positions_status ON hedge_positions(status)`,

	`CREATE TABLE IF NOT EXISTS hedge_signals (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		kind VARCHAR(20) NOT NULL,
		side VARCHAR(5),
		role VARCHAR(20),
		price DECIMAL(20, 8) NOT NULL,
		confidence DECIMAL(6, 4),
		reason TEXT,
		accepted BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hedge_signals_created_at ON hedge_signals(created_at)`,

	`CREATE TABLE IF NOT EXISTS system_events (
		id BIGSERIAL PRIMARY KEY,
		event_type VARCHAR(50) NOT NULL,
		data JSONB,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_system_events_type ON system_events(event_type)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info("database migrations completed", "count", len(migrations))
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
