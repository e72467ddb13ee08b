package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"signalbeam.sh/internal/sberrors"
)

// Config holds database configuration
type Config struct {
	Driver          string        `json:"driver"`            // postgres, sqlite
	DSN             string        `json:"dsn"`               // Data source name
	MaxOpenConns    int           `json:"max_open_conns"`    // Maximum open connections
	MaxIdleConns    int           `json:"max_idle_conns"`    // Maximum idle connections
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"` // Connection max lifetime
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	QueryTimeout    time.Duration `json:"query_timeout"`
}

// DefaultConfig returns default database configuration
func DefaultConfig(driver string) *Config {
	config := &Config{
		Driver:          driver,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}

	switch driver {
	case "sqlite":
		config.MaxOpenConns = 1 // SQLite doesn't handle concurrency well
		config.MaxIdleConns = 1
	case "postgres":
		config.MaxOpenConns = 50
		config.MaxIdleConns = 10
	}

	return config
}

// DB wraps sql.DB with transaction helpers and health monitoring
type DB struct {
	*sql.DB
	config       *Config
	logger       *slog.Logger
	mu           sync.RWMutex
	closed       bool
	healthCancel context.CancelFunc
}

// New creates a new database connection
func New(config *Config) (*DB, error) {
	if config == nil {
		return nil, errors.New("database config is nil")
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	db := &DB{
		config: config,
		logger: slog.Default().With("component", "database"),
	}

	if err := db.connect(); err != nil {
		return nil, err
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())
	db.healthCancel = healthCancel
	go db.healthCheck(healthCtx)

	return db, nil
}

func (db *DB) connect() error {
	sqlDB, err := sql.Open(db.config.Driver, db.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	if db.config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(db.config.MaxOpenConns)
	}
	if db.config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(db.config.MaxIdleConns)
	}
	if db.config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(db.config.ConnMaxLifetime)
	}
	if db.config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(db.config.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to ping database")
	}

	db.DB = sqlDB
	db.logger.Info("Database connection established", "driver", db.config.Driver)
	return nil
}

// Tx wraps sql.Tx so repositories can share one transaction.
type Tx struct {
	*sql.Tx
}

// Transaction runs fn inside a transaction. Any error (or panic) rolls
// the transaction back; partial state never survives.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to begin transaction")
	}

	tx := &Tx{Tx: sqlTx}

	defer func() {
		if r := recover(); r != nil {
			sqlTx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Error("Transaction rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to commit transaction")
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if db.healthCancel != nil {
		db.healthCancel()
	}

	if db.DB != nil {
		if err := db.DB.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	db.logger.Info("Database connection closed")
	return nil
}

func validateConfig(config *Config) error {
	if config.Driver == "" {
		return errors.New("database driver is required")
	}

	if config.DSN == "" {
		return errors.New("database DSN is required")
	}

	switch config.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	if config.MaxOpenConns < 1 {
		config.MaxOpenConns = 1
	}

	if config.MaxIdleConns < 0 {
		config.MaxIdleConns = 0
	}

	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure
// from either supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

func (db *DB) healthCheck(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Ping(); err != nil {
				db.logger.Error("Database health check failed", "error", err)
			}
		}
	}
}
