// Package database opens the durable store for the configured driver and
// keeps its schema current.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"directline/internal/config"
)

// DB is a connection pool paired with the SQL dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Init opens the database described by cfg, verifies the connection and
// applies the schema.
func Init(cfg config.Config) (*DB, error) {
	db, err := Open(Dialect(cfg.DBDriver), cfg.DSN())
	if err != nil {
		return nil, err
	}

	if db.Dialect != SQLite {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxOpenConns / 2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"driver": cfg.DBDriver,
		"host":   cfg.DBHost,
		"name":   cfg.DBName,
	}).Info("Database connection established")
	return db, nil
}

// Open opens a pool for the dialect without touching the schema.
func Open(dialect Dialect, dsn string) (*DB, error) {
	switch dialect {
	case MySQL, Postgres, SQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	sqlDB, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps an
	// in-memory database alive for the lifetime of the pool.
	if dialect == SQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	return &DB{DB: sqlDB, Dialect: dialect}, nil
}

// Migrate creates missing tables and indexes.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range db.Dialect.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Rebind rewrites '?' placeholders for the pool's dialect.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}
