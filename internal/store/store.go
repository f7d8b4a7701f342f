// Package store is the persistence boundary backing the metrics writer,
// the batch/child command rows, service monitor results, reset/renewal
// rows, and the live-state snapshot rebuild. It wraps a single
// *sqlx.DB/lib-pq Postgres pool, using sqlx's row-mapped Select/Get
// helpers throughout.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the shared repository over the single Postgres connection pool.
type Store struct {
	db *sqlx.DB
}

// Open establishes the Postgres connection pool from a DSN and verifies
// connectivity with a ping.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open sqlx.DB, used by tests against sqlmock or a
// throwaway database.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sqlx.DB for callers (migrations) that need the
// embedded *sql.DB.
func (s *Store) DB() *sqlx.DB {
	return s.db
}
