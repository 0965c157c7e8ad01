// Package database opens the Postgres connection shared by the secrets
// store and applies the embedded schema migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// The workload is point INSERT / SELECT FOR UPDATE / DELETE against a
// single table. A small pool keeps the row-lock queues short; more
// connections would only let more consumers pile up behind the same lock.
const (
	maxOpenConns    = 8
	maxIdleConns    = 4
	connMaxLifetime = 30 * time.Minute
)

// Connection owns the shared *sql.DB.
type Connection struct {
	db *sql.DB
}

// OpenPostgres opens and pings the database. The pgx stdlib adapter parses
// the URL lazily, so a bad address only surfaces at the ping.
func OpenPostgres(ctx context.Context, databaseURL string) (*Connection, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Connection{db: db}, nil
}

func (c *Connection) DB() *sql.DB {
	return c.db
}

// Close is safe on a nil or never-opened Connection.
func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
