package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// The audit path writes one row per mirrored OCPP frame, so the pool stays
// small and recycles connections instead of growing with station count.
const (
	fallbackMaxOpenConns = 25
	fallbackMaxIdleConns = 5
	connMaxLifetime      = time.Hour
	connMaxIdleTime      = 30 * time.Minute
	pingTimeout          = 5 * time.Second
)

// NewPostgresDB opens a pgx/stdlib backed *sql.DB for the gateway's audit and
// inventory tables and validates the connection. Non-positive pool bounds
// fall back to the package defaults.
func NewPostgresDB(dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db: empty DSN")
	}
	if maxOpen <= 0 {
		maxOpen = fallbackMaxOpenConns
	}
	if maxIdle <= 0 {
		maxIdle = fallbackMaxIdleConns
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(maxIdle)
	pool.SetConnMaxLifetime(connMaxLifetime)
	pool.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}
