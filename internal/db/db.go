// Package db is the PostgreSQL record store.
package db

import (
	"context"
	_ "embed"
	"errors"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/utils"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var log = utils.Component("DB")

//go:embed schema.sql
var schema string

// DB wraps pgxpool.Pool for database operations
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates a new DB connection pool and checks it is reachable.
func NewDB(ctx context.Context, url string) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

// Close closes the connection pool
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pgxpool.Pool
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Migrate creates missing tables. It is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return err
	}
	log.Info("schema up to date")
	return nil
}

// notFound turns pgx.ErrNoRows into errcode.NotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errcode.NotFound
	}
	return err
}
