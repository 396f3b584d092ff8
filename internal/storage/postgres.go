// Package storage holds the pgx-backed repositories: ingestion sessions and
// raw records, canonical transactions, links, subscription checkpoints, and
// the separate prices store. Writers serialize through each repository;
// concurrent reads go straight to the pool.
package storage

import (
	"context"
	_ "embed"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
)

// schemaSQL is compiled into the binary so schema init works in runtime
// images that do not ship the .sql files.
//
//go:embed schema.sql
var schemaSQL string

//go:embed prices_schema.sql
var pricesSchemaSQL string

// DB wraps the main database pool shared by the repositories.
type DB struct {
	pool *pgxpool.Pool
}

// Connect opens the main database pool and verifies connectivity.
func Connect(ctx context.Context, connStr string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "unable to connect to database", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.Database, "database ping failed", err)
	}
	log.Println("[Storage] connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// InitSchema executes the embedded DDL. Idempotent.
func (d *DB) InitSchema(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schemaSQL); err != nil {
		return apperr.Wrap(apperr.Database, "schema init failed", err)
	}
	log.Println("[Storage] schema initialized")
	return nil
}

// Pool exposes the connection pool to repositories in other packages
// (token metadata service).
func (d *DB) Pool() *pgxpool.Pool { return d.pool }

func (d *DB) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

func dbErr(op string, err error) error {
	return apperr.Wrap(apperr.Database, op, err)
}

func notFound(format string, args ...any) error {
	return apperr.Newf(apperr.NotFound, format, args...)
}
