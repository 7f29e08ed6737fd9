// Package pool defines the Pool interface, the subset of pgxpool.Pool the
// stores are written against. Wrappers around a real pool, and fakes in
// tests, implement the same interface.
package pool

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Pool is the interface that *pgxpool.Pool provides, by way of the functions
// the stores in this repo use.
type Pool interface {
	// Close closes all connections in the pool.
	Close()

	// Acquire returns a connection from the pool.
	Acquire(ctx context.Context) (*pgxpool.Conn, error)

	// AcquireFunc acquires a connection, calls f with it, and releases it.
	AcquireFunc(ctx context.Context, f func(*pgxpool.Conn) error) error

	// Config returns a copy of the configuration used to create the pool.
	Config() *pgxpool.Config

	// Exec runs the given statement.
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)

	// Query runs the given query and returns the resulting rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)

	// QueryRow runs a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row

	// SendBatch sends all queued queries in a single transaction.
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults

	// Begin starts a transaction.
	Begin(ctx context.Context) (pgx.Tx, error)

	// BeginTx starts a transaction with the given options.
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)

	// BeginFunc starts a transaction and calls f; the transaction commits if
	// f returns nil and rolls back otherwise.
	BeginFunc(ctx context.Context, f func(pgx.Tx) error) error

	// CopyFrom performs a bulk insert.
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)

	// Ping checks the database connection.
	Ping(ctx context.Context) error
}

// Assert *pgxpool.Pool satisfies Pool.
var _ Pool = (*pgxpool.Pool)(nil)
