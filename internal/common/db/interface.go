package db

import "context"

// Database is the narrow SQL surface repositories are written against.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction, committing on nil and
	// rolling back on error.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Transaction is a Querier bound to one transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows iterates over a query result.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is a single-row query result.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
