package repository

import (
	"context"
	"database/sql"
)

// TxFn represents a function that will be executed within a transaction.
type TxFn func(*sql.Tx) error

// WithTransaction executes the given function within a transaction,
// rolling back on error or panic and committing otherwise.
func WithTransaction(ctx context.Context, db *sql.DB, fn TxFn) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p) // re-throw panic after rollback
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return rbErr
		}
		return err
	}

	return tx.Commit()
}

// DBTX is a database handle that can execute queries: satisfied by both
// *sql.DB and *sql.Tx, so repo methods compose into transactions.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
