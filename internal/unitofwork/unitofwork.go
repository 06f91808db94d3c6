// Package unitofwork is the transactional boundary (C6): it scopes every
// externally-initiated operation (submit, cancel, admin adjust, register,
// create-instrument) in a single unit of work against the store, the same
// begin/defer-recover/commit shape the teacher repeats per-method in its
// Engine, pulled out into one helper.
package unitofwork

import (
	"context"
	"database/sql"
	"fmt"
)

// Run executes fn inside a transaction. If fn returns an error, or panics,
// the transaction is rolled back; a panic is re-raised after rollback so
// a caller up the stack (or the process) can still fail fast on it, per
// spec.md's AccountingError handling. On success the transaction commits.
func Run(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
