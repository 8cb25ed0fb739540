package ledger

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/punchcardhq/punchcard/internal/types"
)

// classifyTxError maps driver-level serialization and lock failures onto
// types.ErrConcurrencyConflict so WithAccount can retry them. Any other
// error passes through unchanged.
func classifyTxError(err error) error {
	if err == nil {
		return nil
	}

	// Postgres: serialization_failure and deadlock_detected.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", types.ErrConcurrencyConflict, err)
		}
	}

	// SQLite: another connection holds the write lock.
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", types.ErrConcurrencyConflict, err)
		}
	}

	return err
}
