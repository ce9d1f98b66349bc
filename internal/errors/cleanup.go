// Package errors holds the profiler's error taxonomy and small cleanup helpers.
package errors

import (
	"database/sql"
	"io"

	"github.com/rs/zerolog"
)

// DeferClose closes c and logs a failure instead of dropping it.
// Meant for defer statements.
func DeferClose(logger zerolog.Logger, c io.Closer, msg string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferRollback rolls back tx, ignoring sql.ErrTxDone left over from a successful commit.
func DeferRollback(logger zerolog.Logger, tx *sql.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && !Is(err, sql.ErrTxDone) {
		logger.Warn().Err(err).Msg("Transaction rollback failed")
	}
}
