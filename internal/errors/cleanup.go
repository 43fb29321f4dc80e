// Package errors has helpers for errors that can only be logged, such as
// those returned by deferred cleanups.
package errors

import (
	"database/sql"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// DeferClose closes closer and logs a failure as a warning with msg.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferRollback rolls tx back. The error returned after a successful commit
// is not logged.
func DeferRollback(logger zerolog.Logger, tx *sql.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warn().Err(err).Msg("transaction rollback failed")
	}
}
