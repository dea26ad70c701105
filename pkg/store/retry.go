package store

import (
	"context"
	"errors"
	"strings"

	sqlitelib "modernc.org/sqlite/lib"

	"github.com/daviddao/ringmutex/pkg/retry"
)

// isTransientSQLiteErr reports whether err is lock contention or a short
// WAL read, both of which clear up on retry. busy_timeout absorbs most
// SQLITE_BUSY at the connection level; what still surfaces lands here.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch code := coded.Code(); {
		case code == sqlitelib.SQLITE_IOERR_SHORT_READ:
			return true
		case code&0xff == sqlitelib.SQLITE_BUSY, code&0xff == sqlitelib.SQLITE_LOCKED:
			return true
		}
		return false
	}
	// Errors that lost their code on the way through database/sql.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// retryOnContention runs a store operation under retry.Default. All writes
// go through it.
func retryOnContention(fn func() error) error {
	return retry.Do(context.Background(), retry.Default, isTransientSQLiteErr, fn)
}
