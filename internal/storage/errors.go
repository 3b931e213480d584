package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"

	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
)

// SQLSTATE codes treated as write conflicts. A deadlock between two overlapping
// cycles is resolved the same way as a raced insert: replay one row at a time.
const (
	uniqueViolation  = pq.ErrorCode("23505")
	deadlockDetected = pq.ErrorCode("40P01")
)

// classify wraps driver errors with the reconcile sentinel they stand for.
// Errors that are neither conflicts nor connectivity failures are returned unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isWriteConflict(err):
		return fmt.Errorf("%w: %w", reconcile.ErrUniquenessConflict, err)
	case isDatabaseConnectionError(err):
		return fmt.Errorf("%w: %w", reconcile.ErrStorageUnavailable, err)
	default:
		return err
	}
}

func isWriteConflict(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && (pqErr.Code == uniqueViolation || pqErr.Code == deadlockDetected)
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08 = Connection Exception, 57P01..57P03 = shutdown)
// and standard database/sql and network errors.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)

		return strings.HasPrefix(code, "08") || code == "57P01" || code == "57P02" || code == "57P03"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
