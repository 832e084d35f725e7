package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/recap/internal/store"
	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAlreadyExists indicates a record with the same ID already exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// This occurs when multiple concurrent operations attempt to modify the same records.
	// It also matches store.ErrUnavailable so callers retry.
	ErrTransactionConflict = errors.New("transaction conflict")

	// errVersionConflict means a conditional write lost a race with another
	// writer. The store re-reads and tries again.
	errVersionConflict = errors.New("version conflict")
)

// wrapQueryError inspects a SurrealDB error and wraps it with the matching
// sentinel. Errors that never reached the query engine (closed sockets, RPC
// timeouts) are reported as store.ErrUnavailable.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Extract QueryError if present - this is a database-level error
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "already exists") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
		}
		if strings.Contains(msg, "Transaction conflict") {
			return fmt.Errorf("%w: %w: %s", store.ErrUnavailable, ErrTransactionConflict, msg)
		}
		return err
	}

	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}
