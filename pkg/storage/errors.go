package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/person-anonymizer/pkg/retry"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no row has the requested identity.
	ErrNotFound = errors.New("record not found")

	// ErrNilIdentity rejects records without an identity.
	ErrNilIdentity = errors.New("record has nil identity")
)

// StorageError is a failed storage operation. Identity names the offending
// record when one can be singled out.
type StorageError struct {
	Op        string
	Identity  uuid.UUID
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	if e.Identity != uuid.Nil {
		return fmt.Sprintf("storage %s (identity %s): %v", e.Op, e.Identity, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// wrapError classifies a driver error into a StorageError.
func wrapError(op string, identity uuid.UUID, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Identity: identity, Transient: isTransient(err), Err: err}
}

// isTransient reports whether a PostgreSQL error is worth retrying:
// connection exceptions, serialization failures, deadlocks, admin shutdown,
// resource exhaustion and per-attempt timeouts. Constraint violations and
// everything else are terminal.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "57P01",
			pgErr.Code == "53300":
			return true
		default:
			return false
		}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

// isConstraintViolation reports an integrity constraint violation (class 23).
func isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23")
}

// classify is the retry classifier for storage operations.
func classify(err error) retry.Outcome {
	var se *StorageError
	if errors.As(err, &se) && se.Transient {
		return retry.Transient
	}
	return retry.Terminal
}
