// Package storage persists anonymized persons and answers the aggregate
// queries reports are built from.
//
// Writes are idempotent upserts keyed by the record identity: storing the
// same record twice leaves one row whose anonymized columns reflect the last
// write. Each UpsertBatch call is atomic; nothing is shared across batches.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/person"
	"github.com/google/uuid"
)

// Store is the persistence contract shared by all backends.
type Store interface {
	// UpsertBatch writes records in one transaction. Either every record
	// is stored or none is.
	UpsertBatch(ctx context.Context, records []person.Anonymized) error

	// QueryForReport returns aggregates over the rows matching q.
	QueryForReport(ctx context.Context, q ReportQuery) (*Report, error)

	// Count returns the number of stored rows.
	Count(ctx context.Context) (int64, error)
}

// Row is a stored record with its bookkeeping timestamps.
type Row struct {
	person.Anonymized
	CreatedAt time.Time
	UpdatedAt time.Time
}

// validateBatch rejects records that can never be stored.
func validateBatch(op string, records []person.Anonymized) error {
	for _, r := range records {
		if r.Identity == uuid.Nil {
			return &StorageError{Op: op, Err: ErrNilIdentity}
		}
		if r.AgeGroup == "" {
			return &StorageError{Op: op, Identity: r.Identity, Err: errors.New("empty age group")}
		}
	}
	return nil
}
