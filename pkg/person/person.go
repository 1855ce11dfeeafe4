// Package person defines the raw and anonymized person records that flow
// through the pipeline.
package person

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Address is the postal address of a raw person record.
type Address struct {
	Street         string
	StreetName     string
	BuildingNumber string
	City           string
	Zipcode        string
	Country        string
	CountryCode    string
	Latitude       float64
	Longitude      float64
}

// Raw is a person record as delivered by the provider API.
// It carries PII and must never reach storage.
type Raw struct {
	// SourceID is the provider identifier, qualified so it is unique
	// across all batches of a run.
	SourceID  string
	Firstname string
	Lastname  string
	Email     string
	Phone     string
	// Birthday in YYYY-MM-DD format.
	Birthday string
	Gender   string
	Website  string
	Image    string
	Address  Address
}

// Anonymized is the PII-free form of a Raw record.
type Anonymized struct {
	// Identity is derived one-way from the source identifier and is the
	// storage uniqueness key.
	Identity uuid.UUID

	// AgeGroup is a decade bucket such as "[30-40]".
	AgeGroup string

	// EmailDomain is the lower-cased ASCII domain of the original email.
	EmailDomain string

	Country     string
	CountryCode string
	City        string
	Gender      string

	// AnonymizedAt is the clock value the transform ran with.
	AnonymizedAt time.Time
}

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a record field that failed validation.
type ValidationError struct {
	SourceID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s for record %q: %s", e.Field, e.SourceID, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RecordFailure reports a single record that was rejected and skipped.
type RecordFailure struct {
	SourceID string
	// Offset is the offset of the batch the record arrived in.
	Offset int
	Err    error
}

func (f RecordFailure) Error() string {
	return fmt.Sprintf("record %q (batch offset %d): %v", f.SourceID, f.Offset, f.Err)
}

func (f RecordFailure) Unwrap() error {
	return f.Err
}
