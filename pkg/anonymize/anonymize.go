// Package anonymize turns raw provider records into PII-free records.
//
// The transform drops names and contact details, reduces the email to its
// domain, the address to country and city, and the birthday to a decade age
// group. The record identity is a keyed one-way hash of the source id, so the
// same person maps to the same stored row on every run.
package anonymize

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/person"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// BirthdayLayout is the provider's birthday format.
const BirthdayLayout = "2006-01-02"

// IdentityNamespace is the UUIDv5 namespace of derived identities.
var IdentityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://fakerapi.it/api/v2/persons"))

// ErrValidation matches every *ValidationError.
var ErrValidation = person.ErrValidation

// ValidationError reports a record field that failed validation.
type ValidationError = person.ValidationError

// Anonymizer applies the anonymization transform. It holds no mutable state
// and is safe for concurrent use.
type Anonymizer struct {
	key []byte
	now func() time.Time
}

// Option configures an Anonymizer.
type Option func(*Anonymizer)

// WithKey sets the identity hashing key. Keys longer than 64 bytes are
// hashed down to 32 bytes.
func WithKey(key []byte) Option {
	return func(a *Anonymizer) {
		if len(key) > blake2b.Size {
			sum := blake2b.Sum256(key)
			key = sum[:]
		}
		a.key = append([]byte(nil), key...)
	}
}

// WithClock sets the clock used for age groups and AnonymizedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Anonymizer) {
		a.now = now
	}
}

// New creates an Anonymizer. Without options it uses an empty key and the
// wall clock.
func New(opts ...Option) *Anonymizer {
	a := &Anonymizer{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Anonymize validates raw and returns its anonymized form.
func (a *Anonymizer) Anonymize(raw person.Raw) (person.Anonymized, error) {
	return a.anonymizeAt(raw, a.now())
}

// AnonymizeBatch anonymizes records with a single clock reading. Invalid
// records are reported and skipped.
func (a *Anonymizer) AnonymizeBatch(records []person.Raw) ([]person.Anonymized, []person.RecordFailure) {
	now := a.now()
	out := make([]person.Anonymized, 0, len(records))
	var failures []person.RecordFailure

	for _, raw := range records {
		anon, err := a.anonymizeAt(raw, now)
		if err != nil {
			failures = append(failures, person.RecordFailure{SourceID: raw.SourceID, Err: err})
			continue
		}
		out = append(out, anon)
	}
	return out, failures
}

func (a *Anonymizer) anonymizeAt(raw person.Raw, now time.Time) (person.Anonymized, error) {
	if strings.TrimSpace(raw.SourceID) == "" {
		return person.Anonymized{}, &ValidationError{Field: "id", Reason: "missing source id"}
	}

	domain, err := EmailDomain(raw.Email)
	if err != nil {
		return person.Anonymized{}, &ValidationError{SourceID: raw.SourceID, Field: "email", Reason: err.Error()}
	}

	birthday, err := time.Parse(BirthdayLayout, strings.TrimSpace(raw.Birthday))
	if err != nil {
		return person.Anonymized{}, &ValidationError{SourceID: raw.SourceID, Field: "birthday", Reason: fmt.Sprintf("not a %s date", BirthdayLayout)}
	}

	group, err := AgeGroup(birthday, now)
	if err != nil {
		return person.Anonymized{}, &ValidationError{SourceID: raw.SourceID, Field: "birthday", Reason: err.Error()}
	}

	return person.Anonymized{
		Identity:     a.Identity(raw.SourceID),
		AgeGroup:     group,
		EmailDomain:  domain,
		Country:      strings.TrimSpace(raw.Address.Country),
		CountryCode:  strings.ToUpper(strings.TrimSpace(raw.Address.CountryCode)),
		City:         strings.TrimSpace(raw.Address.City),
		Gender:       strings.ToLower(strings.TrimSpace(raw.Gender)),
		AnonymizedAt: now,
	}, nil
}

// Identity derives the stable identity of a source id:
// UUIDv5(IdentityNamespace, BLAKE2b-256(key, sourceID)).
func (a *Anonymizer) Identity(sourceID string) uuid.UUID {
	h, err := blake2b.New256(a.key)
	if err != nil {
		// unreachable: WithKey bounds the key length
		panic(err)
	}
	h.Write([]byte(sourceID))
	return uuid.NewSHA1(IdentityNamespace, h.Sum(nil))
}
