package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/person"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Each batch is validated as a whole
// before any record is applied.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]Row
	now  func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used for row timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		rows: make(map[uuid.UUID]Row),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertBatch implements Store.
func (s *MemoryStore) UpsertBatch(ctx context.Context, records []person.Anonymized) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "upsert", Err: err}
	}
	if err := validateBatch("upsert", records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, r := range records {
		row, ok := s.rows[r.Identity]
		if !ok {
			row.CreatedAt = now
		}
		row.Anonymized = r
		row.UpdatedAt = now
		s.rows[r.Identity] = row
	}
	return nil
}

// Get returns the row stored under identity.
func (s *MemoryStore) Get(_ context.Context, identity uuid.UUID) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

// All returns every row ordered by identity.
func (s *MemoryStore) All() []Row {
	s.mu.RLock()
	out := make([]Row, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return out
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

// QueryForReport implements Store.
func (s *MemoryStore) QueryForReport(_ context.Context, q ReportQuery) (*Report, error) {
	q = q.normalized()

	byCountry := make(map[string]int64)
	byAge := make(map[string]int64)
	report := &Report{}

	s.mu.RLock()
	for _, row := range s.rows {
		if !q.matches(row.Anonymized) {
			continue
		}
		report.Total++
		byCountry[row.Country]++
		byAge[row.AgeGroup]++
	}
	s.mu.RUnlock()

	for country, n := range byCountry {
		report.ByCountry = append(report.ByCountry, CountryCount{Country: country, Count: n})
	}
	SortCountries(report.ByCountry)
	report.ByCountry = TopWithTies(report.ByCountry, q.TopN)

	for group, n := range byAge {
		report.ByAgeGroup = append(report.ByAgeGroup, AgeGroupCount{AgeGroup: group, Count: n})
	}
	SortAgeGroups(report.ByAgeGroup)

	return report, nil
}
