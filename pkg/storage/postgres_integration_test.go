//go:build integration

package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/person-anonymizer/pkg/person"
	"github.com/Sternrassler/person-anonymizer/pkg/retry"
	"github.com/Sternrassler/person-anonymizer/pkg/storage"
)

type PostgresStoreSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	store     *storage.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("persons"),
		postgres.WithUsername("anonymizer"),
		postgres.WithPassword("anonymizer"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.pool, err = storage.Connect(ctx, dsn, 8)
	s.Require().NoError(err)

	s.store = storage.NewPostgres(s.pool, storage.WithRetry(retry.Config{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}))
	s.Require().NoError(s.store.Migrate(ctx))
	// Migrations are idempotent.
	s.Require().NoError(s.store.Migrate(ctx))
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		if err := testcontainers.TerminateContainer(s.container); err != nil {
			s.T().Logf("terminate postgres container: %v", err)
		}
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.pool.Exec(context.Background(), "TRUNCATE anonymized_persons")
	s.Require().NoError(err)
}

func record(sourceID, country, domain, group string) person.Anonymized {
	return person.Anonymized{
		Identity:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(sourceID)),
		AgeGroup:     group,
		EmailDomain:  domain,
		Country:      country,
		CountryCode:  "DE",
		City:         "Berlin",
		Gender:       "female",
		AnonymizedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// TestDoubleUpsertKeepsOneRow verifies that processing the record with id
// "xyz" twice leaves exactly one row reflecting the last write.
func (s *PostgresStoreSuite) TestDoubleUpsertKeepsOneRow() {
	ctx := context.Background()
	first := record("xyz", "Germany", "gmail.com", "[30-40]")
	s.Require().NoError(s.store.UpsertBatch(ctx, []person.Anonymized{first}))

	before, err := s.store.Get(ctx, first.Identity)
	s.Require().NoError(err)

	second := first
	second.City = "Hamburg"
	second.AnonymizedAt = first.AnonymizedAt.Add(time.Hour)
	s.Require().NoError(s.store.UpsertBatch(ctx, []person.Anonymized{second}))

	n, err := s.store.Count(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	after, err := s.store.Get(ctx, first.Identity)
	s.Require().NoError(err)
	s.Equal("Hamburg", after.City)
	s.True(after.AnonymizedAt.Equal(second.AnonymizedAt))
	s.True(after.CreatedAt.Equal(before.CreatedAt))
	s.False(after.UpdatedAt.Before(before.UpdatedAt))
}

// TestConstraintViolationRollsBackBatch verifies that a record violating the
// schema fails its whole batch and is named in the error.
func (s *PostgresStoreSuite) TestConstraintViolationRollsBackBatch() {
	ctx := context.Background()
	good := record("good", "Germany", "gmail.com", "[30-40]")
	bad := record("bad", "Germany", "gmail.com", "thirty")

	err := s.store.UpsertBatch(ctx, []person.Anonymized{good, bad})
	s.Require().Error(err)

	var se *storage.StorageError
	s.Require().ErrorAs(err, &se)
	s.Equal(bad.Identity, se.Identity)
	s.False(se.Transient)

	n, err := s.store.Count(ctx)
	s.Require().NoError(err)
	s.Zero(n)

	_, err = s.store.Get(ctx, good.Identity)
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *PostgresStoreSuite) TestNilIdentityRejected() {
	r := record("nil", "Germany", "gmail.com", "[30-40]")
	r.Identity = uuid.Nil

	err := s.store.UpsertBatch(context.Background(), []person.Anonymized{r})
	s.ErrorIs(err, storage.ErrNilIdentity)
}

func (s *PostgresStoreSuite) TestQueryForReport() {
	ctx := context.Background()
	var records []person.Anonymized
	add := func(n int, country, domain, group string) {
		for i := 0; i < n; i++ {
			records = append(records, record(fmt.Sprintf("%s-%s-%s-%d", country, domain, group, i), country, domain, group))
		}
	}
	add(4, "Germany", "gmail.com", "[60-70]")
	add(2, "Germany", "gmail.com", "[20-30]")
	add(3, "France", "gmail.com", "[70-80]")
	add(3, "Spain", "web.de", "[100-110]")
	add(1, "Italy", "gmail.com", "[60-70]")
	s.Require().NoError(s.store.UpsertBatch(ctx, records))

	s.Run("gmail share of Germany", func() {
		report, err := s.store.QueryForReport(ctx, storage.ReportQuery{EmailDomain: "gmail.com"})
		s.Require().NoError(err)
		s.Equal(int64(10), report.Total)
		s.InDelta(0.6, report.CountryShare("Germany"), 1e-9)
	})

	s.Run("top countries with ties", func() {
		report, err := s.store.QueryForReport(ctx, storage.ReportQuery{TopN: 2})
		s.Require().NoError(err)
		s.Equal([]storage.CountryCount{
			{Country: "Germany", Count: 6},
			{Country: "France", Count: 3},
			{Country: "Spain", Count: 3},
		}, report.ByCountry)
	})

	s.Run("age groups ordered numerically", func() {
		report, err := s.store.QueryForReport(ctx, storage.ReportQuery{AgeGroups: storage.AgeGroupsFrom(60)})
		s.Require().NoError(err)
		s.Equal(int64(11), report.Total)
		s.Equal([]storage.AgeGroupCount{
			{AgeGroup: "[60-70]", Count: 5},
			{AgeGroup: "[70-80]", Count: 3},
			{AgeGroup: "[100-110]", Count: 3},
		}, report.ByAgeGroup)
	})
}
