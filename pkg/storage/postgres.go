package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/logging"
	"github.com/Sternrassler/person-anonymizer/pkg/person"
	"github.com/Sternrassler/person-anonymizer/pkg/retry"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

// Prometheus metrics for storage operations.
var (
	upsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_upserts_total",
		Help: "Total batch upserts by outcome",
	}, []string{"outcome"})

	upsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storage_upsert_duration_seconds",
		Help:    "Batch upsert duration in seconds, retries included",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	recordsUpsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storage_records_upserted_total",
		Help: "Total records written by successful batch upserts",
	})
)

const upsertSQL = `
	INSERT INTO anonymized_persons
		(identity, age_group, email_domain, country, country_code, city, gender, anonymized_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (identity) DO UPDATE SET
		age_group = EXCLUDED.age_group,
		email_domain = EXCLUDED.email_domain,
		country = EXCLUDED.country,
		country_code = EXCLUDED.country_code,
		city = EXCLUDED.city,
		gender = EXCLUDED.gender,
		anonymized_at = EXCLUDED.anonymized_at,
		updated_at = NOW()
`

// DefaultTxTimeout bounds a single transaction attempt.
const DefaultTxTimeout = 30 * time.Second

// Connect opens a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retrier   *retry.Retrier
	txTimeout time.Duration
	logger    zerolog.Logger
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*postgresOptions)

type postgresOptions struct {
	retry     retry.Config
	txTimeout time.Duration
}

// WithRetry sets the retry policy for transient database errors.
func WithRetry(cfg retry.Config) PostgresOption {
	return func(o *postgresOptions) { o.retry = cfg }
}

// WithTxTimeout bounds each transaction attempt.
func WithTxTimeout(d time.Duration) PostgresOption {
	return func(o *postgresOptions) { o.txTimeout = d }
}

// NewPostgres creates a PostgresStore on pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	o := postgresOptions{retry: retry.DefaultConfig(), txTimeout: DefaultTxTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.NewLogger("storage")
	return &PostgresStore{
		pool:      pool,
		retrier:   retry.New("store", o.retry, classify, retry.WithLogger(logger)),
		txTimeout: o.txTimeout,
		logger:    logger,
	}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return wrapError("migrate", uuid.Nil, err)
	}
	return nil
}

// RunInTx executes fn within a transaction bounded by the store's
// transaction timeout. The transaction is committed when fn returns nil and
// rolled back otherwise.
func (s *PostgresStore) RunInTx(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return wrapError("begin", uuid.Nil, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapError("commit", uuid.Nil, err)
	}
	return nil
}

// UpsertBatch implements Store. Transient failures are retried; a
// constraint violation fails the batch and names the offending record.
func (s *PostgresStore) UpsertBatch(ctx context.Context, records []person.Anonymized) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateBatch("upsert", records); err != nil {
		upsertsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	start := time.Now()
	err := s.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		return s.RunInTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
			return upsertInTx(ctx, tx, records)
		})
	})
	upsertDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		upsertsTotal.WithLabelValues("failed").Inc()
		event := s.logger.Warn().Err(err).Int("records", len(records))
		var se *StorageError
		if errors.As(err, &se) && se.Identity != uuid.Nil {
			event = event.Str("identity", se.Identity.String())
		}
		if isConstraintViolation(err) {
			event.Msg("Batch upsert rejected by constraint")
		} else {
			event.Msg("Batch upsert failed")
		}
		return err
	}

	upsertsTotal.WithLabelValues("succeeded").Inc()
	recordsUpsertedTotal.Add(float64(len(records)))
	s.logger.Debug().
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Msg("Batch upserted")
	return nil
}

func upsertInTx(ctx context.Context, tx pgx.Tx, records []person.Anonymized) error {
	b := &pgx.Batch{}
	for _, r := range records {
		b.Queue(upsertSQL,
			r.Identity, r.AgeGroup, r.EmailDomain, r.Country,
			r.CountryCode, r.City, r.Gender, r.AnonymizedAt,
		)
	}

	br := tx.SendBatch(ctx, b)
	for i := range records {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return wrapError("upsert", records[i].Identity, err)
		}
	}
	if err := br.Close(); err != nil {
		return wrapError("upsert", uuid.Nil, err)
	}
	return nil
}

// Get returns the row stored under identity.
func (s *PostgresStore) Get(ctx context.Context, identity uuid.UUID) (*Row, error) {
	var row Row
	err := s.pool.QueryRow(ctx, `
		SELECT identity, age_group, email_domain, country, country_code, city, gender,
		       anonymized_at, created_at, updated_at
		FROM anonymized_persons
		WHERE identity = $1`, identity,
	).Scan(
		&row.Identity, &row.AgeGroup, &row.EmailDomain, &row.Country, &row.CountryCode,
		&row.City, &row.Gender, &row.AnonymizedAt, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapError("get", identity, err)
	}
	return &row, nil
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM anonymized_persons`).Scan(&n); err != nil {
		return 0, wrapError("count", uuid.Nil, err)
	}
	return n, nil
}

// QueryForReport implements Store. All aggregates are read from one
// read-only snapshot.
func (s *PostgresStore) QueryForReport(ctx context.Context, q ReportQuery) (*Report, error) {
	q = q.normalized()
	where, args := reportFilter(q)
	report := &Report{}

	err := s.RunInTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(ctx context.Context, tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM anonymized_persons`+where, args...).Scan(&report.Total); err != nil {
			return wrapError("report", uuid.Nil, err)
		}

		rows, err := tx.Query(ctx, `SELECT country, COUNT(*) FROM anonymized_persons`+where+
			` GROUP BY country ORDER BY COUNT(*) DESC, country ASC`, args...)
		if err != nil {
			return wrapError("report", uuid.Nil, err)
		}
		byCountry, err := pgx.CollectRows(rows, pgx.RowToStructByPos[CountryCount])
		if err != nil {
			return wrapError("report", uuid.Nil, err)
		}
		SortCountries(byCountry)
		report.ByCountry = TopWithTies(byCountry, q.TopN)

		rows, err = tx.Query(ctx, `SELECT age_group, COUNT(*) FROM anonymized_persons`+where+
			` GROUP BY age_group`, args...)
		if err != nil {
			return wrapError("report", uuid.Nil, err)
		}
		byAge, err := pgx.CollectRows(rows, pgx.RowToStructByPos[AgeGroupCount])
		if err != nil {
			return wrapError("report", uuid.Nil, err)
		}
		SortAgeGroups(byAge)
		report.ByAgeGroup = byAge
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// reportFilter builds the WHERE clause for q.
func reportFilter(q ReportQuery) (string, []any) {
	var conds []string
	var args []any

	if q.Country != "" {
		args = append(args, q.Country)
		conds = append(conds, fmt.Sprintf("country = $%d", len(args)))
	}
	if q.EmailDomain != "" {
		args = append(args, q.EmailDomain)
		conds = append(conds, fmt.Sprintf("email_domain = $%d", len(args)))
	}
	if len(q.AgeGroups) > 0 {
		args = append(args, q.AgeGroups)
		conds = append(conds, fmt.Sprintf("age_group = ANY($%d)", len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
