package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/person-anonymizer/internal/testutil"
	"github.com/Sternrassler/person-anonymizer/pkg/pagination"
	"github.com/Sternrassler/person-anonymizer/pkg/person"
	"github.com/Sternrassler/person-anonymizer/pkg/pipeline"
	"github.com/Sternrassler/person-anonymizer/pkg/storage"
)

func seedStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	rows := []struct{ domain, country, group string }{
		{"gmail.com", "Germany", "[30-40]"},
		{"gmail.com", "Germany", "[60-70]"},
		{"outlook.com", "Germany", "[20-30]"},
		{"yahoo.com", "Germany", "[40-50]"},
		{"gmail.com", "USA", "[50-60]"},
		{"gmail.com", "USA", "[70-80]"},
		{"gmail.com", "France", "[80-90]"},
	}

	var records []person.Anonymized
	for _, r := range rows {
		records = append(records, person.Anonymized{
			Identity:    uuid.New(),
			EmailDomain: r.domain,
			Country:     r.country,
			AgeGroup:    r.group,
		})
	}

	store := storage.NewMemoryStore()
	if err := store.UpsertBatch(context.Background(), records); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}
	return store
}

func TestSummarize(t *testing.T) {
	store := seedStore(t)

	s, err := summarize(context.Background(), store, 3, 60)
	if err != nil {
		t.Fatalf("summarize() error = %v", err)
	}

	if s.Stored != 7 {
		t.Errorf("Stored = %d, want 7", s.Stored)
	}
	if s.GermanyGmailShare != 0.5 {
		t.Errorf("GermanyGmailShare = %v, want 0.5", s.GermanyGmailShare)
	}
	if s.GmailSeniors != 3 {
		t.Errorf("GmailSeniors = %d, want 3", s.GmailSeniors)
	}

	want := []storage.CountryCount{
		{Country: "Germany", Count: 2},
		{Country: "USA", Count: 2},
		{Country: "France", Count: 1},
	}
	if len(s.TopGmailCountries) != len(want) {
		t.Fatalf("TopGmailCountries = %v, want %v", s.TopGmailCountries, want)
	}
	for i := range want {
		if s.TopGmailCountries[i] != want[i] {
			t.Errorf("TopGmailCountries[%d] = %v, want %v", i, s.TopGmailCountries[i], want[i])
		}
	}
}

func TestSummarize_TopOneKeepsTies(t *testing.T) {
	s, err := summarize(context.Background(), seedStore(t), 1, 60)
	if err != nil {
		t.Fatalf("summarize() error = %v", err)
	}
	if len(s.TopGmailCountries) != 2 {
		t.Errorf("TopGmailCountries = %v, want Germany and USA", s.TopGmailCountries)
	}
}

func TestSummarize_EmptyStore(t *testing.T) {
	s, err := summarize(context.Background(), storage.NewMemoryStore(), 3, 60)
	if err != nil {
		t.Fatalf("summarize() error = %v", err)
	}
	if s.Stored != 0 || s.GermanyGmailShare != 0 || len(s.TopGmailCountries) != 0 {
		t.Errorf("summary of empty store = %+v, want zero values", s)
	}
}

func TestPrintSummary(t *testing.T) {
	result := &pipeline.Result{
		Requested: 2500,
		Fetched:   1500,
		Stored:    1500,
		FetchFailures: []pagination.BatchFailure{
			{Batch: pagination.Batch{Index: 1, Offset: 1000, Count: 1000}, Err: errors.New("provider client error (status 404): 404 Not Found")},
		},
		Duration: 1500 * time.Millisecond,
	}
	s := &summary{
		Stored:            1500,
		GermanyGmailShare: 0.3333,
		TopGmailCountries: []storage.CountryCount{{Country: "Germany", Count: 200}},
		GmailSeniors:      42,
	}

	var buf bytes.Buffer
	printSummary(&buf, result, s, 60)
	out := buf.String()

	for _, want := range []string{
		"requested 2500, fetched 1500, stored 1500",
		"fetch failed: batch 1 (offset 1000, count 1000)",
		"Gmail share in Germany: 33.33%",
		"  Germany: 200",
		"Gmail users aged 60 and over: 42",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func setRunEnv(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("ANONYMIZER_CONFIG", "")
	t.Setenv("ANONYMIZER_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("ANONYMIZER_API_BASE_URL", baseURL)
	t.Setenv("ANONYMIZER_TOTAL_RECORDS", "60")
	t.Setenv("ANONYMIZER_MAX_PER_CALL", "25")
	t.Setenv("ANONYMIZER_WORKER_COUNT", "2")
	t.Setenv("ANONYMIZER_RETRY_INITIAL_BACKOFF", "1ms")
	t.Setenv("ANONYMIZER_RETRY_MAX_BACKOFF", "5ms")
	t.Setenv("ANONYMIZER_REDIS_URL", "")
	t.Setenv("ANONYMIZER_METRICS_ADDR", "")
	t.Setenv("ANONYMIZER_DATABASE_URL", "")
	t.Setenv("ANONYMIZER_LOG_LEVEL", "error")
}

func TestRun_DryRun(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	setRunEnv(t, mock.URL())

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-dry-run"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run() = %d, want 0; stderr:\n%s", code, stderr.String())
	}

	if mock.RequestCount() != 3 {
		t.Errorf("provider requests = %d, want 3", mock.RequestCount())
	}
	if !strings.Contains(stdout.String(), "Stored records: 60") {
		t.Errorf("stdout missing stored count:\n%s", stdout.String())
	}
}

func TestRun_TotalFlag(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	setRunEnv(t, mock.URL())

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-dry-run", "-total", "10"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run() = %d, want 0; stderr:\n%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Stored records: 10") {
		t.Errorf("stdout missing stored count:\n%s", stdout.String())
	}
}

func TestRun_ProviderDown(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	setRunEnv(t, mock.URL())
	mock.Script(1, testutil.NotFoundResponse())
	mock.Script(2, testutil.NotFoundResponse())
	mock.Script(3, testutil.NotFoundResponse())

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-dry-run"}, &stdout, &stderr); code != 1 {
		t.Errorf("run() = %d, want 1 when nothing is stored", code)
	}
}

func TestRun_MissingDatabase(t *testing.T) {
	setRunEnv(t, "http://localhost:1")

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), nil, &stdout, &stderr); code != 1 {
		t.Errorf("run() = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "database_url is required") {
		t.Errorf("stderr = %q, want database_url error", stderr.String())
	}
}

func TestRun_BadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-nope"}, &stdout, &stderr); code != 2 {
		t.Errorf("run() = %d, want 2", code)
	}
}
