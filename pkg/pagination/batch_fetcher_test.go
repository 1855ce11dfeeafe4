package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/person"
)

// fakeSource returns Count synthetic records per batch and fails batches
// whose offset is listed in failOffsets.
type fakeSource struct {
	failOffsets map[int]error
	delay       time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (f *fakeSource) FetchBatch(ctx context.Context, b Batch) (BatchRecords, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err, ok := f.failOffsets[b.Offset]; ok {
		return BatchRecords{}, err
	}

	records := make([]person.Raw, b.Count)
	for i := range records {
		records[i] = person.Raw{SourceID: fmt.Sprintf("src-%d", b.Offset+i)}
	}
	return BatchRecords{Records: records}, nil
}

func TestNewBatchFetcher_Defaults(t *testing.T) {
	bf := NewBatchFetcher(&fakeSource{}, Config{})

	if bf.config.MaxConcurrency != 30 {
		t.Errorf("MaxConcurrency = %d, want 30", bf.config.MaxConcurrency)
	}
	if bf.config.BatchTimeout != 2*time.Minute {
		t.Errorf("BatchTimeout = %v, want 2m", bf.config.BatchTimeout)
	}
	if bf.config.ProgressEvery != 5 {
		t.Errorf("ProgressEvery = %d, want 5", bf.config.ProgressEvery)
	}
}

func TestFetchAll_AllBatchesSucceed(t *testing.T) {
	batches, _ := Plan(2500, 1000)
	source := &fakeSource{}
	bf := NewBatchFetcher(source, Config{MaxConcurrency: 4})

	var handled []int
	result := bf.FetchAll(context.Background(), batches, func(b BatchRecords) {
		handled = append(handled, b.Batch.Offset)
	})

	if got := result.FetchedCount(); got != 2500 {
		t.Errorf("FetchedCount() = %d, want 2500", got)
	}
	if got := result.SucceededCount(); got != 3 {
		t.Errorf("SucceededCount() = %d, want 3", got)
	}
	if len(result.Failed()) != 0 {
		t.Errorf("Failed() = %v, want none", result.Failed())
	}
	if len(handled) != 3 {
		t.Errorf("handler called %d times, want 3", len(handled))
	}

	b, ok := result.Batch(2000)
	if !ok {
		t.Fatal("Batch(2000) not found")
	}
	if b.Batch.Count != 500 || len(b.Records) != 500 {
		t.Errorf("last batch = %+v with %d records, want count 500", b.Batch, len(b.Records))
	}

	records := result.Records()
	for i, r := range records {
		if want := fmt.Sprintf("src-%d", i); r.SourceID != want {
			t.Fatalf("Records()[%d].SourceID = %q, want %q", i, r.SourceID, want)
		}
	}
}

func TestFetchAll_PartialFailureIsolated(t *testing.T) {
	batches, _ := Plan(5000, 1000)
	failure := errors.New("404 not found")
	source := &fakeSource{failOffsets: map[int]error{1000: failure, 3000: failure}}
	bf := NewBatchFetcher(source, Config{MaxConcurrency: 2})

	result := bf.FetchAll(context.Background(), batches, nil)

	if got := result.SucceededCount(); got != 3 {
		t.Errorf("SucceededCount() = %d, want 3", got)
	}
	if got := result.FetchedCount(); got != 3000 {
		t.Errorf("FetchedCount() = %d, want 3000", got)
	}

	failed := result.Failed()
	if len(failed) != 2 {
		t.Fatalf("Failed() = %v, want 2 failures", failed)
	}
	if failed[0].Batch.Offset != 1000 || failed[1].Batch.Offset != 3000 {
		t.Errorf("failed offsets = %d, %d, want 1000, 3000", failed[0].Batch.Offset, failed[1].Batch.Offset)
	}
	if !errors.Is(failed[0], failure) {
		t.Errorf("failure does not wrap the source error: %v", failed[0])
	}
	if int(source.calls.Load()) != len(batches) {
		t.Errorf("source called %d times, want %d", source.calls.Load(), len(batches))
	}
}

func TestFetchAll_BoundedConcurrency(t *testing.T) {
	batches, _ := Plan(40, 1)
	source := &fakeSource{delay: 5 * time.Millisecond}
	bf := NewBatchFetcher(source, Config{MaxConcurrency: 4})

	result := bf.FetchAll(context.Background(), batches, nil)

	if got := result.SucceededCount(); got != 40 {
		t.Errorf("SucceededCount() = %d, want 40", got)
	}
	if peak := source.maxInFlight.Load(); peak > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", peak)
	}
}

func TestFetchAll_CancelledContextReportsQueuedBatches(t *testing.T) {
	batches, _ := Plan(10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := &fakeSource{}
	bf := NewBatchFetcher(source, Config{MaxConcurrency: 3})

	result := bf.FetchAll(ctx, batches, nil)

	failed := result.Failed()
	if len(failed) != len(batches) {
		t.Fatalf("Failed() has %d batches, want %d", len(failed), len(batches))
	}
	for _, f := range failed {
		if !errors.Is(f, context.Canceled) {
			t.Errorf("batch %d error = %v, want context.Canceled", f.Batch.Index, f.Err)
		}
	}
	if source.calls.Load() != 0 {
		t.Errorf("source called %d times after cancellation, want 0", source.calls.Load())
	}
}

func TestFetchAll_HandlerCalledSerially(t *testing.T) {
	batches, _ := Plan(20, 1)
	bf := NewBatchFetcher(&fakeSource{delay: time.Millisecond}, Config{MaxConcurrency: 8})

	var mu sync.Mutex
	active := 0
	overlap := false
	bf.FetchAll(context.Background(), batches, func(BatchRecords) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
	})

	if overlap {
		t.Error("handler invoked concurrently")
	}
}

func TestFetchAll_Empty(t *testing.T) {
	bf := NewBatchFetcher(&fakeSource{}, DefaultConfig())
	result := bf.FetchAll(context.Background(), nil, nil)

	if result.FetchedCount() != 0 || len(result.Failed()) != 0 {
		t.Errorf("empty run produced records or failures")
	}
}

func TestBatchFailure_Error(t *testing.T) {
	f := BatchFailure{Batch: Batch{Index: 2, Offset: 2000, Count: 500}, Err: errors.New("boom")}
	want := "batch 2 (offset 2000, count 500): boom"
	if f.Error() != want {
		t.Errorf("Error() = %q, want %q", f.Error(), want)
	}
}
