package pagination

import (
	"errors"
	"fmt"
)

// MaxPerCall is the provider's hard limit on records per request.
const MaxPerCall = 1000

// ErrInvalidPlan is returned when a plan is requested with a non-positive
// total or per-call size.
var ErrInvalidPlan = errors.New("invalid batch plan")

// Batch is a bounded request unit against the provider.
type Batch struct {
	// Index is the position of the batch in the plan.
	Index int
	// Offset is the index of the first record of the batch in the run.
	Offset int
	// Count is the number of records requested; never above the per-call max.
	Count int
}

// End returns the exclusive upper bound of the batch.
func (b Batch) End() int {
	return b.Offset + b.Count
}

// Plan splits total into ceil(total/maxPerCall) contiguous batches.
// The last batch absorbs the remainder.
func Plan(total, maxPerCall int) ([]Batch, error) {
	if total <= 0 || maxPerCall <= 0 {
		return nil, fmt.Errorf("%w: total=%d max_per_call=%d", ErrInvalidPlan, total, maxPerCall)
	}

	n := (total + maxPerCall - 1) / maxPerCall
	batches := make([]Batch, 0, n)
	for i := 0; i < n; i++ {
		offset := i * maxPerCall
		batches = append(batches, Batch{
			Index:  i,
			Offset: offset,
			Count:  min(maxPerCall, total-offset),
		})
	}
	return batches, nil
}
