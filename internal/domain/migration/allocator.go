package migration

import (
	"context"
	"errors"
	"fmt"
)

// Counter names a cached primary-key sequence.
type Counter string

const (
	CounterInvoice    Counter = "tblfaturaatendimento"
	CounterAttachment Counter = "tbllaudoimagem"
)

// cachedCounters are loaded once per allocator.
var cachedCounters = []Counter{CounterInvoice, CounterAttachment}

// ErrUnknownCounter is returned by Next for counters the allocator does not cache.
var ErrUnknownCounter = errors.New("unknown id counter")

// IDSource answers the aggregate queries the allocator needs.
type IDSource interface {
	// MaxID returns the highest key of the counter's table, 0 when empty.
	MaxID(ctx context.Context, c Counter) (int64, error)
	// NextVisitID returns max(visit id)+1 among the patient's visits.
	NextVisitID(ctx context.Context, patientID int64) (int64, error)
}

// IDAllocator hands out primary keys for one batch. Invoice and attachment
// keys come from an in-memory counter seeded once; visit keys are re-queried
// on every call because other systems insert visits for the same patients.
//
// An allocator is only collision-free while it is the sole writer of the
// cached tables, so it is built fresh per batch and never shared.
type IDAllocator struct {
	src  IDSource
	next map[Counter]int64
}

// NewIDAllocator seeds every cached counter with max(id)+1.
func NewIDAllocator(ctx context.Context, src IDSource) (*IDAllocator, error) {
	a := &IDAllocator{src: src, next: make(map[Counter]int64, len(cachedCounters))}
	for _, c := range cachedCounters {
		max, err := src.MaxID(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("seed %s counter: %w", c, err)
		}
		a.next[c] = max + 1
	}
	return a, nil
}

// Next returns the counter's current value and advances it by one.
func (a *IDAllocator) Next(c Counter) (int64, error) {
	id, ok := a.next[c]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCounter, c)
	}
	a.next[c] = id + 1
	return id, nil
}

// NextPerPatient returns the next visit key for patientID. It is never cached.
func (a *IDAllocator) NextPerPatient(ctx context.Context, patientID int64) (int64, error) {
	id, err := a.src.NextVisitID(ctx, patientID)
	if err != nil {
		return 0, fmt.Errorf("next visit id for patient %d: %w", patientID, err)
	}
	return id, nil
}
