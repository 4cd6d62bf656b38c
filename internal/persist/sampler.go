package persist

import (
	"fmt"
	"sync/atomic"
)

// Sampler decides which consumed frames are written.
//
// Next is called exactly once per consumed frame. It returns the counter
// value assigned to that frame (1-based) and whether the frame is persisted.
type Sampler interface {
	Next() (counter uint64, persist bool)
}

// Sampling selects how workers count frames.
type Sampling int

const (
	// PerWorker gives each worker its own counter: with W workers and every
	// n, each worker writes every n-th frame it consumed.
	PerWorker Sampling = iota
	// Shared makes all workers advance one counter: exactly every n-th frame
	// pulled from the queue is written, whichever worker gets it.
	Shared
)

func (s Sampling) String() string {
	switch s {
	case PerWorker:
		return "per_worker"
	case Shared:
		return "shared"
	default:
		return "unknown"
	}
}

// ParseSampling parses "per_worker" or "shared". Empty means PerWorker.
func ParseSampling(s string) (Sampling, error) {
	switch s {
	case "", "per_worker":
		return PerWorker, nil
	case "shared":
		return Shared, nil
	default:
		return 0, fmt.Errorf("persist: unknown sampling %q (must be per_worker or shared)", s)
	}
}

// EveryNth is a counter owned by a single worker. Not safe for concurrent use.
type EveryNth struct {
	n       uint64
	counter uint64
}

// NewEveryNth returns a sampler persisting counters that are multiples of n.
// n < 1 is treated as 1 (persist everything).
func NewEveryNth(n int) *EveryNth {
	if n < 1 {
		n = 1
	}
	return &EveryNth{n: uint64(n)}
}

func (e *EveryNth) Next() (uint64, bool) {
	e.counter++
	return e.counter, e.counter%e.n == 0
}

// SharedEveryNth is one counter advanced by every worker that holds it.
type SharedEveryNth struct {
	n       uint64
	counter atomic.Uint64
}

// NewSharedEveryNth returns a sampler safe to hand to several workers.
func NewSharedEveryNth(n int) *SharedEveryNth {
	if n < 1 {
		n = 1
	}
	return &SharedEveryNth{n: uint64(n)}
}

func (s *SharedEveryNth) Next() (uint64, bool) {
	c := s.counter.Add(1)
	return c, c%s.n == 0
}

// Samplers builds one sampler per worker for the given mode.
func Samplers(mode Sampling, workers, n int) []Sampler {
	out := make([]Sampler, workers)
	var shared *SharedEveryNth
	if mode == Shared {
		shared = NewSharedEveryNth(n)
	}
	for i := range out {
		if shared != nil {
			out[i] = shared
		} else {
			out[i] = NewEveryNth(n)
		}
	}
	return out
}
