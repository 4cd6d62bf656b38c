package pipeline

import (
	"time"

	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/framequeue"
	"github.com/e7canasta/frame-acquisition/internal/persist"
	"github.com/e7canasta/frame-acquisition/internal/warmup"
)

// Stats is a point-in-time snapshot of a run.
type Stats struct {
	RunID string
	State State

	// Captured counts frames returned by the source after warm-up.
	Captured uint64
	// Dropped counts frames refused by a full RejectNew queue.
	Dropped  uint64
	Timeouts uint64

	// Unreachable counts ErrBrightnessUnreachable reports.
	Unreachable  uint64
	AdjustErrors uint64

	Queue   framequeue.Stats
	Workers []persist.Stats
	// Exposure is nil when no controller is attached.
	Exposure *exposure.State
	// Warmup is nil when warm-up is disabled or has not finished.
	Warmup *warmup.Stats

	Uptime time.Duration
}

// Stats returns a snapshot. Safe to call from any goroutine, in any state.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	started := p.started
	wu := p.warmup
	p.mu.Unlock()

	s := Stats{
		RunID:        p.cfg.RunID,
		State:        p.State(),
		Captured:     p.captured.Load(),
		Dropped:      p.dropped.Load(),
		Timeouts:     p.timeouts.Load(),
		Unreachable:  p.unreachable.Load(),
		AdjustErrors: p.adjustErrors.Load(),
		Queue:        p.deps.Queue.Stats(),
		Warmup:       wu,
	}
	for _, w := range p.deps.Workers {
		s.Workers = append(s.Workers, w.Stats())
	}
	if p.deps.Exposure != nil {
		st := p.deps.Exposure.State()
		s.Exposure = &st
	}
	if !started.IsZero() {
		s.Uptime = time.Since(started)
	}
	return s
}
