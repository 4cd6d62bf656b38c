// Package pipeline wires one capture producer to N persistence consumers
// through a bounded frame queue, closing the exposure loop on every frame.
//
// Lifecycle: Idle → Running → Stopping → Stopped.
//
// Shutdown order:
//  1. Producer exits (Stop, ctx done, end of stream or fatal capture error).
//  2. Queue is closed: no more Put, Get drains what is left.
//  3. Consumers get GracePeriod to drain, then their context is cancelled.
//  4. Source is closed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/frame-acquisition/internal/events"
	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/framequeue"
	"github.com/e7canasta/frame-acquisition/internal/persist"
	"github.com/e7canasta/frame-acquisition/internal/source"
	"github.com/e7canasta/frame-acquisition/internal/warmup"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pipeline: already started")

	// ErrNotStarted is returned by Wait on a pipeline that was never started
	// nor stopped.
	ErrNotStarted = errors.New("pipeline: not started")

	// ErrDeviceUnavailable marks a capture failure that ends acquisition.
	ErrDeviceUnavailable = errors.New("pipeline: device unavailable")
)

// State is the pipeline lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Consumer is one persistence worker.
type Consumer interface {
	ID() int
	Run(ctx context.Context) error
	Stats() persist.Stats
}

var _ Consumer = (*persist.Worker)(nil)

// Config tunes the pipeline.
type Config struct {
	// RejectBlocks makes the producer wait for a free slot under RejectNew
	// instead of dropping the incoming frame.
	RejectBlocks bool
	// GracePeriod bounds the consumer drain after the producer stops.
	GracePeriod time.Duration
	// Warmup discards frames for this long before the first enqueue. The
	// exposure loop still runs on warm-up frames.
	Warmup time.Duration
	// StatsInterval enables a periodic stats log line.
	StatsInterval time.Duration
	// RunID labels logs, events and object keys. Empty generates a UUID.
	RunID string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultGracePeriod is used when Config.GracePeriod is zero.
const DefaultGracePeriod = 2 * time.Second

// Deps are the collaborators the pipeline drives.
type Deps struct {
	Source source.FrameSource
	// Exposure is optional; nil disables the exposure loop.
	Exposure *exposure.Controller
	Queue    *framequeue.Queue
	Workers  []Consumer
	// Events is optional.
	Events events.Sink
}

// Pipeline is a single acquisition run. It cannot be restarted.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	state atomic.Int32

	mu           sync.Mutex
	started      time.Time
	stopProducer context.CancelFunc
	stopRequest  bool
	err          error
	warmup       *warmup.Stats
	done         chan struct{}

	captured     atomic.Uint64
	timeouts     atomic.Uint64
	dropped      atomic.Uint64
	unreachable  atomic.Uint64
	adjustErrors atomic.Uint64
}

// New validates deps (fail-fast) and returns an Idle pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("pipeline: source is required")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("pipeline: queue is required")
	}
	if len(deps.Workers) == 0 {
		return nil, fmt.Errorf("pipeline: at least one worker is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		cfg:  cfg,
		deps: deps,
		log:  logger.With("run_id", cfg.RunID),
		done: make(chan struct{}),
	}, nil
}

// RunID returns the run identifier.
func (p *Pipeline) RunID() string { return p.cfg.RunID }

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Start opens the source and launches the producer and consumers.
//
// A failure to open the source returns ErrDeviceUnavailable and leaves the
// pipeline Stopped.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}

	if err := p.deps.Source.Open(ctx); err != nil {
		err = fmt.Errorf("producer: %w: open: %w", ErrDeviceUnavailable, err)
		p.deps.Queue.Close()
		p.finish(err)
		return err
	}

	// Producer follows the caller's ctx; consumers are detached from it so a
	// cancelled caller still lets queued frames drain within GracePeriod.
	prodCtx, prodCancel := context.WithCancel(ctx)
	consCtx, consCancel := context.WithCancel(context.WithoutCancel(ctx))

	p.mu.Lock()
	p.started = time.Now()
	p.stopProducer = prodCancel
	stopRequested := p.stopRequest
	p.mu.Unlock()
	if stopRequested {
		prodCancel()
	}

	p.log.Info("pipeline: running",
		"workers", len(p.deps.Workers),
		"queue_capacity", p.deps.Queue.Cap(),
		"overflow_policy", p.deps.Queue.Policy().String(),
		"reject_blocks", p.cfg.RejectBlocks,
		"exposure_loop", p.deps.Exposure != nil,
	)
	p.emit(events.TypeStateChanged, map[string]any{"state": Running.String()})

	go p.supervise(prodCtx, prodCancel, consCtx, consCancel)
	if p.cfg.StatsInterval > 0 {
		go p.logStats(p.cfg.StatsInterval)
	}
	return nil
}

// Stop requests shutdown. Idempotent; safe before Start and after Stopped.
func (p *Pipeline) Stop() error {
	if p.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		close(p.done)
		return nil
	}

	p.mu.Lock()
	p.stopRequest = true
	cancel := p.stopProducer
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until the pipeline is Stopped. It returns the first fatal
// stage error, or nil after a requested stop or a clean end of stream.
func (p *Pipeline) Wait() error {
	if p.State() == Idle {
		return ErrNotStarted
	}
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once the pipeline reaches Stopped.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Run is Start followed by Wait.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

// supervise owns the run: it waits for the producer, then drives the
// shutdown order.
func (p *Pipeline) supervise(prodCtx context.Context, prodCancel context.CancelFunc, consCtx context.Context, consCancel context.CancelFunc) {
	defer prodCancel()
	defer consCancel()

	var (
		fatalMu sync.Mutex
		fatal   error
	)
	setFatal := func(err error) {
		fatalMu.Lock()
		if fatal == nil {
			fatal = err
		}
		fatalMu.Unlock()
	}

	var wg sync.WaitGroup
	for _, w := range p.deps.Workers {
		wg.Add(1)
		go func(w Consumer) {
			defer wg.Done()
			if err := w.Run(consCtx); err != nil {
				err = fmt.Errorf("worker-%d: %w", w.ID(), err)
				p.log.Error("pipeline: consumer failed", "worker", w.ID(), "error", err)
				setFatal(err)
				prodCancel()
				consCancel()
			}
		}(w)
	}
	consumersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(consumersDone)
	}()

	if err := p.produce(prodCtx); err != nil {
		p.log.Error("pipeline: producer failed", "error", err)
		setFatal(err)
	}

	p.state.Store(int32(Stopping))
	p.deps.Queue.Close()
	p.log.Info("pipeline: stopping", "queued", p.deps.Queue.Len(), "grace_period", p.cfg.GracePeriod)

	grace := time.NewTimer(p.cfg.GracePeriod)
	select {
	case <-consumersDone:
		grace.Stop()
	case <-grace.C:
		p.log.Warn("pipeline: grace period expired, cancelling consumers",
			"undrained", p.deps.Queue.Len())
		consCancel()
		<-consumersDone
	}

	if err := p.deps.Source.Close(); err != nil {
		p.log.Warn("pipeline: source close failed", "error", err)
	}

	fatalMu.Lock()
	err := fatal
	fatalMu.Unlock()
	p.finish(err)
}

// finish records the terminal error and moves to Stopped.
func (p *Pipeline) finish(err error) {
	p.mu.Lock()
	p.err = err
	started := p.started
	p.mu.Unlock()

	p.state.Store(int32(Stopped))

	data := map[string]any{"state": Stopped.String()}
	if err != nil {
		data["error"] = err.Error()
		p.emit(events.TypeStageFailed, map[string]any{"error": err.Error(), "stage": stageOf(err)})
	}
	p.emit(events.TypeStateChanged, data)

	attrs := []any{
		"captured", p.captured.Load(),
		"dropped", p.dropped.Load(),
		"queue_evicted", p.deps.Queue.Stats().Evicted,
	}
	if !started.IsZero() {
		attrs = append(attrs, "uptime", time.Since(started).Round(time.Millisecond))
	}
	if err != nil {
		p.log.Error("pipeline: stopped with error", append(attrs, "error", err)...)
	} else {
		p.log.Info("pipeline: stopped", attrs...)
	}
	close(p.done)
}

func (p *Pipeline) emit(typ string, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.deps.Events.Emit(ctx, events.New(typ, p.cfg.RunID, data)); err != nil {
		p.log.Debug("pipeline: event not delivered", "type", typ, "error", err)
	}
}

// stageOf extracts the stage prefix ("producer", "worker-<n>") from a fatal
// error message.
func stageOf(err error) string {
	stage, _, _ := strings.Cut(err.Error(), ":")
	return stage
}

func (p *Pipeline) logStats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			s := p.Stats()
			attrs := []any{
				"state", s.State.String(),
				"captured", s.Captured,
				"dropped", s.Dropped,
				"queue_len", s.Queue.Len,
				"queue_evicted", s.Queue.Evicted,
				"timeouts", s.Timeouts,
			}
			if s.Exposure != nil {
				attrs = append(attrs, "exposure", s.Exposure.Current)
			}
			for _, w := range s.Workers {
				attrs = append(attrs, fmt.Sprintf("worker_%d_written", w.ID), w.Written)
			}
			p.log.Info("pipeline: stats", attrs...)
		}
	}
}
