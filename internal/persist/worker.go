package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/framequeue"
)

// Getter is the consumer side of the frame queue.
type Getter interface {
	Get(ctx context.Context) (*frame.Frame, error)
}

// Record describes one persisted frame.
type Record struct {
	Key        string
	Worker     int
	Seq        uint64
	Counter    uint64
	Width      int
	Height     int
	Format     frame.PixelFormat
	Exposure   float64
	Brightness float64
	Captured   time.Time
	Written    time.Time
	Bytes      int
}

// Recorder is told about every successful write (catalog, events).
// Errors are logged by the worker and never stop it.
type Recorder interface {
	Record(ctx context.Context, r Record) error
}

// WorkerConfig configures one consumer.
type WorkerConfig struct {
	// Sampler decides which frames are written. Nil persists every 5th
	// frame with a private counter.
	Sampler Sampler
	// Transform runs on every consumed frame. Nil converts to grayscale.
	Transform frame.Transform
	// Encoder serializes persisted frames. Nil means PNG.
	Encoder Encoder
	// Keyer names persisted frames. Nil uses "<millis><ext>".
	Keyer *Keyer
	// WriteTimeout bounds each Storage.Write. Zero means no bound.
	WriteTimeout time.Duration
	// Recorder is optional.
	Recorder Recorder
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultEveryNth is the sampling interval used when none is configured.
const DefaultEveryNth = 5

// Stats is a snapshot of a worker's counters.
type Stats struct {
	ID              int
	Consumed        uint64
	Written         uint64
	WriteErrors     uint64
	TransformErrors uint64
	LastKey         string
}

// Worker pulls frames from a queue, transforms each one and writes the
// sampled ones to storage.
//
// Semantics:
//   - Every dequeued frame advances the sampler and goes through Transform,
//     whether or not it ends up written.
//   - A failed write is logged with the frame seq, counter and key, counted,
//     and skipped. The loop continues.
//   - Run returns nil when the queue is closed and drained or ctx is
//     cancelled.
type Worker struct {
	id    int
	q     Getter
	store Storage
	cfg   WorkerConfig
	log   *slog.Logger

	consumed        atomic.Uint64
	written         atomic.Uint64
	writeErrors     atomic.Uint64
	transformErrors atomic.Uint64

	mu      sync.Mutex
	lastKey string
}

// NewWorker builds a worker. Nil fields of cfg get their defaults.
func NewWorker(id int, q Getter, store Storage, cfg WorkerConfig) *Worker {
	if cfg.Sampler == nil {
		cfg.Sampler = NewEveryNth(DefaultEveryNth)
	}
	if cfg.Transform == nil {
		cfg.Transform = frame.ToGray
	}
	if cfg.Encoder == nil {
		cfg.Encoder = PNG{}
	}
	if cfg.Keyer == nil {
		cfg.Keyer = NewKeyer(cfg.Encoder.Ext(), id, false)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:    id,
		q:     q,
		store: store,
		cfg:   cfg,
		log:   logger.With("worker", id),
	}
}

// ID returns the worker index.
func (w *Worker) ID() int { return w.id }

// Run is the consumer loop. It blocks until the queue is closed and drained
// or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Debug("persist: worker started")
	defer w.log.Debug("persist: worker stopped",
		"consumed", w.consumed.Load(),
		"written", w.written.Load(),
		"write_errors", w.writeErrors.Load(),
	)

	for {
		f, err := w.q.Get(ctx)
		if err != nil {
			if errors.Is(err, framequeue.ErrClosed) || errors.Is(err, framequeue.ErrCancelled) {
				return nil
			}
			return fmt.Errorf("worker-%d: get: %w", w.id, err)
		}
		w.handle(ctx, f)
	}
}

func (w *Worker) handle(ctx context.Context, f *frame.Frame) {
	counter, persist := w.cfg.Sampler.Next()
	w.consumed.Add(1)

	out, err := w.cfg.Transform(f)
	if err != nil {
		w.transformErrors.Add(1)
		if persist {
			// The sampled write is lost too.
			w.writeErrors.Add(1)
		}
		w.log.Warn("persist: transform failed", "seq", f.Seq, "counter", counter, "sampled", persist, "error", err)
		return
	}
	if !persist {
		return
	}

	key := w.cfg.Keyer.Next()
	data, err := w.cfg.Encoder.Encode(out)
	if err != nil {
		w.writeErrors.Add(1)
		w.log.Warn("persist: encode failed", "seq", f.Seq, "counter", counter, "key", key, "error", err)
		return
	}

	if err := w.write(ctx, key, data); err != nil {
		w.writeErrors.Add(1)
		w.log.Warn("persist: write failed",
			"seq", f.Seq,
			"counter", counter,
			"key", key,
			"error", err,
		)
		return
	}

	w.written.Add(1)
	w.mu.Lock()
	w.lastKey = key
	w.mu.Unlock()

	w.log.Debug("persist: frame written", "seq", f.Seq, "counter", counter, "key", key, "bytes", len(data))

	if w.cfg.Recorder != nil {
		rec := Record{
			Key:        key,
			Worker:     w.id,
			Seq:        f.Seq,
			Counter:    counter,
			Width:      out.Width,
			Height:     out.Height,
			Format:     out.Format,
			Exposure:   f.Exposure,
			Brightness: f.Brightness,
			Captured:   f.Timestamp,
			Written:    time.Now(),
			Bytes:      len(data),
		}
		if err := w.cfg.Recorder.Record(ctx, rec); err != nil {
			w.log.Warn("persist: record failed", "key", key, "error", err)
		}
	}
}

func (w *Worker) write(ctx context.Context, key string, data []byte) error {
	if w.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
	}
	err := w.store.Write(ctx, key, data)
	if err != nil && !errors.Is(err, ErrStorageIO) {
		err = fmt.Errorf("%w: %s: %w", ErrStorageIO, key, err)
	}
	return err
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	last := w.lastKey
	w.mu.Unlock()
	return Stats{
		ID:              w.id,
		Consumed:        w.consumed.Load(),
		Written:         w.written.Load(),
		WriteErrors:     w.writeErrors.Load(),
		TransformErrors: w.transformErrors.Load(),
		LastKey:         last,
	}
}

// Recorders fans one record out to several recorders. The first error is
// returned after all of them ran.
type Recorders []Recorder

func (rs Recorders) Record(ctx context.Context, r Record) error {
	var first error
	for _, rec := range rs {
		if rec == nil {
			continue
		}
		if err := rec.Record(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
