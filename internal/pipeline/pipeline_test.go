package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/frame-acquisition/internal/events"
	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/framequeue"
	"github.com/e7canasta/frame-acquisition/internal/persist"
	"github.com/e7canasta/frame-acquisition/internal/source"
)

// ============================================================================
// Fakes
// ============================================================================

type memStorage struct {
	mu   sync.Mutex
	keys []string
}

func (m *memStorage) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// gatedStorage blocks every write until release is closed or ctx ends.
type gatedStorage struct {
	release chan struct{}
}

func (g *gatedStorage) Write(ctx context.Context, key string, data []byte) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scriptedSource replays a list of errors (nil = deliver a frame) then ends
// the stream.
type scriptedSource struct {
	mu      sync.Mutex
	script  []error
	openErr error
	closed  bool
}

func (s *scriptedSource) Open(ctx context.Context) error { return s.openErr }

func (s *scriptedSource) NextFrame(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return nil, source.ErrEndOfStream
	}
	err := s.script[0]
	s.script = s.script[1:]
	if err != nil {
		return nil, err
	}
	return frame.Copy([]byte{10, 20, 30, 40}, 2, 2, frame.Mono8, time.Now())
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memSink) Emit(ctx context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type failingConsumer struct{ id int }

func (f failingConsumer) ID() int                       { return f.id }
func (f failingConsumer) Run(ctx context.Context) error { return errors.New("gpu on fire") }
func (f failingConsumer) Stats() persist.Stats          { return persist.Stats{ID: f.id} }

func synthetic(t *testing.T, mutate func(*source.SyntheticConfig)) *source.Synthetic {
	t.Helper()
	cfg := source.DefaultSyntheticConfig()
	cfg.Width, cfg.Height = 4, 4
	cfg.FPS = 0
	cfg.Noise = 0
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := source.NewSynthetic(cfg)
	require.NoError(t, err)
	return s
}

func waitDone(t *testing.T, p *Pipeline) error {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	return p.Wait()
}

// ============================================================================
// Scenarios
// ============================================================================

// Twelve frames, a lossless queue and one worker sampling every 5th: exactly
// two files, clean end of stream.
func TestPipeline_EndOfStreamPersistsEveryNth(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.MaxFrames = 12 })
	q, err := framequeue.New(12, framequeue.RejectNew)
	require.NoError(t, err)
	store := &memStorage{}
	w := persist.NewWorker(0, q, store, persist.WorkerConfig{Sampler: persist.NewEveryNth(5)})

	p, err := New(Config{RejectBlocks: true}, Deps{Source: src, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, 2, store.count())
	st := p.Stats()
	assert.Equal(t, uint64(12), st.Captured)
	assert.Equal(t, uint64(12), st.Workers[0].Consumed)
	assert.Equal(t, uint64(0), st.Queue.Evicted)
}

// Disconnect is fatal: the error names the producer stage and wraps
// ErrDeviceUnavailable. Frames queued before the failure are still drained.
func TestPipeline_DisconnectIsFatal(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.DisconnectAfter = 5 })
	q, err := framequeue.New(8, framequeue.RejectNew)
	require.NoError(t, err)
	store := &memStorage{}
	w := persist.NewWorker(0, q, store, persist.WorkerConfig{Sampler: persist.NewEveryNth(1)})
	sink := &memSink{}

	p, err := New(Config{RejectBlocks: true}, Deps{Source: src, Queue: q, Workers: []Consumer{w}, Events: sink})
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.ErrorIs(t, err, source.ErrDisconnected)
	assert.True(t, strings.HasPrefix(err.Error(), "producer:"), err.Error())

	assert.Equal(t, 5, store.count())
	assert.Contains(t, sink.types(), events.TypeStageFailed)
}

func TestPipeline_TimeoutsAreRetried(t *testing.T) {
	src := &scriptedSource{script: []error{nil, source.ErrTimeout, source.ErrTimeout, nil, nil}}
	q, err := framequeue.New(4, framequeue.RejectNew)
	require.NoError(t, err)
	store := &memStorage{}
	w := persist.NewWorker(0, q, store, persist.WorkerConfig{Sampler: persist.NewEveryNth(1)})

	p, err := New(Config{RejectBlocks: true}, Deps{Source: src, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	st := p.Stats()
	assert.Equal(t, uint64(3), st.Captured)
	assert.Equal(t, uint64(2), st.Timeouts)
	assert.Equal(t, 3, store.count())
	assert.True(t, src.closed)
}

func TestPipeline_OpenFailure(t *testing.T) {
	src := &scriptedSource{openErr: errors.New("no camera on bus")}
	q, err := framequeue.New(1, framequeue.DropOldest)
	require.NoError(t, err)
	w := persist.NewWorker(0, q, &memStorage{}, persist.WorkerConfig{})

	p, err := New(Config{}, Deps{Source: src, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)

	err = p.Start(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, Stopped, p.State())
	assert.ErrorIs(t, p.Wait(), ErrDeviceUnavailable)
}

func TestPipeline_StopIsIdempotent(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.FPS = 200 })
	q, err := framequeue.New(1, framequeue.DropOldest)
	require.NoError(t, err)
	w := persist.NewWorker(0, q, &memStorage{}, persist.WorkerConfig{})

	p, err := New(Config{}, Deps{Source: src, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, Running, p.State())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.NoError(t, waitDone(t, p))
	assert.NoError(t, p.Stop())
	assert.Equal(t, Stopped, p.State())
}

func TestPipeline_WaitBeforeStart(t *testing.T) {
	q, err := framequeue.New(1, framequeue.DropOldest)
	require.NoError(t, err)
	w := persist.NewWorker(0, q, &memStorage{}, persist.WorkerConfig{})
	p, err := New(Config{}, Deps{Source: &scriptedSource{}, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)

	assert.ErrorIs(t, p.Wait(), ErrNotStarted)

	require.NoError(t, p.Stop())
	assert.Equal(t, Stopped, p.State())
	assert.NoError(t, p.Wait())
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
}

// Cancelling the caller's context behaves like Stop.
func TestPipeline_ContextCancelStops(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.FPS = 200 })
	q, err := framequeue.New(1, framequeue.DropOldest)
	require.NoError(t, err)
	w := persist.NewWorker(0, q, &memStorage{}, persist.WorkerConfig{})

	p, err := New(Config{}, Deps{Source: src, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.NoError(t, waitDone(t, p))
}

// A stuck consumer with drop-oldest never holds capture back and never lets
// the queue exceed its capacity.
func TestPipeline_SlowConsumerDropsOldest(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.MaxFrames = 50 })
	q, err := framequeue.New(1, framequeue.DropOldest)
	require.NoError(t, err)
	gate := &gatedStorage{release: make(chan struct{})}
	w := persist.NewWorker(0, q, gate, persist.WorkerConfig{Sampler: persist.NewEveryNth(1)})

	p, err := New(Config{GracePeriod: time.Second}, Deps{Source: src, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return p.Stats().Captured == 50 }, 2*time.Second, time.Millisecond)
	close(gate.release)
	require.NoError(t, waitDone(t, p))

	st := p.Stats()
	assert.LessOrEqual(t, st.Queue.HighWater, 1)
	assert.Greater(t, st.Queue.Evicted, uint64(0))
	assert.Equal(t, uint64(50), st.Queue.Put)
	assert.Equal(t, st.Queue.Put, st.Queue.Delivered+st.Queue.Evicted)
}

// Reject-new without blocking drops the incoming frame and counts it.
func TestPipeline_RejectNewDrops(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.MaxFrames = 20 })
	q, err := framequeue.New(2, framequeue.RejectNew)
	require.NoError(t, err)
	gate := &gatedStorage{release: make(chan struct{})}
	w := persist.NewWorker(0, q, gate, persist.WorkerConfig{Sampler: persist.NewEveryNth(1)})

	p, err := New(Config{}, Deps{Source: src, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return p.Stats().Captured == 20 }, 2*time.Second, time.Millisecond)
	close(gate.release)
	require.NoError(t, waitDone(t, p))

	st := p.Stats()
	assert.Greater(t, st.Dropped, uint64(0))
	assert.Equal(t, st.Dropped, st.Queue.Rejected)
	assert.Equal(t, uint64(20), st.Dropped+st.Queue.Put)
}

// Consumers that cannot drain within the grace period get cancelled.
func TestPipeline_GracePeriodCancelsConsumers(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.MaxFrames = 3 })
	q, err := framequeue.New(3, framequeue.RejectNew)
	require.NoError(t, err)
	gate := &gatedStorage{release: make(chan struct{})} // never released
	w := persist.NewWorker(0, q, gate, persist.WorkerConfig{Sampler: persist.NewEveryNth(1)})

	p, err := New(Config{RejectBlocks: true, GracePeriod: 50 * time.Millisecond},
		Deps{Source: src, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, waitDone(t, p))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Greater(t, w.Stats().WriteErrors, uint64(0))
}

// A consumer failure stops acquisition and is reported with its stage name.
func TestPipeline_ConsumerFailureIsFatal(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.FPS = 200 })
	q, err := framequeue.New(1, framequeue.DropOldest)
	require.NoError(t, err)

	p, err := New(Config{}, Deps{Source: src, Queue: q, Workers: []Consumer{failingConsumer{id: 3}}})
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "worker-3:"), err.Error())
}

// The exposure loop runs on every frame: a dim scene is driven toward the
// target and each frame carries the exposure in effect at capture.
func TestPipeline_ExposureLoop(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.MaxFrames = 30 })
	ctrl, err := exposure.New(src, exposure.Config{Target: 127, DeadBand: 5, Step: 200, Initial: 20000})
	require.NoError(t, err)

	q, err := framequeue.New(30, framequeue.RejectNew)
	require.NoError(t, err)
	rec := &exposureRecorder{}
	w := persist.NewWorker(0, q, &memStorage{}, persist.WorkerConfig{
		Sampler:  persist.NewEveryNth(1),
		Recorder: rec,
	})

	p, err := New(Config{RejectBlocks: true}, Deps{Source: src, Exposure: ctrl, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	st := p.Stats()
	require.NotNil(t, st.Exposure)
	assert.Equal(t, 20000+30*200.0, st.Exposure.Current)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.exposures, 30)
	assert.Equal(t, 20000.0, rec.exposures[0])
	assert.Equal(t, 20200.0, rec.exposures[1])
}

type exposureRecorder struct {
	mu        sync.Mutex
	exposures []float64
}

func (r *exposureRecorder) Record(ctx context.Context, rec persist.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exposures = append(r.exposures, rec.Exposure)
	return nil
}

// A scene too dark for the exposure range pins the controller at max and
// reports unreachable without stopping capture.
func TestPipeline_UnreachableIsNonFatal(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) {
		c.MaxFrames = 10
		c.Scene = 1
		c.ExposureMax = 20400
	})
	ctrl, err := exposure.New(src, exposure.Config{Target: 127, DeadBand: 5, Step: 200, Initial: 20000, Patience: 3})
	require.NoError(t, err)
	q, err := framequeue.New(10, framequeue.RejectNew)
	require.NoError(t, err)
	w := persist.NewWorker(0, q, &memStorage{}, persist.WorkerConfig{})
	sink := &memSink{}

	p, err := New(Config{RejectBlocks: true}, Deps{Source: src, Exposure: ctrl, Queue: q, Workers: []Consumer{w}, Events: sink})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	st := p.Stats()
	assert.Equal(t, uint64(10), st.Captured)
	assert.Equal(t, 20400.0, st.Exposure.Current)
	assert.Greater(t, st.Unreachable, uint64(0))
	assert.Contains(t, sink.types(), events.TypeExposureUnreachable)
}

func TestPipeline_WarmupRunsExposureLoop(t *testing.T) {
	src := synthetic(t, func(c *source.SyntheticConfig) { c.FPS = 500; c.MaxFrames = 200 })
	ctrl, err := exposure.New(src, exposure.Config{Target: 127, DeadBand: 5, Step: 200, Initial: 20000})
	require.NoError(t, err)
	q, err := framequeue.New(1, framequeue.DropOldest)
	require.NoError(t, err)
	w := persist.NewWorker(0, q, &memStorage{}, persist.WorkerConfig{})

	p, err := New(Config{Warmup: 40 * time.Millisecond}, Deps{Source: src, Exposure: ctrl, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	st := p.Stats()
	require.NotNil(t, st.Warmup)
	assert.Greater(t, st.Warmup.FramesReceived, 1)
	assert.Equal(t, uint64(200-st.Warmup.FramesReceived), st.Captured)
}

func TestNew_Validation(t *testing.T) {
	q, err := framequeue.New(1, framequeue.DropOldest)
	require.NoError(t, err)
	w := persist.NewWorker(0, q, &memStorage{}, persist.WorkerConfig{})

	_, err = New(Config{}, Deps{Queue: q, Workers: []Consumer{w}})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Source: &scriptedSource{}, Workers: []Consumer{w}})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Source: &scriptedSource{}, Queue: q})
	assert.Error(t, err)

	p, err := New(Config{}, Deps{Source: &scriptedSource{}, Queue: q, Workers: []Consumer{w}})
	require.NoError(t, err)
	assert.NotEmpty(t, p.RunID())
	assert.Equal(t, DefaultGracePeriod, p.cfg.GracePeriod)
	assert.Equal(t, Idle, p.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())
}
