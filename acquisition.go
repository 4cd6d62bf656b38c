package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/e7canasta/frame-acquisition/internal/catalog"
	"github.com/e7canasta/frame-acquisition/internal/config"
	"github.com/e7canasta/frame-acquisition/internal/events"
	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/framequeue"
	"github.com/e7canasta/frame-acquisition/internal/metrics"
	"github.com/e7canasta/frame-acquisition/internal/persist"
	"github.com/e7canasta/frame-acquisition/internal/pipeline"
	"github.com/e7canasta/frame-acquisition/internal/source"
)

// Option overrides a collaborator that Build would otherwise derive from
// configuration.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	source  source.FrameSource
	hw      exposure.Hardware
	storage persist.Storage
	sink    events.Sink
	runID   string
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSource replaces the configured source. hw may be nil when the source
// has no exposure control.
func WithSource(src source.FrameSource, hw exposure.Hardware) Option {
	return func(o *options) { o.source, o.hw = src, hw }
}

// WithStorage replaces the configured storage backend.
func WithStorage(s persist.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithEvents adds a sink next to the configured MQTT emitter (if any).
func WithEvents(s events.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// System is a fully wired acquisition run.
type System struct {
	cfg      config.Config
	log      *slog.Logger
	source   source.FrameSource // unwrapped; closed here if Run never starts
	pipeline *pipeline.Pipeline
	catalog  *catalog.Catalog
	bus      *events.Bus
	emitter  *events.MQTTEmitter
	metrics  *metrics.Collector
}

// Build validates cfg and wires source, exposure controller, queue, workers,
// storage and the optional catalog and events. It opens the source early only
// when the exposure loop needs the device's bounds.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("acquisition: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	log := o.logger.With("run_id", o.runID)

	s := &System{cfg: *cfg, log: log}

	// Source
	src, hw := o.source, o.hw
	if src == nil {
		var err error
		src, hw, err = newSource(cfg.Source, log)
		if err != nil {
			return nil, fmt.Errorf("acquisition: %w", err)
		}
	}
	ok := false
	defer func() {
		if !ok {
			src.Close()
			s.Close()
		}
	}()

	// Exposure
	var ctrl *exposure.Controller
	if cfg.Exposure.Enabled {
		if hw == nil {
			log.Warn("exposure: source has no exposure control, loop disabled", "source", cfg.Source.Kind)
		} else {
			ecfg, err := cfg.Exposure.ControllerConfig()
			if err != nil {
				return nil, fmt.Errorf("acquisition: %w", err)
			}
			ecfg.Logger = log
			if err := src.Open(ctx); err != nil {
				return nil, fmt.Errorf("producer: %w: open: %w", pipeline.ErrDeviceUnavailable, err)
			}
			src = opened{src}
			ctrl, err = exposure.New(hw, ecfg)
			if err != nil {
				return nil, fmt.Errorf("acquisition: %w", err)
			}
		}
	}

	// Queue
	policy, err := framequeue.ParsePolicy(cfg.Queue.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("acquisition: %w", err)
	}
	q, err := framequeue.New(cfg.Queue.Capacity, policy)
	if err != nil {
		return nil, fmt.Errorf("acquisition: %w", err)
	}

	// Storage
	store := o.storage
	if store == nil {
		store, err = newStorage(ctx, cfg.Persist, o.runID)
		if err != nil {
			return nil, fmt.Errorf("acquisition: %w", err)
		}
	}

	// Events
	var sinks []namedSink
	if o.sink != nil {
		sinks = append(sinks, namedSink{"custom", o.sink})
	}
	if cfg.Events.MQTTBroker != "" {
		em, err := events.NewMQTTEmitter(events.MQTTConfig{
			Broker:   cfg.Events.MQTTBroker,
			ClientID: cfg.Events.ClientID,
			Topic:    cfg.Events.Topic,
			QoS:      cfg.Events.QoS,
		})
		if err != nil {
			return nil, fmt.Errorf("acquisition: %w", err)
		}
		if err := em.Connect(ctx); err != nil {
			// Auto-reconnect keeps trying in the background.
			log.Warn("events: broker not reachable yet", "broker", cfg.Events.MQTTBroker, "error", err)
		}
		s.emitter = em
		sinks = append(sinks, namedSink{"mqtt", em})
	}
	var sink events.Sink
	if len(sinks) > 0 {
		s.bus = events.NewBus(log)
		for _, ns := range sinks {
			if err := s.bus.Subscribe(ns.id, ns.sink, events.DefaultBuffer); err != nil {
				return nil, fmt.Errorf("acquisition: %w", err)
			}
		}
		sink = s.bus
	}

	// Recorders
	var recorders persist.Recorders
	if cfg.Persist.Catalog != "" {
		cat, err := catalog.Open(cfg.Persist.Catalog, o.runID)
		if err != nil {
			return nil, fmt.Errorf("acquisition: %w", err)
		}
		s.catalog = cat
		recorders = append(recorders, cat)
	}
	if sink != nil {
		recorders = append(recorders, events.FrameRecorder{Sink: sink, RunID: o.runID})
	}

	// Workers
	workers, err := newWorkers(cfg.Persist, q, store, recorders, log)
	if err != nil {
		return nil, fmt.Errorf("acquisition: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{
		RejectBlocks:  cfg.Queue.RejectBlocks,
		GracePeriod:   cfg.Pipeline.GracePeriod,
		Warmup:        cfg.Pipeline.Warmup,
		StatsInterval: cfg.Pipeline.StatsInterval,
		RunID:         o.runID,
		Logger:        o.logger,
	}, pipeline.Deps{
		Source:   src,
		Exposure: ctrl,
		Queue:    q,
		Workers:  workers,
		Events:   sink,
	})
	if err != nil {
		return nil, fmt.Errorf("acquisition: %w", err)
	}
	s.pipeline = p
	s.source = unwrap(src)
	s.metrics = metrics.NewCollector(o.runID, p.Stats)

	ok = true
	log.Info("acquisition: built",
		"source", cfg.Source.Kind,
		"workers", len(workers),
		"storage", cfg.Persist.Storage,
		"catalog", cfg.Persist.Catalog != "",
		"events", sink != nil,
	)
	return s, nil
}

func newWorkers(cfg config.PersistConfig, q *framequeue.Queue, store persist.Storage, rec persist.Recorders, log *slog.Logger) ([]pipeline.Consumer, error) {
	mode, err := persist.ParseSampling(cfg.Sampling)
	if err != nil {
		return nil, err
	}
	enc, err := persist.NewEncoder(cfg.Format, cfg.JPEGQuality)
	if err != nil {
		return nil, err
	}
	transform := frame.Transform(frame.Identity)
	if cfg.Grayscale {
		transform = frame.ToGray
	}
	var recorder persist.Recorder
	if len(rec) > 0 {
		recorder = rec
	}

	samplers := persist.Samplers(mode, cfg.Workers, cfg.EveryNth)
	workers := make([]pipeline.Consumer, cfg.Workers)
	for i := range workers {
		workers[i] = persist.NewWorker(i, q, store, persist.WorkerConfig{
			Sampler:      samplers[i],
			Transform:    transform,
			Encoder:      enc,
			Keyer:        persist.NewKeyer(enc.Ext(), i, cfg.Workers > 1),
			WriteTimeout: cfg.WriteTimeout,
			Recorder:     recorder,
			Logger:       log,
		})
	}
	return workers, nil
}

func newStorage(ctx context.Context, cfg config.PersistConfig, runID string) (persist.Storage, error) {
	switch cfg.Storage {
	case "minio":
		prefix := cfg.Minio.Prefix
		if prefix == "" {
			prefix = runID
		}
		m, err := persist.NewMinioStorage(persist.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
			Bucket:    cfg.Minio.Bucket,
			Prefix:    prefix,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return persist.NewDirStorage(cfg.Dir)
	}
}

func newSyntheticSource(cfg config.SourceConfig, log *slog.Logger) (*source.Synthetic, error) {
	sc := source.DefaultSyntheticConfig()
	sc.Width, sc.Height = cfg.Width, cfg.Height
	sc.FPS = cfg.FPS
	sc.MaxFrames = cfg.MaxFrames
	sc.Logger = log
	f, err := frame.ParsePixelFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	sc.Format = f
	return source.NewSynthetic(sc)
}

// opened wraps a source that Build already opened; the pipeline's Open
// becomes a no-op.
type opened struct {
	source.FrameSource
}

func (opened) Open(context.Context) error { return nil }

func unwrap(src source.FrameSource) source.FrameSource {
	if o, ok := src.(opened); ok {
		return o.FrameSource
	}
	return src
}

type namedSink struct {
	id   string
	sink events.Sink
}

// RunID returns the run identifier shared by logs, keys, events and the
// catalog.
func (s *System) RunID() string { return s.pipeline.RunID() }

// Pipeline exposes the underlying pipeline.
func (s *System) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Catalog returns the frame catalog, or nil when disabled.
func (s *System) Catalog() *catalog.Catalog { return s.catalog }

// Stats returns a pipeline snapshot.
func (s *System) Stats() pipeline.Stats { return s.pipeline.Stats() }

// Run starts the metrics endpoint (when configured) and runs the pipeline
// until ctx is cancelled, the stream ends, or a stage fails.
func (s *System) Run(ctx context.Context) error {
	if s.cfg.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		reg := metrics.NewRegistry(s.metrics)
		h := metrics.Handler(reg, func() bool { return s.pipeline.State() == pipeline.Running })
		go func() {
			if err := metrics.Serve(mctx, s.cfg.MetricsAddr, h); err != nil {
				s.log.Error("metrics: server failed", "addr", s.cfg.MetricsAddr, "error", err)
			}
		}()
	}

	err := s.pipeline.Run(ctx)

	st := s.pipeline.Stats()
	s.log.Info("acquisition: finished",
		"captured", st.Captured,
		"dropped", st.Dropped,
		"queue_evicted", st.Queue.Evicted,
		"uptime", st.Uptime,
	)
	if s.catalog != nil {
		if sum, serr := s.catalog.Summary(context.WithoutCancel(ctx), s.RunID()); serr == nil {
			s.log.Info("catalog: run summary",
				"frames", sum.Frames,
				"mean_brightness", sum.MeanBrightness,
				"min_exposure", sum.MinExposure,
				"max_exposure", sum.MaxExposure,
			)
		}
	}
	return err
}

// Close flushes pending events and releases the catalog and the MQTT
// session. The source is closed by the pipeline once Run has started;
// otherwise Close stops the pipeline and closes the source itself.
// Idempotent.
func (s *System) Close() error {
	var errs []error
	if s.pipeline != nil && s.pipeline.State() == pipeline.Idle {
		s.pipeline.Stop()
		if err := s.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("acquisition: close source: %w", err))
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.emitter != nil {
		s.emitter.Disconnect()
		s.emitter = nil
	}
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			errs = append(errs, err)
		}
		s.catalog = nil
	}
	return errors.Join(errs...)
}
