// Package gstsource pulls raw frames from a GStreamer pipeline ending in an
// appsink. Any camera GStreamer can talk to works: aravissrc for GigE Vision
// and USB3 Vision machine-vision cameras, v4l2src, rtspsrc, videotestsrc.
//
// Frames are pulled synchronously (NextFrame → appsink pull), so the
// producer sets the capture cadence and the pipeline's own appsink settings
// (max-buffers=1 drop=true) reproduce the camera's "newest only" buffer mode.
package gstsource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/source"
)

// pullInterval bounds each appsink pull so NextFrame can notice ctx and bus
// errors while the camera is silent.
const pullInterval = 100 * time.Millisecond

// Config describes the GStreamer source.
type Config struct {
	// Launch is a gst-launch style description. It must contain an appsink
	// named "sink". Empty builds one from Device/Width/Height/Format.
	Launch string
	// Device is the v4l2 device used when Launch is empty.
	Device string

	Width  int
	Height int
	Format frame.PixelFormat

	// FrameTimeout makes NextFrame return source.ErrTimeout when no sample
	// arrives in time. Zero waits forever.
	FrameTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Source implements source.FrameSource on top of a GStreamer appsink.
type Source struct {
	cfg    Config
	launch string
	log    *slog.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	seq      uint64
}

var _ source.FrameSource = (*Source)(nil)

// New validates cfg (fail-fast) and returns an unopened source.
func New(cfg Config) (*Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("gstsource: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}

	launch := cfg.Launch
	if launch == "" {
		if cfg.Device == "" {
			return nil, fmt.Errorf("gstsource: launch string or device is required")
		}
		launch = BuildLaunch(cfg.Device, cfg.Width, cfg.Height, cfg.Format)
	}
	if !strings.Contains(launch, "appsink") || !strings.Contains(launch, "name=sink") {
		return nil, fmt.Errorf("gstsource: launch string must end in 'appsink name=sink'")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Source{cfg: cfg, launch: launch, log: log}, nil
}

// BuildLaunch returns the default v4l2 capture pipeline description.
func BuildLaunch(device string, width, height int, format frame.PixelFormat) string {
	return fmt.Sprintf(
		"v4l2src device=%s ! videoconvert ! videoscale ! "+
			"video/x-raw,format=%s,width=%d,height=%d ! "+
			"appsink name=sink max-buffers=1 drop=true sync=false",
		device, gstFormat(format), width, height,
	)
}

func gstFormat(f frame.PixelFormat) string {
	switch f {
	case frame.Mono8:
		return "GRAY8"
	case frame.BGR8:
		return "BGR"
	default:
		return "RGB"
	}
}

// Open builds the pipeline and sets it to PLAYING.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipeline != nil {
		return fmt.Errorf("gstsource: already open")
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(s.launch)
	if err != nil {
		return fmt.Errorf("gstsource: parse pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("gstsource: appsink 'sink' not found: %w", err)
	}
	sink := app.SinkFromElement(elem)
	if sink == nil {
		return fmt.Errorf("gstsource: element 'sink' is not an appsink")
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("%w: start pipeline: %v", source.ErrDisconnected, err)
	}

	s.pipeline = pipeline
	s.sink = sink

	s.log.Info("gstsource: pipeline playing",
		"launch", s.launch,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"format", s.cfg.Format.String(),
	)
	return nil
}

// NextFrame pulls the next sample, copies its bytes out of the GStreamer
// buffer and returns them as a Frame.
func (s *Source) NextFrame(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	pipeline, sink := s.pipeline, s.sink
	s.mu.Unlock()

	if pipeline == nil {
		return nil, source.ErrDisconnected
	}

	var deadline time.Time
	if s.cfg.FrameTimeout > 0 {
		deadline = time.Now().Add(s.cfg.FrameTimeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.checkBus(pipeline); err != nil {
			return nil, err
		}

		sample := sink.TryPullSample(pullInterval)
		if sample == nil {
			if sink.IsEOS() {
				return nil, source.ErrEndOfStream
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return nil, fmt.Errorf("%w: no sample in %s", source.ErrTimeout, s.cfg.FrameTimeout)
			}
			continue
		}

		f, err := s.copySample(sample)
		if err != nil {
			// One corrupt sample must not kill the stream.
			s.log.Warn("gstsource: skipping sample", "error", err)
			continue
		}
		return f, nil
	}
}

// copySample maps the sample buffer and copies it into an owned Frame.
// GStreamer reuses the buffer as soon as it is unmapped.
func (s *Source) copySample(sample *gst.Sample) (*frame.Frame, error) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("sample has no buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("failed to map buffer")
	}
	defer buffer.Unmap()

	data := mapInfo.Bytes()
	if len(data) == 0 {
		return nil, fmt.Errorf("empty buffer")
	}

	f, err := frame.Copy(data, s.cfg.Width, s.cfg.Height, s.cfg.Format, time.Now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.seq++
	s.mu.Unlock()
	return f, nil
}

// checkBus drains pending bus messages and turns errors into source errors.
func (s *Source) checkBus(pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return source.ErrEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			category := Classify(gerr.Error(), gerr.DebugString())

			s.log.Error("gstsource: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"frames", s.seq,
			)
			return fmt.Errorf("%w: [%s] %s", source.ErrDisconnected, category, gerr.Error())

		case gst.MessageWarning:
			if gwarn := msg.ParseWarning(); gwarn != nil {
				s.log.Warn("gstsource: pipeline warning", "warning", gwarn.Error())
			}
		}
	}
}

// Close sets the pipeline to NULL and releases it. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipeline == nil {
		return nil
	}

	err := s.pipeline.SetState(gst.StateNull)
	s.log.Info("gstsource: pipeline stopped", "frames", s.seq)
	s.pipeline = nil
	s.sink = nil
	if err != nil {
		return fmt.Errorf("gstsource: set pipeline to NULL: %w", err)
	}
	return nil
}
