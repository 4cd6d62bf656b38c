//go:build linux

// Package v4l2source captures MJPEG frames straight from a V4L2 device node
// with go4vl and drives the device's absolute exposure control.
package v4l2source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/source"
)

const (
	// exposureManual is the V4L2_EXPOSURE_MANUAL menu entry of
	// CtrlCameraExposureAuto.
	exposureManual = 1
	// ctrlExposureAbsolute is V4L2_CID_EXPOSURE_ABSOLUTE, which go4vl does not
	// name.
	ctrlExposureAbsolute v4l2.CtrlID = 0x009a0902
)

// Config describes the V4L2 device.
type Config struct {
	Device string
	Width  int
	Height int
	FPS    int
	// BufferSize is the number of driver buffers. 1-2 keeps latency low.
	BufferSize int
	// WarmupDrop frames are discarded after Start; many UVC cameras emit
	// empty or half-exposed frames right after stream-on.
	WarmupDrop int
	// FrameTimeout turns a silent device into source.ErrTimeout.
	FrameTimeout time.Duration
	// Mono converts decoded frames to Mono8 instead of RGB8.
	Mono bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Source implements source.FrameSource and exposure.Hardware on a V4L2 node.
type Source struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	dev    *device.Device
	cancel context.CancelFunc
	frames uint64
}

var (
	_ source.FrameSource = (*Source)(nil)
	_ exposure.Hardware  = (*Source)(nil)
)

// New validates cfg and returns an unopened source.
func New(cfg Config) (*Source, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("v4l2source: device is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("v4l2source: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Source{cfg: cfg, log: log}, nil
}

// Open opens the device, switches exposure to manual and starts streaming.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return fmt.Errorf("v4l2source: already open")
	}

	opts := []device.Option{
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(s.cfg.Width),
			Height:      uint32(s.cfg.Height),
			Field:       v4l2.FieldNone,
		}),
		device.WithBufferSize(uint32(s.cfg.BufferSize)),
	}
	if s.cfg.FPS > 0 {
		opts = append(opts, device.WithFPS(uint32(s.cfg.FPS)))
	}

	dev, err := device.Open(s.cfg.Device, opts...)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", source.ErrDisconnected, s.cfg.Device, err)
	}

	// Manual exposure is a precondition of the control loop.
	if err := dev.SetControlValue(v4l2.CtrlCameraExposureAuto, exposureManual); err != nil {
		dev.Close()
		return fmt.Errorf("v4l2source: disable auto exposure: %w: %v", exposure.ErrExposureNotWritable, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	if err := dev.Start(streamCtx); err != nil {
		cancel()
		dev.Close()
		return fmt.Errorf("%w: start stream: %v", source.ErrDisconnected, err)
	}

	s.dev = dev
	s.cancel = cancel

	s.log.Info("v4l2source: streaming",
		"device", s.cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FPS,
		"buffers", s.cfg.BufferSize,
	)

	for i := 0; i < s.cfg.WarmupDrop; i++ {
		select {
		case <-dev.GetOutput():
		case <-time.After(s.cfg.FrameTimeout):
			s.log.Warn("v4l2source: warmup timeout", "dropped", i)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// NextFrame waits for the next MJPEG buffer and decodes it into an owned
// Frame. Undecodable buffers are skipped.
func (s *Source) NextFrame(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()
	if dev == nil {
		return nil, source.ErrDisconnected
	}

	timer := time.NewTimer(s.cfg.FrameTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: no frame from %s in %s", source.ErrTimeout, s.cfg.Device, s.cfg.FrameTimeout)
		case buf, ok := <-dev.GetOutput():
			if !ok {
				return nil, fmt.Errorf("%w: %s output closed", source.ErrDisconnected, s.cfg.Device)
			}
			if len(buf) == 0 {
				continue
			}
			f, err := decode(buf, s.cfg.Mono)
			if err != nil {
				s.log.Warn("v4l2source: skipping frame", "error", err, "bytes", len(buf))
				continue
			}
			s.mu.Lock()
			s.frames++
			s.mu.Unlock()
			return f, nil
		}
	}
}

// decode turns an MJPEG buffer into an RGB8 (or Mono8) frame.
func decode(buf []byte, mono bool) (*frame.Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("v4l2source: decode mjpeg: %w", err)
	}
	return FromImage(img, mono, time.Now())
}

// FromImage packs a decoded image into an interleaved frame.
func FromImage(img image.Image, mono bool, ts time.Time) (*frame.Frame, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if g, ok := img.(*image.Gray); ok && mono {
		data := make([]byte, 0, w*h)
		for y := 0; y < h; y++ {
			off := g.PixOffset(b.Min.X, b.Min.Y+y)
			data = append(data, g.Pix[off:off+w]...)
		}
		return frame.Copy(data, w, h, frame.Mono8, ts)
	}

	data := make([]byte, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			data = append(data, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}
	f, err := frame.Copy(data, w, h, frame.RGB8, ts)
	if err != nil || !mono {
		return f, err
	}
	return frame.ToGray(f)
}

// ExposureBounds implements exposure.Hardware.
func (s *Source) ExposureBounds() (float64, float64, error) {
	ctrl, err := s.control()
	if err != nil {
		return 0, 0, err
	}
	return float64(ctrl.Minimum), float64(ctrl.Maximum), nil
}

// Exposure implements exposure.Hardware.
func (s *Source) Exposure() (float64, error) {
	ctrl, err := s.control()
	if err != nil {
		return 0, err
	}
	return float64(ctrl.Value), nil
}

// SetExposure implements exposure.Hardware. Values are in the driver's
// units (100µs for UVC).
func (s *Source) SetExposure(v float64) error {
	ctrl, err := s.control()
	if err != nil {
		return err
	}
	if v < float64(ctrl.Minimum) || v > float64(ctrl.Maximum) {
		return fmt.Errorf("v4l2source: %.0f outside [%d, %d]: %w",
			v, ctrl.Minimum, ctrl.Maximum, exposure.ErrExposureOutOfRange)
	}

	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()
	if err := dev.SetControlValue(ctrlExposureAbsolute, v4l2.CtrlValue(v)); err != nil {
		return fmt.Errorf("v4l2source: set exposure: %w", err)
	}
	return nil
}

func (s *Source) control() (v4l2.Control, error) {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()
	if dev == nil {
		return v4l2.Control{}, fmt.Errorf("v4l2source: device not open: %w", exposure.ErrExposureNotWritable)
	}
	ctrl, err := dev.GetControl(ctrlExposureAbsolute)
	if err != nil {
		return v4l2.Control{}, fmt.Errorf("v4l2source: exposure control: %w: %v", exposure.ErrExposureNotWritable, err)
	}
	return ctrl, nil
}

// Close stops streaming and closes the device. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	s.cancel()
	err := s.dev.Close()
	s.log.Info("v4l2source: closed", "device", s.cfg.Device, "frames", s.frames)
	s.dev = nil
	s.cancel = nil
	if err != nil {
		return fmt.Errorf("v4l2source: close: %w", err)
	}
	return nil
}
