package source

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/frame"
)

// SyntheticConfig describes the simulated camera.
type SyntheticConfig struct {
	Width  int
	Height int
	Format frame.PixelFormat
	// FPS paces NextFrame. Zero means "as fast as the caller asks".
	FPS float64

	// Scene is the brightness produced at ReferenceExposure. Brightness
	// scales linearly with exposure and saturates at 255.
	Scene             float64
	ReferenceExposure float64
	// Noise is the peak per-frame brightness jitter.
	Noise float64

	// ExposureMin/ExposureMax are the register bounds reported to the
	// exposure controller.
	ExposureMin float64
	ExposureMax float64

	// MaxFrames ends the stream with ErrEndOfStream after that many frames.
	// Zero means unlimited.
	MaxFrames uint64
	// DisconnectAfter fails NextFrame with ErrDisconnected after that many
	// frames. Zero means never.
	DisconnectAfter uint64

	Seed int64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultSyntheticConfig returns a dim scene that needs exposure correction.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Width:             320,
		Height:            240,
		Format:            frame.BGR8,
		FPS:               30,
		Scene:             60,
		ReferenceExposure: 20000,
		Noise:             2,
		ExposureMin:       100,
		ExposureMax:       100000,
		Seed:              1,
	}
}

// Synthetic is a simulated camera: a flat scene whose brightness follows the
// exposure register. It implements both FrameSource and exposure.Hardware.
type Synthetic struct {
	cfg SyntheticConfig
	log *slog.Logger

	mu       sync.Mutex
	exposure float64
	emitted  uint64
	open     bool
	rng      *rand.Rand
	next     time.Time
	scratch  []byte // reused like an SDK ring buffer; frames get copies
}

var (
	_ FrameSource       = (*Synthetic)(nil)
	_ exposure.Hardware = (*Synthetic)(nil)
)

// NewSynthetic validates cfg and returns a closed simulated camera.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("source: synthetic: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 0 {
		return nil, fmt.Errorf("source: synthetic: invalid fps %.2f", cfg.FPS)
	}
	if cfg.ReferenceExposure <= 0 {
		return nil, fmt.Errorf("source: synthetic: reference exposure must be > 0")
	}
	if cfg.ExposureMin > cfg.ExposureMax {
		return nil, fmt.Errorf("source: synthetic: exposure min %.1f > max %.1f", cfg.ExposureMin, cfg.ExposureMax)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Synthetic{
		cfg:      cfg,
		log:      log,
		exposure: cfg.ReferenceExposure,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		scratch:  make([]byte, cfg.Width*cfg.Height*cfg.Format.Channels()),
	}, nil
}

// Open starts the simulated stream.
func (s *Synthetic) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return fmt.Errorf("source: synthetic: already open")
	}
	s.open = true
	s.next = time.Now()

	s.log.Info("source: synthetic camera opened",
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"format", s.cfg.Format.String(),
		"fps", s.cfg.FPS,
		"scene", s.cfg.Scene,
	)
	return nil
}

// NextFrame waits for the next frame slot and renders a frame at the current
// exposure.
func (s *Synthetic) NextFrame(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	if s.cfg.DisconnectAfter > 0 && s.emitted >= s.cfg.DisconnectAfter {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: simulated unplug after %d frames", ErrDisconnected, s.emitted)
	}
	if s.cfg.MaxFrames > 0 && s.emitted >= s.cfg.MaxFrames {
		s.mu.Unlock()
		return nil, ErrEndOfStream
	}

	var wait time.Duration
	if s.cfg.FPS > 0 {
		s.next = s.next.Add(time.Duration(float64(time.Second) / s.cfg.FPS))
		wait = time.Until(s.next)
	}
	s.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	level := s.cfg.Scene * s.exposure / s.cfg.ReferenceExposure
	if s.cfg.Noise > 0 {
		level += (s.rng.Float64()*2 - 1) * s.cfg.Noise
	}
	px := byte(clampByte(level))
	for i := range s.scratch {
		s.scratch[i] = px
	}

	f, err := frame.Copy(s.scratch, s.cfg.Width, s.cfg.Height, s.cfg.Format, time.Now())
	if err != nil {
		return nil, err
	}
	s.emitted++
	return f, nil
}

// Close stops the stream. Idempotent.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.log.Info("source: synthetic camera closed", "frames_emitted", s.emitted)
	}
	s.open = false
	return nil
}

// ExposureBounds implements exposure.Hardware.
func (s *Synthetic) ExposureBounds() (float64, float64, error) {
	return s.cfg.ExposureMin, s.cfg.ExposureMax, nil
}

// Exposure implements exposure.Hardware.
func (s *Synthetic) Exposure() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposure, nil
}

// SetExposure implements exposure.Hardware.
func (s *Synthetic) SetExposure(v float64) error {
	if v < s.cfg.ExposureMin || v > s.cfg.ExposureMax {
		return fmt.Errorf("source: synthetic: %.1f outside [%.1f, %.1f]: %w",
			v, s.cfg.ExposureMin, s.cfg.ExposureMax, exposure.ErrExposureOutOfRange)
	}
	s.mu.Lock()
	s.exposure = v
	s.mu.Unlock()
	return nil
}

// Emitted returns the number of frames produced so far.
func (s *Synthetic) Emitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

func clampByte(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
