package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/frame"
)

func testConfig() SyntheticConfig {
	cfg := DefaultSyntheticConfig()
	cfg.Width, cfg.Height = 4, 3
	cfg.FPS = 0
	cfg.Noise = 0
	return cfg
}

func TestSynthetic_BrightnessFollowsExposure(t *testing.T) {
	s, err := NewSynthetic(testConfig())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	f, err := s.NextFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60.0, frame.MeanBrightness(f.Data))
	assert.Equal(t, frame.BGR8, f.Format)
	assert.Len(t, f.Data, 4*3*3)

	require.NoError(t, s.SetExposure(40000))
	f, err = s.NextFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120.0, frame.MeanBrightness(f.Data))

	// Saturates at 255.
	require.NoError(t, s.SetExposure(100000))
	f, err = s.NextFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 255.0, frame.MeanBrightness(f.Data))
}

func TestSynthetic_FramesAreCopies(t *testing.T) {
	s, err := NewSynthetic(testConfig())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	f1, err := s.NextFrame(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetExposure(100))
	_, err = s.NextFrame(ctx)
	require.NoError(t, err)

	assert.Equal(t, byte(60), f1.Data[0], "earlier frame changed after next capture")
}

func TestSynthetic_EndAndDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrames = 2
	s, err := NewSynthetic(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	for i := 0; i < 2; i++ {
		_, err := s.NextFrame(ctx)
		require.NoError(t, err)
	}
	_, err = s.NextFrame(ctx)
	assert.ErrorIs(t, err, ErrEndOfStream)

	cfg = testConfig()
	cfg.DisconnectAfter = 1
	s, err = NewSynthetic(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))
	_, err = s.NextFrame(ctx)
	require.NoError(t, err)
	_, err = s.NextFrame(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)

	require.NoError(t, s.Close())
	_, err = s.NextFrame(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestSynthetic_PacingRespectsContext(t *testing.T) {
	cfg := testConfig()
	cfg.FPS = 0.5 // one frame every 2s
	s, err := NewSynthetic(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.NextFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSynthetic_ExposureBounds(t *testing.T) {
	s, err := NewSynthetic(testConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetExposure(1), exposure.ErrExposureOutOfRange)

	lo, hi, err := s.ExposureBounds()
	require.NoError(t, err)
	assert.Equal(t, 100.0, lo)
	assert.Equal(t, 100000.0, hi)
}

func TestNewSynthetic_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.Width = 0
	_, err := NewSynthetic(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.ExposureMin = 10
	cfg.ExposureMax = 1
	_, err = NewSynthetic(cfg)
	assert.Error(t, err)
}

// The simulated camera closes the loop: the controller drives a dim scene
// into the dead-band.
func TestSynthetic_ConvergesUnderController(t *testing.T) {
	s, err := NewSynthetic(testConfig())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	ctrl, err := exposure.New(s, exposure.Config{Target: 127, DeadBand: 5, Step: 200, Initial: 20000})
	require.NoError(t, err)

	var last float64
	for i := 0; i < 500; i++ {
		f, err := s.NextFrame(ctx)
		require.NoError(t, err)
		last = frame.MeanBrightness(f.Data)
		d, err := ctrl.Adjust(last)
		require.NoError(t, err)
		if d.Converged {
			break
		}
	}
	assert.InDelta(t, 127, last, 5)
}
