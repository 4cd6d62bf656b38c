package gstsource

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/frame-acquisition/internal/frame"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		errMsg string
		debug  string
		want   ErrorCategory
	}{
		{"unplugged camera", "Could not read from resource.", "v4l2src0: No such device", ErrCategoryDevice},
		{"aravis link down", "Internal data stream error.", "aravissrc: stream stopped", ErrCategoryDevice},
		{"caps", "Internal data stream error.", "streaming stopped, reason not-negotiated (-4)", ErrCategoryFormat},
		{"permission", "Could not open device", "Permission denied", ErrCategoryPermission},
		{"unknown", "something odd", "", ErrCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.errMsg, tt.debug))
		})
	}
}

func TestErrorCategory_String(t *testing.T) {
	assert.Equal(t, "device", ErrCategoryDevice.String())
	assert.Equal(t, "format", ErrCategoryFormat.String())
	assert.Equal(t, "permission", ErrCategoryPermission.String())
	assert.Equal(t, "unknown", ErrorCategory(42).String())
}

// New must fail fast on configuration errors without touching GStreamer.
func TestNew_FailFast(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"no resolution", Config{Device: "/dev/video0"}, "invalid resolution"},
		{"no launch no device", Config{Width: 640, Height: 480}, "launch string or device"},
		{"launch without appsink", Config{Launch: "videotestsrc ! fakesink", Width: 640, Height: 480}, "appsink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	s, err := New(Config{Device: "/dev/video2", Width: 640, Height: 480, Format: frame.BGR8})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.launch, "v4l2src device=/dev/video2"))
}

func TestBuildLaunch(t *testing.T) {
	got := BuildLaunch("/dev/video0", 1280, 720, frame.Mono8)
	assert.Contains(t, got, "format=GRAY8,width=1280,height=720")
	assert.Contains(t, got, "appsink name=sink max-buffers=1 drop=true")

	assert.Contains(t, BuildLaunch("/dev/video0", 1, 1, frame.BGR8), "format=BGR")
	assert.Contains(t, BuildLaunch("/dev/video0", 1, 1, frame.RGB8), "format=RGB")
}
