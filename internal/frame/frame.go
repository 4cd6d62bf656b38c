// Package frame defines the owned, immutable frame value that flows from a
// capture source through the hand-off queue into persistence workers.
package frame

import (
	"fmt"
	"time"
)

// PixelFormat describes the byte layout of Frame.Data.
type PixelFormat int

const (
	// Mono8 is one 8-bit intensity byte per pixel.
	Mono8 PixelFormat = iota
	// RGB8 is three interleaved 8-bit bytes per pixel (R, G, B).
	RGB8
	// BGR8 is three interleaved 8-bit bytes per pixel (B, G, R), the usual
	// machine-vision SDK layout.
	BGR8
)

// Channels returns the number of bytes per pixel.
func (p PixelFormat) Channels() int {
	switch p {
	case RGB8, BGR8:
		return 3
	default:
		return 1
	}
}

func (p PixelFormat) String() string {
	switch p {
	case Mono8:
		return "mono8"
	case RGB8:
		return "rgb8"
	case BGR8:
		return "bgr8"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(p))
	}
}

// ParsePixelFormat maps a config string onto a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch s {
	case "mono8", "gray", "GRAY8":
		return Mono8, nil
	case "rgb8", "RGB", "":
		return RGB8, nil
	case "bgr8", "BGR":
		return BGR8, nil
	default:
		return Mono8, fmt.Errorf("frame: unknown pixel format %q", s)
	}
}

// Frame is a captured image plus the metadata the pipeline needs.
//
// OWNERSHIP CONTRACT:
//   - Data is always a private copy. Sources build frames through Copy, never
//     by aliasing SDK or GStreamer buffers that get reused after the capture
//     cycle.
//   - Once a frame is enqueued nothing modifies it. Transforms return a new
//     Frame instead of rewriting Data.
type Frame struct {
	// Data holds Width*Height*Channels bytes in row-major order.
	Data []byte

	Width    int
	Height   int
	Channels int
	Format   PixelFormat

	// Timestamp is the capture time (source clock, not processing time).
	Timestamp time.Time

	// Seq is assigned by the producer. Monotonically increasing per run.
	Seq uint64

	// Brightness is the mean byte value over the whole buffer. Only valid when
	// HasBrightness is true.
	Brightness    float64
	HasBrightness bool

	// Exposure is the exposure value in effect when the frame was captured.
	// Zero when no exposure controller is attached.
	Exposure float64
}

// Copy builds a Frame from a buffer the caller does not own. The bytes are
// copied so the caller may reuse buf as soon as Copy returns.
func Copy(buf []byte, width, height int, format PixelFormat, ts time.Time) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame: invalid dimensions %dx%d", width, height)
	}
	ch := format.Channels()
	want := width * height * ch
	if len(buf) != want {
		return nil, fmt.Errorf("frame: buffer size %d does not match %dx%dx%d (%d)",
			len(buf), width, height, ch, want)
	}

	data := make([]byte, want)
	copy(data, buf)

	return &Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Channels:  ch,
		Format:    format,
		Timestamp: ts,
	}, nil
}

// Size returns the expected length of Data.
func (f *Frame) Size() int {
	return f.Width * f.Height * f.Channels
}
