// Package source defines the capture collaborator the pipeline pulls frames
// from, plus a synthetic camera used for tests and dry runs.
//
// Hardware adapters live in subpackages so that cgo and OS-specific
// dependencies stay out of the core:
//   - gstsource: GStreamer appsink (aravissrc, v4l2src, rtspsrc, ...)
//   - v4l2source: V4L2 capture with exposure control (Linux only)
package source

import (
	"context"
	"errors"

	"github.com/e7canasta/frame-acquisition/internal/frame"
)

var (
	// ErrDisconnected means the device went away. Fatal to the producer.
	ErrDisconnected = errors.New("source: device disconnected")

	// ErrTimeout means no frame arrived in the device's own timeout window.
	// The producer logs it and asks again.
	ErrTimeout = errors.New("source: frame timeout")

	// ErrEndOfStream is returned by finite sources (files, test patterns with a
	// frame budget) after their last frame. The pipeline stops cleanly.
	ErrEndOfStream = errors.New("source: end of stream")
)

// FrameSource produces frames on demand.
//
// Contract:
//   - Open before the first NextFrame, Close after the last
//   - NextFrame blocks until a frame is available, ctx ends, or the device
//     fails; it is called from a single goroutine
//   - returned frames own their Data (built with frame.Copy or freshly
//     allocated), the source never touches them again
type FrameSource interface {
	Open(ctx context.Context) error
	NextFrame(ctx context.Context) (*frame.Frame, error)
	Close() error
}
