package persist

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"image/png"

	"github.com/e7canasta/frame-acquisition/internal/frame"
)

// Encoder serializes a frame into an image file body.
type Encoder interface {
	Encode(f *frame.Frame) ([]byte, error)
	// Ext is the file extension including the dot.
	Ext() string
}

// NewEncoder returns the encoder for "png" (default) or "jpeg".
func NewEncoder(format string, jpegQuality int) (Encoder, error) {
	switch format {
	case "", "png":
		return PNG{}, nil
	case "jpeg", "jpg":
		if jpegQuality <= 0 || jpegQuality > 100 {
			jpegQuality = 90
		}
		return JPEG{Quality: jpegQuality}, nil
	default:
		return nil, fmt.Errorf("persist: unsupported format %q (must be png or jpeg)", format)
	}
}

// PNG encodes frames losslessly. Mono8 frames become 8-bit grayscale PNGs.
type PNG struct{}

func (PNG) Ext() string { return ".png" }

func (PNG) Encode(f *frame.Frame) ([]byte, error) {
	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("persist: png encode: %w", err)
	}
	return buf.Bytes(), nil
}

// JPEG encodes frames lossily.
type JPEG struct {
	Quality int
}

func (JPEG) Ext() string { return ".jpg" }

func (j JPEG) Encode(f *frame.Frame) ([]byte, error) {
	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: j.Quality}); err != nil {
		return nil, fmt.Errorf("persist: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
