package frame

import (
	"fmt"
	"image"
)

// MeanBrightness returns the mean byte value over every pixel and channel.
// An empty buffer yields 0.
func MeanBrightness(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum uint64
	for _, b := range data {
		sum += uint64(b)
	}
	return float64(sum) / float64(len(data))
}

// WithBrightness returns f with Brightness populated. Frames that already carry
// a measurement are returned unchanged. Must be called before the frame is
// handed off.
func WithBrightness(f *Frame) *Frame {
	if f.HasBrightness {
		return f
	}
	f.Brightness = MeanBrightness(f.Data)
	f.HasBrightness = true
	return f
}

// Transform turns a dequeued frame into the frame that gets persisted.
type Transform func(*Frame) (*Frame, error)

// Identity is a Transform that returns its input.
func Identity(f *Frame) (*Frame, error) { return f, nil }

// ToGray reduces a frame to a single intensity channel using the ITU-R BT.601
// luma weights. Mono8 input is returned as is. The result is a new Frame; the
// input is left untouched.
func ToGray(f *Frame) (*Frame, error) {
	if f.Format == Mono8 {
		return f, nil
	}
	if len(f.Data) != f.Size() {
		return nil, fmt.Errorf("frame: gray conversion: buffer size %d, expected %d", len(f.Data), f.Size())
	}

	ri, bi := 0, 2
	if f.Format == BGR8 {
		ri, bi = 2, 0
	}

	n := f.Width * f.Height
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		px := f.Data[i*3 : i*3+3]
		// Fixed point: 0.299, 0.587, 0.114 scaled by 1<<16.
		y := (19595*uint32(px[ri]) + 38470*uint32(px[1]) + 7471*uint32(px[bi]) + 1<<15) >> 16
		out[i] = byte(y)
	}

	g := *f
	g.Data = out
	g.Channels = 1
	g.Format = Mono8
	return &g, nil
}

// Image wraps the frame in an image.Image for encoding. Mono8 shares Data;
// color formats are expanded into RGBA with opaque alpha.
func (f *Frame) Image() (image.Image, error) {
	if len(f.Data) != f.Size() {
		return nil, fmt.Errorf("frame: invalid data size: got %d, expected %d", len(f.Data), f.Size())
	}
	rect := image.Rect(0, 0, f.Width, f.Height)

	if f.Format == Mono8 {
		return &image.Gray{Pix: f.Data, Stride: f.Width, Rect: rect}, nil
	}

	ri, bi := 0, 2
	if f.Format == BGR8 {
		ri, bi = 2, 0
	}
	img := image.NewRGBA(rect)
	for i := 0; i < f.Width*f.Height; i++ {
		img.Pix[i*4+0] = f.Data[i*3+ri]
		img.Pix[i*4+1] = f.Data[i*3+1]
		img.Pix[i*4+2] = f.Data[i*3+bi]
		img.Pix[i*4+3] = 255
	}
	return img, nil
}
