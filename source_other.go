//go:build !linux

package acquisition

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/frame-acquisition/internal/config"
	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/source"
	"github.com/e7canasta/frame-acquisition/internal/source/gstsource"
)

// newSource builds the configured source. V4L2 is Linux only.
func newSource(cfg config.SourceConfig, log *slog.Logger) (source.FrameSource, exposure.Hardware, error) {
	format, err := frame.ParsePixelFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Kind {
	case "synthetic":
		s, err := newSyntheticSource(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "gstreamer":
		s, err := gstsource.New(gstsource.Config{
			Launch:       cfg.Launch,
			Device:       cfg.Device,
			Width:        cfg.Width,
			Height:       cfg.Height,
			Format:       format,
			FrameTimeout: cfg.FrameTimeout,
			Logger:       log,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("source kind %q is not supported on this platform", cfg.Kind)
	}
}
