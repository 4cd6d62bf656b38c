//go:build linux

package acquisition

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/frame-acquisition/internal/config"
	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/source"
	"github.com/e7canasta/frame-acquisition/internal/source/gstsource"
	"github.com/e7canasta/frame-acquisition/internal/source/v4l2source"
)

// newSource builds the configured source. hw is nil when the source cannot
// drive exposure.
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
	case "v4l2":
		s, err := v4l2source.New(v4l2source.Config{
			Device:       cfg.Device,
			Width:        cfg.Width,
			Height:       cfg.Height,
			FPS:          int(cfg.FPS),
			FrameTimeout: cfg.FrameTimeout,
			Mono:         format == frame.Mono8,
			Logger:       log,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
