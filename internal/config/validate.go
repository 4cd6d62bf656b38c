package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/framequeue"
	"github.com/e7canasta/frame-acquisition/internal/persist"
)

var sourceKinds = map[string]bool{
	"synthetic": true,
	"gstreamer": true,
	"v4l2":      true,
}

// Validate checks every section and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// source
	if !sourceKinds[c.Source.Kind] {
		add("source.kind %q must be synthetic, gstreamer or v4l2", c.Source.Kind)
	}
	if c.Source.Width <= 0 || c.Source.Height <= 0 {
		add("source.width and source.height must be > 0")
	}
	if _, err := frame.ParsePixelFormat(c.Source.Format); err != nil {
		add("source.format: %w", err)
	}
	if c.Source.FPS < 0 {
		add("source.fps must be >= 0")
	}
	if c.Source.Kind == "v4l2" && c.Source.Device == "" {
		add("source.device is required for v4l2")
	}

	// exposure
	if c.Exposure.Enabled {
		if _, err := c.Exposure.ControllerConfig(); err != nil {
			add("exposure: %w", err)
		}
	}

	// queue
	if c.Queue.Capacity < 1 {
		add("queue.capacity must be >= 1, got %d", c.Queue.Capacity)
	}
	if _, err := framequeue.ParsePolicy(c.Queue.OverflowPolicy); err != nil {
		add("queue.overflow_policy: %w", err)
	}

	// persist
	p := c.Persist
	if p.Workers < 1 {
		add("persist.workers must be >= 1, got %d", p.Workers)
	}
	if p.EveryNth < 1 {
		add("persist.every_nth must be >= 1, got %d", p.EveryNth)
	}
	if _, err := persist.ParseSampling(p.Sampling); err != nil {
		add("persist.sampling: %w", err)
	}
	if _, err := persist.NewEncoder(p.Format, p.JPEGQuality); err != nil {
		add("persist.format: %w", err)
	}
	switch p.Storage {
	case "dir":
		if p.Dir == "" {
			add("persist.dir is required for dir storage")
		}
	case "minio":
		if p.Minio.Endpoint == "" || p.Minio.Bucket == "" {
			add("persist.minio.endpoint and persist.minio.bucket are required for minio storage")
		}
	default:
		add("persist.storage %q must be dir or minio", p.Storage)
	}

	// pipeline
	if c.Pipeline.GracePeriod < 0 || c.Pipeline.Warmup < 0 || c.Pipeline.StatsInterval < 0 {
		add("pipeline durations must be >= 0")
	}

	// events
	if c.Events.QoS > 2 {
		add("events.qos must be 0, 1 or 2, got %d", c.Events.QoS)
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		add("log_format %q must be text or json", c.LogFormat)
	}

	return errors.Join(errs...)
}

// ControllerConfig converts the exposure section. Step overrides Profile
// when positive.
func (e ExposureConfig) ControllerConfig() (exposure.Config, error) {
	step := e.Step
	if step <= 0 {
		s, err := exposure.StepForProfile(e.Profile)
		if err != nil {
			return exposure.Config{}, err
		}
		step = s
	}
	cfg := exposure.Config{
		Target:   e.TargetBrightness,
		DeadBand: e.DeadBand,
		Step:     step,
		Initial:  e.Initial,
		Patience: e.Patience,
	}
	return cfg, cfg.Validate()
}
