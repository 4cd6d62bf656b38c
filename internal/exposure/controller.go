// Package exposure closes the loop between measured frame brightness and the
// camera's exposure-time register.
//
// The controller is a single-step sign controller, not a PID: each call to
// Adjust moves exposure by at most one Step toward the dead-band around the
// target. Brightness estimates are noisy, and the caller re-evaluates on every
// frame, so convergence is spread over many frames.
//
// Direction: an under-exposed frame (too dark) gets a longer exposure, an
// over-exposed frame gets a shorter one.
package exposure

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Hardware is the exposure register of a camera.
//
// Implementations: v4l2source.Device, source.Synthetic.
type Hardware interface {
	// ExposureBounds returns the writable range in device units.
	ExposureBounds() (min, max float64, err error)

	// Exposure returns the current register value.
	Exposure() (float64, error)

	// SetExposure writes the register. Errors wrap ErrExposureNotWritable or
	// ErrExposureOutOfRange.
	SetExposure(v float64) error
}

// Step profiles observed on real rigs: fine for short-exposure sensors tuned
// in small increments, coarse for microsecond-unit registers.
const (
	StepFine   = 8.0
	StepCoarse = 200.0
)

// StepForProfile maps a profile name onto its step size.
func StepForProfile(profile string) (float64, error) {
	switch profile {
	case "fine":
		return StepFine, nil
	case "coarse", "":
		return StepCoarse, nil
	default:
		return 0, fmt.Errorf("exposure: unknown step profile %q", profile)
	}
}

// Config holds the control-loop parameters.
type Config struct {
	// Target is the brightness setpoint on the 0-255 scale.
	Target float64
	// DeadBand is the half-width of the no-adjust window around Target.
	DeadBand float64
	// Step is the exposure change per adjustment, in device units.
	Step float64
	// Initial is written once at construction (clamped). Zero keeps the
	// register's current value.
	Initial float64
	// Patience is the number of consecutive saturated evaluations before
	// ErrBrightnessUnreachable is reported. Zero disables the report.
	Patience int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the defaults used across the capture rigs.
func DefaultConfig() Config {
	return Config{
		Target:   127,
		DeadBand: 5,
		Step:     StepCoarse,
		Initial:  20000,
		Patience: 10,
	}
}

// Validate checks the parameters that do not depend on hardware.
func (c Config) Validate() error {
	if c.Target < 0 || c.Target > 255 {
		return fmt.Errorf("exposure: target brightness %.1f outside 0-255", c.Target)
	}
	if c.DeadBand < 0 {
		return fmt.Errorf("exposure: dead band must be >= 0, got %.1f", c.DeadBand)
	}
	if c.Step <= 0 {
		return fmt.Errorf("exposure: step must be > 0, got %.1f", c.Step)
	}
	if c.Patience < 0 {
		return fmt.Errorf("exposure: patience must be >= 0, got %d", c.Patience)
	}
	return nil
}

// Direction of a proposed adjustment.
type Direction int

const (
	Hold Direction = iota
	Increase
	Decrease
)

func (d Direction) String() string {
	switch d {
	case Increase:
		return "increase"
	case Decrease:
		return "decrease"
	default:
		return "hold"
	}
}

// Delta describes the outcome of one Adjust call.
type Delta struct {
	Direction Direction
	// Previous and Current are the exposure before and after the call.
	Previous float64
	Current  float64
	// Converged is true when brightness was inside the dead-band.
	Converged bool
	// Saturated is true when movement was requested past a bound.
	Saturated bool
}

// Applied reports whether the register was written.
func (d Delta) Applied() bool { return d.Current != d.Previous }

// State is a snapshot of the controller.
type State struct {
	Current     float64
	Min         float64
	Max         float64
	Target      float64
	DeadBand    float64
	Step        float64
	PinnedCount int
}

// Controller adjusts exposure from brightness feedback.
//
// Thread-safety: Adjust is called by the producer goroutine; State may be
// called from anywhere.
type Controller struct {
	hw  Hardware
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	current float64
	min     float64
	max     float64
	pinned  int // consecutive saturated evaluations
}

// New queries the bounds once, writes the clamped initial exposure and
// returns a ready controller.
//
// Returns ErrInvalidBounds if min > max. Write failures at this stage are
// fatal and returned wrapped.
func New(hw Hardware, cfg Config) (*Controller, error) {
	if hw == nil {
		return nil, fmt.Errorf("exposure: hardware is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lo, hi, err := hw.ExposureBounds()
	if err != nil {
		return nil, fmt.Errorf("exposure: query bounds: %w", err)
	}
	if lo > hi {
		return nil, fmt.Errorf("%w: min %.1f > max %.1f", ErrInvalidBounds, lo, hi)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{hw: hw, cfg: cfg, log: log, min: lo, max: hi}

	if cfg.Initial == 0 {
		cur, err := hw.Exposure()
		if err != nil {
			return nil, fmt.Errorf("exposure: read current exposure: %w", err)
		}
		c.current = clamp(cur, lo, hi)
	} else {
		c.current = clamp(cfg.Initial, lo, hi)
	}

	if err := hw.SetExposure(c.current); err != nil {
		return nil, fmt.Errorf("exposure: set initial exposure %.1f: %w", c.current, err)
	}

	c.log.Info("exposure: controller ready",
		"exposure", c.current,
		"min", lo,
		"max", hi,
		"target", cfg.Target,
		"dead_band", cfg.DeadBand,
		"step", cfg.Step,
	)

	return c, nil
}

// Adjust evaluates one brightness reading and writes the new exposure if a
// move is needed.
//
// Errors:
//   - ErrBrightnessUnreachable (non-fatal) after Patience consecutive
//     saturated evaluations, then every Patience evaluations while pinned
//   - hardware errors other than out-of-range; the controller state is left
//     unchanged
func (c *Controller) Adjust(brightness float64) (Delta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := Delta{Previous: c.current, Current: c.current}

	switch {
	case brightness < c.cfg.Target-c.cfg.DeadBand:
		d.Direction = Increase
	case brightness > c.cfg.Target+c.cfg.DeadBand:
		d.Direction = Decrease
	default:
		d.Converged = true
		c.pinned = 0
		return d, nil
	}

	proposed := c.current + c.cfg.Step
	if d.Direction == Decrease {
		proposed = c.current - c.cfg.Step
	}
	proposed = clamp(proposed, c.min, c.max)

	if proposed == c.current {
		d.Saturated = true
		c.pinned++
		if c.cfg.Patience > 0 && c.pinned%c.cfg.Patience == 0 {
			return d, fmt.Errorf("%w: brightness %.1f, target %.1f±%.1f, exposure pinned at %.1f for %d frames",
				ErrBrightnessUnreachable, brightness, c.cfg.Target, c.cfg.DeadBand, c.current, c.pinned)
		}
		return d, nil
	}

	written, err := c.write(proposed)
	if err != nil {
		return d, err
	}

	c.current = written
	c.pinned = 0
	d.Current = written
	return d, nil
}

// write sets v on the hardware. An out-of-range rejection refreshes the bounds
// and retries once with the value clamped into the new range. Caller holds mu.
func (c *Controller) write(v float64) (float64, error) {
	err := c.hw.SetExposure(v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrExposureOutOfRange) {
		return 0, fmt.Errorf("exposure: set %.1f: %w", v, err)
	}

	lo, hi, berr := c.hw.ExposureBounds()
	if berr != nil || lo > hi {
		return 0, fmt.Errorf("exposure: set %.1f: %w", v, err)
	}
	c.min, c.max = lo, hi
	clamped := clamp(v, lo, hi)

	c.log.Warn("exposure: value rejected, clamping to refreshed bounds",
		"requested", v,
		"clamped", clamped,
		"min", lo,
		"max", hi,
	)

	if err := c.hw.SetExposure(clamped); err != nil {
		return 0, fmt.Errorf("exposure: set %.1f after clamp: %w", clamped, err)
	}
	return clamped, nil
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Current:     c.current,
		Min:         c.min,
		Max:         c.max,
		Target:      c.cfg.Target,
		DeadBand:    c.cfg.DeadBand,
		Step:        c.cfg.Step,
		PinnedCount: c.pinned,
	}
}

// Current returns the exposure value last written.
func (c *Controller) Current() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
