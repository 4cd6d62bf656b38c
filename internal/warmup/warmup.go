// Package warmup runs the capture source for a fixed period before frames
// are handed to the workers, measuring the real frame rate while cameras
// settle (auto white balance, sensor stabilization, first exposure steps).
package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/e7canasta/frame-acquisition/internal/frame"
)

// stableRatio: a stream is stable when the FPS stddev stays under 15% of the
// mean.
const stableRatio = 0.15

// Stats describes the frame rate observed during warm-up.
type Stats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	IsStable       bool
}

// NextFramer is the part of a frame source warm-up needs.
type NextFramer interface {
	NextFrame(ctx context.Context) (*frame.Frame, error)
}

// Run pulls and discards frames for d. Each frame is passed to observe
// (nil allowed) before being dropped, so an exposure loop can converge during
// warm-up. Frame errors end the warm-up and are returned as is.
func Run(ctx context.Context, src NextFramer, d time.Duration, observe func(*frame.Frame)) (*Stats, error) {
	slog.Info("warmup: starting", "duration", d)

	start := time.Now()
	warmupCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	times := make([]time.Time, 0, 128)
	for {
		f, err := src.NextFrame(warmupCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return nil, fmt.Errorf("warmup: %w", err)
		}
		times = append(times, f.Timestamp)
		if observe != nil {
			observe(f)
		}
		if warmupCtx.Err() != nil {
			break
		}
	}

	elapsed := time.Since(start)
	if len(times) < 2 {
		return nil, fmt.Errorf("warmup: not enough frames (got %d)", len(times))
	}

	stats := Calculate(times, elapsed)

	slog.Info("warmup: complete",
		"frames", stats.FramesReceived,
		"duration", stats.Duration,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"stable", stats.IsStable,
	)
	if !stats.IsStable {
		slog.Warn("warmup: capture rate is unstable", "fps_stddev", stats.FPSStdDev)
	}
	return stats, nil
}

// Calculate derives FPS statistics from frame timestamps. The mean is the
// overall rate (frames / total); spread is measured on instantaneous rates.
func Calculate(times []time.Time, total time.Duration) *Stats {
	n := len(times)
	s := &Stats{FramesReceived: n, Duration: total}
	if n == 0 || total <= 0 {
		return s
	}
	s.FPSMean = float64(n) / total.Seconds()

	inst := make([]float64, 0, n)
	for i := 1; i < n; i++ {
		if dt := times[i].Sub(times[i-1]).Seconds(); dt > 0 {
			inst = append(inst, 1/dt)
		}
	}
	if len(inst) == 0 {
		return s
	}

	s.FPSMin = floats.Min(inst)
	s.FPSMax = floats.Max(inst)
	s.FPSStdDev = stat.PopStdDev(inst, nil)
	s.IsStable = s.FPSStdDev < s.FPSMean*stableRatio
	return s
}
