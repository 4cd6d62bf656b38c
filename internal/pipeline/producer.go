package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/e7canasta/frame-acquisition/internal/events"
	"github.com/e7canasta/frame-acquisition/internal/exposure"
	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/framequeue"
	"github.com/e7canasta/frame-acquisition/internal/source"
	"github.com/e7canasta/frame-acquisition/internal/warmup"
)

// produce is the capture loop. It returns nil on a requested stop or a clean
// end of stream, and a "producer:"-prefixed error when capture cannot go on.
func (p *Pipeline) produce(ctx context.Context) error {
	if p.cfg.Warmup > 0 {
		stats, err := warmup.Run(ctx, p.deps.Source, p.cfg.Warmup, func(f *frame.Frame) {
			frame.WithBrightness(f)
			p.adjust(f)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, source.ErrEndOfStream) {
				p.log.Info("pipeline: end of stream during warmup")
				return nil
			}
			return fmt.Errorf("producer: %w: warmup: %w", ErrDeviceUnavailable, err)
		}
		p.mu.Lock()
		p.warmup = stats
		p.mu.Unlock()
		p.emit(events.TypeWarmupComplete, map[string]any{
			"frames":   stats.FramesReceived,
			"fps_mean": stats.FPSMean,
			"stable":   stats.IsStable,
		})
	}

	var seq uint64
	for {
		if ctx.Err() != nil {
			return nil
		}

		f, err := p.deps.Source.NextFrame(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, source.ErrEndOfStream):
				p.log.Info("pipeline: end of stream", "captured", seq)
				return nil
			case errors.Is(err, source.ErrTimeout):
				n := p.timeouts.Add(1)
				p.log.Warn("pipeline: capture timeout, retrying", "error", err, "timeouts", n)
				continue
			default:
				return fmt.Errorf("producer: %w: %w", ErrDeviceUnavailable, err)
			}
		}

		seq++
		f.Seq = seq
		p.captured.Add(1)

		frame.WithBrightness(f)
		p.adjust(f)

		if err := p.enqueue(ctx, f); err != nil {
			if errors.Is(err, framequeue.ErrClosed) || errors.Is(err, framequeue.ErrCancelled) {
				return nil
			}
			return fmt.Errorf("producer: enqueue: %w", err)
		}
	}
}

// adjust stamps the exposure in effect at capture and runs one control step.
// Controller errors never stop capture.
func (p *Pipeline) adjust(f *frame.Frame) {
	ctrl := p.deps.Exposure
	if ctrl == nil {
		return
	}
	f.Exposure = ctrl.Current()

	d, err := ctrl.Adjust(f.Brightness)
	switch {
	case err == nil:
		if d.Applied() {
			p.log.Debug("exposure: adjusted",
				"seq", f.Seq,
				"brightness", f.Brightness,
				"direction", d.Direction.String(),
				"from", d.Previous,
				"to", d.Current,
			)
		}
	case errors.Is(err, exposure.ErrBrightnessUnreachable):
		p.unreachable.Add(1)
		st := ctrl.State()
		p.log.Warn("exposure: target brightness unreachable",
			"brightness", f.Brightness,
			"target", st.Target,
			"exposure", st.Current,
			"pinned", st.PinnedCount,
		)
		p.emit(events.TypeExposureUnreachable, map[string]any{
			"brightness": f.Brightness,
			"target":     st.Target,
			"exposure":   st.Current,
			"min":        st.Min,
			"max":        st.Max,
		})
	default:
		p.adjustErrors.Add(1)
		p.log.Warn("exposure: adjust failed", "seq", f.Seq, "error", err)
	}
}

func (p *Pipeline) enqueue(ctx context.Context, f *frame.Frame) error {
	q := p.deps.Queue
	if p.cfg.RejectBlocks {
		return q.Put(ctx, f)
	}
	err := q.TryPut(f)
	if errors.Is(err, framequeue.ErrFull) {
		p.dropped.Add(1)
		p.log.Debug("pipeline: queue full, frame dropped", "seq", f.Seq)
		return nil
	}
	return err
}
