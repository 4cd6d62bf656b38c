package events

import (
	"context"

	"github.com/e7canasta/frame-acquisition/internal/persist"
)

// FrameRecorder turns persisted-frame records into frame_persisted events.
type FrameRecorder struct {
	Sink  Sink
	RunID string
}

var _ persist.Recorder = FrameRecorder{}

func (r FrameRecorder) Record(ctx context.Context, rec persist.Record) error {
	return r.Sink.Emit(ctx, New(TypeFramePersisted, r.RunID, map[string]any{
		"key":        rec.Key,
		"worker":     rec.Worker,
		"seq":        rec.Seq,
		"counter":    rec.Counter,
		"exposure":   rec.Exposure,
		"brightness": rec.Brightness,
		"bytes":      rec.Bytes,
		"captured":   rec.Captured,
	}))
}
