package persist

import (
	"fmt"
	"sync"
	"time"
)

// Keyer names persisted frames after the wall-clock millisecond at which
// they were written: "<millis>.png", or "<millis>_w<worker>.png" when
// several workers share one destination.
//
// Milliseconds are strictly increasing per Keyer. Two writes in the same
// millisecond would otherwise overwrite each other, so a collision bumps the
// value by one.
type Keyer struct {
	ext        string
	worker     int
	withWorker bool
	now        func() time.Time

	mu   sync.Mutex
	last int64
}

// NewKeyer returns a keyer for one worker. withWorker adds the worker suffix.
func NewKeyer(ext string, worker int, withWorker bool) *Keyer {
	return &Keyer{ext: ext, worker: worker, withWorker: withWorker, now: time.Now}
}

// Next returns the next key.
func (k *Keyer) Next() string {
	k.mu.Lock()
	ms := k.now().UnixMilli()
	if ms <= k.last {
		ms = k.last + 1
	}
	k.last = ms
	k.mu.Unlock()

	if k.withWorker {
		return fmt.Sprintf("%d_w%d%s", ms, k.worker, k.ext)
	}
	return fmt.Sprintf("%d%s", ms, k.ext)
}
