// Package framequeue implements the bounded hand-off between the capture
// producer and the persistence workers.
//
// Philosophy: "Freshness over completeness."
//
// The queue holds at most Cap() frames. When it is full, the configured
// Policy decides who loses: DropOldest evicts the head (the camera's
// "NewestOnly" buffer mode), RejectNew refuses the incoming frame. Frame loss
// under slow consumers is the accepted trade-off; unbounded growth is not.
//
// Blocking uses sync.Cond, never sleep-and-recheck polling.
package framequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/frame-acquisition/internal/frame"
)

var (
	// ErrClosed is returned by Put after Close, and by Get once the queue is
	// closed and drained.
	ErrClosed = errors.New("framequeue: closed")

	// ErrCancelled is returned when the caller's context ends while parked.
	// Expected during shutdown, not a failure.
	ErrCancelled = errors.New("framequeue: cancelled")

	// ErrFull is returned by TryPut under RejectNew when no slot is free.
	ErrFull = errors.New("framequeue: full")
)

// Policy is the overflow behavior applied when Put meets a full queue.
type Policy int

const (
	// DropOldest evicts the least recently enqueued frame, then inserts.
	DropOldest Policy = iota
	// RejectNew keeps the queued frames and refuses the incoming one.
	RejectNew
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case RejectNew:
		return "reject_new"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a config value onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop_oldest", "drop-oldest", "":
		return DropOldest, nil
	case "reject_new", "reject-new":
		return RejectNew, nil
	default:
		return DropOldest, fmt.Errorf("framequeue: unknown overflow policy %q", s)
	}
}

// Queue is a bounded FIFO of frames with an explicit overflow policy.
//
// Thread-safety:
//   - one producer and any number of consumers may call Put/Get concurrently
//   - every state transition (size check, evict, insert / size check, remove)
//     runs under mu, so no caller ever observes Len() > Cap()
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond // Get waiters
	notFull  *sync.Cond // blocking Put waiters (RejectNew only)

	buf    []*frame.Frame // ring buffer, len == capacity
	head   int            // index of oldest frame
	count  int
	policy Policy
	closed bool

	stats Stats
}

// New creates a queue holding at most capacity frames.
func New(capacity int, policy Policy) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("framequeue: capacity must be >= 1, got %d", capacity)
	}
	if policy != DropOldest && policy != RejectNew {
		return nil, fmt.Errorf("framequeue: invalid policy %v", policy)
	}
	q := &Queue{
		buf:    make([]*frame.Frame, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q, nil
}

// Put enqueues f.
//
// Below capacity the frame is appended. At capacity:
//   - DropOldest: the head is evicted and f appended; never blocks
//   - RejectNew: blocks until a slot frees up, ctx ends (ErrCancelled) or the
//     queue closes (ErrClosed)
//
// Contract: f MUST NOT be modified after Put returns nil.
func (q *Queue) Put(ctx context.Context, f *frame.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if q.count == len(q.buf) && q.policy == RejectNew {
		stop := context.AfterFunc(ctx, q.wakeAll)
		defer stop()

		for q.count == len(q.buf) && !q.closed && ctx.Err() == nil {
			q.notFull.Wait()
		}
		if q.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}

	q.insertLocked(f)
	return nil
}

// TryPut enqueues f without blocking. Under RejectNew a full queue returns
// ErrFull and f is dropped; under DropOldest it behaves like Put.
func (q *Queue) TryPut(f *frame.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.count == len(q.buf) && q.policy == RejectNew {
		q.stats.Rejected++
		return ErrFull
	}
	q.insertLocked(f)
	return nil
}

// insertLocked appends f, evicting the head when full. Caller holds mu.
func (q *Queue) insertLocked(f *frame.Frame) {
	if q.count == len(q.buf) {
		// Only reachable under DropOldest.
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.stats.Evicted++
	}

	tail := (q.head + q.count) % len(q.buf)
	q.buf[tail] = f
	q.count++
	q.stats.Put++
	if q.count > q.stats.HighWater {
		q.stats.HighWater = q.count
	}

	q.notEmpty.Signal()
}

// Get removes and returns the oldest frame, blocking while the queue is empty.
//
// Returns:
//   - ErrCancelled (wrapping ctx.Err()) if ctx ends while waiting
//   - ErrClosed once the queue is closed and every frame has been delivered
func (q *Queue) Get(ctx context.Context) (*frame.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 && !q.closed {
		stop := context.AfterFunc(ctx, q.wakeAll)
		defer stop()

		for q.count == 0 && !q.closed && ctx.Err() == nil {
			q.notEmpty.Wait()
		}
	}

	if q.count == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	f := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.stats.Delivered++

	q.notFull.Signal()
	return f, nil
}

// Close stops accepting frames and wakes every parked caller. Frames already
// queued can still be drained with Get. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// wakeAll is the context.AfterFunc hook: waiters re-check ctx.Err() on wake.
func (q *Queue) wakeAll() {
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Policy returns the overflow policy.
func (q *Queue) Policy() Policy { return q.policy }
