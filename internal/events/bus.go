package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed          = errors.New("events: bus is closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
)

// DefaultBuffer is the per-subscriber queue length when Subscribe gets 0.
const DefaultBuffer = 64

// deliverTimeout bounds one Emit on a subscriber's sink.
const deliverTimeout = 2 * time.Second

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
	Failed  uint64
}

type subscriber struct {
	id    string
	sink  Sink
	ch    chan Event
	stats SubscriberStats
}

// Bus fans events out to several sinks without ever blocking the emitter.
//
// Each subscriber gets its own buffered queue and delivery goroutine. When a
// subscriber's queue is full the event is dropped for that subscriber only
// and counted. A slow broker never stalls the capture loop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   uint64
	closed      bool
	wg          sync.WaitGroup
	log         *slog.Logger
}

var _ Sink = (*Bus)(nil)

// NewBus returns an empty bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subscribers: make(map[string]*subscriber), log: logger}
}

// Subscribe registers sink under id with a queue of buffer events.
func (b *Bus) Subscribe(id string, sink Sink, buffer int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	s := &subscriber{id: id, sink: sink, ch: make(chan Event, buffer)}
	b.subscribers[id] = s
	b.wg.Add(1)
	go b.deliver(s)
	return nil
}

func (b *Bus) deliver(s *subscriber) {
	defer b.wg.Done()
	for ev := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := s.sink.Emit(ctx, ev)
		cancel()
		if err != nil {
			atomic.AddUint64(&s.stats.Failed, 1)
			b.log.Debug("events: delivery failed", "subscriber", s.id, "type", ev.Type, "error", err)
			continue
		}
		atomic.AddUint64(&s.stats.Sent, 1)
	}
}

// Emit implements Sink. It never blocks; ctx is ignored. Events emitted
// after Close are discarded.
func (b *Bus) Emit(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	atomic.AddUint64(&b.published, 1)

	for _, s := range b.subscribers {
		select {
		case s.ch <- ev:
		default:
			atomic.AddUint64(&s.stats.Dropped, 1)
		}
	}
	return nil
}

// Stats returns the counters of one subscriber.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.subscribers[id]
	if !ok {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&s.stats.Sent),
		Dropped: atomic.LoadUint64(&s.stats.Dropped),
		Failed:  atomic.LoadUint64(&s.stats.Failed),
	}, nil
}

// Published returns the number of events accepted by Emit.
func (b *Bus) Published() uint64 {
	return atomic.LoadUint64(&b.published)
}

// Close stops accepting events and waits until every queued event has been
// handed to its sink. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subscribers {
		close(s.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
