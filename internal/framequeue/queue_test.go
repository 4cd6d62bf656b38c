package framequeue_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/frame-acquisition/internal/frame"
	"github.com/e7canasta/frame-acquisition/internal/framequeue"
)

func newFrame(seq uint64) *frame.Frame {
	return &frame.Frame{Seq: seq, Data: []byte{byte(seq)}, Width: 1, Height: 1, Channels: 1}
}

func mustQueue(t *testing.T, capacity int, policy framequeue.Policy) *framequeue.Queue {
	t.Helper()
	q, err := framequeue.New(capacity, policy)
	require.NoError(t, err)
	return q
}

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := framequeue.New(0, framequeue.DropOldest)
	assert.Error(t, err)
	_, err = framequeue.New(1, framequeue.Policy(9))
	assert.Error(t, err)
}

// TestDropOldest_LatestOnly: capacity 1, F1..F5 enqueued before any Get,
// first Get returns F5.
func TestDropOldest_LatestOnly(t *testing.T) {
	q := mustQueue(t, 1, framequeue.DropOldest)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Put(ctx, newFrame(i)))
	}

	f, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), f.Seq)

	st := q.Stats()
	assert.Equal(t, uint64(5), st.Put)
	assert.Equal(t, uint64(4), st.Evicted)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, 0, st.Len)
}

func TestDropOldest_FIFOAmongSurvivors(t *testing.T) {
	q := mustQueue(t, 3, framequeue.DropOldest)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Put(ctx, newFrame(i)))
	}

	var got []uint64
	for i := 0; i < 3; i++ {
		f, err := q.Get(ctx)
		require.NoError(t, err)
		got = append(got, f.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)
}

func TestRejectNew_TryPut(t *testing.T) {
	q := mustQueue(t, 2, framequeue.RejectNew)
	require.NoError(t, q.TryPut(newFrame(1)))
	require.NoError(t, q.TryPut(newFrame(2)))
	assert.ErrorIs(t, q.TryPut(newFrame(3)), framequeue.ErrFull)

	f, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq, "queued frames win under reject_new")
	assert.Equal(t, uint64(1), q.Stats().Rejected)
}

func TestRejectNew_PutBlocksUntilSpace(t *testing.T) {
	q := mustQueue(t, 1, framequeue.RejectNew)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, newFrame(1)))

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, newFrame(2)) }()

	select {
	case <-done:
		t.Fatal("Put returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	f, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock after Get")
	}
	assert.Equal(t, 1, q.Len())
}

func TestRejectNew_PutCancelled(t *testing.T) {
	q := mustQueue(t, 1, framequeue.RejectNew)
	require.NoError(t, q.Put(context.Background(), newFrame(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Put(ctx, newFrame(2))
	assert.ErrorIs(t, err, framequeue.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestGet_BlocksUntilPut(t *testing.T) {
	q := mustQueue(t, 1, framequeue.DropOldest)
	got := make(chan uint64, 1)
	go func() {
		f, err := q.Get(context.Background())
		if err == nil {
			got <- f.Seq
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Put(context.Background(), newFrame(42)))

	select {
	case seq := <-got:
		assert.Equal(t, uint64(42), seq)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake on Put")
	}
}

func TestGet_CancelUnblocks(t *testing.T) {
	q := mustQueue(t, 1, framequeue.DropOldest)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, framequeue.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake on cancel")
	}
}

func TestClose_DrainsThenErrClosed(t *testing.T) {
	q := mustQueue(t, 2, framequeue.DropOldest)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, newFrame(1)))
	q.Close()
	q.Close() // idempotent

	assert.ErrorIs(t, q.Put(ctx, newFrame(2)), framequeue.ErrClosed)
	assert.ErrorIs(t, q.TryPut(newFrame(2)), framequeue.ErrClosed)

	f, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	_, err = q.Get(ctx)
	assert.ErrorIs(t, err, framequeue.ErrClosed)
}

func TestClose_WakesAllWaiters(t *testing.T) {
	q := mustQueue(t, 1, framequeue.DropOldest)
	const waiters = 4

	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Get(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, framequeue.ErrClosed)
	}
}

// TestCapacityNeverExceeded interleaves one producer and several consumers and
// checks the length bound, per-consumer ordering and that no frame reaches
// two consumers.
func TestCapacityNeverExceeded(t *testing.T) {
	for _, policy := range []framequeue.Policy{framequeue.DropOldest, framequeue.RejectNew} {
		for _, capacity := range []int{1, 3, 8} {
			t.Run(policy.String(), func(t *testing.T) {
				q := mustQueue(t, capacity, policy)
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				const consumers = 3
				var wg sync.WaitGroup
				seen := make([][]uint64, consumers)
				for c := 0; c < consumers; c++ {
					wg.Add(1)
					go func(c int) {
						defer wg.Done()
						for {
							f, err := q.Get(ctx)
							if err != nil {
								return
							}
							seen[c] = append(seen[c], f.Seq)
							if n := q.Len(); n > capacity {
								t.Errorf("len %d > cap %d", n, capacity)
							}
						}
					}(c)
				}

				rng := rand.New(rand.NewSource(1))
				for i := uint64(1); i <= 2000; i++ {
					if policy == framequeue.RejectNew {
						err := q.TryPut(newFrame(i))
						if err != nil && !errors.Is(err, framequeue.ErrFull) {
							t.Fatalf("TryPut: %v", err)
						}
					} else {
						require.NoError(t, q.Put(ctx, newFrame(i)))
					}
					if n := q.Len(); n > capacity {
						t.Fatalf("len %d > cap %d", n, capacity)
					}
					if rng.Intn(10) == 0 {
						time.Sleep(time.Microsecond)
					}
				}
				q.Close()
				wg.Wait()

				st := q.Stats()
				assert.LessOrEqual(t, st.HighWater, capacity)
				assert.Equal(t, st.Put, st.Delivered+st.Evicted)

				delivered := 0
				owner := make(map[uint64]int)
				for c, s := range seen {
					delivered += len(s)
					for i := 1; i < len(s); i++ {
						assert.Less(t, s[i-1], s[i], "consumer saw frames out of order")
					}
					for _, seq := range s {
						if prev, dup := owner[seq]; dup {
							t.Errorf("frame %d delivered to consumers %d and %d", seq, prev, c)
						}
						owner[seq] = c
					}
				}
				assert.Equal(t, int(st.Delivered), delivered)
				assert.Len(t, owner, delivered)
			})
		}
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := framequeue.ParsePolicy("reject_new")
	require.NoError(t, err)
	assert.Equal(t, framequeue.RejectNew, p)

	p, err = framequeue.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, framequeue.DropOldest, p)

	_, err = framequeue.ParsePolicy("lifo")
	assert.Error(t, err)
}
