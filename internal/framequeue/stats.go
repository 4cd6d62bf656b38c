package framequeue

// Stats is a snapshot of queue counters.
type Stats struct {
	// Put counts frames accepted into the queue.
	Put uint64

	// Delivered counts frames handed to a consumer by Get.
	Delivered uint64

	// Evicted counts frames dropped by DropOldest to make room.
	// Non-zero means the consumers are slower than the camera, which is
	// expected for capacity 1.
	Evicted uint64

	// Rejected counts frames refused by TryPut under RejectNew.
	Rejected uint64

	// Len is the queue length at snapshot time.
	Len int

	// HighWater is the largest length ever observed. Never exceeds capacity.
	HighWater int
}

// Stats returns a consistent snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Len = q.count
	return s
}
