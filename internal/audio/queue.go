package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DropFunc is called from the enqueuing goroutine whenever a chunk is
// rejected because the queue is full. total is the running drop count.
type DropFunc func(dropped Chunk, total uint64)

// Queue is a fixed-capacity FIFO of audio chunks shared by one producer side
// and one consumer. Enqueue never blocks: a chunk that would exceed capacity
// is dropped and the chunks already queued are kept.
type Queue struct {
	items     chan Chunk
	closed    chan struct{}
	closeOnce sync.Once
	onDrop    DropFunc

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// QueueStats represents queue statistics for monitoring
type QueueStats struct {
	Capacity int    `json:"capacity"`
	Length   int    `json:"length"`
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Closed   bool   `json:"closed"`
}

// NewQueue creates a queue holding at most capacity chunks
func NewQueue(capacity int, onDrop DropFunc) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be at least 1, got %d", capacity)
	}

	return &Queue{
		items:  make(chan Chunk, capacity),
		closed: make(chan struct{}),
		onDrop: onDrop,
	}, nil
}

// Enqueue appends chunk without blocking. It returns false when the chunk was
// dropped, either because the queue is full or because it has been closed.
func (q *Queue) Enqueue(chunk Chunk) bool {
	if q.IsClosed() {
		q.drop(chunk)
		return false
	}

	select {
	case q.items <- chunk:
		q.enqueued.Add(1)
		return true
	default:
		q.drop(chunk)
		return false
	}
}

func (q *Queue) drop(chunk Chunk) {
	total := q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop(chunk, total)
	}
}

// Dequeue returns the oldest chunk, waiting at most timeout for one to arrive.
// ok is false when nothing was available in time. After Close, Dequeue stops
// waiting and only hands out what is still buffered.
func (q *Queue) Dequeue(timeout time.Duration) (Chunk, bool) {
	select {
	case chunk := <-q.items:
		return chunk, true
	default:
	}

	if q.IsClosed() || timeout <= 0 {
		return Chunk{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk := <-q.items:
		return chunk, true
	case <-q.closed:
		select {
		case chunk := <-q.items:
			return chunk, true
		default:
			return Chunk{}, false
		}
	case <-timer.C:
		return Chunk{}, false
	}
}

// Close stops accepting chunks and wakes a waiting Dequeue. Buffered chunks
// remain available for draining. Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// IsClosed reports whether Close has been called
func (q *Queue) IsClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered chunks
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the fixed capacity
func (q *Queue) Cap() int {
	return cap(q.items)
}

// Dropped returns the number of chunks rejected so far
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// GetStats returns current queue statistics
func (q *Queue) GetStats() QueueStats {
	return QueueStats{
		Capacity: q.Cap(),
		Length:   q.Len(),
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Closed:   q.IsClosed(),
	}
}
