// Package framequeue is the bounded hand-off between a capture loop and its consumer.
//
// Push never blocks: when the queue is full the oldest frame is evicted and the
// drop counter is incremented. The queue is intended for a single producer and a
// single consumer.
package framequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/metrics"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("framequeue: closed")

// DefaultBuffered is how much audio a default-sized queue holds.
const DefaultBuffered = 2 * time.Second

type Queue struct {
	mu     sync.Mutex
	buf    []frames.AudioFrame
	head   int
	count  int
	closed bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	dropped atomic.Uint64
	pushed  atomic.Uint64
	obs     metrics.Observer
	tags    map[string]string
}

type Option func(*Queue)

// WithObserver reports every eviction as a framequeue_drop event. Push runs in
// the capture loop, so obs should not block (see metrics.AsyncObserver).
func WithObserver(obs metrics.Observer, streamID string) Option {
	return func(q *Queue) {
		q.obs = obs
		q.tags = map[string]string{frames.MetaStreamID: streamID}
	}
}

func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		buf:    make([]frames.AudioFrame, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// DefaultCapacity sizes a queue for DefaultBuffered of audio at the given block length.
func DefaultCapacity(block time.Duration) int {
	return CapacityFor(DefaultBuffered, block)
}

// CapacityFor returns how many blocks of length block fit in d, at least one.
func CapacityFor(d, block time.Duration) int {
	if block <= 0 || d <= 0 {
		return 1
	}
	n := int((d + block - 1) / block)
	if n < 1 {
		n = 1
	}
	return n
}

// Push enqueues f and reports whether an older frame had to be evicted.
// Frames pushed after Close are discarded.
func (q *Queue) Push(f frames.AudioFrame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	evicted := false
	if q.count == len(q.buf) {
		q.buf[q.head] = frames.AudioFrame{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		evicted = true
	}
	q.buf[(q.head+q.count)%len(q.buf)] = f
	q.count++
	q.mu.Unlock()

	q.pushed.Add(1)
	if evicted {
		q.dropped.Add(1)
		if q.obs != nil {
			metrics.Record(q.obs, metrics.EventQueueDrop, 1, q.tags, nil)
		}
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop blocks until a frame is available, the queue is closed and drained
// (ErrClosed), or ctx is done.
func (q *Queue) Pop(ctx context.Context) (frames.AudioFrame, error) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			f := q.buf[q.head]
			q.buf[q.head] = frames.AudioFrame{}
			q.head = (q.head + 1) % len(q.buf)
			q.count--
			q.mu.Unlock()
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return frames.AudioFrame{}, ErrClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return frames.AudioFrame{}, ctx.Err()
		}
	}
}

// Close wakes all waiters. Buffered frames stay poppable until drained.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Queue) Cap() int { return len(q.buf) }

// Dropped is the number of frames evicted so far. It never decreases.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Pushed is the number of frames accepted so far, evicted ones included.
func (q *Queue) Pushed() uint64 { return q.pushed.Load() }
