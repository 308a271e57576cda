package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// PushDevice is a Device fed by a network gateway. Write never blocks: when the
// buffer is full the chunk is dropped and the next block reports StatusInputOverflow.
// Write and End must be called from a single producer goroutine.
type PushDevice struct {
	chunks  chan []int16
	pending []int16
	status  atomic.Uint32

	ended     chan struct{}
	endOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPushDevice buffers up to depth chunks.
func NewPushDevice(depth int) *PushDevice {
	if depth <= 0 {
		depth = 64
	}
	return &PushDevice{
		chunks: make(chan []int16, depth),
		ended:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (d *PushDevice) Open(context.Context) error {
	select {
	case <-d.closed:
		return errors.New("push device closed")
	default:
		return nil
	}
}

// Write queues samples for capture. It reports false when the chunk was dropped.
func (d *PushDevice) Write(samples []int16) bool {
	if len(samples) == 0 {
		return true
	}
	select {
	case <-d.ended:
		return false
	case <-d.closed:
		return false
	default:
	}
	select {
	case d.chunks <- samples:
		return true
	default:
		d.Flag(StatusInputOverflow)
		return false
	}
}

// Flag raises status flags on the next block read.
func (d *PushDevice) Flag(s Status) {
	for {
		old := d.status.Load()
		if d.status.CompareAndSwap(old, old|uint32(s)) {
			return
		}
	}
}

// End marks the end of input. Buffered samples are still delivered.
func (d *PushDevice) End() {
	d.endOnce.Do(func() { close(d.ended) })
}

func (d *PushDevice) ReadBlock(buf []int16) (Status, error) {
	filled := copy(buf, d.pending)
	d.pending = d.pending[filled:]
	for filled < len(buf) {
		select {
		case chunk := <-d.chunks:
			filled += d.take(buf[filled:], chunk)
		case <-d.closed:
			return 0, io.EOF
		case <-d.ended:
			for filled < len(buf) {
				select {
				case chunk := <-d.chunks:
					filled += d.take(buf[filled:], chunk)
					continue
				default:
				}
				break
			}
			if filled == 0 {
				return 0, io.EOF
			}
			clear(buf[filled:])
			filled = len(buf)
		}
	}
	return Status(d.status.Swap(0)), nil
}

func (d *PushDevice) take(dst, chunk []int16) int {
	n := copy(dst, chunk)
	if n < len(chunk) {
		d.pending = chunk[n:]
	}
	return n
}

func (d *PushDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}
