package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/frames"
)

// ReaderDevice reads raw s16le PCM from an io.Reader, such as a pipe from
// a recorder or a file. With Pace set it releases blocks no faster than real time.
type ReaderDevice struct {
	r          io.Reader
	sampleRate int
	channels   int
	pace       bool

	mu     sync.Mutex
	closed bool
	start  time.Time
	played time.Duration
	raw    []byte
	ended  bool
}

func NewReaderDevice(r io.Reader, sampleRate, channels int, pace bool) *ReaderDevice {
	if channels <= 0 {
		channels = 1
	}
	return &ReaderDevice{r: r, sampleRate: sampleRate, channels: channels, pace: pace}
}

func (d *ReaderDevice) Open(ctx context.Context) error {
	if d.r == nil {
		return errors.New("reader device has no input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("reader device closed")
	}
	d.start = time.Now()
	return nil
}

// ReadBlock fills buf from the reader. A short final block is zero padded and
// the following call returns io.EOF.
func (d *ReaderDevice) ReadBlock(buf []int16) (Status, error) {
	if d.isClosed() || d.ended {
		return 0, io.EOF
	}
	need := len(buf) * 2
	if cap(d.raw) < need {
		d.raw = make([]byte, need)
	}
	raw := d.raw[:need]
	n, err := io.ReadFull(d.r, raw)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		clear(raw[n-n%2:])
		n = need
		d.ended = true
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	default:
		if d.isClosed() {
			return 0, io.EOF
		}
		return StatusDeviceError, err
	}
	copy(buf, frames.DecodeS16LE(raw[:n]))

	if d.pace && d.sampleRate > 0 {
		d.played += frames.SamplesDuration(len(buf)/d.channels, d.sampleRate)
		if wait := time.Until(d.start.Add(d.played)); wait > 0 {
			time.Sleep(wait)
		}
	}
	return 0, nil
}

// Close closes the underlying reader when it is an io.Closer.
func (d *ReaderDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	if c, ok := d.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *ReaderDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
