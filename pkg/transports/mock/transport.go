package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("mock conn closed")

// Conn is an in-memory transports.Conn for tests. It records every message
// and can be told to fail.
type Conn struct {
	mu     sync.Mutex
	sent   [][]byte
	sentCh chan []byte
	closed atomic.Bool
	closes atomic.Int32
	fail   error
	delay  time.Duration
	onSend func([]byte)
}

func New() *Conn {
	return &Conn{sentCh: make(chan []byte, 256)}
}

// FailWith makes every later Send return err.
func (c *Conn) FailWith(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

// SetDelay makes every later Send take d, like a peer with a full socket
// buffer. Send gives up early when its context ends.
func (c *Conn) SetDelay(d time.Duration) {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

// OnSend registers a hook called after each successful Send, such as a fake
// client answering pings.
func (c *Conn) OnSend(fn func([]byte)) {
	c.mu.Lock()
	c.onSend = fn
	c.mu.Unlock()
}

func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	c.mu.Lock()
	if c.fail != nil {
		err := c.fail
		c.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), msg...)
	c.sent = append(c.sent, cp)
	hook := c.onSend
	c.mu.Unlock()

	select {
	case c.sentCh <- cp:
	default:
	}
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *Conn) Close() error {
	c.closes.Add(1)
	c.closed.Store(true)
	return nil
}

// Messages returns a copy of everything sent so far.
func (c *Conn) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = string(m)
	}
	return out
}

// Sent exposes outbound messages as they arrive.
func (c *Conn) Sent() <-chan []byte { return c.sentCh }

func (c *Conn) Closed() bool { return c.closed.Load() }

// CloseCount is how many times Close was called.
func (c *Conn) CloseCount() int { return int(c.closes.Load()) }
