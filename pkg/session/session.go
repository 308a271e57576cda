package session

import (
	"context"
	"sort"
	"time"

	"github.com/harunnryd/dengar/pkg/transports"
)

// Session is one connected viewer. Its fields are guarded by the registry
// lock. Only the session's writer goroutine touches conn.Send; everyone else
// goes through the out queue.
type Session struct {
	id          string
	conn        transports.Conn
	state       State
	lastAck     time.Time
	connectedAt time.Time
	cancel      context.CancelFunc
	subs        map[string]struct{}

	out        chan []byte
	quit       chan struct{}
	writerDone chan struct{}
}

func newSession(id string, conn transports.Conn, now time.Time, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		id:          id,
		conn:        conn,
		state:       StateConnecting,
		lastAck:     now,
		connectedAt: now,
		subs:        make(map[string]struct{}),
		out:         make(chan []byte, buffer),
		quit:        make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
}

// enqueue hands payload to the writer without blocking. It reports false
// when the queue is full.
func (s *Session) enqueue(payload []byte) bool {
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) transition(to State) error {
	if !transitionValid(s.state, to) {
		return &InvalidTransitionError{From: s.state, To: to}
	}
	s.state = to
	return nil
}

// ack records a pong. lastAck never moves backwards.
func (s *Session) ack(now time.Time) {
	if now.After(s.lastAck) {
		s.lastAck = now
	}
}

func (s *Session) streams() []string {
	out := make([]string, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID          string
	State       State
	LastAck     time.Time
	ConnectedAt time.Time
	Streams     []string
}
