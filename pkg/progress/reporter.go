package progress

import (
	"sync"
	"time"
)

const (
	StatusTranscribing = "transcribing"
	StatusCompleted    = "Completed"
	errorPrefix        = "Error: "
)

// Event is one progress notification for a session.
type Event struct {
	SessionID     string
	Percent       float64
	Indeterminate bool
	Status        string
	Time          time.Time
}

// Sink receives events. It must not block and must not call back into the Reporter.
type Sink func(Event)

// ChannelSink delivers events to ch without blocking. Events that do not fit are dropped.
func ChannelSink(ch chan<- Event) Sink {
	return func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Reporter turns step counts into clamped percentages and ends with exactly
// one Completed or Error event.
type Reporter struct {
	mu        sync.Mutex
	sessionID string
	total     int
	current   int
	percent   float64
	done      bool
	sink      Sink
}

func New(sessionID string, total int, sink Sink) *Reporter {
	if total < 0 {
		total = 0
	}
	return &Reporter{sessionID: sessionID, total: total, sink: sink}
}

func (r *Reporter) SetTotal(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if total >= 0 {
		r.total = total
	}
}

// Update adds n steps and emits the new percentage.
func (r *Reporter) Update(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.current += n
	r.emitLocked()
}

// Set replaces both counters; engines report progress this way.
func (r *Reporter) Set(current, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.current = current
	if total >= 0 {
		r.total = total
	}
	r.emitLocked()
}

func (r *Reporter) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.percent = 100
	r.send(Event{Percent: 100, Status: StatusCompleted})
}

func (r *Reporter) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.send(Event{Percent: r.percent, Status: errorPrefix + msg})
}

func (r *Reporter) Percent() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percent
}

func (r *Reporter) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Reporter) emitLocked() {
	if r.total <= 0 {
		r.send(Event{Percent: 0, Indeterminate: true, Status: StatusTranscribing})
		return
	}
	pct := float64(r.current) / float64(r.total) * 100
	r.percent = min(max(pct, 0), 100)
	r.send(Event{Percent: r.percent, Status: StatusTranscribing})
}

func (r *Reporter) send(ev Event) {
	if r.sink == nil {
		return
	}
	ev.SessionID = r.sessionID
	ev.Time = time.Now()
	r.sink(ev)
}
