package metrics

import (
	"math"
	"sync/atomic"
)

// alwaysKept are events that feed gauges or rare failure counters; sampling
// them would leave gauges unbalanced.
var alwaysKept = map[string]bool{
	EventTranscribeError:     true,
	EventStreamStarted:       true,
	EventStreamStopped:       true,
	EventSessionConnected:    true,
	EventSessionDisconnected: true,
	EventSessionEvicted:      true,
}

// SamplingObserver forwards roughly rate of the high-volume events to inner.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	counter     uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = max(uint64(math.Round(1.0/rate)), 1)
	}
	return &SamplingObserver{inner: OrNoop(inner), sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if alwaysKept[ev.Name] || s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if atomic.AddUint64(&s.counter, 1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}

func (s *SamplingObserver) Flush() error {
	if f, ok := s.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}
