package frames

import "time"

const (
	MetaStreamID   = "stream_id"
	MetaTraceID    = "trace_id"
	MetaCallSID    = "call_sid"
	MetaFromNumber = "from_number"
	MetaSource     = "source"
	MetaSequence   = "sequence"
	MetaReason     = "reason"
)

// AudioFrame is one fixed-size block of mono or interleaved signed 16-bit samples.
// Frames are immutable once built; callers must not modify Samples().
type AudioFrame struct {
	streamID string
	seq      uint64
	pts      int64
	samples  []int16
	rate     int
	ch       int
}

func NewAudioFrame(streamID string, seq uint64, pts int64, samples []int16, rate, ch int) AudioFrame {
	if ch <= 0 {
		ch = 1
	}
	return AudioFrame{
		streamID: streamID,
		seq:      seq,
		pts:      pts,
		samples:  samples,
		rate:     rate,
		ch:       ch,
	}
}

func (a AudioFrame) StreamID() string { return a.streamID }
func (a AudioFrame) Seq() uint64      { return a.seq }
func (a AudioFrame) PTS() int64       { return a.pts }
func (a AudioFrame) Samples() []int16 { return a.samples }
func (a AudioFrame) Rate() int        { return a.rate }
func (a AudioFrame) Channels() int    { return a.ch }
func (a AudioFrame) Len() int         { return len(a.samples) }
func (a AudioFrame) IsZero() bool     { return a.samples == nil && a.rate == 0 }

// Data returns a copy of the samples.
func (a AudioFrame) Data() []int16 { return append([]int16(nil), a.samples...) }

// Duration is the wall-clock length of the frame.
func (a AudioFrame) Duration() time.Duration {
	return SamplesDuration(len(a.samples)/a.ch, a.rate)
}

// SamplesDuration converts a per-channel sample count to a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// DurationSamples converts a duration to a per-channel sample count at rate.
func DurationSamples(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// PTSGen produces monotonic presentation timestamps for a stream.
type PTSGen struct {
	last int64
}

func (g *PTSGen) Next() int64 {
	now := time.Now().UnixNano()
	if now <= g.last {
		now = g.last + 1
	}
	g.last = now
	return now
}
