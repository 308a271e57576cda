package segment

import (
	"time"

	"github.com/harunnryd/dengar/pkg/frames"
)

// SealReason records why a segment was closed.
type SealReason string

const (
	SealSilence     SealReason = "silence"
	SealMaxDuration SealReason = "max_duration"
	SealFlush       SealReason = "flush"
	SealWindow      SealReason = "window"
)

// Segment is a contiguous speech-bearing run of frames. It is immutable once
// sealed and handed to the transcription worker.
type Segment struct {
	StreamID   string
	Seq        uint64
	Carryover  []int16
	Frames     []frames.AudioFrame
	SampleRate int
	Channels   int
	Reason     SealReason
	// Tail is the retained end of this segment that seeds the next one.
	Tail     []int16
	OpenedAt time.Time
	SealedAt time.Time

	speechFrames int
}

func newSegment(streamID string, carry []int16, rate, ch int) *Segment {
	return &Segment{
		StreamID:   streamID,
		Carryover:  carry,
		SampleRate: rate,
		Channels:   ch,
		OpenedAt:   time.Now(),
	}
}

// Windows splits interleaved samples into fixed-length segments numbered from
// zero. The last window holds whatever remains.
func Windows(streamID string, samples []int16, sampleRate, channels int, window time.Duration) []*Segment {
	if channels <= 0 {
		channels = 1
	}
	step := frames.DurationSamples(window, sampleRate) * channels
	if step <= 0 {
		step = len(samples)
	}
	var out []*Segment
	now := time.Now()
	for off := 0; off < len(samples); off += step {
		end := min(off+step, len(samples))
		seg := newSegment(streamID, samples[off:end], sampleRate, channels)
		seg.Seq = uint64(len(out))
		seg.Reason = SealWindow
		seg.SealedAt = now
		out = append(out, seg)
	}
	return out
}

func (s *Segment) append(f frames.AudioFrame, speech bool) {
	s.Frames = append(s.Frames, f)
	if speech {
		s.speechFrames++
	}
}

// HasContent reports whether the segment holds speech beyond its carryover.
func (s *Segment) HasContent() bool { return s.speechFrames > 0 }

// SpeechFrames is the number of frames classified as speech.
func (s *Segment) SpeechFrames() int { return s.speechFrames }

// SampleCount is the interleaved sample count including the carryover.
func (s *Segment) SampleCount() int {
	n := len(s.Carryover)
	for _, f := range s.Frames {
		n += f.Len()
	}
	return n
}

func (s *Segment) Duration() time.Duration {
	ch := s.Channels
	if ch <= 0 {
		ch = 1
	}
	return frames.SamplesDuration(s.SampleCount()/ch, s.SampleRate)
}

// Samples concatenates the carryover and every frame.
func (s *Segment) Samples() []int16 {
	out := make([]int16, 0, s.SampleCount())
	out = append(out, s.Carryover...)
	for _, f := range s.Frames {
		out = append(out, f.Samples()...)
	}
	return out
}

// Mono returns the samples as normalized float32, averaging channels.
func (s *Segment) Mono() []float32 {
	all := s.Samples()
	if s.Channels <= 1 {
		return frames.ToFloat32(all)
	}
	n := len(all) / s.Channels
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < s.Channels; c++ {
			sum += float32(all[i*s.Channels+c]) / 32768.0
		}
		out[i] = sum / float32(s.Channels)
	}
	return out
}

// lastSamples returns a copy of the final d of audio, or everything when shorter.
func (s *Segment) lastSamples(d time.Duration) []int16 {
	ch := s.Channels
	if ch <= 0 {
		ch = 1
	}
	n := frames.DurationSamples(d, s.SampleRate) * ch
	if n <= 0 {
		return nil
	}
	all := s.Samples()
	if n > len(all) {
		n = len(all)
	}
	return append([]int16(nil), all[len(all)-n:]...)
}
