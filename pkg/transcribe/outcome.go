package transcribe

import (
	"fmt"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
)

// Result is a successful transcription of one segment.
type Result struct {
	StreamID string
	// Seq equals the segment sequence it was produced from.
	Seq           uint64
	Text          string
	Language      string
	Duration      float64
	Segments      []SubSegment
	AudioDuration time.Duration
	Latency       time.Duration
	RTF           float64
	SealReason    string
	CompletedAt   time.Time
}

// EngineError describes a failed transcription of one segment.
type EngineError struct {
	StreamID string
	Seq      uint64
	Cause    error
	Reason   errorsx.ReasonCode
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("transcribe segment %d of %s: %s: %v", e.Seq, e.StreamID, e.Reason, e.Cause)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Outcome holds exactly one of Result or Err.
type Outcome struct {
	Result *Result
	Err    *EngineError
}

func (o Outcome) OK() bool { return o.Result != nil }

func (o Outcome) Seq() uint64 {
	if o.Result != nil {
		return o.Result.Seq
	}
	if o.Err != nil {
		return o.Err.Seq
	}
	return 0
}

func (o Outcome) StreamID() string {
	if o.Result != nil {
		return o.Result.StreamID
	}
	if o.Err != nil {
		return o.Err.StreamID
	}
	return ""
}
