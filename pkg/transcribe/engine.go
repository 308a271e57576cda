package transcribe

import (
	"context"
	"time"
)

// Request is one transcription call. Audio is mono float32 in [-1, 1].
type Request struct {
	Audio      []float32
	SampleRate int
	Language   string
	// Prompt carries recent transcript text to bias the engine.
	Prompt string
	// Progress is optional; engines that can report partial progress call it.
	Progress func(current, total int)
}

// Duration is the length of the request audio.
func (r Request) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Audio)) * time.Second / time.Duration(r.SampleRate)
}

// ReportProgress forwards engine progress to the caller when it asked for it.
func (r Request) ReportProgress(current, total int) {
	if r.Progress != nil {
		r.Progress(current, total)
	}
}

// SubSegment is a timed span reported by the engine, in seconds from the start of the request.
type SubSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// EngineResult is what an engine returns for one request.
type EngineResult struct {
	Text     string       `json:"text"`
	Language string       `json:"language"`
	Segments []SubSegment `json:"segments"`
	Duration float64      `json:"duration"`
}

// Engine converts audio to text. Implementations may block for as long as
// ctx allows and are only ever called from a worker goroutine.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (EngineResult, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (EngineResult, error)

func (f EngineFunc) Transcribe(ctx context.Context, req Request) (EngineResult, error) {
	return f(ctx, req)
}
