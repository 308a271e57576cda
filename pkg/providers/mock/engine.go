package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/transcribe"
)

// EngineConfig scripts the responses of Engine. Texts are returned in
// order and the last one repeats; FailOn lists 1-based call numbers that fail.
type EngineConfig struct {
	Texts    []string      `mapstructure:"texts"`
	Language string        `mapstructure:"language"`
	Delay    time.Duration `mapstructure:"delay"`
	FailOn   []int         `mapstructure:"fail_on"`
}

// Call is one recorded Transcribe request.
type Call struct {
	Samples  int
	Language string
	Prompt   string
}

// Engine is a scripted transcribe.Engine for tests and demos.
type Engine struct {
	cfg EngineConfig

	mu    sync.Mutex
	calls []Call
}

var ErrScripted = errors.New("mock engine: scripted failure")

func NewEngine(cfg EngineConfig) *Engine {
	if len(cfg.Texts) == 0 {
		cfg.Texts = []string{"mock transcript"}
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Name() string { return "mock" }

func (e *Engine) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.EngineResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Samples: len(req.Audio), Language: req.Language, Prompt: req.Prompt})
	n := len(e.calls)
	e.mu.Unlock()

	if e.cfg.Delay > 0 {
		timer := time.NewTimer(e.cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return transcribe.EngineResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	req.ReportProgress(1, 1)
	for _, f := range e.cfg.FailOn {
		if f == n {
			return transcribe.EngineResult{}, fmt.Errorf("call %d: %w", n, ErrScripted)
		}
	}

	text := e.cfg.Texts[min(n, len(e.cfg.Texts))-1]
	lang := req.Language
	if lang == "" {
		lang = e.cfg.Language
	}
	dur := req.Duration().Seconds()
	return transcribe.EngineResult{
		Text:     text,
		Language: lang,
		Duration: dur,
		Segments: []transcribe.SubSegment{{Start: 0, End: dur, Text: text}},
	}, nil
}

// Calls returns the requests seen so far.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

var _ transcribe.Engine = (*Engine)(nil)
