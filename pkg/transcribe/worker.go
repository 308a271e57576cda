package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/progress"
	"github.com/harunnryd/dengar/pkg/resilience"
	"github.com/harunnryd/dengar/pkg/segment"
)

type Config struct {
	Language      string        `mapstructure:"language"`
	UseContext    bool          `mapstructure:"use_context"`
	ContextChars  int           `mapstructure:"context_chars"`
	EngineTimeout time.Duration `mapstructure:"engine_timeout"`
}

func (c Config) WithDefaults() Config {
	if c.ContextChars <= 0 {
		c.ContextChars = 224
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = 2 * time.Minute
	}
	return c
}

// Stats summarizes the work a worker has done.
type Stats struct {
	Segments          uint64
	Failures          uint64
	AudioSeconds      float64
	ProcessingSeconds float64
	LastLatency       time.Duration
	LastRTF           float64
}

// AverageRTF is total processing time over total audio time.
func (s Stats) AverageRTF() float64 {
	if s.AudioSeconds <= 0 {
		return 0
	}
	return s.ProcessingSeconds / s.AudioSeconds
}

// Worker runs an Engine over the segments of one stream, strictly in order.
type Worker struct {
	engine   Engine
	cfg      Config
	streamID string
	log      *slog.Logger
	obs      metrics.Observer
	breaker  *resilience.CircuitBreaker
	progress progress.Sink

	context rollingContext

	mu    sync.Mutex
	stats Stats
}

type Option func(*Worker)

func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

func WithObserver(obs metrics.Observer) Option {
	return func(w *Worker) { w.obs = obs }
}

// WithCircuitBreaker short-circuits engine calls while the breaker is open.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(w *Worker) { w.breaker = cb }
}

// WithProgressSink receives engine progress for every segment.
func WithProgressSink(sink progress.Sink) Option {
	return func(w *Worker) { w.progress = sink }
}

func NewWorker(streamID string, engine Engine, cfg Config, opts ...Option) *Worker {
	cfg = cfg.WithDefaults()
	w := &Worker{
		engine:   engine,
		cfg:      cfg,
		streamID: streamID,
		context:  rollingContext{limit: cfg.ContextChars},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = logging.NewComponentLogger(w.log, "transcribe").With(slog.String(frames.MetaStreamID, streamID))
	w.obs = metrics.OrNoop(w.obs)
	return w
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run takes segments from in one at a time and sends exactly one Outcome per
// segment to out. It returns, closing out, when in is closed or ctx is done.
// A call still in flight at cancellation finishes in the background and its
// outcome is discarded.
func (w *Worker) Run(ctx context.Context, in <-chan *segment.Segment, out chan<- Outcome) {
	defer close(out)
	defer func() {
		st := w.Stats()
		w.log.Info("transcribe_stopped",
			slog.Uint64("segments", st.Segments),
			slog.Uint64("failures", st.Failures),
			slog.Float64("audio_seconds", st.AudioSeconds),
			slog.Float64("processing_seconds", st.ProcessingSeconds),
			slog.Float64("rtf", st.AverageRTF()))
	}()

	for {
		var seg *segment.Segment
		var ok bool
		select {
		case <-ctx.Done():
			return
		case seg, ok = <-in:
			if !ok {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		oc, delivered := w.process(ctx, seg)
		if !delivered {
			w.log.Debug("transcribe_suppressed", slog.Uint64("sequence", seg.Seq))
			return
		}
		select {
		case out <- oc:
		case <-ctx.Done():
			return
		}
	}
}

type callResult struct {
	res EngineResult
	err error
}

// process runs one engine call. It reports false when ctx was cancelled
// before the call returned.
func (w *Worker) process(ctx context.Context, seg *segment.Segment) (Outcome, bool) {
	if w.breaker != nil && !w.breaker.Allow() {
		return w.failure(seg, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonEngineCircuitOpen), 0), true
	}

	var reporter *progress.Reporter
	if w.progress != nil {
		reporter = progress.New(w.streamID, 0, w.progress)
	}
	req := Request{
		Audio:      seg.Mono(),
		SampleRate: seg.SampleRate,
		Language:   w.cfg.Language,
	}
	if w.cfg.UseContext {
		req.Prompt = w.context.String()
	}
	if reporter != nil {
		req.Progress = reporter.Set
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.EngineTimeout)
	done := make(chan callResult, 1)
	start := time.Now()
	go func() {
		defer cancel()
		res, err := w.call(callCtx, req)
		done <- callResult{res: res, err: err}
	}()

	var cr callResult
	select {
	case cr = <-done:
	case <-ctx.Done():
		return Outcome{}, false
	}
	latency := time.Since(start)

	if cr.err != nil {
		if w.breaker != nil {
			w.breaker.OnError(cr.err)
		}
		reason := errorsx.ReasonEngineFailure
		if errors.Is(cr.err, context.DeadlineExceeded) {
			reason = errorsx.ReasonEngineTimeout
		}
		if reporter != nil {
			reporter.Fail(cr.err)
		}
		return w.failure(seg, errorsx.Wrap(cr.err, reason), latency), true
	}
	if w.breaker != nil {
		w.breaker.OnSuccess()
	}
	if reporter != nil {
		reporter.Complete()
	}

	text := strings.TrimSpace(cr.res.Text)
	w.context.Add(text)
	audio := seg.Duration()
	rtf := 0.0
	if audio > 0 {
		rtf = latency.Seconds() / audio.Seconds()
	}
	result := &Result{
		StreamID:      w.streamID,
		Seq:           seg.Seq,
		Text:          text,
		Language:      cr.res.Language,
		Duration:      cr.res.Duration,
		Segments:      cr.res.Segments,
		AudioDuration: audio,
		Latency:       latency,
		RTF:           rtf,
		SealReason:    string(seg.Reason),
		CompletedAt:   time.Now(),
	}
	if result.Language == "" {
		result.Language = w.cfg.Language
	}

	w.mu.Lock()
	w.stats.Segments++
	w.stats.AudioSeconds += audio.Seconds()
	w.stats.ProcessingSeconds += latency.Seconds()
	w.stats.LastLatency = latency
	w.stats.LastRTF = rtf
	w.mu.Unlock()

	w.log.Debug("transcribe_result",
		slog.Uint64("sequence", seg.Seq),
		slog.Int("chars", len(text)),
		slog.Duration("latency", latency),
		slog.Float64("rtf", rtf))
	metrics.Record(w.obs, metrics.EventTranscribeResult, latency.Seconds(), map[string]string{
		frames.MetaStreamID: w.streamID,
	}, map[string]any{
		"rtf":      rtf,
		"sequence": seg.Seq,
		"sealed":   seg.SealedAt,
	})
	return Outcome{Result: result}, true
}

// call invokes the engine and converts a panic into an error.
func (w *Worker) call(ctx context.Context, req Request) (res EngineResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return w.engine.Transcribe(ctx, req)
}

func (w *Worker) failure(seg *segment.Segment, err error, latency time.Duration) Outcome {
	reason := errorsx.Reason(err)
	w.mu.Lock()
	w.stats.Failures++
	w.mu.Unlock()

	w.log.Warn("transcribe_failed",
		slog.Uint64("sequence", seg.Seq),
		slog.String("error", err.Error()),
		slog.String("reason_code", string(reason)),
		slog.Duration("latency", latency))
	metrics.Record(w.obs, metrics.EventTranscribeError, 1, map[string]string{
		frames.MetaStreamID: w.streamID,
		"reason":            string(reason),
	}, map[string]any{"sequence": seg.Seq})
	return Outcome{Err: &EngineError{
		StreamID: w.streamID,
		Seq:      seg.Seq,
		Cause:    err,
		Reason:   reason,
	}}
}
