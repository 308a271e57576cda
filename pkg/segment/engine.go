package segment

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/metrics"
)

// State is the segmentation state of one stream.
type State int

const (
	StateSilent State = iota
	StateSpeaking
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateSilent:
		return "SILENT"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Config struct {
	StaticThreshold    float64       `mapstructure:"static_threshold"`
	DynamicFactor      float64       `mapstructure:"dynamic_factor"`
	PeakDecay          float64       `mapstructure:"peak_decay"`
	ChunkDuration      time.Duration `mapstructure:"chunk_duration"`
	MaxSegmentDuration time.Duration `mapstructure:"max_segment_duration"`
	OverlapDuration    time.Duration `mapstructure:"overlap_duration"`
}

func (c Config) WithDefaults() Config {
	if c.StaticThreshold <= 0 {
		c.StaticThreshold = 0.01
	}
	if c.DynamicFactor <= 0 {
		c.DynamicFactor = 0.02
	}
	if c.PeakDecay <= 0 || c.PeakDecay >= 1 {
		c.PeakDecay = 0.95
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 3 * time.Second
	}
	if c.MaxSegmentDuration <= 0 {
		c.MaxSegmentDuration = c.ChunkDuration * 3 / 2
	}
	if c.OverlapDuration <= 0 {
		c.OverlapDuration = 200 * time.Millisecond
	}
	if c.OverlapDuration >= c.MaxSegmentDuration {
		c.OverlapDuration = c.MaxSegmentDuration / 2
	}
	return c
}

// Stats counts what the engine has seen. Read it after the stream ends or
// from the goroutine that calls Process.
type Stats struct {
	Frames        uint64
	SpeechFrames  uint64
	Segments      uint64
	Skipped       uint64
	ForceFlushes  uint64
	SpeechSeconds float64
}

// Engine turns frames into sealed segments. It is not safe for concurrent
// use; one goroutine per stream drives it.
type Engine struct {
	cfg        Config
	streamID   string
	log        *slog.Logger
	obs        metrics.Observer
	classifier *Classifier

	state State
	cur   *Segment
	carry []int16
	seq   uint64
	stats Stats
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithObserver(obs metrics.Observer) Option {
	return func(e *Engine) { e.obs = obs }
}

func New(streamID string, cfg Config, opts ...Option) *Engine {
	cfg = cfg.WithDefaults()
	e := &Engine{
		cfg:        cfg,
		streamID:   streamID,
		classifier: NewClassifier(cfg),
		state:      StateSilent,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.NewComponentLogger(e.log, "segment").With(slog.String(frames.MetaStreamID, streamID))
	e.obs = metrics.OrNoop(e.obs)
	return e
}

func (e *Engine) State() State   { return e.state }
func (e *Engine) Stats() Stats   { return e.stats }
func (e *Engine) Config() Config { return e.cfg }

// Process classifies f, advances the state machine and returns any segments
// sealed by it, in order.
func (e *Engine) Process(f frames.AudioFrame) []*Segment {
	if f.Len() == 0 {
		return nil
	}
	_, speech := e.classifier.Classify(f.Samples())
	e.stats.Frames++
	if speech {
		e.stats.SpeechFrames++
		e.stats.SpeechSeconds += f.Duration().Seconds()
	}

	switch e.state {
	case StateSilent:
		if !speech {
			return nil
		}
		e.open(e.carry, f)
		e.carry = nil
		e.cur.append(f, true)
		e.state = StateSpeaking
		e.log.Debug("segment_opened", slog.Int("carryover_samples", len(e.cur.Carryover)))
		return e.maybeForceFlush(f)

	case StateSpeaking:
		if speech {
			e.cur.append(f, true)
			return e.maybeForceFlush(f)
		}
		// The closing silent frame stays as trailing context.
		e.cur.append(f, false)
		prevCarry := e.cur.Carryover
		seg := e.seal(SealSilence)
		e.state = StateSilent
		if seg == nil {
			e.carry = prevCarry
			return nil
		}
		e.carry = seg.Tail
		return []*Segment{seg}
	}
	return nil
}

// Flush seals the active segment at end of stream. It returns nil when
// nothing worth transcribing is pending.
func (e *Engine) Flush() *Segment {
	if e.state != StateSpeaking || e.cur == nil {
		return nil
	}
	seg := e.seal(SealFlush)
	e.state = StateSilent
	if seg != nil {
		e.carry = seg.Tail
	}
	return seg
}

func (e *Engine) open(carry []int16, f frames.AudioFrame) {
	e.cur = newSegment(e.streamID, carry, f.Rate(), f.Channels())
}

func (e *Engine) maybeForceFlush(f frames.AudioFrame) []*Segment {
	if e.cur.Duration() < e.cfg.MaxSegmentDuration {
		return nil
	}
	seg := e.seal(SealMaxDuration)
	if seg == nil {
		return nil
	}
	e.stats.ForceFlushes++
	e.open(seg.Tail, f)
	return []*Segment{seg}
}

// seal closes the active segment. Segments without speech beyond their
// carryover are dropped and nil is returned.
func (e *Engine) seal(reason SealReason) *Segment {
	seg := e.cur
	e.cur = nil
	seg.Reason = reason
	seg.SealedAt = time.Now()
	seg.Tail = seg.lastSamples(e.cfg.OverlapDuration)

	tags := map[string]string{
		frames.MetaStreamID: e.streamID,
		"reason":            string(reason),
	}
	if !seg.HasContent() {
		e.stats.Skipped++
		e.log.Debug("segment_skipped", slog.String("reason", string(reason)))
		metrics.Record(e.obs, metrics.EventSegmentSkipped, 1, tags, nil)
		return nil
	}

	e.seq++
	seg.Seq = e.seq
	e.stats.Segments++
	e.log.Debug("segment_sealed",
		slog.Uint64("sequence", seg.Seq),
		slog.String("reason", string(reason)),
		slog.Int("frames", len(seg.Frames)),
		slog.Duration("duration", seg.Duration()))
	metrics.Record(e.obs, metrics.EventSegmentSealed, seg.Duration().Seconds(), tags, map[string]any{
		"sequence": seg.Seq,
	})
	return seg
}
