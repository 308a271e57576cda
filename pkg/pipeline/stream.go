package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/fanout"
	"github.com/harunnryd/dengar/pkg/framequeue"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/progress"
	"github.com/harunnryd/dengar/pkg/resilience"
	"github.com/harunnryd/dengar/pkg/segment"
	"github.com/harunnryd/dengar/pkg/transcribe"
)

// Sink delivers rendered events to the subscribers of a stream.
// *session.Registry satisfies it.
type Sink interface {
	Publish(streamID string, v any) (int, error)
	// PublishProgress addresses each subscriber by its own client id.
	PublishProgress(streamID string, percent float64, status string) (int, error)
}

type Config struct {
	Capture    capture.Config
	Segment    segment.Config
	Transcribe transcribe.Config
	// QueueCapacity is in frames; zero sizes the queue for framequeue.DefaultBuffered.
	QueueCapacity    int
	SegmentBuffer    int
	ProgressBuffer   int
	CircuitThreshold int
	CircuitCooldown  time.Duration
}

func (c Config) WithDefaults() Config {
	c.Capture = c.Capture.WithDefaults()
	c.Segment = c.Segment.WithDefaults()
	c.Transcribe = c.Transcribe.WithDefaults()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = framequeue.DefaultCapacity(c.Capture.BlockDuration)
	}
	if c.SegmentBuffer <= 0 {
		c.SegmentBuffer = 8
	}
	if c.ProgressBuffer <= 0 {
		c.ProgressBuffer = 16
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	return c
}

// Stream wires one capture source through the queue, the segmentation
// engine and a transcription worker to a Sink.
type Stream struct {
	id     string
	meta   map[string]string
	cfg    Config
	log    *slog.Logger
	obs    metrics.Observer
	fanout fanout.Publisher

	source  *capture.Source
	queue   *framequeue.Queue
	seg     *segment.Engine
	worker  *transcribe.Worker
	disp    *Dispatcher
	started time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Stream)

func WithLogger(log *slog.Logger) Option {
	return func(s *Stream) { s.log = log }
}

func WithObserver(obs metrics.Observer) Option {
	return func(s *Stream) { s.obs = obs }
}

func WithFanout(p fanout.Publisher) Option {
	return func(s *Stream) { s.fanout = p }
}

func WithMeta(meta map[string]string) Option {
	return func(s *Stream) { s.meta = meta }
}

func NewStream(id string, dev capture.Device, engine transcribe.Engine, sink Sink, cfg Config, opts ...Option) *Stream {
	s := &Stream{
		id:   id,
		cfg:  cfg.WithDefaults(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.NewComponentLogger(s.log, "pipeline").With(slog.String(frames.MetaStreamID, id))
	s.obs = metrics.OrNoop(s.obs)
	if s.fanout == nil {
		s.fanout = fanout.Noop{}
	}

	s.source = capture.NewSource(id, dev, s.cfg.Capture, capture.WithLogger(s.log), capture.WithObserver(s.obs))
	s.queue = framequeue.New(s.cfg.QueueCapacity, framequeue.WithObserver(s.obs, id))
	s.seg = segment.New(id, s.cfg.Segment, segment.WithLogger(s.log), segment.WithObserver(s.obs))
	breaker := resilience.NewCircuitBreaker(s.cfg.CircuitThreshold, s.cfg.CircuitCooldown)
	progressCh := make(chan progress.Event, s.cfg.ProgressBuffer)
	s.worker = transcribe.NewWorker(id, engine, s.cfg.Transcribe,
		transcribe.WithLogger(s.log),
		transcribe.WithObserver(s.obs),
		transcribe.WithCircuitBreaker(breaker),
		transcribe.WithProgressSink(progress.ChannelSink(progressCh)))
	s.disp = newDispatcher(id, sink, s.fanout, progressCh, s.log)
	return s
}

func (s *Stream) ID() string                    { return s.id }
func (s *Stream) Meta() map[string]string       { return s.meta }
func (s *Stream) Done() <-chan struct{}         { return s.done }
func (s *Stream) Queue() *framequeue.Queue      { return s.queue }
func (s *Stream) WorkerStats() transcribe.Stats { return s.worker.Stats() }

// Start opens the device and launches the stream goroutines. A device open
// failure is returned and nothing is left running.
func (s *Stream) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.source.Start(func(f frames.AudioFrame) { s.queue.Push(f) }); err != nil {
		s.cancel()
		close(s.done)
		return fmt.Errorf("start stream %s: %w", s.id, err)
	}
	s.started = time.Now()
	s.log.Info("stream_started", slog.Int("queue_capacity", s.queue.Cap()))
	metrics.Record(s.obs, metrics.EventStreamStarted, 1, map[string]string{frames.MetaStreamID: s.id}, nil)

	segCh := make(chan *segment.Segment, s.cfg.SegmentBuffer)
	outCh := make(chan transcribe.Outcome, 1)

	go s.watchCapture()
	go s.segmentLoop(ctx, segCh)
	go s.worker.Run(ctx, segCh, outCh)
	go func() {
		s.disp.Run(outCh)
		s.finish()
	}()
	return nil
}

// watchCapture closes the queue once capture ends so the rest of the stream drains.
func (s *Stream) watchCapture() {
	<-s.source.Done()
	if err, ok := <-s.source.Err(); ok && err != nil {
		s.disp.captureFailed(err)
	}
	s.queue.Close()
}

func (s *Stream) segmentLoop(ctx context.Context, out chan<- *segment.Segment) {
	defer close(out)
	send := func(seg *segment.Segment) bool {
		select {
		case out <- seg:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		f, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, framequeue.ErrClosed) {
				if seg := s.seg.Flush(); seg != nil {
					send(seg)
				}
			}
			return
		}
		for _, seg := range s.seg.Process(f) {
			if !send(seg) {
				return
			}
		}
	}
}

func (s *Stream) finish() {
	st := s.seg.Stats()
	ws := s.worker.Stats()
	s.log.Info("stream_stopped",
		slog.Duration("uptime", time.Since(s.started)),
		slog.Uint64("frames", st.Frames),
		slog.Uint64("segments", st.Segments),
		slog.Uint64("skipped", st.Skipped),
		slog.Uint64("dropped_frames", s.queue.Dropped()),
		slog.Uint64("results", ws.Segments),
		slog.Uint64("failures", ws.Failures),
		slog.Float64("rtf", ws.AverageRTF()))
	metrics.Record(s.obs, metrics.EventStreamStopped, time.Since(s.started).Seconds(), map[string]string{frames.MetaStreamID: s.id}, nil)
	s.cancel()
	close(s.done)
}

// Stop ends capture and lets queued audio drain through the worker. If ctx
// ends first the stream is cancelled and in-flight work is discarded.
func (s *Stream) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		go func() { _ = s.source.Stop() }()
	})
	select {
	case <-s.done:
	case <-ctx.Done():
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	}
}
