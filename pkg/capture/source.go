package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/metrics"
)

type Config struct {
	SampleRate           int           `mapstructure:"sample_rate"`
	Channels             int           `mapstructure:"channels"`
	BlockDuration        time.Duration `mapstructure:"block_duration"`
	StatusErrorThreshold int           `mapstructure:"status_error_threshold"`
	StatusWindow         time.Duration `mapstructure:"status_window"`
}

func (c Config) WithDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 100 * time.Millisecond
	}
	if c.StatusErrorThreshold <= 0 {
		c.StatusErrorThreshold = 10
	}
	if c.StatusWindow <= 0 {
		c.StatusWindow = 10 * time.Second
	}
	return c
}

// BlockSamples is the interleaved sample count of one block.
func (c Config) BlockSamples() int {
	n := frames.DurationSamples(c.BlockDuration, c.SampleRate)
	if n <= 0 {
		n = 1
	}
	return n * c.Channels
}

// FrameHandler receives frames on the capture goroutine. It must return quickly
// and must not block; hand frames off (framequeue.Queue.Push) instead of processing them.
type FrameHandler func(frames.AudioFrame)

// Source drives one Device and numbers the frames it produces.
type Source struct {
	dev      Device
	cfg      Config
	streamID string
	log      *slog.Logger
	obs      metrics.Observer

	started  atomic.Bool
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	errCh    chan error

	seq        uint64
	statusHits []time.Time
}

type Option func(*Source)

func WithLogger(log *slog.Logger) Option {
	return func(s *Source) { s.log = log }
}

func WithObserver(obs metrics.Observer) Option {
	return func(s *Source) { s.obs = obs }
}

func NewSource(streamID string, dev Device, cfg Config, opts ...Option) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		dev:      dev,
		cfg:      cfg.WithDefaults(),
		streamID: streamID,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		errCh:    make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.NewComponentLogger(s.log, "capture").With(slog.String(frames.MetaStreamID, streamID))
	s.obs = metrics.OrNoop(s.obs)
	return s
}

func (s *Source) StreamID() string { return s.streamID }
func (s *Source) Config() Config   { return s.cfg }

// Start opens the device and begins delivering frames to handler on a
// dedicated goroutine. An open failure is returned with reason device_open.
func (s *Source) Start(handler FrameHandler) error {
	if handler == nil {
		return errors.New("capture: nil frame handler")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("capture: source already started")
	}
	if err := s.dev.Open(s.ctx); err != nil {
		s.cancel()
		close(s.errCh)
		close(s.done)
		return errorsx.Wrap(fmt.Errorf("open capture device: %w", err), errorsx.ReasonDeviceOpen)
	}
	s.log.Info("capture_started",
		slog.Int("sample_rate", s.cfg.SampleRate),
		slog.Int("channels", s.cfg.Channels),
		slog.Duration("block", s.cfg.BlockDuration))
	go s.loop(handler)
	return nil
}

// Stop is idempotent. When it returns, the handler will not be called again.
// It must not be called from inside the handler.
func (s *Source) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		err = s.dev.Close()
		if s.started.Load() {
			<-s.done
		}
	})
	return err
}

// Done is closed once the capture goroutine has exited.
func (s *Source) Done() <-chan struct{} { return s.done }

// Err yields the fatal error that tore the source down, if any, and is then closed.
// A clean end of input or Stop closes it without a value.
func (s *Source) Err() <-chan error { return s.errCh }

func (s *Source) loop(handler FrameHandler) {
	defer close(s.done)
	defer close(s.errCh)
	var pts frames.PTSGen
	n := s.cfg.BlockSamples()
	for {
		if s.ctx.Err() != nil {
			return
		}
		block := make([]int16, n)
		status, err := s.dev.ReadBlock(block)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				s.log.Info("capture_eof", slog.Uint64("frames", s.seq))
				return
			}
			s.fail(errorsx.Wrap(fmt.Errorf("read capture device: %w", err), errorsx.ReasonDeviceStatus))
			return
		}
		if status != 0 && s.noteStatus(status) {
			s.fail(errorsx.Wrap(
				fmt.Errorf("capture device status %s recurred more than %d times within %s", status, s.cfg.StatusErrorThreshold, s.cfg.StatusWindow),
				errorsx.ReasonDeviceStatus))
			return
		}
		s.seq++
		handler(frames.NewAudioFrame(s.streamID, s.seq, pts.Next(), block, s.cfg.SampleRate, s.cfg.Channels))
	}
}

// noteStatus records a flagged block and reports whether the threshold was passed.
func (s *Source) noteStatus(status Status) bool {
	now := time.Now()
	cutoff := now.Add(-s.cfg.StatusWindow)
	kept := s.statusHits[:0]
	for _, ts := range s.statusHits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.statusHits = append(kept, now)
	s.log.Warn("capture_status",
		slog.String("status", status.String()),
		slog.Int("recent", len(s.statusHits)))
	metrics.Record(s.obs, metrics.EventCaptureStatus, float64(status), map[string]string{
		frames.MetaStreamID: s.streamID,
		"status":            status.String(),
	}, nil)
	return len(s.statusHits) > s.cfg.StatusErrorThreshold
}

func (s *Source) fail(err error) {
	s.log.Error("capture_failed", slog.String("error", err.Error()), slog.String("reason_code", string(errorsx.Reason(err))))
	s.cancel()
	_ = s.dev.Close()
	s.errCh <- err
}
