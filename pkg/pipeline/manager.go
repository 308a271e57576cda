package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/fanout"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/transcribe"
	"github.com/harunnryd/dengar/pkg/transports"
)

var (
	ErrDraining     = errors.New("pipeline: draining")
	ErrStreamExists = errors.New("pipeline: stream already running")
)

// EngineFactory builds the engine for a new stream. Engines may be shared
// between streams when they are safe for concurrent use.
type EngineFactory func(streamID string) (transcribe.Engine, error)

// Manager owns the running streams, one per capture source.
type Manager struct {
	streams  sync.Map
	count    atomic.Int64
	draining atomic.Bool

	ctx          context.Context
	factory      EngineFactory
	sink         Sink
	cfg          Config
	drainTimeout time.Duration
	fanout       fanout.Publisher
	log          *slog.Logger
	obs          metrics.Observer
}

type ManagerOption func(*Manager)

func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithManagerObserver(obs metrics.Observer) ManagerOption {
	return func(m *Manager) { m.obs = obs }
}

func WithManagerFanout(p fanout.Publisher) ManagerOption {
	return func(m *Manager) { m.fanout = p }
}

// WithDrainTimeout bounds how long StopStream waits for queued audio to be transcribed.
func WithDrainTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.drainTimeout = d }
}

func NewManager(ctx context.Context, factory EngineFactory, sink Sink, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		ctx:          ctx,
		factory:      factory,
		sink:         sink,
		cfg:          cfg,
		drainTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.NewComponentLogger(m.log, "stream_manager")
	m.obs = metrics.OrNoop(m.obs)
	return m
}

// StartStream starts a pipeline reading from dev. The stream removes itself
// from the manager when its capture ends and its work has drained.
func (m *Manager) StartStream(streamID string, dev capture.Device, meta map[string]string) error {
	if m.draining.Load() {
		return ErrDraining
	}
	if _, ok := m.streams.Load(streamID); ok {
		return ErrStreamExists
	}
	engine, err := m.factory(streamID)
	if err != nil {
		return err
	}
	st := NewStream(streamID, dev, engine, m.sink, m.cfg,
		WithLogger(m.log),
		WithObserver(m.obs),
		WithFanout(m.fanout),
		WithMeta(meta))
	if _, loaded := m.streams.LoadOrStore(streamID, st); loaded {
		return ErrStreamExists
	}
	if err := st.Start(m.ctx); err != nil {
		m.streams.CompareAndDelete(streamID, st)
		return err
	}
	m.count.Add(1)
	m.log.Info("stream_registered",
		slog.String(frames.MetaStreamID, streamID),
		slog.String(frames.MetaSource, meta[frames.MetaSource]))
	go func() {
		<-st.Done()
		if m.streams.CompareAndDelete(streamID, st) {
			m.count.Add(-1)
		}
	}()
	return nil
}

// StopStream ends capture for streamID and waits up to the drain timeout.
func (m *Manager) StopStream(streamID string) {
	st, ok := m.Get(streamID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.drainTimeout)
	defer cancel()
	st.Stop(ctx)
}

func (m *Manager) Get(streamID string) (*Stream, bool) {
	if v, ok := m.streams.Load(streamID); ok {
		return v.(*Stream), true
	}
	return nil, false
}

func (m *Manager) IDs() []string {
	var ids []string
	m.streams.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (m *Manager) Count() int64 {
	return m.count.Load()
}

// CloseAll stops every stream concurrently.
func (m *Manager) CloseAll() {
	var wg sync.WaitGroup
	for _, id := range m.IDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.StopStream(id)
		}(id)
	}
	wg.Wait()
}

func (m *Manager) SetDraining(v bool) {
	m.draining.Store(v)
}

func (m *Manager) Draining() bool {
	return m.draining.Load()
}

func (m *Manager) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if m.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

var _ transports.StreamHandler = (*Manager)(nil)
