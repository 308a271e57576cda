package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dengar/pkg/logging"
)

var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner moves a process through New, Starting, Running, Draining
// and Stopped. Draining runs once no matter how the stop was triggered.
type LifecycleRunner struct {
	state   atomic.Int32
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

type Option func(*LifecycleRunner)

func WithLogger(log *slog.Logger) Option {
	return func(r *LifecycleRunner) { r.log = log }
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration, opts ...Option) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		cancel:  func() {},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.NewComponentLogger(r.log, "lifecycle")
	return r
}

// Run blocks until ctx is cancelled or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.transition(StateNew, StateStarting) {
		return fmt.Errorf("run from state %s", r.State())
	}
	PrintBanner(BannerOutput)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			cancel()
			return errors.Join(fmt.Errorf("start: %w", err), r.stop())
		}
	}
	if !r.transition(StateStarting, StateRunning) {
		// Stop won the race while OnStart was running.
		<-r.done
		return r.stopErr
	}
	<-ctx.Done()
	return r.stop()
}

// Stop cancels Run and waits for the drain to finish.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State { return State(r.state.Load()) }

// Done is closed once the runner reaches StateStopped.
func (r *LifecycleRunner) Done() <-chan struct{} { return r.done }

func (r *LifecycleRunner) stop() error {
	r.stopOnce.Do(func() {
		r.set(StateDraining)
		start := time.Now()
		if r.drainer != nil {
			errCh := make(chan error, 1)
			go func() { errCh <- r.drainer.Drain() }()
			select {
			case r.stopErr = <-errCh:
			case <-time.After(r.timeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.stopErr != nil {
			r.log.Warn("drain_failed",
				slog.String("error", r.stopErr.Error()),
				slog.Duration("elapsed", time.Since(start)))
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.set(StateStopped)
		close(r.done)
	})
	<-r.done
	return r.stopErr
}

func (r *LifecycleRunner) transition(from, to State) bool {
	if !r.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	r.log.Debug("lifecycle_state", slog.String("from", from.String()), slog.String("to", to.String()))
	return true
}

func (r *LifecycleRunner) set(s State) {
	from := State(r.state.Swap(int32(s)))
	r.log.Debug("lifecycle_state", slog.String("from", from.String()), slog.String("to", s.String()))
}
