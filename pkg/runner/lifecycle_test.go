package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func init() { BannerOutput = nil }

func TestLifecycleRunsHooksAndDrains(t *testing.T) {
	var started, drained, stopped atomic.Bool
	r := NewLifecycleRunner(DrainerFunc(func() error {
		drained.Store(true)
		return nil
	}), Hooks{
		OnStart: func(context.Context) error { started.Store(true); return nil },
		OnStop:  func() { stopped.Store(true) },
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state %s", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !started.Load() || !drained.Load() || !stopped.Load() {
		t.Fatalf("hooks not run: start=%v drain=%v stop=%v", started.Load(), drained.Load(), stopped.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("second run should fail")
	}
}

func TestLifecycleStartFailureDrains(t *testing.T) {
	var drained atomic.Bool
	boom := errors.New("device busy")
	r := NewLifecycleRunner(DrainerFunc(func() error {
		drained.Store(true)
		return nil
	}), Hooks{OnStart: func(context.Context) error { return boom }}, time.Second)

	err := r.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if !drained.Load() || r.State() != StateStopped {
		t.Fatalf("expected drained and stopped, drained=%v state=%s", drained.Load(), r.State())
	}
}

func TestLifecycleDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainerFunc(func() error {
		<-block
		return nil
	}), Hooks{}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestLifecycleStopBeforeRunningEndsRun(t *testing.T) {
	release := make(chan struct{})
	r := NewLifecycleRunner(nil, Hooks{OnStart: func(context.Context) error {
		<-release
		return nil
	}}, time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	for r.State() != StateStarting {
		time.Sleep(time.Millisecond)
	}
	stopErr := make(chan error, 1)
	go func() { stopErr <- r.Stop() }()
	<-r.Done()
	close(release)

	if err := <-stopErr; err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after stop")
	}
}
