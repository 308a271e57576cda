package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/fanout"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/progress"
	"github.com/harunnryd/dengar/pkg/providers/mock"
	"github.com/harunnryd/dengar/pkg/session"
	"github.com/harunnryd/dengar/pkg/transcribe"
)

const rate = 16000

type recordingSink struct {
	mu   sync.Mutex
	msgs []any
}

func (s *recordingSink) Publish(streamID string, v any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, v)
	return 1, nil
}

func (s *recordingSink) PublishProgress(streamID string, percent float64, status string) (int, error) {
	return s.Publish(streamID, session.ProgressMessage{Progress: percent, Status: status})
}

func (s *recordingSink) outcomes() (results []session.ResultMessage, errs []session.ErrorMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		switch v := m.(type) {
		case session.ResultMessage:
			results = append(results, v)
		case session.ErrorMessage:
			errs = append(errs, v)
		}
	}
	return results, errs
}

type pcmBuilder struct {
	samples []int16
	phase   float64
}

func (b *pcmBuilder) silence(d time.Duration) *pcmBuilder {
	b.samples = append(b.samples, make([]int16, frames.DurationSamples(d, rate))...)
	return b
}

func (b *pcmBuilder) tone(d time.Duration) *pcmBuilder {
	n := frames.DurationSamples(d, rate)
	for i := 0; i < n; i++ {
		b.phase += 2 * math.Pi * 440 / rate
		b.samples = append(b.samples, int16(0.5*32767*math.Sin(b.phase)))
	}
	return b
}

func (b *pcmBuilder) device() capture.Device {
	return capture.NewReaderDevice(bytes.NewReader(frames.EncodeS16LE(b.samples)), rate, 1, false)
}

func runToCompletion(t *testing.T, dev capture.Device, engine transcribe.Engine, sink Sink) {
	t.Helper()
	// The reader is unpaced, so size the queue to hold the whole input.
	m := NewManager(context.Background(), func(string) (transcribe.Engine, error) { return engine, nil }, sink, Config{QueueCapacity: 1024})
	if err := m.StartStream("local", dev, map[string]string{frames.MetaSource: "test"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !m.WaitForEmpty(ctx, 5*time.Millisecond) {
		t.Fatalf("stream did not finish")
	}
}

func TestSilenceToneSilenceYieldsOneSegment(t *testing.T) {
	engine := mock.NewEngine(mock.EngineConfig{Texts: []string{"hello"}})
	sink := &recordingSink{}
	dev := (&pcmBuilder{}).silence(5 * time.Second).tone(2 * time.Second).silence(time.Second).device()
	runToCompletion(t, dev, engine, sink)

	calls := engine.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one engine call, got %d", len(calls))
	}
	secs := float64(calls[0].Samples) / rate
	if secs < 2.0 || secs > 2.2 {
		t.Fatalf("segment duration %.3fs outside [2.0, 2.2]", secs)
	}
	results, errs := sink.outcomes()
	if len(results) != 1 || len(errs) != 0 || results[0].Text != "hello" || results[0].StreamID != "local" {
		t.Fatalf("unexpected outcomes %+v %+v", results, errs)
	}
}

func TestEngineFailureDoesNotStopStream(t *testing.T) {
	engine := mock.NewEngine(mock.EngineConfig{Texts: []string{"first", "second"}, FailOn: []int{1}})
	sink := &recordingSink{}
	dev := (&pcmBuilder{}).
		silence(time.Second).tone(time.Second).
		silence(time.Second).tone(time.Second).
		silence(time.Second).device()
	runToCompletion(t, dev, engine, sink)

	results, errs := sink.outcomes()
	if len(errs) != 1 || errs[0].Sequence != 1 || errs[0].Reason != string(errorsx.ReasonEngineFailure) {
		t.Fatalf("expected one engine error for segment 1, got %+v", errs)
	}
	if len(results) != 1 || results[0].Sequence != 2 || results[0].Text != "second" {
		t.Fatalf("expected a result for segment 2, got %+v", results)
	}
}

func TestOutcomesArriveInSequenceOrder(t *testing.T) {
	engine := mock.NewEngine(mock.EngineConfig{Texts: []string{"a", "b", "c"}, Delay: 2 * time.Millisecond})
	sink := &recordingSink{}
	b := &pcmBuilder{}
	for i := 0; i < 3; i++ {
		b.silence(500 * time.Millisecond).tone(700 * time.Millisecond)
	}
	runToCompletion(t, b.silence(500*time.Millisecond).device(), engine, sink)

	results, _ := sink.outcomes()
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Sequence != uint64(i+1) {
			t.Fatalf("result %d has sequence %d", i, r.Sequence)
		}
	}
}

type failingDevice struct{}

func (failingDevice) Open(context.Context) error { return errDeviceGone }
func (failingDevice) ReadBlock([]int16) (capture.Status, error) {
	return 0, errDeviceGone
}
func (failingDevice) Close() error { return nil }

var errDeviceGone = errorsx.Wrap(context.Canceled, errorsx.ReasonDeviceOpen)

func TestStartStreamReportsOpenFailure(t *testing.T) {
	m := NewManager(context.Background(), func(string) (transcribe.Engine, error) {
		return mock.NewEngine(mock.EngineConfig{}), nil
	}, &recordingSink{}, Config{})
	if err := m.StartStream("s1", failingDevice{}, nil); !errorsx.HasReason(err, errorsx.ReasonDeviceOpen) {
		t.Fatalf("expected device_open, got %v", err)
	}
	if m.Count() != 0 || len(m.IDs()) != 0 {
		t.Fatalf("failed stream must not stay registered")
	}
}

func TestManagerRejectsDuplicatesAndDraining(t *testing.T) {
	m := NewManager(context.Background(), func(string) (transcribe.Engine, error) {
		return mock.NewEngine(mock.EngineConfig{}), nil
	}, &recordingSink{}, Config{}, WithDrainTimeout(time.Second))
	dev := capture.NewPushDevice(4)
	if err := m.StartStream("call-1", dev, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StartStream("call-1", capture.NewPushDevice(4), nil); err != ErrStreamExists {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}
	m.SetDraining(true)
	if err := m.StartStream("call-2", capture.NewPushDevice(4), nil); err != ErrDraining {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
	m.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !m.WaitForEmpty(ctx, 5*time.Millisecond) {
		t.Fatalf("streams should be gone after CloseAll")
	}
}

func TestDispatcherFlushesProgressPerSubscriber(t *testing.T) {
	sink := &recordingSink{}
	progressCh := make(chan progress.Event, 4)
	progressCh <- progress.Event{Percent: 25, Status: "transcribing"}
	progressCh <- progress.Event{Percent: 100, Status: "completed"}

	outcomes := make(chan transcribe.Outcome)
	close(outcomes)
	newDispatcher("local", sink, fanout.Noop{}, progressCh, slog.Default()).Run(outcomes)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 2 {
		t.Fatalf("expected 2 progress messages, got %d", len(sink.msgs))
	}
	last, ok := sink.msgs[1].(session.ProgressMessage)
	if !ok || last.Progress != 100 || last.Status != "completed" {
		t.Fatalf("unexpected progress %#v", sink.msgs[1])
	}
}
