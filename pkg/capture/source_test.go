package capture

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/metrics"
)

type failingDevice struct{}

func (failingDevice) Open(context.Context) error        { return errors.New("no such device") }
func (failingDevice) ReadBlock([]int16) (Status, error) { return 0, nil }
func (failingDevice) Close() error                      { return nil }

type flaggingDevice struct {
	closed atomic.Bool
}

func (d *flaggingDevice) Open(context.Context) error { return nil }
func (d *flaggingDevice) ReadBlock(buf []int16) (Status, error) {
	if d.closed.Load() {
		return 0, errors.New("closed")
	}
	return StatusInputOverflow, nil
}
func (d *flaggingDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func testConfig() Config {
	return Config{SampleRate: 16000, Channels: 1, BlockDuration: 10 * time.Millisecond}
}

func TestStartOpenFailureIsDeviceOpen(t *testing.T) {
	src := NewSource("s1", failingDevice{}, testConfig())
	err := src.Start(func(frames.AudioFrame) {})
	if err == nil {
		t.Fatalf("expected open error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonDeviceOpen) {
		t.Fatalf("expected device_open, got %q", errorsx.Reason(err))
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
}

func TestReaderSourceDeliversOrderedFrames(t *testing.T) {
	samples := make([]int16, 160*5)
	for i := range samples {
		samples[i] = int16(i)
	}
	dev := NewReaderDevice(bytes.NewReader(frames.EncodeS16LE(samples)), 16000, 1, false)
	src := NewSource("s1", dev, testConfig())

	var mu sync.Mutex
	var got []frames.AudioFrame
	if err := src.Start(func(f frames.AudioFrame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("source did not finish at end of input")
	}
	if err, ok := <-src.Err(); ok || err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(got))
	}
	for i, f := range got {
		if f.Seq() != uint64(i+1) {
			t.Fatalf("frame %d has seq %d", i, f.Seq())
		}
		if f.Len() != 160 || f.Rate() != 16000 || f.StreamID() != "s1" {
			t.Fatalf("unexpected frame shape: len=%d rate=%d stream=%s", f.Len(), f.Rate(), f.StreamID())
		}
		if f.Samples()[0] != int16(i*160) {
			t.Fatalf("frame %d starts with %d", i, f.Samples()[0])
		}
	}
}

func TestReaderDevicePadsShortTail(t *testing.T) {
	dev := NewReaderDevice(bytes.NewReader(frames.EncodeS16LE([]int16{1, 2, 3})), 16000, 1, false)
	if err := dev.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	buf := make([]int16, 4)
	if _, err := dev.ReadBlock(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[2] != 3 || buf[3] != 0 {
		t.Fatalf("expected zero padded tail, got %v", buf)
	}
	if _, err := dev.ReadBlock(buf); err == nil {
		t.Fatalf("expected EOF after short tail")
	}
}

func TestStatusThresholdTearsDown(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	cfg := testConfig()
	cfg.StatusErrorThreshold = 3
	src := NewSource("s1", &flaggingDevice{}, cfg, WithObserver(obs))

	var delivered atomic.Int32
	if err := src.Start(func(frames.AudioFrame) { delivered.Add(1) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-src.Err():
		if !errorsx.HasReason(err, errorsx.ReasonDeviceStatus) {
			t.Fatalf("expected device_status, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected fatal status error")
	}
	<-src.Done()
	if delivered.Load() != 3 {
		t.Fatalf("expected 3 frames before teardown, got %d", delivered.Load())
	}
	if obs.Count(metrics.EventCaptureStatus) != 4 {
		t.Fatalf("expected 4 status events, got %d", obs.Count(metrics.EventCaptureStatus))
	}
	_ = src.Stop()
}

func TestStopIsIdempotentAndSilencesHandler(t *testing.T) {
	dev := NewPushDevice(8)
	src := NewSource("s1", dev, testConfig())

	var calls atomic.Int32
	if err := src.Start(func(frames.AudioFrame) { calls.Add(1) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	stopFeed := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopFeed:
				return
			default:
				dev.Write(make([]int16, 160))
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stopFeed)

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != after {
		t.Fatalf("handler called after stop: %d -> %d", after, calls.Load())
	}
}

func TestPushDeviceOverflowFlagsNextBlock(t *testing.T) {
	dev := NewPushDevice(1)
	if !dev.Write([]int16{1, 2}) {
		t.Fatalf("first write should fit")
	}
	if dev.Write([]int16{3, 4}) {
		t.Fatalf("second write should overflow")
	}
	dev.End()

	buf := make([]int16, 2)
	status, err := dev.ReadBlock(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !status.Has(StatusInputOverflow) {
		t.Fatalf("expected overflow flag, got %s", status)
	}
	if buf[0] != 1 || buf[1] != 2 {
		t.Fatalf("unexpected samples %v", buf)
	}
	if _, err := dev.ReadBlock(buf); err == nil {
		t.Fatalf("expected EOF after end")
	}
}

func TestPushDeviceSplitsChunksAcrossBlocks(t *testing.T) {
	dev := NewPushDevice(4)
	dev.Write([]int16{1, 2, 3})
	dev.Write([]int16{4, 5})
	dev.End()

	buf := make([]int16, 2)
	var all []int16
	for {
		if _, err := dev.ReadBlock(buf); err != nil {
			break
		}
		all = append(all, buf...)
	}
	want := []int16{1, 2, 3, 4, 5, 0}
	if len(all) != len(want) {
		t.Fatalf("got %v want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("got %v want %v", all, want)
		}
	}
}

func TestStatusString(t *testing.T) {
	s := StatusInputOverflow | StatusDeviceError
	if s.String() != "input_overflow|device_error" {
		t.Fatalf("unexpected %q", s.String())
	}
	if Status(0).String() != "ok" {
		t.Fatalf("zero status should be ok")
	}
}
