package dengar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/progress"
	"github.com/harunnryd/dengar/pkg/providers/mock"
	"github.com/harunnryd/dengar/pkg/runner"
	"github.com/harunnryd/dengar/pkg/transcribe"
	mockconn "github.com/harunnryd/dengar/pkg/transports/mock"
)

func init() { runner.BannerOutput = nil }

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeTranscoder struct {
	mu      sync.Mutex
	samples []int16
	err     error
	paths   []string
}

func (f *fakeTranscoder) DecodeFile(_ context.Context, path string) ([]int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return f.samples, f.err
}

func (f *fakeTranscoder) lastPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.paths) == 0 {
		return ""
	}
	return f.paths[len(f.paths)-1]
}

func testApp(t *testing.T, cfg Config, engine *mock.Engine, opts Options) *App {
	t.Helper()
	reg := NewProviderRegistry()
	reg.RegisterEngine("mock", func(map[string]any, *slog.Logger) (transcribe.Engine, error) {
		return engine, nil
	})
	cfg.Engine.Provider = "mock"
	opts.Providers = reg
	opts.Logger = quietLog
	app, err := NewApp(cfg, opts)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return app
}

func uploadRequest(t *testing.T, contentType, clientID string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="clip.mp3"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte("not really mp3"))
	if clientID != "" {
		_ = mw.WriteField("client_id", clientID)
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	app := testApp(t, DefaultConfig(), mock.NewEngine(mock.EngineConfig{}), Options{Transcoder: &fakeTranscoder{}})

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health struct {
		Status  string `json:"status"`
		Details struct {
			API      string `json:"api"`
			Sessions int    `json:"sessions"`
			Streams  int    `json:"streams"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" || health.Details.API != "running" || health.Details.Sessions != 0 || health.Details.Streams != 0 {
		t.Fatalf("unexpected health %+v", health)
	}

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus output, got %d", rec.Code)
	}
}

func TestTranscribeUploadJoinsWindows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upload.WindowSeconds = 1
	tc := &fakeTranscoder{samples: make([]int16, transcribeRate*5/2)}
	engine := mock.NewEngine(mock.EngineConfig{Texts: []string{" one ", "two", "three"}, Language: "fi"})
	app := testApp(t, cfg, engine, Options{Transcoder: tc})

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, uploadRequest(t, "audio/mpeg", "viewer-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Transcription FileTranscription `json:"transcription"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := resp.Transcription
	if got.Text != "one two three" {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if got.Language != "fi" || math.Abs(got.Duration-2.5) > 1e-6 {
		t.Fatalf("unexpected language/duration %q %v", got.Language, got.Duration)
	}
	if len(got.Segments) != 3 || got.Segments[1].Start != 1 || math.Abs(got.Segments[2].End-2.5) > 1e-6 {
		t.Fatalf("unexpected segments %+v", got.Segments)
	}
	if n := len(engine.Calls()); n != 3 {
		t.Fatalf("expected one engine call per window, got %d", n)
	}
	if _, err := os.Stat(tc.lastPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp upload not removed: %v", err)
	}
}

func TestTranscribeUploadFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upload.WindowSeconds = 1
	tc := &fakeTranscoder{samples: make([]int16, transcribeRate*2)}
	engine := mock.NewEngine(mock.EngineConfig{FailOn: []int{2}})
	app := testApp(t, cfg, engine, Options{Transcoder: tc})

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, uploadRequest(t, "text/plain", ""))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Invalid file type") {
		t.Fatalf("expected invalid file type, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, uploadRequest(t, "audio/wav", ""))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "scripted failure") {
		t.Fatalf("expected engine failure, got %d %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(tc.lastPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp upload not removed after failure: %v", err)
	}

	tc.err = errorsx.Wrap(errors.New("ffmpeg exploded"), errorsx.ReasonTranscode)
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, uploadRequest(t, "audio/wav", ""))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "ffmpeg exploded") {
		t.Fatalf("expected transcode failure, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transcribe", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestTranscribeUploadTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upload.MaxBytes = 64
	tc := &fakeTranscoder{samples: make([]int16, transcribeRate)}
	engine := mock.NewEngine(mock.EngineConfig{})
	app := testApp(t, cfg, engine, Options{Transcoder: tc})

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, uploadRequest(t, "audio/wav", ""))
	if rec.Code != http.StatusRequestEntityTooLarge || !strings.Contains(rec.Body.String(), "exceeds 64 bytes") {
		t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
	}
	if n := len(engine.Calls()); n != 0 {
		t.Fatalf("oversized upload reached the engine %d times", n)
	}
}

func TestViewerDisconnectDetachesUploadProgress(t *testing.T) {
	app := testApp(t, DefaultConfig(), mock.NewEngine(mock.EngineConfig{}), Options{Transcoder: &fakeTranscoder{}})
	conn := mockconn.New()
	if err := app.Sessions().Connect(conn, "viewer-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sink, stop := app.progressSink("viewer-1")
	sink(progress.Event{Percent: 10, Status: "transcribing"})
	waitFor(t, "first progress message", func() bool { return len(conn.Messages()) == 1 })

	app.Sessions().Disconnect("viewer-1")
	app.uploadsMu.Lock()
	for u := range app.uploads["viewer-1"] {
		if !u.detached.Load() {
			app.uploadsMu.Unlock()
			t.Fatalf("upload progress still attached after the viewer left")
		}
	}
	app.uploadsMu.Unlock()

	sink(progress.Event{Percent: 60, Status: "transcribing"})
	stop()
	if got := len(conn.Messages()); got != 1 {
		t.Fatalf("progress sent after disconnect: %d messages", got)
	}
	app.uploadsMu.Lock()
	defer app.uploadsMu.Unlock()
	if len(app.uploads) != 0 {
		t.Fatalf("finished upload was not unregistered")
	}
}

func speechPCM(seconds ...float64) []byte {
	var buf bytes.Buffer
	tone := false
	for _, s := range seconds {
		n := int(s * transcribeRate)
		samples := make([]int16, n)
		if tone {
			for i := range samples {
				samples[i] = int16(0.5 * 32767 * math.Sin(2*math.Pi*440*float64(i)/transcribeRate))
			}
		}
		buf.Write(frames.EncodeS16LE(samples))
		tone = !tone
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunTranscribesStdinAndDrains(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Capture.Provider = "stdin"
	cfg.Queue.CapacityMS = 60000
	cfg.Server.DrainTimeoutMS = 2000
	engine := mock.NewEngine(mock.EngineConfig{Texts: []string{"hello"}})
	app := testApp(t, cfg, engine, Options{
		Transcoder: &fakeTranscoder{},
		Input:      bytes.NewReader(speechPCM(1, 1, 1)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	waitFor(t, "engine call", func() bool { return len(engine.Calls()) > 0 })
	waitFor(t, "local stream end", func() bool { return app.Streams().Count() == 0 })
	addr := app.Addr()
	if addr == nil {
		t.Fatalf("expected bound address")
	}
	resp, err := http.Get("http://" + addr.String() + "/health")
	if err != nil {
		t.Fatalf("health over tcp: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("app did not stop")
	}
	if app.State() != runner.StateStopped {
		t.Fatalf("expected stopped, got %s", app.State())
	}
}

func TestRunFailsWhenLocalCaptureCannotOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Capture.Provider = "ffmpeg"
	cfg.Capture.Settings = map[string]any{"ffmpeg_binary": "/nonexistent/ffmpeg", "input_args": "-f,alsa,-i,default"}
	app := testApp(t, cfg, mock.NewEngine(mock.EngineConfig{}), Options{Transcoder: &fakeTranscoder{}})

	err := app.Run(context.Background())
	if err == nil {
		t.Fatalf("expected startup failure")
	}
	if !errorsx.HasReason(err, errorsx.ReasonDeviceOpen) {
		t.Fatalf("expected device_open reason, got %v", err)
	}
	if app.Streams().Count() != 0 {
		t.Fatalf("failed stream must not stay registered")
	}
}

func TestNewAppRejectsUnknownProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Provider = "nope"
	if _, err := NewApp(cfg, Options{Logger: quietLog, Transcoder: &fakeTranscoder{}}); err == nil || !strings.Contains(err.Error(), "engine provider not registered") {
		t.Fatalf("expected unknown engine error, got %v", err)
	}

	reg := NewProviderRegistry()
	reg.RegisterEngine("mock", func(map[string]any, *slog.Logger) (transcribe.Engine, error) {
		return mock.NewEngine(mock.EngineConfig{}), nil
	})
	cfg.Engine.Provider = "MOCK"
	cfg.Fanout.Provider = "kafka"
	if _, err := NewApp(cfg, Options{Providers: reg, Logger: quietLog, Transcoder: &fakeTranscoder{}}); err == nil || !strings.Contains(err.Error(), "fanout provider not registered") {
		t.Fatalf("expected unknown fanout error, got %v", err)
	}
}
