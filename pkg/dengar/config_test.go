package dengar

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dengar.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndEnvExpansion(t *testing.T) {
	t.Setenv("DG_KEY", "secret-123")
	t.Setenv("DENGAR_ADDR", ":9100")
	path := writeConfig(t, `
server:
  addr: ${DENGAR_ADDR}
engine:
  provider: deepgram
  settings:
    api_key: ${DG_KEY}
    model: nova-2
queue:
  capacity_ms: 5000
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Fatalf("expected env expanded addr, got %q", cfg.Server.Addr)
	}
	if cfg.Engine.Settings["api_key"] != "secret-123" {
		t.Fatalf("expected expanded api key, got %v", cfg.Engine.Settings["api_key"])
	}
	if cfg.Server.WSPath != "/ws/" || cfg.Session.PingIntervalMS != 30000 || cfg.Upload.WindowSeconds != 30 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	pc := cfg.PipelineConfig()
	if pc.Segment.MaxSegmentDuration != 4500*time.Millisecond || pc.Segment.OverlapDuration != 200*time.Millisecond {
		t.Fatalf("unexpected segment config %+v", pc.Segment)
	}
	if pc.QueueCapacity != 50 {
		t.Fatalf("expected 50 frames for 5s of 100ms blocks, got %d", pc.QueueCapacity)
	}
	sc := cfg.SessionConfig()
	if sc.PongTimeout != 15*time.Second || len(sc.AutoSubscribe) != 0 {
		t.Fatalf("unexpected session config %+v", sc)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing engine", "log_level: debug\n", "engine.provider is required"},
		{"bad capture", "engine: {provider: mock}\ncapture: {provider: mic}\n", "capture.provider"},
		{"overlap too long", "engine: {provider: mock}\nsegment: {chunk_duration_ms: 1000, overlap_ms: 1000}\n", "overlap_ms"},
		{"sample rate", "engine: {provider: mock}\nmetrics: {sample_rate: 2}\n", "metrics.sample_rate"},
	}
	for _, tc := range cases {
		_, err := LoadConfig(writeConfig(t, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestAutoSubscribeFollowsLocalCapture(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.AutoSubscribe = true
	if got := cfg.SessionConfig().AutoSubscribe; len(got) != 0 {
		t.Fatalf("no local capture should mean no auto subscription, got %v", got)
	}
	cfg.Capture.Provider = "stdin"
	got := cfg.SessionConfig().AutoSubscribe
	if len(got) != 1 || got[0] != "local" {
		t.Fatalf("expected auto subscription to local, got %v", got)
	}
}

func TestDumpConfigRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine = VendorConfig{Provider: "whisper_http", Settings: map[string]any{
		"api_key":  "sk-live",
		"base_url": "http://localhost:8080",
	}}
	cfg.Fanout = VendorConfig{Provider: "redis", Settings: map[string]any{"password": "hunter2"}}

	var buf bytes.Buffer
	if err := DumpConfig(&buf, cfg); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "sk-live") || strings.Contains(out, "hunter2") {
		t.Fatalf("secrets leaked:\n%s", out)
	}
	if !strings.Contains(out, "base_url: http://localhost:8080") || !strings.Contains(out, "max_segment_ms: 4500") {
		t.Fatalf("expected plain settings in dump:\n%s", out)
	}
	if cfg.Engine.Settings["api_key"] != "sk-live" {
		t.Fatalf("dump must not modify the caller's settings")
	}
}
