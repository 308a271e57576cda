package dengar

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/framequeue"
	"github.com/harunnryd/dengar/pkg/pipeline"
	"github.com/harunnryd/dengar/pkg/segment"
	"github.com/harunnryd/dengar/pkg/session"
	"github.com/harunnryd/dengar/pkg/transcribe"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig     `mapstructure:"server" yaml:"server"`
	Session     SessionConfig    `mapstructure:"session" yaml:"session"`
	Capture     CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Queue       QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Segment     SegmentConfig    `mapstructure:"segment" yaml:"segment"`
	Transcribe  TranscribeConfig `mapstructure:"transcribe" yaml:"transcribe"`
	Engine      VendorConfig     `mapstructure:"engine" yaml:"engine"`
	Fanout      VendorConfig     `mapstructure:"fanout" yaml:"fanout"`
	Gateways    GatewaysConfig   `mapstructure:"gateways" yaml:"gateways"`
	Metrics     MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Upload      UploadConfig     `mapstructure:"upload" yaml:"upload"`
	Environment string           `mapstructure:"environment" yaml:"environment"`
	LogLevel    string           `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string           `mapstructure:"log_format" yaml:"log_format"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider" yaml:"provider"`
	Settings map[string]any `mapstructure:"settings" yaml:"settings,omitempty"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	WSPath         string   `mapstructure:"ws_path" yaml:"ws_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
	// AutoSubscribe subscribes every viewer to the local capture stream.
	AutoSubscribe  bool `mapstructure:"auto_subscribe" yaml:"auto_subscribe"`
	DrainTimeoutMS int  `mapstructure:"drain_timeout_ms" yaml:"drain_timeout_ms"`
}

type SessionConfig struct {
	PingIntervalMS    int `mapstructure:"ping_interval_ms" yaml:"ping_interval_ms"`
	PongTimeoutMS     int `mapstructure:"pong_timeout_ms" yaml:"pong_timeout_ms"`
	CleanupIntervalMS int `mapstructure:"cleanup_interval_ms" yaml:"cleanup_interval_ms"`
	WriteTimeoutMS    int `mapstructure:"write_timeout_ms" yaml:"write_timeout_ms"`
	SendBuffer        int `mapstructure:"send_buffer" yaml:"send_buffer"`
}

// CaptureConfig describes the optional local input. Provider is one of
// "none", "stdin" or "ffmpeg"; settings carry the ffmpeg input arguments.
type CaptureConfig struct {
	Provider             string         `mapstructure:"provider" yaml:"provider"`
	StreamID             string         `mapstructure:"stream_id" yaml:"stream_id"`
	SampleRate           int            `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels             int            `mapstructure:"channels" yaml:"channels"`
	BlockMS              int            `mapstructure:"block_ms" yaml:"block_ms"`
	StatusErrorThreshold int            `mapstructure:"status_error_threshold" yaml:"status_error_threshold"`
	StatusWindowMS       int            `mapstructure:"status_window_ms" yaml:"status_window_ms"`
	Settings             map[string]any `mapstructure:"settings" yaml:"settings,omitempty"`
}

type QueueConfig struct {
	CapacityMS int `mapstructure:"capacity_ms" yaml:"capacity_ms"`
}

type SegmentConfig struct {
	StaticThreshold float64 `mapstructure:"static_threshold" yaml:"static_threshold"`
	DynamicFactor   float64 `mapstructure:"dynamic_factor" yaml:"dynamic_factor"`
	PeakDecay       float64 `mapstructure:"peak_decay" yaml:"peak_decay"`
	ChunkDurationMS int     `mapstructure:"chunk_duration_ms" yaml:"chunk_duration_ms"`
	MaxSegmentMS    int     `mapstructure:"max_segment_ms" yaml:"max_segment_ms"`
	OverlapMS       int     `mapstructure:"overlap_ms" yaml:"overlap_ms"`
}

type TranscribeConfig struct {
	Language          string `mapstructure:"language" yaml:"language"`
	UseContext        bool   `mapstructure:"use_context" yaml:"use_context"`
	ContextChars      int    `mapstructure:"context_chars" yaml:"context_chars"`
	EngineTimeoutMS   int    `mapstructure:"engine_timeout_ms" yaml:"engine_timeout_ms"`
	SegmentBuffer     int    `mapstructure:"segment_buffer" yaml:"segment_buffer"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold" yaml:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms" yaml:"circuit_cooldown_ms"`
}

type GatewayConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Settings map[string]any `mapstructure:"settings" yaml:"settings,omitempty"`
}

type GatewaysConfig struct {
	Twilio      GatewayConfig `mapstructure:"twilio" yaml:"twilio"`
	AudioSocket GatewayConfig `mapstructure:"audiosocket" yaml:"audiosocket"`
}

type MetricsConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Path       string  `mapstructure:"path" yaml:"path"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	JSONLPath  string  `mapstructure:"jsonl_path" yaml:"jsonl_path,omitempty"`
}

type UploadConfig struct {
	WindowSeconds int   `mapstructure:"window_seconds" yaml:"window_seconds"`
	MaxBytes      int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.ws_path", "/ws/")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.auto_subscribe", false)
	v.SetDefault("server.drain_timeout_ms", 20000)
	v.SetDefault("session.ping_interval_ms", 30000)
	v.SetDefault("session.pong_timeout_ms", 15000)
	v.SetDefault("session.cleanup_interval_ms", 60000)
	v.SetDefault("session.write_timeout_ms", 10000)
	v.SetDefault("session.send_buffer", 64)
	v.SetDefault("capture.provider", "none")
	v.SetDefault("capture.stream_id", "local")
	v.SetDefault("capture.sample_rate", 16000)
	v.SetDefault("capture.channels", 1)
	v.SetDefault("capture.block_ms", 100)
	v.SetDefault("capture.status_error_threshold", 10)
	v.SetDefault("capture.status_window_ms", 10000)
	v.SetDefault("queue.capacity_ms", 0)
	v.SetDefault("segment.static_threshold", 0.01)
	v.SetDefault("segment.dynamic_factor", 0.02)
	v.SetDefault("segment.peak_decay", 0.95)
	v.SetDefault("segment.chunk_duration_ms", 3000)
	v.SetDefault("segment.max_segment_ms", 4500)
	v.SetDefault("segment.overlap_ms", 200)
	v.SetDefault("transcribe.language", "")
	v.SetDefault("transcribe.use_context", true)
	v.SetDefault("transcribe.context_chars", 224)
	v.SetDefault("transcribe.engine_timeout_ms", 120000)
	v.SetDefault("transcribe.segment_buffer", 8)
	v.SetDefault("transcribe.circuit_threshold", 5)
	v.SetDefault("transcribe.circuit_cooldown_ms", 30000)
	v.SetDefault("fanout.provider", "none")
	v.SetDefault("gateways.twilio.enabled", false)
	v.SetDefault("gateways.audiosocket.enabled", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("upload.window_seconds", 30)
	v.SetDefault("upload.max_bytes", 256<<20)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads path, applies defaults, expands ${ENV} references and
// validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the defaults alone. It still needs an engine
// provider before it validates.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decodeConfig(v)
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Engine.Provider) == "" {
		return fmt.Errorf("engine.provider is required")
	}
	switch c.CaptureProvider() {
	case "none", "stdin", "ffmpeg":
	default:
		return fmt.Errorf("capture.provider %q is not one of none, stdin, ffmpeg", c.Capture.Provider)
	}
	if c.CaptureProvider() != "none" && strings.TrimSpace(c.Capture.StreamID) == "" {
		return fmt.Errorf("capture.stream_id is required when capture.provider is %s", c.Capture.Provider)
	}
	if c.Segment.OverlapMS >= c.Segment.ChunkDurationMS && c.Segment.ChunkDurationMS > 0 {
		return fmt.Errorf("segment.overlap_ms must be shorter than segment.chunk_duration_ms")
	}
	if c.Segment.MaxSegmentMS > 0 && c.Segment.MaxSegmentMS < c.Segment.ChunkDurationMS {
		return fmt.Errorf("segment.max_segment_ms must not be shorter than segment.chunk_duration_ms")
	}
	if c.Metrics.SampleRate < 0 || c.Metrics.SampleRate > 1 {
		return fmt.Errorf("metrics.sample_rate must be within [0, 1]")
	}
	if c.Upload.WindowSeconds < 0 {
		return fmt.Errorf("upload.window_seconds must not be negative")
	}
	return nil
}

// CaptureProvider is the normalized capture provider; empty means none.
func (c Config) CaptureProvider() string {
	p := strings.ToLower(strings.TrimSpace(c.Capture.Provider))
	if p == "" {
		return "none"
	}
	return p
}

// PipelineConfig converts the file sections into the per-stream pipeline config.
func (c Config) PipelineConfig() pipeline.Config {
	captureCfg := capture.Config{
		SampleRate:           c.Capture.SampleRate,
		Channels:             c.Capture.Channels,
		BlockDuration:        ms(c.Capture.BlockMS),
		StatusErrorThreshold: c.Capture.StatusErrorThreshold,
		StatusWindow:         ms(c.Capture.StatusWindowMS),
	}.WithDefaults()
	cfg := pipeline.Config{
		Capture: captureCfg,
		Segment: segment.Config{
			StaticThreshold:    c.Segment.StaticThreshold,
			DynamicFactor:      c.Segment.DynamicFactor,
			PeakDecay:          c.Segment.PeakDecay,
			ChunkDuration:      ms(c.Segment.ChunkDurationMS),
			MaxSegmentDuration: ms(c.Segment.MaxSegmentMS),
			OverlapDuration:    ms(c.Segment.OverlapMS),
		},
		Transcribe: transcribe.Config{
			Language:      c.Transcribe.Language,
			UseContext:    c.Transcribe.UseContext,
			ContextChars:  c.Transcribe.ContextChars,
			EngineTimeout: ms(c.Transcribe.EngineTimeoutMS),
		},
		SegmentBuffer:    c.Transcribe.SegmentBuffer,
		CircuitThreshold: c.Transcribe.CircuitThreshold,
		CircuitCooldown:  ms(c.Transcribe.CircuitCooldownMS),
	}
	if c.Queue.CapacityMS > 0 {
		cfg.QueueCapacity = framequeue.CapacityFor(ms(c.Queue.CapacityMS), captureCfg.BlockDuration)
	}
	return cfg.WithDefaults()
}

// SessionConfig converts the session section into the registry config.
func (c Config) SessionConfig() session.Config {
	cfg := session.Config{
		PingInterval:    ms(c.Session.PingIntervalMS),
		PongTimeout:     ms(c.Session.PongTimeoutMS),
		CleanupInterval: ms(c.Session.CleanupIntervalMS),
		WriteTimeout:    ms(c.Session.WriteTimeoutMS),
		SendBuffer:      c.Session.SendBuffer,
	}
	if c.Server.AutoSubscribe && c.CaptureProvider() != "none" {
		cfg.AutoSubscribe = []string{c.Capture.StreamID}
	}
	return cfg.WithDefaults()
}

func (c Config) DrainTimeout() time.Duration {
	if c.Server.DrainTimeoutMS <= 0 {
		return 20 * time.Second
	}
	return ms(c.Server.DrainTimeoutMS)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

var secretKeyHints = []string{"key", "token", "secret", "password"}

// DumpConfig writes cfg as YAML with secret-looking settings masked.
func DumpConfig(w io.Writer, cfg Config) error {
	cfg.Engine.Settings = redactSettings(cfg.Engine.Settings)
	cfg.Fanout.Settings = redactSettings(cfg.Fanout.Settings)
	cfg.Capture.Settings = redactSettings(cfg.Capture.Settings)
	cfg.Gateways.Twilio.Settings = redactSettings(cfg.Gateways.Twilio.Settings)
	cfg.Gateways.AudioSocket.Settings = redactSettings(cfg.Gateways.AudioSocket.Settings)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func redactSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		if s, ok := v.(string); ok && s != "" && isSecretKey(k) {
			out[k] = "***"
			continue
		}
		if m, ok := v.(map[string]any); ok {
			out[k] = redactSettings(m)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, hint := range secretKeyHints {
		if strings.Contains(k, hint) {
			return true
		}
	}
	return false
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Engine.Settings = expandSettings(cfg.Engine.Settings)
	cfg.Fanout.Settings = expandSettings(cfg.Fanout.Settings)
	cfg.Capture.Settings = expandSettings(cfg.Capture.Settings)
	cfg.Gateways.Twilio.Settings = expandSettings(cfg.Gateways.Twilio.Settings)
	cfg.Gateways.AudioSocket.Settings = expandSettings(cfg.Gateways.AudioSocket.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			if ks, ok := k.(string); ok {
				out[ks] = expandAny(v)
			}
		}
		return out
	default:
		return v
	}
}

// expandValue walks typed fields; settings maps are handled by expandSettings.
func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
