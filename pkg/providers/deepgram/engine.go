package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/configutil"
	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/resilience"
	"github.com/harunnryd/dengar/pkg/transcribe"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	SmartFormat *bool  `mapstructure:"smart_format"`
	// SettleTimeout bounds the wait for final results after the last audio write.
	SettleTimeout time.Duration `mapstructure:"settle_timeout"`
	ChunkBytes    int           `mapstructure:"chunk_bytes"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

var Schema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "smart_format", "settle_timeout", "chunk_bytes", "max_retries"},
}

// Engine transcribes each segment over its own Deepgram live websocket,
// streaming linear16 and collecting the final results.
type Engine struct {
	cfg    Config
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Engine, error) {
	if err := configutil.RequireString(cfg.APIKey, "engine.settings.api_key"); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 3 * time.Second
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 8000
	}
	return &Engine{
		cfg:    cfg,
		retry:  resilience.NewRetryPolicy(cfg.MaxRetries, 200*time.Millisecond),
		logger: logging.NewComponentLogger(log, "deepgram_engine"),
	}, nil
}

func (e *Engine) Name() string { return "deepgram" }

func (e *Engine) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.EngineResult, error) {
	audioSeconds := req.Duration().Seconds()
	col := newCollector(audioSeconds, e.logger)

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:       e.cfg.Model,
		Language:    req.Language,
		Encoding:    "linear16",
		SampleRate:  req.SampleRate,
		Channels:    1,
		SmartFormat: configutil.BoolValue(e.cfg.SmartFormat, true),
		Punctuate:   true,
	}
	if req.Prompt != "" {
		transcriptOptions.Keywords = promptKeywords(req.Prompt)
	}

	var dg *client.WSCallback
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		c, err := client.NewWSUsingCallback(ctx, e.cfg.APIKey, &interfaces.ClientOptions{}, transcriptOptions, col)
		if err != nil {
			return err
		}
		if !c.Connect() {
			c.Stop()
			return errors.New("deepgram connection failed")
		}
		dg = c
		return nil
	})
	if err != nil {
		e.logger.Error("deepgram_connect_failed", slog.String("error", err.Error()))
		return transcribe.EngineResult{}, errorsx.Wrap(fmt.Errorf("deepgram connect: %w", err), errorsx.ReasonEngineConnect)
	}
	defer dg.Stop()

	pcm := frames.EncodeS16LE(frames.FromFloat32(req.Audio))
	for off := 0; off < len(pcm); off += e.cfg.ChunkBytes {
		end := min(off+e.cfg.ChunkBytes, len(pcm))
		if _, err := dg.Write(pcm[off:end]); err != nil {
			return transcribe.EngineResult{}, fmt.Errorf("deepgram write: %w", err)
		}
		req.ReportProgress(end, len(pcm))
		if err := ctx.Err(); err != nil {
			return transcribe.EngineResult{}, err
		}
	}
	if err := dg.Finalize(); err != nil {
		e.logger.Debug("deepgram_finalize_failed", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(e.cfg.SettleTimeout)
	defer timer.Stop()
	select {
	case <-col.done:
	case <-timer.C:
		e.logger.Debug("deepgram_settle_timeout", slog.Float64("audio_seconds", audioSeconds))
	case <-ctx.Done():
		return transcribe.EngineResult{}, ctx.Err()
	}
	if err := col.failure(); err != nil {
		return transcribe.EngineResult{}, err
	}
	res := col.result()
	res.Language = req.Language
	res.Duration = audioSeconds
	return res, nil
}

// promptKeywords turns the rolling transcript into a short keyword list.
func promptKeywords(prompt string) []string {
	words := strings.Fields(prompt)
	if len(words) > 10 {
		words = words[len(words)-10:]
	}
	return words
}

// collector implements the live message callback for one segment.
type collector struct {
	audioSeconds float64
	logger       *slog.Logger

	mu       sync.Mutex
	segments []transcribe.SubSegment
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

func newCollector(audioSeconds float64, logger *slog.Logger) *collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &collector{audioSeconds: audioSeconds, logger: logger, done: make(chan struct{})}
}

func (c *collector) finish() { c.doneOnce.Do(func() { close(c.done) }) }

func (c *collector) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *collector) result() transcribe.EngineResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := make([]string, 0, len(c.segments))
	for _, s := range c.segments {
		parts = append(parts, s.Text)
	}
	return transcribe.EngineResult{
		Text:     strings.Join(parts, " "),
		Segments: append([]transcribe.SubSegment(nil), c.segments...),
	}
}

func (c *collector) Open(or *msginterfaces.OpenResponse) error {
	c.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *collector) Message(mr *msginterfaces.MessageResponse) error {
	if !mr.IsFinal {
		return nil
	}
	end := mr.Start + mr.Duration
	if len(mr.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript); text != "" {
			c.mu.Lock()
			c.segments = append(c.segments, transcribe.SubSegment{Start: mr.Start, End: end, Text: text})
			c.mu.Unlock()
		}
	}
	if end >= c.audioSeconds-0.05 {
		c.finish()
	}
	return nil
}

func (c *collector) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *collector) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }
func (c *collector) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error   { return nil }

func (c *collector) Close(*msginterfaces.CloseResponse) error {
	c.finish()
	return nil
}

func (c *collector) Error(er *msginterfaces.ErrorResponse) error {
	c.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg)
	}
	c.mu.Unlock()
	c.finish()
	return nil
}

func (c *collector) UnhandledEvent(byData []byte) error {
	c.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var (
	_ transcribe.Engine                 = (*Engine)(nil)
	_ msginterfaces.LiveMessageCallback = (*collector)(nil)
)
