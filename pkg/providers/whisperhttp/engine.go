package whisperhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/dengar/pkg/configutil"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/media"
	"github.com/harunnryd/dengar/pkg/resilience"
	"github.com/harunnryd/dengar/pkg/transcribe"
)

// Config targets an OpenAI-compatible /v1/audio/transcriptions endpoint,
// such as the OpenAI API or a faster-whisper server.
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

var Schema = configutil.Schema{
	Required: []string{"base_url"},
	Optional: []string{"api_key", "model", "temperature", "timeout", "max_retries"},
}

type Engine struct {
	cfg    Config
	client *http.Client
	retry  resilience.RetryPolicy
	log    *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Engine, error) {
	if err := configutil.RequireString(cfg.BaseURL, "engine.settings.base_url"); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	retry := resilience.NewRetryPolicy(cfg.MaxRetries, 500*time.Millisecond)
	retry.Retryable = retryable
	return &Engine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		retry:  retry,
		log:    logging.NewComponentLogger(log, "whisper_http"),
	}, nil
}

func (e *Engine) Name() string { return "whisper_http" }

type statusError struct {
	Code int
	Body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("transcription endpoint returned %d: %s", e.Code, e.Body)
}

func retryable(err error) bool {
	if resilience.IsRateLimit(err) {
		return true
	}
	if se, ok := err.(statusError); ok {
		return se.Code >= 500
	}
	return false
}

type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (e *Engine) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.EngineResult, error) {
	wav, err := media.WAVBytes(frames.FromFloat32(req.Audio), req.SampleRate, 1)
	if err != nil {
		return transcribe.EngineResult{}, err
	}
	var out verboseResponse
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		return e.post(ctx, wav, req, &out)
	})
	if err != nil {
		return transcribe.EngineResult{}, err
	}
	req.ReportProgress(1, 1)

	res := transcribe.EngineResult{
		Text:     out.Text,
		Language: out.Language,
		Duration: out.Duration,
		Segments: make([]transcribe.SubSegment, 0, len(out.Segments)),
	}
	for _, s := range out.Segments {
		res.Segments = append(res.Segments, transcribe.SubSegment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)})
	}
	if res.Duration == 0 {
		res.Duration = req.Duration().Seconds()
	}
	return res, nil
}

func (e *Engine) post(ctx context.Context, wav []byte, req transcribe.Request, out *verboseResponse) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return err
	}
	if _, err := fw.Write(wav); err != nil {
		return err
	}
	fields := map[string]string{
		"model":           e.cfg.Model,
		"response_format": "verbose_json",
		"temperature":     strconv.FormatFloat(e.cfg.Temperature, 'f', -1, 64),
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	if req.Prompt != "" {
		fields["prompt"] = req.Prompt
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/v1/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if e.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		e.log.Warn("whisper_rate_limited", slog.Int("retry_after_s", retryAfter))
		return resilience.RateLimitError{
			Provider:   e.Name(),
			Message:    strings.TrimSpace(string(raw)),
			RetryAfter: time.Duration(retryAfter) * time.Second,
		}
	case resp.StatusCode/100 != 2:
		return statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode transcription response: %w", err)
	}
	return nil
}

var _ transcribe.Engine = (*Engine)(nil)
