package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/harunnryd/dengar/pkg/configutil"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/media"
	"github.com/harunnryd/dengar/pkg/transcribe"
)

// Config runs a local whisper-style CLI. Args may reference {input},
// {output_dir}, {model}, {language} and {prompt}; arguments whose
// placeholder expands to an empty value are dropped along with the flag before them.
type Config struct {
	Binary string   `mapstructure:"binary"`
	Model  string   `mapstructure:"model"`
	Args   []string `mapstructure:"args"`
}

var Schema = configutil.Schema{
	Optional: []string{"binary", "model", "args"},
}

var defaultArgs = []string{
	"{input}",
	"--model", "{model}",
	"--output_format", "json",
	"--output_dir", "{output_dir}",
	"--language", "{language}",
	"--initial_prompt", "{prompt}",
	"--verbose", "False",
}

type Engine struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Engine {
	if cfg.Binary == "" {
		cfg.Binary = "whisper"
	}
	if cfg.Model == "" {
		cfg.Model = "base"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = defaultArgs
	}
	return &Engine{cfg: cfg, log: logging.NewComponentLogger(log, "command_engine")}
}

func (e *Engine) Name() string { return "command" }

type cliOutput struct {
	Text     string                  `json:"text"`
	Language string                  `json:"language"`
	Segments []transcribe.SubSegment `json:"segments"`
}

func (e *Engine) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.EngineResult, error) {
	dir, err := os.MkdirTemp("", "dengar-cmd-*")
	if err != nil {
		return transcribe.EngineResult{}, err
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "segment.wav")
	f, err := os.Create(input)
	if err != nil {
		return transcribe.EngineResult{}, err
	}
	err = media.EncodeWAV(f, frames.FromFloat32(req.Audio), req.SampleRate, 1)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return transcribe.EngineResult{}, fmt.Errorf("write segment wav: %w", err)
	}

	args := expandArgs(e.cfg.Args, map[string]string{
		"{input}":      input,
		"{output_dir}": dir,
		"{model}":      e.cfg.Model,
		"{language}":   req.Language,
		"{prompt}":     req.Prompt,
	})
	cmd := exec.CommandContext(ctx, e.cfg.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return transcribe.EngineResult{}, fmt.Errorf("%s: %w: %s", e.cfg.Binary, err, strings.TrimSpace(stderr.String()))
	}

	raw, err := os.ReadFile(filepath.Join(dir, "segment.json"))
	if err != nil {
		return transcribe.EngineResult{}, fmt.Errorf("read %s output: %w", e.cfg.Binary, err)
	}
	var out cliOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return transcribe.EngineResult{}, fmt.Errorf("decode %s output: %w", e.cfg.Binary, err)
	}
	req.ReportProgress(1, 1)
	e.log.Debug("command_transcribed", slog.Int("samples", len(req.Audio)), slog.Int("segments", len(out.Segments)))

	lang := out.Language
	if lang == "" {
		lang = req.Language
	}
	return transcribe.EngineResult{
		Text:     out.Text,
		Language: lang,
		Segments: out.Segments,
		Duration: req.Duration().Seconds(),
	}, nil
}

func expandArgs(tpl []string, vars map[string]string) []string {
	out := make([]string, 0, len(tpl))
	for _, a := range tpl {
		if v, ok := vars[a]; ok && v == "" {
			if n := len(out); n > 0 && strings.HasPrefix(out[n-1], "-") {
				out = out[:n-1]
			}
			continue
		}
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out = append(out, a)
	}
	return out
}

var _ transcribe.Engine = (*Engine)(nil)
