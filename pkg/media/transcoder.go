package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
)

// Transcoder converts an audio file into raw PCM at a fixed rate and channel count.
type Transcoder interface {
	DecodeFile(ctx context.Context, path string) ([]int16, error)
}

// FFmpeg shells out to an ffmpeg binary.
type FFmpeg struct {
	Binary     string
	SampleRate int
	Channels   int
	log        *slog.Logger
}

func NewFFmpeg(binary string, sampleRate, channels int, log *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &FFmpeg{
		Binary:     binary,
		SampleRate: sampleRate,
		Channels:   channels,
		log:        logging.NewComponentLogger(log, "ffmpeg"),
	}
}

// outputArgs are the arguments that make ffmpeg write s16le to stdout.
func (f *FFmpeg) outputArgs() []string {
	return []string{
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	}
}

// DecodeFile runs ffmpeg on path and returns the decoded samples.
func (f *FFmpeg) DecodeFile(ctx context.Context, path string) ([]int16, error) {
	args := append([]string{"-nostdin", "-hide_banner", "-loglevel", "error", "-i", path}, f.outputArgs()...)
	cmd := exec.CommandContext(ctx, f.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		f.log.Warn("ffmpeg_decode_failed", slog.String("path", path), slog.String("error", err.Error()), slog.String("stderr", msg))
		return nil, errorsx.Wrap(fmt.Errorf("ffmpeg decode %s: %w: %s", path, err, msg), errorsx.ReasonTranscode)
	}
	return frames.DecodeS16LE(stdout.Bytes()), nil
}

// FFmpegDevice captures a live input through ffmpeg, e.g. InputArgs
// {"-f", "alsa", "-i", "default"}. It satisfies capture.Device.
type FFmpegDevice struct {
	ff        *FFmpeg
	inputArgs []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	reader *capture.ReaderDevice
	stderr bytes.Buffer
}

func NewFFmpegDevice(ff *FFmpeg, inputArgs []string) *FFmpegDevice {
	return &FFmpegDevice{ff: ff, inputArgs: append([]string(nil), inputArgs...)}
}

func (d *FFmpegDevice) Open(ctx context.Context) error {
	if len(d.inputArgs) == 0 {
		return fmt.Errorf("ffmpeg device: no input arguments")
	}
	args := append([]string{"-nostdin", "-hide_banner", "-loglevel", "error"}, d.inputArgs...)
	args = append(args, d.ff.outputArgs()...)
	cmd := exec.Command(d.ff.Binary, args...)
	cmd.Stderr = &d.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	d.mu.Lock()
	d.cmd = cmd
	d.reader = capture.NewReaderDevice(stdout, d.ff.SampleRate, d.ff.Channels, false)
	d.mu.Unlock()
	if err := d.reader.Open(ctx); err != nil {
		_ = d.Close()
		return err
	}
	d.ff.log.Info("ffmpeg_device_opened", slog.String("input", strings.Join(d.inputArgs, " ")))
	return nil
}

func (d *FFmpegDevice) ReadBlock(buf []int16) (capture.Status, error) {
	d.mu.Lock()
	r := d.reader
	d.mu.Unlock()
	if r == nil {
		return 0, io.EOF
	}
	return r.ReadBlock(buf)
}

// Close stops ffmpeg and reaps it.
func (d *FFmpegDevice) Close() error {
	d.mu.Lock()
	cmd, r := d.cmd, d.reader
	d.cmd = nil
	d.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if r != nil {
		_ = r.Close()
	}
	_ = cmd.Wait()
	return nil
}
