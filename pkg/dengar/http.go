package dengar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/dengar/pkg/progress"
	"github.com/harunnryd/dengar/pkg/segment"
	"github.com/harunnryd/dengar/pkg/session"
	"github.com/harunnryd/dengar/pkg/transcribe"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// transcribeRate is the sample rate every engine receives.
const transcribeRate = 16000

// FileTranscription is the body of a successful POST /transcribe.
type FileTranscription struct {
	Text     string                  `json:"text"`
	Language string                  `json:"language"`
	Duration float64                 `json:"duration"`
	Segments []transcribe.SubSegment `json:"segments"`
}

func (a *App) routes() {
	a.viewers.Register(a.mux)
	a.mux.HandleFunc("/health", a.handleHealth)
	a.mux.HandleFunc("/transcribe", a.handleTranscribe)
	if a.promReg != nil {
		a.mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{Registry: a.promReg}))
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"details": map[string]any{
			"api":      "running",
			"sessions": a.sessions.Count(),
			"streams":  a.streams.Count(),
		},
	})
}

// handleTranscribe transcribes an uploaded audio file window by window,
// reporting progress to the websocket session named by client_id.
func (a *App) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.cfg.Upload.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.cfg.Upload.MaxBytes)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeDetail(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if !strings.HasPrefix(header.Header.Get("Content-Type"), "audio/") {
		writeDetail(w, http.StatusBadRequest, "Invalid file type")
		return
	}
	clientID := r.FormValue("client_id")

	path, err := saveUpload(file, filepath.Ext(header.Filename))
	if path != "" {
		defer os.Remove(path)
	}
	if err != nil {
		a.log.Error("upload_save_failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	sink, stop := a.progressSink(clientID)
	defer stop()
	reporter := progress.New(clientID, 0, sink)

	start := time.Now()
	result, err := a.transcribeFile(r.Context(), path, reporter)
	if err != nil {
		reporter.Fail(err)
		a.log.Warn("upload_transcribe_failed",
			slog.String("client_id", clientID),
			slog.String("file", header.Filename),
			slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	reporter.Complete()
	a.log.Info("upload_transcribed",
		slog.String("client_id", clientID),
		slog.String("file", header.Filename),
		slog.Float64("duration", result.Duration),
		slog.Duration("elapsed", time.Since(start)))
	writeJSON(w, http.StatusOK, map[string]any{"transcription": result})
}

func saveUpload(r io.Reader, ext string) (string, error) {
	tmp, err := os.CreateTemp("", "dengar-upload-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return tmp.Name(), err
	}
	return tmp.Name(), tmp.Close()
}

// uploadProgress forwards one upload's progress events to a viewer session
// until that viewer goes away.
type uploadProgress struct {
	ch       chan progress.Event
	done     chan struct{}
	detached atomic.Bool
}

// progressSink forwards reporter events to clientID from a separate
// goroutine so the reporter never blocks on a slow connection. stop flushes
// what is queued.
func (a *App) progressSink(clientID string) (progress.Sink, func()) {
	if clientID == "" {
		return nil, func() {}
	}
	u := &uploadProgress{
		ch:   make(chan progress.Event, 32),
		done: make(chan struct{}),
	}
	a.uploadsMu.Lock()
	if a.uploads[clientID] == nil {
		a.uploads[clientID] = make(map[*uploadProgress]struct{})
	}
	a.uploads[clientID][u] = struct{}{}
	a.uploadsMu.Unlock()

	go func() {
		defer close(u.done)
		for ev := range u.ch {
			if u.detached.Load() {
				continue
			}
			if err := a.sessions.SendProgress(clientID, ev.Percent, ev.Status); err != nil {
				a.log.Debug("upload_progress_dropped",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()))
			}
		}
	}()
	return progress.ChannelSink(u.ch), func() {
		close(u.ch)
		<-u.done
		a.uploadsMu.Lock()
		delete(a.uploads[clientID], u)
		if len(a.uploads[clientID]) == 0 {
			delete(a.uploads, clientID)
		}
		a.uploadsMu.Unlock()
	}
}

// detachUploads stops progress forwarding for clientID once its session is
// gone. A replaced session keeps receiving under the same id.
func (a *App) detachUploads(clientID, reason string) {
	if reason == session.ReasonReplaced {
		return
	}
	a.uploadsMu.Lock()
	n := 0
	for u := range a.uploads[clientID] {
		u.detached.Store(true)
		n++
	}
	a.uploadsMu.Unlock()
	if n > 0 {
		a.log.Info("upload_progress_detached",
			slog.String("client_id", clientID),
			slog.String("reason", reason),
			slog.Int("uploads", n))
	}
}

// transcribeFile decodes path to 16 kHz mono and runs each window through a
// dedicated worker in order. Any failed window fails the whole file.
func (a *App) transcribeFile(ctx context.Context, path string, reporter *progress.Reporter) (FileTranscription, error) {
	samples, err := a.transcoder.DecodeFile(ctx, path)
	if err != nil {
		return FileTranscription{}, err
	}
	window := time.Duration(a.cfg.Upload.WindowSeconds) * time.Second
	if window <= 0 {
		window = 30 * time.Second
	}
	id := "upload-" + uuid.NewString()
	windows := segment.Windows(id, samples, transcribeRate, 1, window)
	reporter.SetTotal(len(windows))
	out := FileTranscription{
		Language: a.cfg.Transcribe.Language,
		Segments: []transcribe.SubSegment{},
	}
	if len(windows) == 0 {
		return out, nil
	}

	tcfg := a.cfg.PipelineConfig().Transcribe
	worker := transcribe.NewWorker(id, a.engine, tcfg,
		transcribe.WithLogger(a.baseLog),
		transcribe.WithObserver(a.async))
	in := make(chan *segment.Segment, len(windows))
	for _, seg := range windows {
		in <- seg
	}
	close(in)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	outcomes := make(chan transcribe.Outcome, 1)
	go worker.Run(ctx, in, outcomes)

	var texts []string
	for oc := range outcomes {
		if !oc.OK() {
			return FileTranscription{}, oc.Err
		}
		res := oc.Result
		offset := window.Seconds() * float64(res.Seq)
		if res.Text != "" {
			texts = append(texts, res.Text)
		}
		for _, s := range res.Segments {
			out.Segments = append(out.Segments, transcribe.SubSegment{
				Start: s.Start + offset,
				End:   s.End + offset,
				Text:  s.Text,
			})
		}
		if res.Language != "" {
			out.Language = res.Language
		}
		out.Duration = offset + res.AudioDuration.Seconds()
		reporter.Update(1)
	}
	if err := ctx.Err(); err != nil {
		return FileTranscription{}, fmt.Errorf("upload cancelled: %w", err)
	}
	if st := worker.Stats(); st.Segments != uint64(len(windows)) {
		return FileTranscription{}, errors.New("upload transcription incomplete")
	}
	out.Text = strings.Join(texts, " ")
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
