package whisperhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/harunnryd/dengar/pkg/media"
	"github.com/harunnryd/dengar/pkg/transcribe"
)

func TestTranscribePostsWAVAndParsesVerboseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing auth header")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if r.FormValue("response_format") != "verbose_json" || r.FormValue("prompt") != "earlier" || r.FormValue("language") != "id" {
			t.Errorf("unexpected fields %v", r.MultipartForm.Value)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file: %v", err)
			return
		}
		wav, err := media.DecodeWAV(f)
		if err != nil || wav.SampleRate != 16000 || len(wav.Samples) != 1600 {
			t.Errorf("bad wav upload %v %d", err, len(wav.Samples))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" halo dunia","language":"indonesian","duration":0.1,"segments":[{"start":0,"end":0.1,"text":" halo dunia "}]}`))
	}))
	defer srv.Close()

	e, err := New(Config{BaseURL: srv.URL + "/", APIKey: "k"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Transcribe(context.Background(), transcribe.Request{
		Audio: make([]float32, 1600), SampleRate: 16000, Language: "id", Prompt: "earlier",
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != " halo dunia" || res.Language != "indonesian" || len(res.Segments) != 1 || res.Segments[0].Text != "halo dunia" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTranscribeRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	e, _ := New(Config{BaseURL: srv.URL, MaxRetries: 2}, nil)
	e.retry.Backoff = 0
	res, err := e.Transcribe(context.Background(), transcribe.Request{Audio: make([]float32, 160), SampleRate: 16000})
	if err != nil || res.Text != "ok" || calls.Load() != 2 {
		t.Fatalf("expected retry to succeed: %+v %v calls=%d", res, err, calls.Load())
	}
	if res.Duration != 0.01 {
		t.Fatalf("duration should fall back to audio length, got %v", res.Duration)
	}
}

func TestTranscribeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	e, _ := New(Config{BaseURL: srv.URL, MaxRetries: 3}, nil)
	if _, err := e.Transcribe(context.Background(), transcribe.Request{Audio: make([]float32, 16), SampleRate: 16000}); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, calls=%d", calls.Load())
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
