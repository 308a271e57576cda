package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/transports"
	wsviewer "github.com/harunnryd/dengar/pkg/transports/websocket"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	BufferChunks       int      `mapstructure:"buffer_chunks"`
	// HangupOnFailure ends the phone call when its stream cannot be started.
	HangupOnFailure bool `mapstructure:"hangup_on_failure"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/twilio/media"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/twilio/status"
	}
	if c.BufferChunks <= 0 {
		c.BufferChunks = 250
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Gateway receives Twilio Media Streams and feeds every call into its own
// capture stream. Inbound μ-law 8 kHz audio is decoded and upsampled to 16 kHz.
type Gateway struct {
	cfg      Config
	handler  transports.StreamHandler
	log      *slog.Logger
	upgrader websocket.Upgrader

	updateClient callUpdater

	mu          sync.Mutex
	calls       map[string]*call
	callStreams map[string]string

	draining atomic.Bool
}

type call struct {
	streamID string
	callSID  string
	traceID  string
	from     string
	dev      *capture.PushDevice
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config, handler transports.StreamHandler, log *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:     cfg,
		handler: handler,
		log:     logging.NewComponentLogger(log, "twilio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		calls:       make(map[string]*call),
		callStreams: make(map[string]string),
	}
	g.upgrader.CheckOrigin = func(r *http.Request) bool {
		return wsviewer.CheckOrigin(r, g.cfg.AllowAnyOrigin, g.cfg.AllowedOrigins)
	}
	return g
}

func (g *Gateway) Name() string { return "twilio" }

func (g *Gateway) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         g.publicURL("https", g.cfg.VoicePath),
		"status_callback_url": g.publicURL("https", g.cfg.StatusCallbackPath),
	}
}

// Register mounts the voice webhook, media websocket and status callback on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc(g.cfg.VoicePath, g.handleVoice)
	mux.Handle(g.cfg.WebsocketPath, g)
	mux.HandleFunc(g.cfg.StatusCallbackPath, g.handleStatusCallback)
}

func (g *Gateway) Start(ctx context.Context) error {
	g.draining.Store(false)
	go func() {
		<-ctx.Done()
		_ = g.Stop()
	}()
	return nil
}

// Stop rejects new media streams and stops every active call stream.
func (g *Gateway) Stop() error {
	g.draining.Store(true)
	g.mu.Lock()
	active := make([]*call, 0, len(g.calls))
	for _, c := range g.calls {
		active = append(active, c)
	}
	g.calls = make(map[string]*call)
	g.callStreams = make(map[string]string)
	g.mu.Unlock()
	for _, c := range active {
		c.dev.End()
		g.handler.StopStream(c.streamID)
	}
	return nil
}

// ActiveCalls is the number of calls currently streaming.
func (g *Gateway) ActiveCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var current *call
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			g.log.Debug("twilio_bad_event", slog.String("reason_code", string(errorsx.ReasonProtocolInvalid)))
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			current = g.startCall(evt.Start)
		case "media":
			if evt.Media == nil || current == nil {
				continue
			}
			if evt.Media.Track != "" && evt.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			current.dev.Write(frames.Upsample2x(frames.DecodeMuLaw(payload)))
		case "stop":
			if current != nil {
				g.endCall(current.streamID, "completed")
			}
			return
		}
	}
	if current != nil {
		g.endCall(current.streamID, "transport_closed")
	}
}

func (g *Gateway) startCall(start *TwilioStart) *call {
	c := &call{
		streamID: start.StreamID,
		callSID:  start.CallSID,
		traceID:  uuid.NewString(),
		from:     start.From,
		dev:      capture.NewPushDevice(g.cfg.BufferChunks),
	}
	if c.streamID == "" {
		c.streamID = uuid.NewString()
	}
	g.mu.Lock()
	var replaced *call
	if existing := g.callStreams[c.callSID]; c.callSID != "" && existing != "" && existing != c.streamID {
		replaced = g.calls[existing]
		delete(g.calls, existing)
	}
	g.calls[c.streamID] = c
	if c.callSID != "" {
		g.callStreams[c.callSID] = c.streamID
	}
	g.mu.Unlock()
	if replaced != nil {
		replaced.dev.End()
	}

	meta := map[string]string{
		frames.MetaStreamID: c.streamID,
		frames.MetaCallSID:  c.callSID,
		frames.MetaTraceID:  c.traceID,
		frames.MetaSource:   "twilio",
	}
	if c.from != "" {
		meta[frames.MetaFromNumber] = c.from
	}
	if err := g.handler.StartStream(c.streamID, c.dev, meta); err != nil {
		g.log.Error("twilio_stream_start_failed",
			slog.String(frames.MetaStreamID, c.streamID),
			slog.String(frames.MetaCallSID, c.callSID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		g.detach(c.streamID)
		if g.cfg.HangupOnFailure {
			if err := g.Hangup(c.callSID); err != nil {
				g.log.Warn("twilio_hangup_failed", slog.String(frames.MetaCallSID, c.callSID), slog.String("error", err.Error()))
			}
		}
		return nil
	}
	g.log.Info("twilio_call_started",
		slog.String(frames.MetaStreamID, c.streamID),
		slog.String(frames.MetaCallSID, c.callSID),
		slog.String(frames.MetaTraceID, c.traceID))
	return c
}

// endCall ends the input of a call; the stream drains what it already has.
func (g *Gateway) endCall(streamID, reason string) {
	c := g.detach(streamID)
	if c == nil {
		return
	}
	c.dev.End()
	g.log.Info("twilio_call_ended",
		slog.String(frames.MetaStreamID, streamID),
		slog.String(frames.MetaCallSID, c.callSID),
		slog.String("reason", normalizeCallEndReason(reason)))
}

func (g *Gateway) detach(streamID string) *call {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.calls[streamID]
	if c == nil {
		return nil
	}
	delete(g.calls, streamID)
	if c.callSID != "" && g.callStreams[c.callSID] == streamID {
		delete(g.callStreams, c.callSID)
	}
	return c
}

// Hangup completes a live call through the Twilio REST API.
func (g *Gateway) Hangup(callSID string) error {
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	updater := g.updateClient
	if updater == nil {
		if g.cfg.AccountSID == "" || g.cfg.AuthToken == "" {
			return errors.New("missing twilio credentials")
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: g.cfg.AccountSID,
			Password: g.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := updater.UpdateCall(callSID, params)
	return err
}

func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.cfg.AuthToken != "" && !g.validateTwilioRequest(r) {
		g.log.Warn("twilio_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := g.websocketURL(r)
	statusURL := xmlEscape(g.publicURL("https", g.cfg.StatusCallbackPath))
	var b strings.Builder
	b.WriteString(`<Response>`)
	if greeting := strings.TrimSpace(g.cfg.VoiceGreeting); greeting != "" {
		b.WriteString(`<Say>` + xmlEscape(greeting) + `</Say>`)
	}
	b.WriteString(`<Connect><Stream url="` + xmlEscape(wsURL) + `" statusCallback="` + statusURL + `"/></Connect></Response>`)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

func (g *Gateway) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.cfg.AuthToken != "" && !g.validateTwilioRequest(r) {
		g.log.Warn("twilio_status_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	g.mu.Lock()
	streamID := g.callStreams[callSID]
	g.mu.Unlock()
	if streamID != "" {
		g.endCall(streamID, reason)
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) websocketURL(r *http.Request) string {
	if g.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(g.cfg.PublicURL) + g.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(g.cfg.ServerAddr, ":")
	}
	return "wss://" + host + g.cfg.WebsocketPath
}

func (g *Gateway) publicURL(scheme, path string) string {
	if g.cfg.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(g.cfg.PublicURL) + path
	}
	addr := g.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (g *Gateway) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || g.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(g.cfg.AuthToken)
	return validator.ValidateBody(g.requestURL(r), body, signature)
}

func (g *Gateway) requestURL(r *http.Request) string {
	if g.cfg.PublicURL != "" {
		base := strings.TrimRight(g.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(g.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

type TwilioStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type TwilioMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event string       `json:"event"`
	Start *TwilioStart `json:"start,omitempty"`
	Media *TwilioMedia `json:"media,omitempty"`
	Stop  *TwilioStop  `json:"stop,omitempty"`
}
