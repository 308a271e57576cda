package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/transcribe"
	"github.com/harunnryd/dengar/pkg/transports"
)

var (
	ErrDraining     = errors.New("session registry is draining")
	ErrEmptyID      = errors.New("empty client id")
	ErrNilConn      = errors.New("nil connection")
	ErrRegistryDown = errors.New("session registry closed")
	ErrQueueFull    = errors.New("session send queue full")
)

// Disconnect reasons passed to hooks and metrics.
const (
	ReasonClosed      = "closed"
	ReasonReplaced    = "replaced"
	ReasonPongTimeout = "pong_timeout"
	ReasonStale       = "stale"
	ReasonSendFailed  = "send_failed"
	ReasonShutdown    = "shutdown"
)

type Config struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	// SendBuffer is the depth of each session's outbound queue. A session
	// whose queue fills up is evicted.
	SendBuffer int `mapstructure:"send_buffer"`
	// AutoSubscribe lists streams every new session is subscribed to.
	AutoSubscribe []string `mapstructure:"auto_subscribe"`
}

func (c Config) WithDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 15 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// DisconnectHook is called after a session has been removed.
type DisconnectHook func(clientID, reason string)

// Registry tracks live viewer sessions, keeps them alive with ping/pong and
// multiplexes outbound messages. Create one with New and pass it around.
type Registry struct {
	cfg Config
	log *slog.Logger
	obs metrics.Observer

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
	closed   bool
	hooks    []DisconnectHook

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Registry)

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithObserver(obs metrics.Observer) Option {
	return func(r *Registry) { r.obs = obs }
}

// New creates a registry and starts its cleanup sweep. Call Close to stop it.
func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg.WithDefaults(),
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.NewComponentLogger(r.log, "session")
	r.obs = metrics.OrNoop(r.obs)

	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

func (r *Registry) Config() Config { return r.cfg }

// OnDisconnect registers a hook that runs after every removal.
func (r *Registry) OnDisconnect(fn DisconnectHook) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Connect registers conn under clientID and starts its heartbeat and writer.
// A live session with the same id is disconnected first.
func (r *Registry) Connect(conn transports.Conn, clientID string) error {
	if clientID == "" {
		return ErrEmptyID
	}
	if conn == nil {
		return ErrNilConn
	}
	now := time.Now()
	s := newSession(clientID, conn, now, r.cfg.SendBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return ErrRegistryDown
	}
	if r.draining {
		r.mu.Unlock()
		cancel()
		return ErrDraining
	}
	old := r.sessions[clientID]
	if old != nil {
		delete(r.sessions, clientID)
		_ = old.transition(StateClosing)
	}
	_ = s.transition(StateActive)
	for _, streamID := range r.cfg.AutoSubscribe {
		s.subs[streamID] = struct{}{}
	}
	r.sessions[clientID] = s
	count := len(r.sessions)
	r.wg.Add(2)
	r.mu.Unlock()

	go r.writeLoop(ctx, s)
	go r.heartbeat(ctx, s)
	if old != nil {
		r.finish(old, ReasonReplaced)
	}

	r.log.Info("session_connected", slog.String("client_id", clientID), slog.Int("sessions", count))
	metrics.Record(r.obs, metrics.EventSessionConnected, float64(count), map[string]string{"client_id": clientID}, nil)
	return nil
}

// Disconnect removes clientID. It is idempotent; an unknown id is only logged.
func (r *Registry) Disconnect(clientID string) {
	if !r.remove(clientID, nil, ReasonClosed) {
		r.log.Warn("disconnect_unknown_session", slog.String("client_id", clientID))
	}
}

// Release removes clientID only while it is still bound to conn, so a read
// loop ending after a reconnect does not drop the newer session.
func (r *Registry) Release(clientID string, conn transports.Conn) bool {
	r.mu.Lock()
	s, ok := r.sessions[clientID]
	r.mu.Unlock()
	if !ok || s.conn != conn {
		return false
	}
	return r.remove(clientID, s, ReasonClosed)
}

// remove deletes clientID from the table. When want is non-nil the entry is
// only removed if it still refers to that session.
func (r *Registry) remove(clientID string, want *Session, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[clientID]
	if !ok || (want != nil && s != want) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, clientID)
	_ = s.transition(StateClosing)
	r.mu.Unlock()

	r.finish(s, reason)
	return true
}

// finish tears down a session already removed from the table. Orderly
// disconnects give the writer up to WriteTimeout to flush its queue first.
func (r *Registry) finish(s *Session, reason string) {
	if flushesOnClose(reason) {
		close(s.quit)
		timer := time.NewTimer(r.cfg.WriteTimeout)
		select {
		case <-s.writerDone:
		case <-timer.C:
			r.log.Debug("session_flush_timeout", slog.String("client_id", s.id))
		}
		timer.Stop()
	}
	s.cancel()
	if err := s.conn.Close(); err != nil {
		r.log.Debug("session_close_error", slog.String("client_id", s.id), slog.String("error", err.Error()))
	}

	r.mu.Lock()
	_ = s.transition(StateClosed)
	hooks := append([]DisconnectHook(nil), r.hooks...)
	count := len(r.sessions)
	r.mu.Unlock()

	event := metrics.EventSessionDisconnected
	level := slog.LevelInfo
	if reason == ReasonPongTimeout || reason == ReasonStale || reason == ReasonSendFailed {
		event = metrics.EventSessionEvicted
		level = slog.LevelWarn
	}
	r.log.Log(context.Background(), level, event,
		slog.String("client_id", s.id),
		slog.String("reason", reason),
		slog.Int("sessions", count))
	metrics.Record(r.obs, event, float64(count), map[string]string{"client_id": s.id, "reason": reason}, nil)

	for _, fn := range hooks {
		fn(s.id, reason)
	}
}

func flushesOnClose(reason string) bool {
	switch reason {
	case ReasonClosed, ReasonReplaced, ReasonShutdown:
		return true
	default:
		return false
	}
}

func (r *Registry) get(clientID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[clientID]
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Has(clientID string) bool {
	return r.get(clientID) != nil
}

// State reports the state of a live session; absent ids report Closed.
func (r *Registry) State(clientID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[clientID]; ok {
		return s.state
	}
	return StateClosed
}

func (r *Registry) Info(clientID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return Info{}, false
	}
	return Info{
		ID:          s.id,
		State:       s.state,
		LastAck:     s.lastAck,
		ConnectedAt: s.connectedAt,
		Streams:     s.streams(),
	}, true
}

// HandleMessage processes one inbound text message from clientID.
func (r *Registry) HandleMessage(clientID, msg string) {
	s := r.get(clientID)
	if s == nil {
		r.log.Warn("message_for_unknown_session", slog.String("client_id", clientID))
		return
	}
	trimmed := strings.TrimSpace(msg)
	if trimmed == pongMessage {
		r.mu.Lock()
		s.ack(time.Now())
		r.mu.Unlock()
		return
	}
	if cmd, ok := parseCommand(trimmed); ok {
		reply := typeSubscribed
		if cmd.Type == typeSubscribe {
			r.Subscribe(clientID, cmd.StreamID)
		} else {
			r.Unsubscribe(clientID, cmd.StreamID)
			reply = typeUnsubscribed
		}
		_ = r.SendJSON(clientID, subscriptionMessage{Type: reply, StreamID: cmd.StreamID})
		return
	}
	r.log.Debug("message_echoed",
		slog.String("client_id", clientID),
		slog.String("reason_code", string(errorsx.ReasonProtocolInvalid)))
	_ = r.SendMessage(clientID, echoPrefix+msg)
}

func (r *Registry) Subscribe(clientID, streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return false
	}
	s.subs[streamID] = struct{}{}
	return true
}

func (r *Registry) Unsubscribe(clientID, streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return false
	}
	delete(s.subs, streamID)
	return true
}

// Subscribers returns the ids subscribed to streamID.
func (r *Registry) Subscribers(streamID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, s := range r.sessions {
		if _, ok := s.subs[streamID]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) SendMessage(clientID, text string) error {
	return r.send(clientID, []byte(text))
}

func (r *Registry) SendJSON(clientID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return r.send(clientID, payload)
}

func (r *Registry) SendProgress(clientID string, percent float64, status string) error {
	return r.SendJSON(clientID, ProgressMessage{Progress: percent, Status: status, ClientID: clientID})
}

func (r *Registry) SendError(clientID, message string) error {
	return r.SendJSON(clientID, ErrorMessage{Type: typeError, Message: message})
}

func (r *Registry) SendResult(clientID string, result *transcribe.Result) error {
	return r.SendJSON(clientID, NewResultMessage(result))
}

// Publish queues v for every subscriber of streamID and returns how many
// sessions accepted it. A slow subscriber never delays the others.
func (r *Registry) Publish(streamID string, v any) (int, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}
	delivered := 0
	for _, id := range r.Subscribers(streamID) {
		if r.send(id, payload) == nil {
			delivered++
		}
	}
	return delivered, nil
}

// PublishProgress sends a progress message to every subscriber of streamID,
// each carrying the subscriber's own client id.
func (r *Registry) PublishProgress(streamID string, percent float64, status string) (int, error) {
	delivered := 0
	for _, id := range r.Subscribers(streamID) {
		if r.SendProgress(id, percent, status) == nil {
			delivered++
		}
	}
	return delivered, nil
}

// send queues payload for clientID. A full queue disconnects that session
// only; write errors are handled by the session's writer.
func (r *Registry) send(clientID string, payload []byte) error {
	s := r.get(clientID)
	if s == nil {
		r.log.Warn("send_to_unknown_session", slog.String("client_id", clientID))
		return nil
	}
	if s.enqueue(payload) {
		return nil
	}
	r.log.Warn("session_send_queue_full",
		slog.String("client_id", clientID),
		slog.Int("send_buffer", r.cfg.SendBuffer))
	r.remove(clientID, s, ReasonSendFailed)
	return errorsx.Wrap(fmt.Errorf("send to %s: %w", clientID, ErrQueueFull), errorsx.ReasonTransportSend)
}

// writeLoop owns conn.Send for one session. It stops on cancel, or after
// flushing what is queued once quit is closed.
func (r *Registry) writeLoop(ctx context.Context, s *Session) {
	defer r.wg.Done()
	defer close(s.writerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			r.flush(ctx, s)
			return
		case payload := <-s.out:
			if !r.write(ctx, s, payload) {
				return
			}
		}
	}
}

func (r *Registry) flush(ctx context.Context, s *Session) {
	for {
		select {
		case payload := <-s.out:
			if !r.write(ctx, s, payload) {
				return
			}
		default:
			return
		}
	}
}

// write sends one payload within WriteTimeout. A failure evicts the session.
func (r *Registry) write(ctx context.Context, s *Session, payload []byte) bool {
	wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	err := s.conn.Send(wctx, payload)
	cancel()
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	r.log.Warn("session_send_failed",
		slog.String("client_id", s.id),
		slog.String("reason_code", string(errorsx.ReasonTransportSend)),
		slog.String("error", err.Error()))
	r.remove(s.id, s, ReasonSendFailed)
	return false
}

// heartbeat pings one session every PingInterval and evicts it when no pong
// arrives within PongTimeout of a ping.
func (r *Registry) heartbeat(ctx context.Context, s *Session) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if now.Sub(r.lastAck(s)) > r.cfg.PingInterval+r.cfg.PongTimeout {
			r.remove(s.id, s, ReasonPongTimeout)
			return
		}
		payload, _ := json.Marshal(newPing(now))
		if err := r.send(s.id, payload); err != nil {
			return
		}

		deadline := time.NewTimer(r.cfg.PongTimeout)
		select {
		case <-ctx.Done():
			deadline.Stop()
			return
		case <-deadline.C:
		}
		if r.lastAck(s).Before(now) {
			r.remove(s.id, s, ReasonPongTimeout)
			return
		}
	}
}

func (r *Registry) lastAck(s *Session) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.lastAck
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

// sweep evicts sessions whose last ack is older than two ping intervals plus the pong timeout.
func (r *Registry) sweep(now time.Time) int {
	limit := 2*r.cfg.PingInterval + r.cfg.PongTimeout
	r.mu.Lock()
	var stale []*Session
	for _, s := range r.sessions {
		if now.Sub(s.lastAck) > limit {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.remove(s.id, s, ReasonStale)
	}
	if len(stale) > 0 {
		r.log.Info("session_sweep", slog.Int("evicted", len(stale)))
	}
	return len(stale)
}

func (r *Registry) SetDraining(v bool) {
	r.mu.Lock()
	r.draining = v
	r.mu.Unlock()
}

func (r *Registry) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// CloseAll disconnects every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		r.remove(s.id, s, ReasonShutdown)
	}
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Close disconnects everyone, rejects new sessions and stops background goroutines.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.CloseAll()
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
