package audiosocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CyCoreSystems/audiosocket"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/transports"
)

type Config struct {
	Addr         string        `mapstructure:"addr"`
	BufferChunks int           `mapstructure:"buffer_chunks"`
	IDTimeout    time.Duration `mapstructure:"id_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":9092"
	}
	if c.BufferChunks <= 0 {
		c.BufferChunks = 250
	}
	if c.IDTimeout <= 0 {
		c.IDTimeout = 5 * time.Second
	}
	return c
}

// Gateway accepts Asterisk AudioSocket connections. Each call becomes a
// capture stream named by its AudioSocket UUID; 8 kHz slin is upsampled to 16 kHz.
type Gateway struct {
	cfg     Config
	handler transports.StreamHandler
	log     *slog.Logger

	listener net.Listener
	draining atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[string]net.Conn
}

func New(cfg Config, handler transports.StreamHandler, log *slog.Logger) *Gateway {
	return &Gateway{
		cfg:     cfg.withDefaults(),
		handler: handler,
		log:     logging.NewComponentLogger(log, "audiosocket"),
		conns:   make(map[string]net.Conn),
	}
}

func (g *Gateway) Name() string { return "audiosocket" }

func (g *Gateway) ReadyFields() map[string]any {
	addr := g.cfg.Addr
	if g.listener != nil {
		addr = g.listener.Addr().String()
	}
	return map[string]any{"audiosocket_addr": addr}
}

// Start listens on Addr and serves connections until ctx is done or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("audiosocket listen %s: %w", g.cfg.Addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve accepts connections from ln in the background.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.listener = ln
	g.draining.Store(false)
	g.log.Info("audiosocket_listening", slog.String("addr", ln.Addr().String()))
	go func() {
		<-ctx.Done()
		_ = g.Stop()
	}()
	g.wg.Add(1)
	go g.acceptLoop(ln)
	return nil
}

func (g *Gateway) acceptLoop(ln net.Listener) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if g.draining.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			g.log.Warn("audiosocket_accept_error", slog.String("error", err.Error()))
			continue
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handleConn(conn)
		}()
	}
}

// Stop closes the listener, hangs up every call and waits for handlers to return.
func (g *Gateway) Stop() error {
	if !g.draining.CompareAndSwap(false, true) {
		return nil
	}
	if g.listener != nil {
		_ = g.listener.Close()
	}
	g.mu.Lock()
	for _, c := range g.conns {
		_, _ = c.Write(audiosocket.HangupMessage())
		_ = c.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
	return nil
}

func (g *Gateway) ActiveCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) handleConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.IDTimeout))
	id, err := audiosocket.GetID(conn)
	if err != nil {
		g.log.Warn("audiosocket_missing_id",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonProtocolInvalid)))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	streamID := id.String()

	dev := capture.NewPushDevice(g.cfg.BufferChunks)
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  streamID,
		frames.MetaSource:   "audiosocket",
	}
	if err := g.handler.StartStream(streamID, dev, meta); err != nil {
		g.log.Error("audiosocket_stream_start_failed",
			slog.String(frames.MetaStreamID, streamID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		_, _ = conn.Write(audiosocket.HangupMessage())
		return
	}
	g.mu.Lock()
	g.conns[streamID] = conn
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, streamID)
		g.mu.Unlock()
		dev.End()
	}()

	started := time.Now()
	reason := "hangup"
	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !g.draining.Load() {
				g.log.Warn("audiosocket_read_error", slog.String(frames.MetaStreamID, streamID), slog.String("error", err.Error()))
			}
			reason = "transport_closed"
			break
		}
		if done := g.handleMessage(streamID, dev, msg); done {
			break
		}
	}
	g.log.Info("audiosocket_call_ended",
		slog.String(frames.MetaStreamID, streamID),
		slog.String("reason", reason),
		slog.Duration("duration", time.Since(started)))
}

// handleMessage applies one AudioSocket message to dev and reports whether the call is over.
func (g *Gateway) handleMessage(streamID string, dev *capture.PushDevice, msg audiosocket.Message) bool {
	switch msg.Kind() {
	case audiosocket.KindSlin:
		if payload := msg.Payload(); len(payload) > 0 {
			dev.Write(frames.Upsample2x(frames.DecodeS16LE(payload)))
		}
	case audiosocket.KindError:
		g.log.Warn("audiosocket_error_message",
			slog.String(frames.MetaStreamID, streamID),
			slog.Int("code", int(msg.ErrorCode())))
		dev.Flag(capture.StatusDeviceError)
	case audiosocket.KindHangup:
		return true
	}
	return false
}
