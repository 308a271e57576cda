package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	gorillaws "github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/transports"
)

// Hub is the part of the session registry the viewer server needs.
type Hub interface {
	Connect(conn transports.Conn, clientID string) error
	HandleMessage(clientID, msg string)
	Release(clientID string, conn transports.Conn) bool
}

type Config struct {
	Path           string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadLimit      int64    `mapstructure:"read_limit"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws/"
	}
	if !strings.HasSuffix(c.Path, "/") {
		c.Path += "/"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	return c
}

// Server upgrades viewer connections at <Path>{client_id} and binds them to the hub.
type Server struct {
	cfg      Config
	hub      Hub
	log      *slog.Logger
	upgrader gorillaws.Upgrader
	draining atomic.Bool
	active   sync.WaitGroup
}

func NewServer(hub Hub, cfg Config, log *slog.Logger) *Server {
	s := &Server{
		cfg: cfg.withDefaults(),
		hub: hub,
		log: logging.NewComponentLogger(log, "ws_viewer"),
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Name() string { return "websocket" }

// Path is the mux pattern the server expects to be mounted on.
func (s *Server) Path() string { return s.cfg.Path }

// Register mounts the server on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle(s.cfg.Path, s)
	mux.Handle(strings.TrimSuffix(s.cfg.Path, "/"), s)
}

// SetDraining makes new upgrades fail with 503.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

// Wait blocks until every read loop has returned.
func (s *Server) Wait() { s.active.Wait() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	clientID := s.clientID(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", slog.String("client_id", clientID), slog.String("error", err.Error()))
		return
	}
	conn := NewConn(ws)
	if err := s.hub.Connect(conn, clientID); err != nil {
		s.log.Warn("ws_connect_rejected", slog.String("client_id", clientID), slog.String("error", err.Error()))
		_ = conn.Close()
		return
	}
	s.active.Add(1)
	defer s.active.Done()

	ws.SetReadLimit(s.cfg.ReadLimit)
	for {
		kind, msg, err := ws.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				s.log.Debug("ws_read_error", slog.String("client_id", clientID), slog.String("error", err.Error()))
			}
			break
		}
		if kind != gorillaws.TextMessage {
			s.log.Warn("ws_binary_message",
				slog.String("client_id", clientID),
				slog.Int("bytes", len(msg)),
				slog.String("reason_code", string(errorsx.ReasonProtocolInvalid)))
		}
		s.hub.HandleMessage(clientID, string(msg))
	}
	s.hub.Release(clientID, conn)
}

// clientID takes the id from the path, then the client_id query parameter,
// and otherwise mints a ULID.
func (s *Server) clientID(r *http.Request) string {
	id := strings.TrimPrefix(r.URL.Path, s.cfg.Path)
	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}
	if id == "" {
		id = r.URL.Query().Get("client_id")
	}
	if id == "" {
		id = ulid.Make().String()
	}
	return id
}

func (s *Server) checkOrigin(r *http.Request) bool {
	return CheckOrigin(r, s.cfg.AllowAnyOrigin, s.cfg.AllowedOrigins)
}

// CheckOrigin accepts requests without an Origin header and origins listed
// either as full URLs or bare hosts.
func CheckOrigin(r *http.Request, allowAny bool, allowed []string) bool {
	if allowAny {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, a := range allowed {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
