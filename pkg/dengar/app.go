package dengar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/configutil"
	"github.com/harunnryd/dengar/pkg/fanout"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/media"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/observers"
	"github.com/harunnryd/dengar/pkg/pipeline"
	"github.com/harunnryd/dengar/pkg/runner"
	"github.com/harunnryd/dengar/pkg/session"
	"github.com/harunnryd/dengar/pkg/transcribe"
	"github.com/harunnryd/dengar/pkg/transports"
	"github.com/harunnryd/dengar/pkg/transports/audiosocket"
	"github.com/harunnryd/dengar/pkg/transports/twilio"
	wsviewer "github.com/harunnryd/dengar/pkg/transports/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Options carries the collaborators NewApp does not build from Config.
type Options struct {
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Transcoder decodes uploads; defaults to ffmpeg.
	Transcoder media.Transcoder
	// Input replaces os.Stdin for capture.provider stdin.
	Input io.Reader
}

// captureSettings are the capture.settings keys.
type captureSettings struct {
	FFmpegBinary string   `mapstructure:"ffmpeg_binary"`
	InputArgs    []string `mapstructure:"input_args"`
}

var captureSchema = configutil.Schema{Optional: []string{"ffmpeg_binary", "input_args"}}

// App wires the session registry, stream manager, gateways and HTTP surface.
type App struct {
	cfg        Config
	baseLog    *slog.Logger
	log        *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	engine     transcribe.Engine
	transcoder media.Transcoder
	capture    captureSettings
	input      io.Reader
	sessions   *session.Registry
	streams    *pipeline.Manager
	viewers    *wsviewer.Server
	gateways   []transports.Gateway
	fanout     fanout.Publisher
	async      *metrics.AsyncObserver
	jsonl      *os.File
	promReg    *prometheus.Registry
	mux        *http.ServeMux
	server     *http.Server
	runner     *runner.LifecycleRunner

	addrMu sync.Mutex
	addr   net.Addr

	uploadsMu sync.Mutex
	uploads   map[string]map[*uploadProgress]struct{}
}

func NewApp(cfg Config, opts Options) (*App, error) {
	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}
	baseLog := opts.Logger
	if baseLog == nil {
		baseLog = slog.Default()
	}
	a := &App{
		cfg:        cfg,
		baseLog:    baseLog,
		log:        logging.NewComponentLogger(baseLog, "dengar"),
		transcoder: opts.Transcoder,
		input:      opts.Input,
		mux:        http.NewServeMux(),
		uploads:    make(map[string]map[*uploadProgress]struct{}),
	}
	if a.input == nil {
		a.input = os.Stdin
	}
	if err := configutil.Build("capture.settings", cfg.Capture.Settings, captureSchema, &a.capture); err != nil {
		return nil, err
	}
	if a.transcoder == nil {
		a.transcoder = media.NewFFmpeg(a.capture.FFmpegBinary, transcribeRate, 1, baseLog)
	}

	engine, err := providers.BuildEngine(cfg.Engine, baseLog)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.engine = engine
	pub, err := providers.BuildFanout(cfg.Fanout, baseLog)
	if err != nil {
		return nil, fmt.Errorf("build fanout: %w", err)
	}
	a.fanout = pub

	obs, err := a.buildObservers()
	if err != nil {
		_ = pub.Close()
		return nil, err
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.sessions = session.New(cfg.SessionConfig(),
		session.WithLogger(baseLog),
		session.WithObserver(obs))
	a.sessions.OnDisconnect(a.detachUploads)
	a.streams = pipeline.NewManager(a.ctx, a.sharedEngine, a.sessions, cfg.PipelineConfig(),
		pipeline.WithManagerLogger(baseLog),
		pipeline.WithManagerObserver(obs),
		pipeline.WithManagerFanout(pub),
		pipeline.WithDrainTimeout(cfg.DrainTimeout()/2))
	a.viewers = wsviewer.NewServer(a.sessions, wsviewer.Config{
		Path:           cfg.Server.WSPath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, baseLog)

	if err := a.buildGateways(); err != nil {
		a.cancel()
		a.async.Close()
		_ = pub.Close()
		return nil, err
	}
	a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.runner = runner.NewLifecycleRunner(runner.DrainerFunc(a.drain), runner.Hooks{
		OnStart: a.start,
		OnStop:  a.stopped,
	}, cfg.DrainTimeout()+5*time.Second, runner.WithLogger(baseLog))

	a.log.Info("dengar_init",
		slog.String("environment", cfg.Environment),
		slog.String("engine_provider", cfg.Engine.Provider),
		slog.String("fanout_provider", providerOrNone(cfg.Fanout.Provider)),
		slog.String("capture_provider", cfg.CaptureProvider()),
		slog.Int("gateways", len(a.gateways)))
	return a, nil
}

// Engines are safe for concurrent use, so every stream shares one.
func (a *App) sharedEngine(string) (transcribe.Engine, error) {
	return a.engine, nil
}

// buildObservers chains latency and log observers with the sampled
// Prometheus and JSONL outputs behind one async queue.
func (a *App) buildObservers() (metrics.Observer, error) {
	list := []metrics.Observer{
		observers.NewLatencyObserver(a.baseLog),
		observers.NewLoggerObserver(a.baseLog, slog.LevelDebug),
	}
	var sampled []metrics.Observer
	if a.cfg.Metrics.Enabled {
		a.promReg = prometheus.NewRegistry()
		a.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sampled = append(sampled, metrics.NewPrometheusObserver(a.promReg))
	}
	if path := a.cfg.Metrics.JSONLPath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics jsonl: %w", err)
		}
		a.jsonl = f
		sampled = append(sampled, metrics.NewJSONLObserver(f))
	}
	if len(sampled) > 0 {
		list = append(list, metrics.NewSamplingObserver(observers.NewMultiObserver(sampled...), a.cfg.Metrics.SampleRate))
	}
	a.async = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 2048)
	return a.async, nil
}

func (a *App) buildGateways() error {
	if gw := a.cfg.Gateways.Twilio; gw.Enabled {
		var tc twilio.Config
		if err := configutil.DecodeSettings(gw.Settings, &tc); err != nil {
			return fmt.Errorf("gateways.twilio.settings: %w", err)
		}
		if tc.ServerAddr == "" {
			tc.ServerAddr = a.cfg.Server.Addr
		}
		g := twilio.New(tc, a.streams, a.baseLog)
		g.Register(a.mux)
		a.gateways = append(a.gateways, g)
	}
	if gw := a.cfg.Gateways.AudioSocket; gw.Enabled {
		var ac audiosocket.Config
		if err := configutil.DecodeSettings(gw.Settings, &ac); err != nil {
			return fmt.Errorf("gateways.audiosocket.settings: %w", err)
		}
		a.gateways = append(a.gateways, audiosocket.New(ac, a.streams, a.baseLog))
	}
	return nil
}

// Handler is the HTTP surface; tests serve it with httptest.
func (a *App) Handler() http.Handler { return a.mux }

func (a *App) Sessions() *session.Registry { return a.sessions }
func (a *App) Streams() *pipeline.Manager  { return a.streams }

// Addr is the bound HTTP address once the app is running.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

func (a *App) State() runner.State { return a.runner.State() }

// Run serves until ctx is cancelled, then drains. It returns early with an
// error when the HTTP listener, a gateway or the local capture cannot start.
func (a *App) Run(ctx context.Context) error {
	return a.runner.Run(ctx)
}

func (a *App) Stop() error { return a.runner.Stop() }

func (a *App) start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http_server_failed", slog.String("error", err.Error()))
		}
	}()

	for _, gw := range a.gateways {
		if err := gw.Start(ctx); err != nil {
			return fmt.Errorf("start gateway %s: %w", gw.Name(), err)
		}
	}
	if err := a.startLocalCapture(); err != nil {
		return err
	}

	fields := []any{
		slog.String("addr", ln.Addr().String()),
		slog.String("ws_path", a.viewers.Path()),
	}
	for _, gw := range a.gateways {
		if rr, ok := gw.(transports.ReadyReporter); ok {
			for k, v := range rr.ReadyFields() {
				fields = append(fields, slog.Any(gw.Name()+"_"+k, v))
			}
		}
	}
	a.log.Info("dengar_ready", fields...)
	return nil
}

// startLocalCapture starts the configured local input as its own stream. A
// device that cannot be opened fails startup.
func (a *App) startLocalCapture() error {
	provider := a.cfg.CaptureProvider()
	if provider == "none" {
		return nil
	}
	rate := a.cfg.Capture.SampleRate
	ch := a.cfg.Capture.Channels
	var dev capture.Device
	switch provider {
	case "stdin":
		dev = capture.NewReaderDevice(a.input, rate, ch, false)
	case "ffmpeg":
		ff := media.NewFFmpeg(a.capture.FFmpegBinary, rate, ch, a.baseLog)
		dev = media.NewFFmpegDevice(ff, a.capture.InputArgs)
	}
	meta := map[string]string{
		frames.MetaSource: provider,
	}
	if err := a.streams.StartStream(a.cfg.Capture.StreamID, dev, meta); err != nil {
		return fmt.Errorf("start local capture: %w", err)
	}
	return nil
}

// drain stops ingress first, then lets every stream finish its queued audio
// before closing viewer sessions and the HTTP server.
func (a *App) drain() error {
	a.viewers.SetDraining(true)
	a.sessions.SetDraining(true)
	a.streams.SetDraining(true)
	for _, gw := range a.gateways {
		if err := gw.Stop(); err != nil {
			a.log.Warn("gateway_stop_failed", slog.String("gateway", gw.Name()), slog.String("error", err.Error()))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout())
	defer cancel()
	a.streams.CloseAll()
	if !a.streams.WaitForEmpty(ctx, 50*time.Millisecond) {
		a.log.Warn("drain_streams_timeout", slog.Int64("remaining", a.streams.Count()))
	}
	a.cancel()

	a.sessions.CloseAll()
	_ = a.sessions.WaitForEmpty(ctx, 50*time.Millisecond)
	a.sessions.Close()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.fanout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("fanout close: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) stopped() {
	a.async.Close()
	if a.jsonl != nil {
		_ = a.jsonl.Close()
	}
	a.log.Info("shutdown",
		slog.Int("goroutines", runtime.NumGoroutine()),
		slog.Int("sessions", a.sessions.Count()),
		slog.Int64("streams", a.streams.Count()))
}

func providerOrNone(p string) string {
	if p == "" {
		return "none"
	}
	return p
}
