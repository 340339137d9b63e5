package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-appsec/interceptor/socketghost/config"
	"github.com/go-appsec/interceptor/socketghost/service/api"
	"github.com/go-appsec/interceptor/socketghost/service/controlplane"
	"github.com/go-appsec/interceptor/socketghost/service/intercept"
	"github.com/go-appsec/interceptor/socketghost/service/pidresolve"
	"github.com/go-appsec/interceptor/socketghost/service/proxy"
	"github.com/go-appsec/interceptor/socketghost/service/replay"
	"github.com/go-appsec/interceptor/socketghost/service/scripts"
	"github.com/go-appsec/interceptor/socketghost/service/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server runs the proxy, the control channel and the history API in one process.
type Server struct {
	cfg     *config.Config
	dataDir string

	// Runtime state
	started     chan struct{}
	shutdownCh  chan struct{}
	requestStop func()

	flows       *store.Service
	broadcaster *controlplane.Broadcaster
	manager     *intercept.Manager
	proxy       *proxy.Server
	control     *http.Server
	controlAddr string
	api         *http.Server
	apiAddr     string

	closers []io.Closer
}

// NewServer loads the config for flags, creating it with defaults when
// missing, and configures logging.
func NewServer(flags ServeFlags) (*Server, error) {
	dataDir := flags.ResolveDataDir()
	cfg, err := loadOrCreateConfig(flags.ResolveConfigPath())
	if err != nil {
		return nil, err
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logCloser, err := SetupLogging(cfg.Log, dataDir)
	if err != nil {
		return nil, err
	}

	s := NewServerWithConfig(cfg, dataDir)
	s.closers = append(s.closers, logCloser)
	return s, nil
}

// NewServerWithConfig creates a server from an already loaded config.
// A zero port picks a free one.
func NewServerWithConfig(cfg *config.Config, dataDir string) *Server {
	s := &Server{
		cfg:        cfg,
		dataDir:    dataDir,
		started:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	s.requestStop = sync.OnceFunc(func() { close(s.shutdownCh) })
	return s
}

func loadOrCreateConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := config.DefaultConfig().Save(path); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		log.Info().Str("path", path).Msg("service: created default config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// WaitTillStarted blocks until every listener is accepting.
func (s *Server) WaitTillStarted() {
	<-s.started
}

// RequestShutdown makes Run return after a graceful shutdown.
func (s *Server) RequestShutdown() {
	s.requestStop()
}

// ProxyAddr, ControlAddr and APIAddr are valid once the server has started.
func (s *Server) ProxyAddr() string   { return s.proxy.Addr() }
func (s *Server) ControlAddr() string { return s.controlAddr }
func (s *Server) APIAddr() string     { return s.apiAddr }

// Run starts every component and blocks until ctx is done, a termination
// signal arrives, or RequestShutdown is called.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Str("version", config.Version).Str("dataDir", s.dataDir).Msg("service: starting")

	markStarted := sync.OnceFunc(func() { close(s.started) })
	defer markStarted()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// replays queued through the API outlive their HTTP request but not the server
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	telemetryShutdown, err := SetupTelemetry(s.cfg.Telemetry, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telemetryShutdown(tctx); err != nil {
			log.Warn().Err(err).Msg("service: telemetry shutdown failed")
		}
	}()

	errCh := make(chan error, 3)
	if err := s.start(runCtx, errCh); err != nil {
		s.shutdown()
		return err
	}
	markStarted()

	log.Info().
		Str("proxy", s.ProxyAddr()).
		Str("control", "ws://"+s.controlAddr+"/ws").
		Str("api", "http://"+s.apiAddr).
		Str("backend", s.flows.Backend()).
		Msg("service: ready")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("service: context cancelled, shutting down")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("service: received signal, shutting down")
	case <-s.shutdownCh:
		log.Info().Msg("service: shutdown requested")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("service: listener failed, shutting down")
	}

	cancelRun()
	s.shutdown()
	return runErr
}

func (s *Server) start(ctx context.Context, errCh chan<- error) error {
	var err error
	if s.flows, err = store.Open(ctx, s.cfg.Storage, s.dataDir); err != nil {
		return fmt.Errorf("open flow storage: %w", err)
	}

	s.broadcaster = controlplane.NewBroadcaster()
	s.manager = intercept.NewManager(replay.NewEngine(s.cfg.ReplayTimeout), s.broadcaster, s.cfg.PauseTimeout)

	runner, err := scripts.NewRunner(s.cfg.Scripts, s.broadcaster)
	if err != nil {
		return fmt.Errorf("load scripts: %w", err)
	}
	pipeline := proxy.NewPipeline(proxy.PipelineConfig{
		Interceptor:  s.manager,
		Scripts:      runner,
		Store:        s.flows,
		Events:       s.broadcaster,
		PIDs:         pidresolve.New(),
		MaxBodyBytes: s.cfg.MaxBodyBytes,
	})

	certs, err := proxy.NewCertManager(s.dataDir)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}
	s.proxy, err = proxy.NewServer(s.cfg.ProxyPort, certs, pipeline, proxy.TimeoutConfig{
		DialTimeout:  s.cfg.Timeouts.Dial,
		ReadTimeout:  s.cfg.Timeouts.Read,
		WriteTimeout: s.cfg.Timeouts.Write,
	})
	if err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	go func() {
		if err := s.proxy.Serve(); err != nil {
			errCh <- fmt.Errorf("proxy: %w", err)
		}
	}()
	if err := s.proxy.WaitReady(ctx); err != nil {
		return err
	}

	controlHandler := controlplane.NewServer(s.broadcaster, s.manager).Handler()
	if s.control, s.controlAddr, err = serveHTTP("control", s.cfg.ControlPort, controlHandler, errCh); err != nil {
		return err
	}

	apiHandler := api.NewServer(api.Options{
		Flows:         s.flows,
		Interceptor:   s.manager,
		Telemetry:     s.cfg.Telemetry.Enabled,
		ReplayContext: ctx,
	}).Handler()
	if s.api, s.apiAddr, err = serveHTTP("api", s.cfg.APIPort, apiHandler, errCh); err != nil {
		return err
	}

	log.Info().Str("path", certs.CACertPath()).Msg("service: CA certificate")
	return nil
}

// serveHTTP listens on loopback and serves h in the background.
func serveHTTP(name string, port int, h http.Handler, errCh chan<- error) (*http.Server, string, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
	}()
	return srv, ln.Addr().String(), nil
}

// shutdown stops the listeners, releases paused flows and closes storage.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for name, srv := range map[string]*http.Server{"api": s.api, "control": s.control} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("component", name).Msg("service: http shutdown failed")
		}
	}
	if s.broadcaster != nil {
		s.broadcaster.Close()
	}
	if s.manager != nil {
		s.manager.Close()
	}
	if s.proxy != nil {
		if err := s.proxy.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("service: proxy shutdown failed")
		}
	}
	if s.flows != nil {
		if err := s.flows.Close(); err != nil {
			log.Warn().Err(err).Msg("service: failed to close flow storage")
		}
	}
	log.Info().Msg("service: stopped")

	for _, c := range s.closers {
		_ = c.Close()
	}
}
