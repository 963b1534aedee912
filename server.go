package actingdoll

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/CodeneAria/actingdoll/api"
	"github.com/CodeneAria/actingdoll/internal/modelindex"
	"github.com/CodeneAria/actingdoll/internal/registry"
	"github.com/CodeneAria/actingdoll/internal/router"
	"github.com/CodeneAria/actingdoll/internal/security"
	"github.com/CodeneAria/actingdoll/internal/svcfields"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 32 << 20 // wav payloads arrive base64-encoded inline
)

// Server is the WebSocket controller: it owns the session registry, the
// command router, the model index and the optional metrics listener.
type Server struct {
	cfg      Config
	serverID string
	logger   pslog.Logger

	registry  *registry.Registry
	policy    *security.Policy
	models    *modelindex.Index
	router    *router.Router
	telemetry *telemetryBundle

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	ln       net.Listener
	serveErr error
	readyCh  chan struct{}
	watchCtx context.CancelFunc
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger pslog.Logger
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// NewServer constructs a controller according to cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	if cfg.RequireAuth && cfg.AuthToken == "" {
		logger.Warn("auth required but no token configured, all privileged directives will be rejected")
	}

	policy, err := security.NewPolicy(cfg.RequireAuth, cfg.AuthToken, cfg.AllowedDirs)
	if err != nil {
		logger.Warn("allow-list entries dropped", "error", err)
	}
	models, err := modelindex.New(cfg.ModelDir, logger)
	if err != nil {
		return nil, fmt.Errorf("model index: %w", err)
	}

	telemetry := newTelemetryBundle(logger)
	reg := registry.New(logger, registry.WithSendFailureHook(func(string) {
		telemetry.broadcastFailures.Inc()
	}))
	rt := router.New(reg, policy, models, logger, router.WithHandledHook(func(family, outcome string) {
		telemetry.directivesTotal.WithLabelValues(family, outcome).Inc()
	}))

	s := &Server{
		cfg:       cfg,
		serverID:  uuid.NewString(),
		logger:    svcfields.WithSubsystem(logger, "server"),
		registry:  reg,
		policy:    policy,
		models:    models,
		router:    rt,
		telemetry: telemetry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The controller binds to loopback by default and the
			// protocol has its own auth gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		readyCh: make(chan struct{}),
	}
	return s, nil
}

// Registry exposes the session registry, mainly for the operator console.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Router exposes the command router, mainly for the operator console.
func (s *Server) Router() *router.Router { return s.router }

// Models exposes the model index.
func (s *Server) Models() *modelindex.Index { return s.models }

// Start begins serving and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	s.mu.Lock()
	s.ln = ln
	s.httpServer = &http.Server{Handler: mux}
	if s.cfg.WatchModels && s.cfg.ModelDir != "" {
		ctx, cancel := context.WithCancel(context.Background())
		s.watchCtx = cancel
		go func() {
			if err := s.models.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("model watcher stopped", "error", err)
			}
		}()
	}
	s.mu.Unlock()

	if s.cfg.MetricsListen != "" {
		if err := s.telemetry.serveMetrics(s.cfg.MetricsListen); err != nil {
			return err
		}
	}

	s.logger.Info("controller listening",
		"addr", ln.Addr().String(),
		"server_id", s.serverID,
		"require_auth", s.cfg.RequireAuth,
		"model_dir", s.cfg.ModelDir)
	close(s.readyCh)

	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.mu.Lock()
	s.serveErr = err
	s.mu.Unlock()
	return err
}

// Shutdown announces the stop to every session, closes the connections and
// stops the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	cancelWatch := s.watchCtx
	s.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}
	s.registry.CloseAll(api.Response{
		Type:      api.TypeServerShutdown,
		Message:   "server shutting down",
		From:      "server",
		Timestamp: api.Timestamp(),
	})
	s.telemetry.sessionsActive.Set(0)

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// wsSession adapts a websocket connection to the registry's Sender. Writes
// are serialized through the mutex; gorilla connections allow only one
// concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsSession) Send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsSession) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Close()
}

func (s *Server) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	// The session id doubles as the addressing handle other peers use.
	id := conn.RemoteAddr().String()
	sender := &wsSession{conn: conn}

	if err := sender.Send(api.Welcome{
		Type:      api.TypeWelcome,
		Message:   "connected to actingdoll controller",
		ClientID:  id,
		ServerID:  s.serverID,
		Timestamp: api.Timestamp(),
	}); err != nil {
		s.logger.Warn("welcome failed", "client_id", id, "error", err)
		_ = conn.Close()
		return
	}

	sess := s.registry.Register(id, r.RemoteAddr, sender)
	s.telemetry.sessionsActive.Set(float64(s.registry.Len()))
	s.logger.Info("client connected", "client_id", id, "total_clients", s.registry.Len())

	defer func() {
		s.registry.Unregister(id)
		s.telemetry.sessionsActive.Set(float64(s.registry.Len()))
		s.logger.Info("client disconnected", "client_id", id, "total_clients", s.registry.Len())
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "client_id", id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.router.Handle(sess, data)
	}
}

// StartServer starts a controller in a background goroutine and waits until
// it accepts connections. It returns the running server alongside a stop
// function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		select {
		case serveErr := <-errCh:
			if serveErr != nil {
				return nil, nil, serveErr
			}
		default:
		}
		return nil, nil, fmt.Errorf("server not ready: %w", err)
	}

	stop := func(stopCtx context.Context) error {
		shutdownErr := srv.Shutdown(stopCtx)
		select {
		case serveErr := <-errCh:
			if serveErr != nil {
				return serveErr
			}
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
		return shutdownErr
	}
	return srv, stop, nil
}
