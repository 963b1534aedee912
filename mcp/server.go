// Package mcp bridges discrete MCP tool calls onto a long-lived actingdoll
// controller session. Each tool call becomes a correlated request on the
// upstream socket; replies resolve through the client's pending-call map.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"github.com/CodeneAria/actingdoll/client"
	"github.com/CodeneAria/actingdoll/internal/svcfields"
)

const (
	// DefaultListen is the default MCP facade endpoint.
	DefaultListen = "127.0.0.1:3001"
	// DefaultControllerURL points the facade at a local controller.
	DefaultControllerURL = "ws://127.0.0.1:8765/"
	// DefaultConnectAttempts bounds the upstream connect retry loop.
	DefaultConnectAttempts = 10
	// DefaultConnectBackoff is the pause between connect attempts.
	DefaultConnectBackoff = 3 * time.Second
)

// Config controls the MCP facade runtime behavior.
type Config struct {
	Listen          string
	ControllerURL   string
	AuthToken       string
	CallTimeout     time.Duration
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// Server is the MCP facade service contract.
type Server interface {
	Run(context.Context) error
}

// NewServerRequest wraps constructor inputs.
type NewServerRequest struct {
	Config Config
	Logger pslog.Logger
}

type server struct {
	cfg          Config
	logger       pslog.Logger
	lifecycleLog pslog.Logger
	upstream     *client.Client
	httpServer   *http.Server
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.ControllerURL == "" {
		cfg.ControllerURL = DefaultControllerURL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = client.DefaultCallTimeout
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = DefaultConnectBackoff
	}
}

// NewServer constructs the actingdoll MCP facade service.
func NewServer(req NewServerRequest) (Server, error) {
	cfg := req.Config
	applyDefaults(&cfg)

	logger := req.Logger
	if logger == nil {
		logger = pslog.NewStructured(os.Stderr).With("app", "actingdoll")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		lifecycleLog: svcfields.WithSubsystem(logger, "server.lifecycle.mcp"),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: s.buildMux(),
	}
	return s, nil
}

// Run connects to the controller and serves the MCP endpoint until ctx
// ends. The controller may start after the facade: connection attempts are
// retried with a fixed backoff.
func (s *server) Run(ctx context.Context) error {
	upstream, err := s.connectUpstream(ctx)
	if err != nil {
		return err
	}
	s.upstream = upstream
	defer func() {
		_ = s.upstream.Close()
	}()

	s.lifecycleLog.Info("starting actingdoll MCP facade",
		"listen", s.cfg.Listen,
		"controller", s.cfg.ControllerURL,
		"session_id", upstream.SessionID())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case <-upstream.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return fmt.Errorf("controller session closed")
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *server) connectUpstream(ctx context.Context) (*client.Client, error) {
	opts := []client.Option{
		client.WithLogger(s.logger),
		client.WithCallTimeout(s.cfg.CallTimeout),
	}
	if s.cfg.AuthToken != "" {
		opts = append(opts, client.WithAuthToken(s.cfg.AuthToken))
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		upstream, err := client.Dial(ctx, s.cfg.ControllerURL, opts...)
		if err == nil {
			return upstream, nil
		}
		lastErr = err
		s.lifecycleLog.Warn("controller connect failed",
			"attempt", attempt,
			"max_attempts", s.cfg.ConnectAttempts,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.ConnectBackoff):
		}
	}
	return nil, fmt.Errorf("connect to controller %s: %w", s.cfg.ControllerURL, lastErr)
}

func (s *server) buildMux() *http.ServeMux {
	mcpSrv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "actingdoll-mcp-facade",
		Version: "0.1.0",
	}, &mcpsdk.ServerOptions{
		Instructions: serverInstructions,
	})
	s.registerTools(mcpSrv)

	streamable := mcpsdk.NewStreamableHTTPHandler(func(_ *http.Request) *mcpsdk.Server {
		return mcpSrv
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/", streamable)
	return mux
}

const serverInstructions = `Control browser-resident Live2D avatar renderers. ` +
	`Use list_clients to discover connected render clients, then drive them ` +
	`with set_expression, set_motion, set_parameter and the toggle tools. ` +
	`get_client_state reports what a renderer is currently showing.`
