package actingdoll

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/CodeneAria/actingdoll/api"
)

// TestServer wraps a running controller with convenient handles for tests.
type TestServer struct {
	Server *Server
	// URL is the ws:// endpoint of the controller.
	URL    string
	Config Config

	stopOnce sync.Once
	stopErr  error
	stop     func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Logf("%s", line)
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestLogger returns a logger that forwards structured output to t.
func NewTestLogger(t testing.TB) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(writer)
}

// StartTestServer boots a controller on an ephemeral loopback port and
// registers cleanup with t. The supplied config is completed with test
// defaults: port 0 listen, console disabled.
func StartTestServer(t testing.TB, cfg Config) *TestServer {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	cfg.NoConsole = true

	srv, stop, err := StartServer(context.Background(), cfg, WithLogger(NewTestLogger(t)))
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	ts := &TestServer{
		Server: srv,
		URL:    fmt.Sprintf("ws://%s/", srv.ListenerAddr().String()),
		Config: cfg,
		stop:   stop,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Logf("test server stop: %v", err)
		}
	})
	return ts
}

// Dial opens a raw websocket session and consumes the welcome message.
func (ts *TestServer) Dial(t testing.TB) (*websocket.Conn, api.Welcome) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.URL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", ts.URL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	var welcome api.Welcome
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if welcome.Type != api.TypeWelcome {
		t.Fatalf("expected welcome, got %+v", welcome)
	}
	return conn, welcome
}

// Stop shuts the server down. Safe to call more than once; cleanup runs it
// again as a no-op.
func (ts *TestServer) Stop(ctx context.Context) error {
	ts.stopOnce.Do(func() {
		ts.stopErr = ts.stop(ctx)
	})
	return ts.stopErr
}
