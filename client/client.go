// Package client implements the Go client for the actingdoll control
// socket: connect, welcome handshake, role identification and correlated
// request/response calls with a bounded timeout.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/CodeneAria/actingdoll/api"
	"github.com/CodeneAria/actingdoll/internal/svcfields"
)

// DefaultCallTimeout bounds correlated calls when no deadline is set on the
// context.
const DefaultCallTimeout = 10 * time.Second

var (
	// ErrSessionClosed means the socket closed while a call was pending.
	ErrSessionClosed = errors.New("client: session closed")
	// ErrCallTimeout means no correlated reply arrived within the
	// timeout.
	ErrCallTimeout = errors.New("client: call timed out")
)

// ServerError is a structured error envelope returned by the controller.
type ServerError struct {
	Command string
	Message string
}

func (e *ServerError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("server error: %s", e.Message)
	}
	return fmt.Sprintf("server error: %s: %s", e.Command, e.Message)
}

// PushHandler observes uncorrelated messages: set_*/request_* pushes,
// broadcasts and connect/disconnect notices. Called from the read loop, so
// it must not block.
type PushHandler func(msg api.Inbound)

// Option configures client instances.
type Option func(*Client)

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithAuthToken authenticates the session right after the handshake.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithRole sets the role announced in the identify handshake. The default
// is tool_caller.
func WithRole(role api.Role) Option {
	return func(c *Client) { c.role = role }
}

// WithPushHandler registers a handler for uncorrelated messages.
func WithPushHandler(fn PushHandler) Option {
	return func(c *Client) { c.onPush = fn }
}

// Client is one session on the control socket. Safe for concurrent use;
// writes are serialized and replies are matched by request id.
type Client struct {
	log         pslog.Logger
	callTimeout time.Duration
	authToken   string
	role        api.Role
	onPush      PushHandler

	conn    *websocket.Conn
	writeMu sync.Mutex

	sessionID string
	serverID  string

	mu       sync.Mutex
	pending  map[string]*pendingCall
	authCh   chan api.Inbound
	closed   bool
	closeErr error
	done     chan struct{}
}

type pendingCall struct {
	ch chan api.Inbound
	// query calls skip the controller's immediate client_request ack and
	// wait for the correlated data reply.
	query bool
}

// Dial connects to a controller, consumes the welcome and identifies the
// session. When an auth token is configured the auth exchange completes
// before Dial returns.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		log:         pslog.NoopLogger(),
		callTimeout: DefaultCallTimeout,
		role:        api.RoleToolCaller,
		pending:     make(map[string]*pendingCall),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = svcfields.WithSubsystem(c.log, "client")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.conn = conn

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(c.callTimeout))
	}
	var welcome api.Welcome
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if welcome.Type != api.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake message type %q", welcome.Type)
	}
	c.sessionID = welcome.ClientID
	c.serverID = welcome.ServerID
	c.log.Debug("connected", "session_id", c.sessionID, "server_id", c.serverID)

	go c.readLoop()

	if err := c.send(api.Envelope{
		Type:    api.TypeClient,
		Command: "identify",
		Args:    mustMarshal(map[string]string{"role": string(c.role)}),
	}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("identify: %w", err)
	}

	if c.authToken != "" {
		if err := c.authenticate(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// SessionID returns the session id assigned in the welcome. Other peers use
// it to address this session.
func (c *Client) SessionID() string { return c.sessionID }

// ServerID returns the controller's instance id.
func (c *Client) ServerID() string { return c.serverID }

// Close tears the session down. Pending calls fail with ErrSessionClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.failAll(ErrSessionClosed)
	return err
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Do sends a correlated envelope and returns the first reply carrying its
// request id. Use it for set_* directives where the controller's ack is the
// answer.
func (c *Client) Do(ctx context.Context, env api.Envelope) (api.Inbound, error) {
	return c.call(ctx, env, false)
}

// Query sends a correlated envelope and waits for a data-bearing reply,
// skipping the controller's immediate ack. Use it for get_* directives and
// model queries.
func (c *Client) Query(ctx context.Context, env api.Envelope) (api.Inbound, error) {
	return c.call(ctx, env, true)
}

// Notify sends an envelope without waiting for any reply.
func (c *Client) Notify(env api.Envelope) error {
	return c.send(env)
}

// Command runs a console-style server command ("status", "list",
// "notify hello", ...).
func (c *Client) Command(ctx context.Context, command string) (api.Inbound, error) {
	return c.Do(ctx, api.Envelope{Type: api.TypeCommand, Command: command})
}

// Model runs a model query. Model may be empty for "list".
func (c *Client) Model(ctx context.Context, command, model string) (api.Inbound, error) {
	env := api.Envelope{Type: api.TypeModel, Command: command}
	if model != "" {
		env.Args = mustMarshal(map[string]string{"model": model})
	}
	return c.Do(ctx, env)
}

// Directive sends a set_* directive to the target session.
func (c *Client) Directive(ctx context.Context, target, command string, args any) (api.Inbound, error) {
	env := api.Envelope{Type: api.TypeClient, ClientID: target, Command: command}
	if args != nil {
		env.Args = mustMarshal(args)
	}
	return c.Do(ctx, env)
}

// QueryState asks a render client for one piece of state and waits for its
// telemetry reply.
func (c *Client) QueryState(ctx context.Context, target string, state api.State) (api.Inbound, error) {
	return c.Query(ctx, api.Envelope{
		Type:     api.TypeClient,
		ClientID: target,
		Command:  "get_" + string(state),
	})
}

// ListClients returns the session ids visible to this session.
func (c *Client) ListClients(ctx context.Context) ([]string, error) {
	resp, err := c.Command(ctx, "list")
	if err != nil {
		return nil, err
	}
	var list api.ClientList
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		return nil, fmt.Errorf("decode client list: %w", err)
	}
	return list.Clients, nil
}

func (c *Client) call(ctx context.Context, env api.Envelope, query bool) (api.Inbound, error) {
	if env.RequestID == "" {
		env.RequestID = xid.New().String()
	}
	call := &pendingCall{ch: make(chan api.Inbound, 1), query: query}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return api.Inbound{}, c.closeReason()
	}
	c.pending[env.RequestID] = call
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.send(env); err != nil {
		return api.Inbound{}, err
	}

	select {
	case resp := <-call.ch:
		if resp.Type == api.TypeError || (!resp.Success && resp.Error != "") {
			return resp, &ServerError{Command: resp.Command, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return api.Inbound{}, fmt.Errorf("%w after %s", ErrCallTimeout, c.callTimeout)
		}
		return api.Inbound{}, ctx.Err()
	case <-c.done:
		return api.Inbound{}, c.closeReason()
	}
}

func (c *Client) authenticate(ctx context.Context) error {
	authCh := make(chan api.Inbound, 1)
	c.mu.Lock()
	c.authCh = authCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.authCh = nil
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.send(api.Envelope{Type: api.TypeAuth, Token: c.authToken}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	select {
	case resp := <-authCh:
		if resp.Type != api.TypeAuthSuccess {
			return &ServerError{Command: "auth", Message: "authentication failed"}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("auth: %w", ctx.Err())
	case <-c.done:
		return c.closeReason()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg api.Inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.failAll(fmt.Errorf("%w: %v", ErrSessionClosed, err))
			return
		}
		c.route(msg)
	}
}

func (c *Client) route(msg api.Inbound) {
	switch msg.Type {
	case api.TypeAuthSuccess, api.TypeAuthFailed:
		c.mu.Lock()
		authCh := c.authCh
		c.mu.Unlock()
		if authCh != nil {
			select {
			case authCh <- msg:
			default:
			}
			return
		}
	}

	if msg.RequestID != "" {
		c.mu.Lock()
		call := c.pending[msg.RequestID]
		c.mu.Unlock()
		if call != nil {
			// For queries the client_request receipt only confirms
			// forwarding; the answer arrives as client_response
			// telemetry or an error.
			if call.query && msg.Type == api.TypeClientRequest {
				return
			}
			select {
			case call.ch <- msg:
			default:
			}
			return
		}
	}

	if c.onPush != nil {
		c.onPush(msg)
		return
	}
	c.log.Debug("uncorrelated message dropped", "type", msg.Type, "from", msg.From)
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.callTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	// Waiting calls observe the closure through c.done.
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()
}

func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrSessionClosed
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
