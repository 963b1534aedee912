package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CodeneAria/actingdoll"
	"github.com/CodeneAria/actingdoll/api"
	"github.com/CodeneAria/actingdoll/client"
)

// fakeRender connects a raw websocket peer that can be scripted to answer
// request_* pushes.
type fakeRender struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func newFakeRender(t *testing.T, ts *actingdoll.TestServer) *fakeRender {
	t.Helper()
	conn, welcome := ts.Dial(t)
	if err := conn.WriteJSON(api.Envelope{
		Type:    api.TypeClient,
		Command: "identify",
		Args:    json.RawMessage(`{"role":"render_client"}`),
	}); err != nil {
		t.Fatalf("identify: %v", err)
	}
	f := &fakeRender{t: t, conn: conn, id: welcome.ClientID}
	// identify has no reply; an echo round-trip confirms the role landed.
	if err := conn.WriteJSON(api.Envelope{Type: api.TypeEcho, Content: "sync"}); err != nil {
		t.Fatalf("echo: %v", err)
	}
	f.next(string(api.TypeEchoResponse))
	return f
}

// next returns the next message of the wanted type, skipping others.
func (f *fakeRender) next(msgType string) map[string]any {
	f.t.Helper()
	_ = f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer f.conn.SetReadDeadline(time.Time{})
	for {
		var msg map[string]any
		if err := f.conn.ReadJSON(&msg); err != nil {
			f.t.Fatalf("fake render read: %v", err)
		}
		if msg["type"] == msgType {
			return msg
		}
	}
}

// answer replies to one request_<state> push with response_<state>
// telemetry addressed at the requester.
func (f *fakeRender) answer(state string, data any) {
	f.t.Helper()
	req := f.next("request_" + state)
	raw, err := json.Marshal(data)
	if err != nil {
		f.t.Fatalf("marshal answer: %v", err)
	}
	reply := api.Envelope{
		Type:      api.TypeClient,
		Command:   "response_" + state,
		Args:      raw,
		To:        req["from"].(string),
		RequestID: req["request_id"].(string),
	}
	if err := f.conn.WriteJSON(reply); err != nil {
		f.t.Fatalf("fake render reply: %v", err)
	}
}

func TestDialHandshake(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	c, err := client.Dial(context.Background(), ts.URL, client.WithLogger(actingdoll.NewTestLogger(t)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if c.SessionID() == "" || c.ServerID() == "" {
		t.Fatalf("incomplete handshake: session=%q server=%q", c.SessionID(), c.ServerID())
	}
}

func TestDoDirective(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	render := newFakeRender(t, ts)

	c, err := client.Dial(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Directive(context.Background(), render.id, "set_expression", map[string]string{"expression": "smile"})
	if err != nil {
		t.Fatalf("directive: %v", err)
	}
	if resp.Type != api.TypeClientRequest || !resp.Success {
		t.Fatalf("unexpected ack: %+v", resp)
	}

	push := render.next("set_expression")
	if push["expression"] != "smile" {
		t.Fatalf("unexpected push: %v", push)
	}
}

func TestQueryStateCorrelation(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	render := newFakeRender(t, ts)

	c, err := client.Dial(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	go render.answer("eye_blink", map[string]any{"enabled": true})

	resp, err := c.QueryState(context.Background(), render.id, api.StateEyeBlink)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Type != api.TypeClientResponse || resp.From != render.id {
		t.Fatalf("unexpected telemetry: %+v", resp)
	}
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(resp.Data, &payload); err != nil || !payload.Enabled {
		t.Fatalf("unexpected payload: %s", resp.Data)
	}
}

func TestQueryTimeout(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	render := newFakeRender(t, ts)

	c, err := client.Dial(context.Background(), ts.URL, client.WithCallTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// The render client never answers.
	_, err = c.QueryState(context.Background(), render.id, api.StateBreath)
	if !errors.Is(err, client.ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
}

func TestCallFailsWhenSessionCloses(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	render := newFakeRender(t, ts)

	c, err := client.Dial(context.Background(), ts.URL, client.WithCallTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.QueryState(context.Background(), render.id, api.StateBreath)
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)
	_ = c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, client.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after close")
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	c, err := client.Dial(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Directive(context.Background(), "10.9.9.9:9", "set_expression", map[string]string{"expression": "smile"})
	var serverErr *client.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
}

func TestDialWithAuthToken(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{
		RequireAuth: true,
		AuthToken:   "sekrit",
	})

	if _, err := client.Dial(context.Background(), ts.URL, client.WithAuthToken("wrong")); err == nil {
		t.Fatal("expected auth failure")
	}

	c, err := client.Dial(context.Background(), ts.URL, client.WithAuthToken("sekrit"))
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer c.Close()
}

func TestListClients(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	render := newFakeRender(t, ts)

	c, err := client.Dial(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	clients, err := c.ListClients(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(clients) != 1 || clients[0] != render.id {
		t.Fatalf("unexpected clients: %v", clients)
	}
}

func TestPushHandlerSeesBroadcasts(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})

	got := make(chan api.Inbound, 8)
	c, err := client.Dial(context.Background(), ts.URL,
		client.WithPushHandler(func(msg api.Inbound) { got <- msg }))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	other, err := client.Dial(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("dial other: %v", err)
	}
	defer other.Close()
	if _, err := other.Command(context.Background(), "notify maintenance window"); err != nil {
		t.Fatalf("notify: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-got:
			if msg.Type == api.TypeNotify && msg.Message == "maintenance window" {
				return
			}
		case <-deadline:
			t.Fatal("notify broadcast not observed")
		}
	}
}
