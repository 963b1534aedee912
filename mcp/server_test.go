package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CodeneAria/actingdoll"
	"github.com/CodeneAria/actingdoll/api"
	"github.com/CodeneAria/actingdoll/client"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default, got %q", cfg.Listen)
	}
	if cfg.ControllerURL != DefaultControllerURL {
		t.Fatalf("expected controller default, got %q", cfg.ControllerURL)
	}
	if cfg.ConnectAttempts != DefaultConnectAttempts || cfg.ConnectBackoff != DefaultConnectBackoff {
		t.Fatalf("expected retry defaults, got %+v", cfg)
	}
	if cfg.CallTimeout != client.DefaultCallTimeout {
		t.Fatalf("expected call timeout default, got %s", cfg.CallTimeout)
	}
}

// autoRender runs a render client that answers request_* pushes for the
// states it knows until its connection closes.
func startAutoRender(t *testing.T, ts *actingdoll.TestServer, answers map[string]any) string {
	t.Helper()
	conn, welcome := ts.Dial(t)
	if err := conn.WriteJSON(api.Envelope{
		Type:    api.TypeClient,
		Command: "identify",
		Args:    json.RawMessage(`{"role":"render_client"}`),
	}); err != nil {
		t.Fatalf("identify: %v", err)
	}
	// identify has no reply; an echo round-trip confirms the role landed.
	if err := conn.WriteJSON(api.Envelope{Type: api.TypeEcho, Content: "sync"}); err != nil {
		t.Fatalf("echo: %v", err)
	}
	for {
		var msg map[string]any
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("echo sync: %v", err)
		}
		if msg["type"] == string(api.TypeEchoResponse) {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msgType, _ := msg["type"].(string)
			if len(msgType) <= len("request_") || msgType[:len("request_")] != "request_" {
				continue
			}
			state := msgType[len("request_"):]
			answer, ok := answers[state]
			if !ok {
				continue
			}
			raw, err := json.Marshal(answer)
			if err != nil {
				continue
			}
			from, _ := msg["from"].(string)
			requestID, _ := msg["request_id"].(string)
			_ = conn.WriteJSON(api.Envelope{
				Type:      api.TypeClient,
				Command:   "response_" + state,
				Args:      raw,
				To:        from,
				RequestID: requestID,
			})
		}
	}()
	return welcome.ClientID
}

func newTestFacade(t *testing.T, ts *actingdoll.TestServer, callTimeout time.Duration) *server {
	t.Helper()
	upstream, err := client.Dial(context.Background(), ts.URL,
		client.WithLogger(actingdoll.NewTestLogger(t)),
		client.WithCallTimeout(callTimeout))
	if err != nil {
		t.Fatalf("dial controller: %v", err)
	}
	t.Cleanup(func() { _ = upstream.Close() })
	cfg := Config{ControllerURL: ts.URL, CallTimeout: callTimeout}
	applyDefaults(&cfg)
	return &server{
		cfg:          cfg,
		logger:       actingdoll.NewTestLogger(t),
		lifecycleLog: actingdoll.NewTestLogger(t),
		upstream:     upstream,
	}
}

func TestListClientsTool(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	renderID := startAutoRender(t, ts, nil)
	s := newTestFacade(t, ts, 5*time.Second)

	_, out, err := s.handleListClientsTool(context.Background(), nil, listClientsToolInput{})
	if err != nil {
		t.Fatalf("list_clients: %v", err)
	}
	if out.Count != 1 || out.Clients[0] != renderID {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestSetExpressionTool(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	renderID := startAutoRender(t, ts, nil)
	s := newTestFacade(t, ts, 5*time.Second)

	_, out, err := s.handleSetExpressionTool(context.Background(), nil, setExpressionToolInput{
		ClientID:   renderID,
		Expression: "smile",
	})
	if err != nil {
		t.Fatalf("set_expression: %v", err)
	}
	if !out.Success || out.ClientID != renderID {
		t.Fatalf("unexpected ack: %+v", out)
	}

	if _, _, err := s.handleSetExpressionTool(context.Background(), nil, setExpressionToolInput{
		ClientID: renderID,
	}); err == nil {
		t.Fatal("expected error for missing expression")
	}
}

func TestSetMotionToolDefaultsPriority(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	renderID := startAutoRender(t, ts, nil)
	s := newTestFacade(t, ts, 5*time.Second)

	_, out, err := s.handleSetMotionTool(context.Background(), nil, setMotionToolInput{
		ClientID: renderID,
		Group:    "Idle",
		No:       1,
	})
	if err != nil {
		t.Fatalf("set_motion: %v", err)
	}
	if !out.Success {
		t.Fatalf("unexpected ack: %+v", out)
	}

	bad := 7
	if _, _, err := s.handleSetMotionTool(context.Background(), nil, setMotionToolInput{
		ClientID: renderID,
		Group:    "Idle",
		Priority: &bad,
	}); err == nil {
		t.Fatal("expected error for out-of-range priority")
	}
}

func TestGetModelTools(t *testing.T) {
	modelDir := t.TempDir()
	dir := filepath.Join(modelDir, "haru")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"haru.model3.json":   `{"FileReferences":{"DisplayInfo":"haru.cdi3.json","Physics":"haru.physics3.json","Expressions":[{"Name":"smile","File":"smile.exp3.json"}],"Motions":{"Idle":[{"File":"idle.motion3.json"}]}}}`,
		"haru.cdi3.json":     `{"Parameters":[{"Id":"ParamAngleX","Name":"Angle X"},{"Id":"ParamHair","Name":"Hair"}]}`,
		"haru.physics3.json": `{"PhysicsSettings":[{"Output":[{"Destination":{"Target":"Parameter","Id":"ParamHair"}}]}]}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ts := actingdoll.StartTestServer(t, actingdoll.Config{ModelDir: modelDir})
	s := newTestFacade(t, ts, 5*time.Second)

	_, list, err := s.handleGetModelListTool(context.Background(), nil, getModelListToolInput{})
	if err != nil {
		t.Fatalf("get_model_list: %v", err)
	}
	if len(list.Models) != 1 || list.Models[0] != "haru" {
		t.Fatalf("unexpected models: %+v", list)
	}

	_, info, err := s.handleGetModelInfoTool(context.Background(), nil, getModelInfoToolInput{ModelName: "haru"})
	if err != nil {
		t.Fatalf("get_model_info: %v", err)
	}
	if len(info.Expressions) != 1 || info.Expressions[0].Name != "smile" {
		t.Fatalf("unexpected expressions: %+v", info.Expressions)
	}
	if len(info.MotionGroups["Idle"]) != 1 {
		t.Fatalf("unexpected motion groups: %+v", info.MotionGroups)
	}
	if len(info.Parameters) != 1 || info.Parameters[0].ID != "ParamAngleX" {
		t.Fatalf("physics-driven parameter not excluded: %+v", info.Parameters)
	}

	if _, _, err := s.handleGetModelInfoTool(context.Background(), nil, getModelInfoToolInput{ModelName: "nope"}); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestGetClientStateToolPartialAnswers(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	renderID := startAutoRender(t, ts, map[string]any{
		"model_name": map[string]any{"model_name": "haru"},
		"eye_blink":  map[string]any{"enabled": true},
	})
	s := newTestFacade(t, ts, 500*time.Millisecond)

	_, out, err := s.handleGetClientStateTool(context.Background(), nil, getClientStateToolInput{ClientID: renderID})
	if err != nil {
		t.Fatalf("get_client_state: %v", err)
	}
	if len(out.State) != len(clientStateFields) {
		t.Fatalf("expected %d fields, got %+v", len(clientStateFields), out.State)
	}
	if out.State["model_name"] == nil {
		t.Fatal("answered field must carry data")
	}
	if out.State["scale"] != nil {
		t.Fatalf("unanswered field must be null, got %v", out.State["scale"])
	}
}

func TestNotifyTool(t *testing.T) {
	ts := actingdoll.StartTestServer(t, actingdoll.Config{})
	s := newTestFacade(t, ts, 5*time.Second)

	_, out, err := s.handleNotifyTool(context.Background(), nil, notifyToolInput{Message: "maintenance"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !out.Sent || out.Message != "maintenance" {
		t.Fatalf("unexpected output: %+v", out)
	}

	if _, _, err := s.handleNotifyTool(context.Background(), nil, notifyToolInput{}); err == nil {
		t.Fatal("expected error for empty message")
	}
}
