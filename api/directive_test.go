package api

import (
	"encoding/json"
	"testing"
)

func TestDecodeSetExpression(t *testing.T) {
	d, err := DecodeDirective("set_expression", json.RawMessage(`{"expression":"smile"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	expr, ok := d.(SetExpression)
	if !ok {
		t.Fatalf("expected SetExpression, got %T", d)
	}
	if expr.Expression != "smile" {
		t.Fatalf("expected smile, got %q", expr.Expression)
	}

	d, err = DecodeDirective("set_expression", json.RawMessage(`"angry"`))
	if err != nil {
		t.Fatalf("decode string args: %v", err)
	}
	if d.(SetExpression).Expression != "angry" {
		t.Fatalf("expected angry, got %+v", d)
	}

	if _, err := DecodeDirective("set_expression", json.RawMessage(`""`)); err == nil {
		t.Fatal("expected error for empty expression")
	}
}

func TestDecodeSetMotion(t *testing.T) {
	d, err := DecodeDirective("set_motion", json.RawMessage(`{"group":"Idle","no":2,"priority":3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m := d.(SetMotion)
	if m.Group != "Idle" || m.No != 2 || m.Priority != 3 {
		t.Fatalf("unexpected motion: %+v", m)
	}

	d, err = DecodeDirective("set_motion", json.RawMessage(`"TapBody 1"`))
	if err != nil {
		t.Fatalf("decode string args: %v", err)
	}
	m = d.(SetMotion)
	if m.Group != "TapBody" || m.No != 1 || m.Priority != PriorityNormal {
		t.Fatalf("expected default priority, got %+v", m)
	}
}

func TestDecodeSetMotionRejectsBadPriority(t *testing.T) {
	cases := []json.RawMessage{
		json.RawMessage(`{"group":"Idle","no":0,"priority":5}`),
		json.RawMessage(`{"group":"Idle","no":0,"priority":-1}`),
		json.RawMessage(`"Idle 0 high"`),
	}
	for _, args := range cases {
		if _, err := DecodeDirective("set_motion", args); err == nil {
			t.Fatalf("expected priority rejection for %s", args)
		}
	}
}

func TestParseParameterTokens(t *testing.T) {
	params, dropped := ParseParameterTokens("ParamAngleX=30 ParamAngleY=-10.5 Foo")
	if got := params["ParamAngleX"]; got != 30 {
		t.Fatalf("expected int 30, got %T %v", got, got)
	}
	if got := params["ParamAngleY"]; got != -10.5 {
		t.Fatalf("expected float -10.5, got %T %v", got, got)
	}
	if len(dropped) != 1 || dropped[0] != "Foo" {
		t.Fatalf("expected Foo dropped, got %v", dropped)
	}
	if len(params) != 2 {
		t.Fatalf("expected 2 parameters, got %v", params)
	}
}

func TestDecodeSetParameter(t *testing.T) {
	d, err := DecodeDirective("set_parameter", json.RawMessage(`{"ParamMouthOpenY":0.8}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := d.(SetParameter)
	if p.Parameters["ParamMouthOpenY"] != 0.8 {
		t.Fatalf("unexpected parameters: %+v", p.Parameters)
	}

	if _, err := DecodeDirective("set_parameter", json.RawMessage(`"Foo Bar"`)); err == nil {
		t.Fatal("expected error when no valid pairs remain")
	}
	if _, err := DecodeDirective("set_parameter", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for empty object")
	}
}

func TestDecodeFeatureToggles(t *testing.T) {
	for command, feature := range map[string]Feature{
		"set_eye_blink":   FeatureEyeBlink,
		"set_breath":      FeatureBreath,
		"set_idle_motion": FeatureIdleMotion,
		"set_drag_follow": FeatureDragFollow,
		"set_physics":     FeaturePhysics,
	} {
		d, err := DecodeDirective(command, json.RawMessage(`{"enabled":true}`))
		if err != nil {
			t.Fatalf("%s: %v", command, err)
		}
		f := d.(SetFeature)
		if f.Feature != feature || !f.Enabled {
			t.Fatalf("%s: unexpected %+v", command, f)
		}

		d, err = DecodeDirective(command, json.RawMessage(`"disabled"`))
		if err != nil {
			t.Fatalf("%s string args: %v", command, err)
		}
		if d.(SetFeature).Enabled {
			t.Fatalf("%s: expected disabled", command)
		}
	}
}

func TestDecodeSetPosition(t *testing.T) {
	d, err := DecodeDirective("set_position", json.RawMessage(`{"x":0.5,"y":-0.25,"relative":true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := d.(SetPosition)
	if p.X != 0.5 || p.Y != -0.25 || !p.Relative {
		t.Fatalf("unexpected position: %+v", p)
	}

	d, err = DecodeDirective("set_position", json.RawMessage(`"0.1 0.2"`))
	if err != nil {
		t.Fatalf("decode string args: %v", err)
	}
	if d.(SetPosition).Relative {
		t.Fatal("expected absolute position")
	}

	if _, err := DecodeDirective("set_position", json.RawMessage(`"0.1"`)); err == nil {
		t.Fatal("expected error for missing y")
	}
}

func TestDecodeGetState(t *testing.T) {
	d, err := DecodeDirective("get_expression", nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	g := d.(GetState)
	if g.State != StateExpression {
		t.Fatalf("unexpected state: %+v", g)
	}
	if got := g.State.RequestType(); got != MessageType("request_expression") {
		t.Fatalf("unexpected request type: %s", got)
	}

	if _, err := DecodeDirective("get_favorite_color", nil); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestDecodeStateResponse(t *testing.T) {
	raw := json.RawMessage(`{"enabled":true}`)
	d, err := DecodeDirective("response_eye_blink", raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r := d.(StateResponse)
	if r.State != StateEyeBlink || string(r.Data) != `{"enabled":true}` {
		t.Fatalf("unexpected response: %+v", r)
	}

	if _, err := DecodeDirective("response_favorite_color", raw); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestDecodeIdentify(t *testing.T) {
	d, err := DecodeDirective("identify", json.RawMessage(`{"role":"render_client"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.(Identify).Role != RoleRenderClient {
		t.Fatalf("unexpected role: %+v", d)
	}

	d, err = DecodeDirective("identify", json.RawMessage(`"tool_caller"`))
	if err != nil {
		t.Fatalf("decode string args: %v", err)
	}
	if d.(Identify).Role != RoleToolCaller {
		t.Fatalf("unexpected role: %+v", d)
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	if _, err := DecodeDirective("dance", nil); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
