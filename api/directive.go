package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Motion priorities, matching the renderer's preemption model.
const (
	PriorityNone   = 0
	PriorityIdle   = 1
	PriorityNormal = 2
	PriorityForce  = 3
)

// Feature names a toggleable animation subsystem on a render client.
type Feature string

const (
	FeatureEyeBlink   Feature = "eye_blink"
	FeatureBreath     Feature = "breath"
	FeatureIdleMotion Feature = "idle_motion"
	FeatureDragFollow Feature = "drag_follow"
	FeaturePhysics    Feature = "physics"
)

// State names a queryable piece of render-client state.
type State string

const (
	StateEyeBlink   State = "eye_blink"
	StateBreath     State = "breath"
	StateIdleMotion State = "idle_motion"
	StateDragFollow State = "drag_follow"
	StatePhysics    State = "physics"
	StateExpression State = "expression"
	StateMotion     State = "motion"
	StateModelName  State = "model_name"
	StateModelInfo  State = "model_info"
	StatePosition   State = "position"
	StateScale      State = "scale"
)

// SetType is the wire type of the push that applies the feature toggle.
func (f Feature) SetType() MessageType { return MessageType("set_" + string(f)) }

// RequestType is the wire type of the push that asks a render client to
// report a piece of state.
func (s State) RequestType() MessageType { return MessageType("request_" + string(s)) }

// ResponseCommand is the directive command a render client uses to answer a
// request_* push.
func (s State) ResponseCommand() string { return "response_" + string(s) }

// Directive is the decoded form of a client-typed command. Envelopes are
// decoded exactly once; the router switches exhaustively over the variants.
type Directive interface{ directive() }

type SetExpression struct{ Expression string }

type SetMotion struct {
	Group    string
	No       int
	Priority int
}

type SetParameter struct {
	Parameters map[string]any
	// Dropped holds tokens of the string form that had no "=" and were
	// discarded rather than aborting the command.
	Dropped []string
}

type SetFeature struct {
	Feature Feature
	Enabled bool
}

type SetPosition struct {
	X, Y     float64
	Relative bool
}

type SetScale struct{ Scale float64 }

// SetLipSync carries base64 WAV data supplied inline by the caller.
type SetLipSync struct{ WavData string }

// SetLipSyncFromFile asks the server to read a WAV file from disk. The
// router authorizes it against the caller's session and the path allow-list
// before any file I/O happens.
type SetLipSyncFromFile struct{ Path string }

// GetState forwards a request_* push and acknowledges immediately; the
// render client answers asynchronously with response_* telemetry.
type GetState struct{ State State }

// StateResponse is response_* telemetry pushed by a render client, routed
// back to the session named in the envelope's To field.
type StateResponse struct {
	State State
	Data  json.RawMessage
}

// Identify is the role handshake. It is recorded without a reply.
type Identify struct{ Role Role }

func (SetExpression) directive()      {}
func (SetMotion) directive()          {}
func (SetParameter) directive()       {}
func (SetFeature) directive()         {}
func (SetPosition) directive()        {}
func (SetScale) directive()           {}
func (SetLipSync) directive()         {}
func (SetLipSyncFromFile) directive() {}
func (GetState) directive()           {}
func (StateResponse) directive()      {}
func (Identify) directive()           {}

var validStates = map[State]bool{
	StateEyeBlink: true, StateBreath: true, StateIdleMotion: true,
	StateDragFollow: true, StatePhysics: true, StateExpression: true,
	StateMotion: true, StateModelName: true, StateModelInfo: true,
	StatePosition: true, StateScale: true,
}

var featureCommands = map[string]Feature{
	"set_eye_blink":   FeatureEyeBlink,
	"set_breath":      FeatureBreath,
	"set_idle_motion": FeatureIdleMotion,
	"set_drag_follow": FeatureDragFollow,
	"set_physics":     FeaturePhysics,
}

// DecodeDirective turns a (command, args) pair into a tagged Directive.
// Args may be a JSON object (tool-caller syntax) or a JSON string holding
// the space-separated console syntax. Validation failures return a
// descriptive error before anything is forwarded.
func DecodeDirective(command string, args json.RawMessage) (Directive, error) {
	if state, ok := strings.CutPrefix(command, "response_"); ok {
		s := State(state)
		if !validStates[s] {
			return nil, fmt.Errorf("unknown state in telemetry command %q", command)
		}
		return StateResponse{State: s, Data: args}, nil
	}

	switch command {
	case "identify":
		obj, err := objectArgs(args)
		if err != nil {
			if text, terr := stringArgs(args); terr == nil {
				return Identify{Role: ParseRole(strings.TrimSpace(text))}, nil
			}
			return nil, err
		}
		role, _ := obj["role"].(string)
		return Identify{Role: ParseRole(role)}, nil

	case "set_expression":
		if obj, err := objectArgs(args); err == nil {
			name, _ := obj["expression"].(string)
			if name == "" {
				return nil, fmt.Errorf("set_expression requires an expression name")
			}
			return SetExpression{Expression: name}, nil
		}
		text, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			return nil, fmt.Errorf("set_expression requires an expression name")
		}
		return SetExpression{Expression: fields[0]}, nil

	case "set_motion":
		return decodeSetMotion(args)

	case "set_parameter":
		return decodeSetParameter(args)

	case "set_position":
		return decodeSetPosition(args)

	case "set_scale":
		if obj, err := objectArgs(args); err == nil {
			scale, ok := floatField(obj, "scale")
			if !ok {
				return nil, fmt.Errorf("set_scale requires a numeric scale")
			}
			return SetScale{Scale: scale}, nil
		}
		text, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			return nil, fmt.Errorf("set_scale requires a scale value")
		}
		scale, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("set_scale scale must be numeric")
		}
		return SetScale{Scale: scale}, nil

	case "set_lipsync":
		if obj, err := objectArgs(args); err == nil {
			data, _ := obj["wav_data"].(string)
			if data == "" {
				return nil, fmt.Errorf("set_lipsync requires wav data")
			}
			return SetLipSync{WavData: data}, nil
		}
		text, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			return nil, fmt.Errorf("set_lipsync requires wav data")
		}
		return SetLipSync{WavData: fields[0]}, nil

	case "set_lipsync_from_file":
		if obj, err := objectArgs(args); err == nil {
			path, _ := obj["file"].(string)
			if path == "" {
				path, _ = obj["path"].(string)
			}
			if path == "" {
				return nil, fmt.Errorf("set_lipsync_from_file requires a file name")
			}
			return SetLipSyncFromFile{Path: path}, nil
		}
		text, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		path := strings.TrimSpace(text)
		if path == "" {
			return nil, fmt.Errorf("set_lipsync_from_file requires a file name")
		}
		return SetLipSyncFromFile{Path: path}, nil
	}

	if feature, ok := featureCommands[command]; ok {
		enabled, err := decodeEnabled(args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", command, err)
		}
		return SetFeature{Feature: feature, Enabled: enabled}, nil
	}

	if state, ok := strings.CutPrefix(command, "get_"); ok {
		s := State(state)
		if !validStates[s] {
			return nil, fmt.Errorf("unknown client command: %s", command)
		}
		return GetState{State: s}, nil
	}

	return nil, fmt.Errorf("unknown client command: %s", command)
}

func decodeSetMotion(args json.RawMessage) (Directive, error) {
	var group, no, priority string
	if obj, err := objectArgs(args); err == nil {
		group, _ = obj["group"].(string)
		no = numericString(obj["no"])
		priority = numericString(obj["priority"])
	} else {
		text, terr := stringArgs(args)
		if terr != nil {
			return nil, terr
		}
		fields := strings.Fields(text)
		if len(fields) > 0 {
			group = fields[0]
		}
		if len(fields) > 1 {
			no = fields[1]
		}
		if len(fields) > 2 {
			priority = fields[2]
		}
	}
	if group == "" {
		return nil, fmt.Errorf("set_motion requires a motion group")
	}
	if no == "" {
		return nil, fmt.Errorf("set_motion requires a motion number")
	}
	noInt, err := strconv.Atoi(no)
	if err != nil {
		return nil, fmt.Errorf("set_motion motion number must be an integer")
	}
	if priority == "" {
		priority = strconv.Itoa(PriorityNormal)
	}
	prioInt, err := strconv.Atoi(priority)
	if err != nil {
		return nil, fmt.Errorf("set_motion priority must be an integer")
	}
	if prioInt < PriorityNone || prioInt > PriorityForce {
		return nil, fmt.Errorf("set_motion priority must be 0 (none), 1 (idle), 2 (normal) or 3 (force)")
	}
	return SetMotion{Group: group, No: noInt, Priority: prioInt}, nil
}

func decodeSetParameter(args json.RawMessage) (Directive, error) {
	if obj, err := objectArgs(args); err == nil {
		if len(obj) == 0 {
			return nil, fmt.Errorf("set_parameter requires at least one parameter")
		}
		return SetParameter{Parameters: obj}, nil
	}
	text, err := stringArgs(args)
	if err != nil {
		return nil, fmt.Errorf("set_parameter takes an object or a \"Name=value ...\" string")
	}
	params, dropped := ParseParameterTokens(text)
	if len(params) == 0 {
		return nil, fmt.Errorf("set_parameter requires at least one valid Name=value pair")
	}
	return SetParameter{Parameters: params, Dropped: dropped}, nil
}

func decodeSetPosition(args json.RawMessage) (Directive, error) {
	if obj, err := objectArgs(args); err == nil {
		x, okX := floatField(obj, "x")
		y, okY := floatField(obj, "y")
		if !okX || !okY {
			return nil, fmt.Errorf("set_position requires numeric x and y")
		}
		relative, _ := obj["relative"].(bool)
		return SetPosition{X: x, Y: y, Relative: relative}, nil
	}
	text, err := stringArgs(args)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return nil, fmt.Errorf("set_position requires x and y coordinates")
	}
	x, errX := strconv.ParseFloat(fields[0], 64)
	y, errY := strconv.ParseFloat(fields[1], 64)
	if errX != nil || errY != nil {
		return nil, fmt.Errorf("set_position coordinates must be numeric")
	}
	relative := len(fields) > 2 && strings.EqualFold(fields[2], "relative")
	return SetPosition{X: x, Y: y, Relative: relative}, nil
}

func decodeEnabled(args json.RawMessage) (bool, error) {
	if obj, err := objectArgs(args); err == nil {
		if enabled, ok := obj["enabled"].(bool); ok {
			return enabled, nil
		}
		return false, fmt.Errorf("requires an enabled flag")
	}
	text, err := stringArgs(args)
	if err != nil || strings.TrimSpace(text) == "" {
		return false, fmt.Errorf("requires \"enabled\" or \"disabled\"")
	}
	return strings.Contains(strings.ToLower(text), "enabled") &&
		!strings.Contains(strings.ToLower(text), "disabled"), nil
}

// ParseParameterTokens parses the console bulk-parameter syntax
// ("ParamAngleX=30 ParamAngleY=-10.5"). Values containing "." coerce to
// float64, other numerics to int, anything else stays a string. Tokens
// without "=" are returned in dropped instead of failing the command.
func ParseParameterTokens(text string) (params map[string]any, dropped []string) {
	params = make(map[string]any)
	for _, token := range strings.Fields(text) {
		key, value, found := strings.Cut(token, "=")
		if !found || key == "" {
			dropped = append(dropped, token)
			continue
		}
		params[key] = coerceValue(value)
	}
	return params, dropped
}

func coerceValue(value string) any {
	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		return value
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return value
}

func objectArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing arguments")
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("arguments are not an object")
	}
	return obj, nil
}

func stringArgs(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing arguments")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("arguments are not a string")
	}
	return s, nil
}

func floatField(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func numericString(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(n)
	case float64:
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case json.Number:
		return n.String()
	default:
		return fmt.Sprintf("%v", n)
	}
}
