package api

// PushHeader is the common prefix of every push forwarded to a render
// client. request_* pushes are a bare header; From names the requesting
// session so the render client can address its response_* telemetry, and
// RequestID must be echoed back verbatim.
type PushHeader struct {
	Type      MessageType `json:"type"`
	ClientID  string      `json:"client_id,omitempty"`
	From      string      `json:"from,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// ExpressionPush applies a named expression.
type ExpressionPush struct {
	PushHeader
	Expression string `json:"expression"`
}

// MotionPush starts a motion from a group at the given priority.
type MotionPush struct {
	PushHeader
	Group    string `json:"group"`
	No       int    `json:"no"`
	Priority int    `json:"priority"`
}

// ParameterPush sets model parameters in bulk.
type ParameterPush struct {
	PushHeader
	Parameters map[string]any `json:"parameters"`
}

// TogglePush enables or disables an animation feature (eye blink, breath,
// idle motion, drag follow, physics).
type TogglePush struct {
	PushHeader
	Enabled bool `json:"enabled"`
}

// PositionPush moves the model; Relative makes x/y deltas.
type PositionPush struct {
	PushHeader
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Relative bool    `json:"relative"`
}

// ScalePush resizes the model.
type ScalePush struct {
	PushHeader
	Scale float64 `json:"scale"`
}

// LipSyncPush carries base64-encoded WAV audio for lip sync playback.
type LipSyncPush struct {
	PushHeader
	WavData string `json:"wav_data"`
}

// DirectedMessage is a free-form text message pushed to one session.
type DirectedMessage struct {
	Type      MessageType `json:"type"`
	From      string      `json:"from,omitempty"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
}

// BroadcastMessage fans a free-form payload out to every session.
type BroadcastMessage struct {
	Type      MessageType `json:"type"`
	From      string      `json:"from,omitempty"`
	Content   any         `json:"content,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}
