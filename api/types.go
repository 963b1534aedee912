package api

import "encoding/json"

// MessageType tags every frame exchanged over the control socket.
type MessageType string

const (
	TypeWelcome            MessageType = "welcome"
	TypeEcho               MessageType = "echo"
	TypeEchoResponse       MessageType = "echo_response"
	TypeBroadcast          MessageType = "broadcast"
	TypeBroadcastMessage   MessageType = "broadcast_message"
	TypeCommand            MessageType = "command"
	TypeCommandResponse    MessageType = "command_response"
	TypeModel              MessageType = "model"
	TypeClient             MessageType = "client"
	TypeClientRequest      MessageType = "client_request"
	TypeClientResponse     MessageType = "client_response"
	TypeAuth               MessageType = "auth"
	TypeAuthSuccess        MessageType = "auth_success"
	TypeAuthFailed         MessageType = "auth_failed"
	TypeError              MessageType = "error"
	TypeMessage            MessageType = "message"
	TypeNotify             MessageType = "notify"
	TypeClientConnected    MessageType = "client_connected"
	TypeClientDisconnected MessageType = "client_disconnected"
	TypeServerShutdown     MessageType = "server_shutdown"
)

// Role classifies a connected session. A session self-identifies at most once
// via the identify directive; until then it is RoleUnknown.
type Role string

const (
	RoleUnknown      Role = "unknown"
	RoleRenderClient Role = "render_client"
	RoleToolCaller   Role = "tool_caller"
)

// ParseRole maps a wire role string onto a Role. Unrecognized values fold to
// RoleUnknown so a bad handshake never faults the session loop.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleRenderClient, RoleToolCaller:
		return Role(s)
	default:
		return RoleUnknown
	}
}

// Envelope is the decoded form of every inbound frame. Args keeps the raw
// JSON because several directives accept either a plain string (console
// syntax) or a structured object (tool-caller syntax); DecodeDirective
// resolves the distinction exactly once.
type Envelope struct {
	// Type selects the command family.
	Type MessageType `json:"type"`
	// Command names the operation within the family. For TypeCommand it
	// carries the whole console-style line ("notify hello world").
	Command string `json:"command,omitempty"`
	// Args is the operation payload: a JSON string or object.
	Args json.RawMessage `json:"args,omitempty"`
	// From is the claimed origin session. The server overrides it with the
	// real session id of the transport the frame arrived on.
	From string `json:"from,omitempty"`
	// ClientID addresses a directive at a target session.
	ClientID string `json:"client_id,omitempty"`
	// To carries the requester session id when a render client pushes
	// response_* telemetry back.
	To string `json:"to,omitempty"`
	// Token authenticates TypeAuth frames.
	Token string `json:"token,omitempty"`
	// Content is the broadcast payload for TypeBroadcast.
	Content string `json:"content,omitempty"`
	// RequestID correlates a request with the eventual reply.
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Response is the single response schema. Historical variants of the
// protocol disagreed on result/data/success fields; this is the
// authoritative shape and the only one emitted.
type Response struct {
	Type      MessageType `json:"type"`
	Command   string      `json:"command,omitempty"`
	Success   bool        `json:"success,omitempty"`
	Data      any         `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	From      string      `json:"from,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// Inbound is the generic decoded form of a server-to-client frame, used by
// the Go client to correlate replies without committing to a payload type.
type Inbound struct {
	Type      MessageType     `json:"type"`
	Command   string          `json:"command,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	From      string          `json:"from,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Welcome greets a freshly registered session and hands it its session id.
type Welcome struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	ClientID  string      `json:"client_id"`
	ServerID  string      `json:"server_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// ConnectNotice is broadcast to the other sessions when a session joins.
type ConnectNotice struct {
	Type         MessageType `json:"type"`
	ClientID     string      `json:"client_id"`
	TotalClients int         `json:"total_clients"`
	Timestamp    string      `json:"timestamp"`
}

// DisconnectNotice is broadcast after a session is removed. TotalClients is
// the registry size immediately after removal.
type DisconnectNotice struct {
	Type         MessageType `json:"type"`
	ClientID     string      `json:"client_id"`
	TotalClients int         `json:"total_clients"`
	Timestamp    string      `json:"timestamp"`
}

// ClientList is the data payload of the list command.
type ClientList struct {
	Clients []string `json:"clients"`
	Count   int      `json:"count"`
}

// ServerStatus is the data payload of the status command.
type ServerStatus struct {
	ConnectedClients int    `json:"connected_clients"`
	ServerTime       string `json:"server_time"`
}
