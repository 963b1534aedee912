// Package router dispatches decoded control-plane messages. Every failure
// is answered with a structured error envelope on the offending session;
// nothing a peer sends can take down the receive loop.
package router

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"github.com/CodeneAria/actingdoll/api"
	"github.com/CodeneAria/actingdoll/internal/modelindex"
	"github.com/CodeneAria/actingdoll/internal/registry"
	"github.com/CodeneAria/actingdoll/internal/security"
	"github.com/CodeneAria/actingdoll/internal/svcfields"
)

// serverFrom is the from value on responses the controller itself
// originates. Real session ids always contain a colon, so it cannot clash.
const serverFrom = "server"

// Outcome labels for the directive counter.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeDenied = "denied"
	OutcomePanic  = "panic"
)

// Router routes inbound envelopes between sessions.
type Router struct {
	log    pslog.Logger
	reg    *registry.Registry
	policy *security.Policy
	models *modelindex.Index

	// onHandled observes every handled envelope for telemetry, keyed by
	// message family and outcome.
	onHandled func(family, outcome string)
}

// Option adjusts router construction.
type Option func(*Router)

// WithHandledHook registers fn to run after every handled envelope.
func WithHandledHook(fn func(family, outcome string)) Option {
	return func(rt *Router) { rt.onHandled = fn }
}

// New returns a router over the given registry, security policy and model
// index.
func New(reg *registry.Registry, policy *security.Policy, models *modelindex.Index, logger pslog.Logger, opts ...Option) *Router {
	rt := &Router{
		log:    svcfields.WithSubsystem(logger, "router"),
		reg:    reg,
		policy: policy,
		models: models,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Handle processes one raw text message from sess. Malformed JSON and
// handler panics are converted into error envelopes; the session stays
// connected.
func (rt *Router) Handle(sess *registry.Session, raw []byte) {
	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		rt.log.Warn("malformed message", "client_id", sess.ID, "error", err)
		rt.sendError(sess, "", "", "invalid JSON message")
		rt.handled("decode", OutcomeError)
		return
	}
	family := string(env.Type)
	defer func() {
		if r := recover(); r != nil {
			rt.log.Error("handler panic", "client_id", sess.ID, "type", env.Type, "panic", r)
			rt.sendError(sess, env.Command, env.RequestID, "internal error")
			rt.handled(family, OutcomePanic)
		}
	}()
	rt.handled(family, rt.dispatch(sess, env))
}

func (rt *Router) dispatch(sess *registry.Session, env api.Envelope) string {
	switch env.Type {
	case api.TypeEcho:
		return rt.handleEcho(sess, env)
	case api.TypeAuth:
		token := env.Token
		if token == "" {
			token = env.Content
		}
		return rt.handleAuth(sess, token)
	case api.TypeBroadcast:
		return rt.handleBroadcast(sess, env)
	case api.TypeCommand:
		return rt.handleCommand(sess, env)
	case api.TypeModel:
		return rt.handleModel(sess, env.Command, env.Args, env.RequestID)
	case api.TypeClient:
		return rt.handleClient(sess, env.ClientID, env.Command, env.Args, env.RequestID, env.To)
	default:
		rt.sendError(sess, env.Command, env.RequestID, fmt.Sprintf("unknown message type: %s", env.Type))
		return OutcomeError
	}
}

func (rt *Router) handleEcho(sess *registry.Session, env api.Envelope) string {
	rt.send(sess, api.Response{
		Type:      api.TypeEchoResponse,
		Success:   true,
		Message:   env.Content,
		From:      serverFrom,
		RequestID: env.RequestID,
		Timestamp: api.Timestamp(),
	})
	return OutcomeOK
}

func (rt *Router) handleAuth(sess *registry.Session, token string) string {
	if err := rt.policy.ValidateToken(token); err != nil {
		rt.log.Warn("authentication failed", "client_id", sess.ID, "error", err)
		rt.send(sess, api.Response{
			Type:      api.TypeAuthFailed,
			Success:   false,
			Error:     "authentication failed",
			From:      serverFrom,
			Timestamp: api.Timestamp(),
		})
		return OutcomeDenied
	}
	rt.reg.MarkAuthenticated(sess.ID)
	rt.log.Info("session authenticated", "client_id", sess.ID)
	rt.send(sess, api.Response{
		Type:      api.TypeAuthSuccess,
		Success:   true,
		Message:   "authenticated",
		From:      serverFrom,
		Timestamp: api.Timestamp(),
	})
	return OutcomeOK
}

func (rt *Router) handleBroadcast(sess *registry.Session, env api.Envelope) string {
	rt.reg.Broadcast(api.BroadcastMessage{
		Type:      api.TypeBroadcastMessage,
		From:      sess.ID,
		Content:   env.Content,
		Timestamp: api.Timestamp(),
	}, sess.ID)
	rt.send(sess, api.Response{
		Type:      api.TypeCommandResponse,
		Command:   "broadcast",
		Success:   true,
		From:      serverFrom,
		RequestID: env.RequestID,
		Timestamp: api.Timestamp(),
	})
	return OutcomeOK
}

// handleCommand parses the console-style composite command line: the first
// field selects the command, the rest are its arguments.
func (rt *Router) handleCommand(sess *registry.Session, env api.Envelope) string {
	fields := strings.Fields(env.Command)
	if len(fields) == 0 {
		rt.sendError(sess, "", env.RequestID, "empty command")
		return OutcomeError
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "status":
		rt.respond(sess, "status", env.RequestID, api.ServerStatus{
			ConnectedClients: rt.reg.Len(),
			ServerTime:       api.Timestamp(),
		})
		return OutcomeOK

	case "ping":
		rt.send(sess, api.Response{
			Type:      api.TypeCommandResponse,
			Command:   "ping",
			Success:   true,
			Message:   "pong",
			From:      serverFrom,
			RequestID: env.RequestID,
			Timestamp: api.Timestamp(),
		})
		return OutcomeOK

	case "auth":
		if len(args) == 0 {
			rt.sendError(sess, "auth", env.RequestID, "auth requires a token")
			return OutcomeError
		}
		return rt.handleAuth(sess, args[0])

	case "list":
		ids := rt.reg.ListVisible(sess.ID)
		rt.respond(sess, "list", env.RequestID, api.ClientList{Clients: ids, Count: len(ids)})
		return OutcomeOK

	case "notify":
		if len(args) == 0 {
			rt.sendError(sess, "notify", env.RequestID, "notify requires a message")
			return OutcomeError
		}
		message := strings.Join(args, " ")
		rt.reg.Broadcast(api.DirectedMessage{
			Type:      api.TypeNotify,
			From:      sess.ID,
			Message:   message,
			Timestamp: api.Timestamp(),
		}, sess.ID)
		rt.respond(sess, "notify", env.RequestID, map[string]any{"message": message})
		return OutcomeOK

	case "send":
		if len(args) < 2 {
			rt.sendError(sess, "send", env.RequestID, "send requires a target and a message")
			return OutcomeError
		}
		target := args[0]
		err := rt.reg.SendTo(target, api.DirectedMessage{
			Type:      api.TypeMessage,
			From:      sess.ID,
			Message:   strings.Join(args[1:], " "),
			Timestamp: api.Timestamp(),
		})
		if err != nil {
			rt.sendError(sess, "send", env.RequestID, fmt.Sprintf("unknown client: %s", target))
			return OutcomeError
		}
		rt.respond(sess, "send", env.RequestID, map[string]any{"to": target})
		return OutcomeOK

	case "model":
		if len(args) == 0 {
			rt.sendError(sess, "model", env.RequestID, "model requires a subcommand")
			return OutcomeError
		}
		var modelArgs json.RawMessage
		if len(args) > 1 {
			modelArgs = mustJSON(args[1])
		}
		return rt.handleModel(sess, args[0], modelArgs, env.RequestID)

	case "client":
		if len(args) < 2 {
			rt.sendError(sess, "client", env.RequestID, "client requires a target and a command")
			return OutcomeError
		}
		var dirArgs json.RawMessage
		if len(args) > 2 {
			dirArgs = mustJSON(strings.Join(args[2:], " "))
		}
		return rt.handleClient(sess, args[0], args[1], dirArgs, env.RequestID, "")

	default:
		rt.sendError(sess, name, env.RequestID, fmt.Sprintf("unknown command: %s", name))
		return OutcomeError
	}
}

func (rt *Router) handleModel(sess *registry.Session, command string, args json.RawMessage, requestID string) string {
	modelName := modelArg(args)

	switch command {
	case "list":
		rt.respond(sess, "model list", requestID, map[string]any{"models": rt.models.Models()})
		return OutcomeOK

	case "get_expressions", "get_motions", "get_parameters":
		if modelName == "" {
			rt.sendError(sess, "model "+command, requestID, command+" requires a model name")
			return OutcomeError
		}
		model, err := rt.models.Lookup(modelName)
		if err != nil {
			rt.sendError(sess, "model "+command, requestID, fmt.Sprintf("unknown model: %s", modelName))
			return OutcomeError
		}
		var data any
		switch command {
		case "get_expressions":
			data = map[string]any{"model": model.Name, "expressions": model.Expressions}
		case "get_motions":
			data = map[string]any{"model": model.Name, "motion_groups": model.MotionGroups}
		case "get_parameters":
			var excluded []string
			for _, p := range model.Parameters {
				if p.PhysicsDriven {
					excluded = append(excluded, p.ID)
				}
			}
			data = map[string]any{
				"model":          model.Name,
				"parameters":     model.SettableParameters(),
				"physics_driven": excluded,
			}
		}
		rt.respond(sess, "model "+command, requestID, data)
		return OutcomeOK

	default:
		rt.sendError(sess, "model "+command, requestID, fmt.Sprintf("unknown model command: %s", command))
		return OutcomeError
	}
}

func (rt *Router) handleClient(sess *registry.Session, target, command string, args json.RawMessage, requestID, to string) string {
	directive, err := api.DecodeDirective(command, args)
	if err != nil {
		rt.sendError(sess, command, requestID, err.Error())
		return OutcomeError
	}

	switch d := directive.(type) {
	case api.Identify:
		if d.Role == api.RoleUnknown {
			rt.sendError(sess, command, requestID, "identify requires render_client or tool_caller")
			return OutcomeError
		}
		if rt.reg.SetRole(sess.ID, d.Role) {
			rt.log.Info("session identified", "client_id", sess.ID, "role", d.Role)
		}
		return OutcomeOK

	case api.StateResponse:
		return rt.routeTelemetry(sess, d, command, requestID, to)

	case api.SetLipSyncFromFile:
		return rt.handleLipSyncFromFile(sess, target, d, command, requestID)
	}

	if d, ok := directive.(api.SetParameter); ok {
		for _, token := range d.Dropped {
			rt.log.Warn("parameter token without value dropped", "client_id", sess.ID, "token", token)
		}
	}

	push, err := buildPush(directive, sess.ID, target, requestID)
	if err != nil {
		rt.sendError(sess, command, requestID, err.Error())
		return OutcomeError
	}
	return rt.forward(sess, target, command, requestID, push)
}

// routeTelemetry forwards response_* payloads from a render client to the
// session that asked for them.
func (rt *Router) routeTelemetry(sess *registry.Session, d api.StateResponse, command, requestID, to string) string {
	if to == "" {
		rt.log.Warn("telemetry without requester", "client_id", sess.ID, "command", command)
		return OutcomeError
	}
	err := rt.reg.SendTo(to, api.Response{
		Type:      api.TypeClientResponse,
		Command:   command,
		Success:   true,
		Data:      json.RawMessage(d.Data),
		From:      sess.ID,
		RequestID: requestID,
		Timestamp: api.Timestamp(),
	})
	if err != nil {
		rt.log.Warn("telemetry requester gone", "client_id", sess.ID, "to", to)
		return OutcomeError
	}
	return OutcomeOK
}

// handleLipSyncFromFile authorizes before any file I/O: the caller must be
// authenticated when auth is required, and the path must resolve inside an
// allowed directory.
func (rt *Router) handleLipSyncFromFile(sess *registry.Session, target string, d api.SetLipSyncFromFile, command, requestID string) string {
	if rt.policy.RequireAuth && !sess.Authenticated() {
		rt.sendError(sess, command, requestID, "authentication required for file playback")
		return OutcomeDenied
	}
	resolved, err := rt.policy.ResolveAllowedPath(d.Path)
	if err != nil {
		rt.log.Warn("file playback denied", "client_id", sess.ID, "path", d.Path)
		rt.sendError(sess, command, requestID, fmt.Sprintf("file not allowed: %s", d.Path))
		return OutcomeDenied
	}
	wav, err := os.ReadFile(resolved)
	if err != nil {
		rt.sendError(sess, command, requestID, fmt.Sprintf("cannot read file: %s", d.Path))
		return OutcomeError
	}
	rt.log.Info("sending wav for lipsync",
		"client_id", sess.ID, "target", target, "path", resolved,
		"size", humanize.IBytes(uint64(len(wav))))
	push := api.LipSyncPush{
		PushHeader: pushHeader(api.MessageType("set_lipsync"), sess.ID, target, requestID),
		WavData:    base64.StdEncoding.EncodeToString(wav),
	}
	return rt.forward(sess, target, command, requestID, push)
}

// forward delivers a push to the target render client and acknowledges the
// caller. The ack is a client_request receipt; the render client's own
// answer, if any, arrives later as correlated telemetry.
func (rt *Router) forward(sess *registry.Session, target, command, requestID string, push any) string {
	if target == "" {
		rt.sendError(sess, command, requestID, "missing target client id")
		return OutcomeError
	}
	if err := rt.reg.SendTo(target, push); err != nil {
		if errors.Is(err, registry.ErrUnknownSession) {
			rt.sendError(sess, command, requestID, fmt.Sprintf("unknown client: %s", target))
		} else {
			rt.sendError(sess, command, requestID, fmt.Sprintf("delivery to %s failed", target))
		}
		return OutcomeError
	}
	rt.send(sess, api.Response{
		Type:      api.TypeClientRequest,
		Command:   command,
		Success:   true,
		ClientID:  target,
		From:      serverFrom,
		RequestID: requestID,
		Timestamp: api.Timestamp(),
	})
	return OutcomeOK
}

func buildPush(d api.Directive, from, target, requestID string) (any, error) {
	switch d := d.(type) {
	case api.SetExpression:
		return api.ExpressionPush{
			PushHeader: pushHeader("set_expression", from, target, requestID),
			Expression: d.Expression,
		}, nil
	case api.SetMotion:
		return api.MotionPush{
			PushHeader: pushHeader("set_motion", from, target, requestID),
			Group:      d.Group,
			No:         d.No,
			Priority:   d.Priority,
		}, nil
	case api.SetParameter:
		return api.ParameterPush{
			PushHeader: pushHeader("set_parameter", from, target, requestID),
			Parameters: d.Parameters,
		}, nil
	case api.SetFeature:
		return api.TogglePush{
			PushHeader: pushHeader(d.Feature.SetType(), from, target, requestID),
			Enabled:    d.Enabled,
		}, nil
	case api.SetPosition:
		return api.PositionPush{
			PushHeader: pushHeader("set_position", from, target, requestID),
			X:          d.X,
			Y:          d.Y,
			Relative:   d.Relative,
		}, nil
	case api.SetScale:
		return api.ScalePush{
			PushHeader: pushHeader("set_scale", from, target, requestID),
			Scale:      d.Scale,
		}, nil
	case api.SetLipSync:
		return api.LipSyncPush{
			PushHeader: pushHeader("set_lipsync", from, target, requestID),
			WavData:    d.WavData,
		}, nil
	case api.GetState:
		return pushHeader(d.State.RequestType(), from, target, requestID), nil
	default:
		return nil, fmt.Errorf("directive cannot be forwarded")
	}
}

func pushHeader(t api.MessageType, from, target, requestID string) api.PushHeader {
	return api.PushHeader{
		Type:      t,
		ClientID:  target,
		From:      from,
		RequestID: requestID,
		Timestamp: api.Timestamp(),
	}
}

func (rt *Router) respond(sess *registry.Session, command, requestID string, data any) {
	rt.send(sess, api.Response{
		Type:      api.TypeCommandResponse,
		Command:   command,
		Success:   true,
		Data:      data,
		From:      serverFrom,
		RequestID: requestID,
		Timestamp: api.Timestamp(),
	})
}

func (rt *Router) sendError(sess *registry.Session, command, requestID, message string) {
	rt.send(sess, api.Response{
		Type:      api.TypeError,
		Command:   command,
		Success:   false,
		Error:     message,
		From:      serverFrom,
		RequestID: requestID,
		Timestamp: api.Timestamp(),
	})
}

func (rt *Router) send(sess *registry.Session, v any) {
	if err := sess.Send(v); err != nil {
		rt.log.Warn("response delivery failed", "client_id", sess.ID, "error", err)
	}
}

func (rt *Router) handled(family, outcome string) {
	if rt.onHandled != nil {
		rt.onHandled(family, outcome)
	}
}

func modelArg(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(args, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(args, &obj); err == nil {
		return strings.TrimSpace(obj.Model)
	}
	return ""
}

func mustJSON(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
