package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/CodeneAria/actingdoll/api"
	"github.com/CodeneAria/actingdoll/client"
)

const (
	toolListClients   = "list_clients"
	toolGetModelList  = "get_model_list"
	toolGetModelInfo  = "get_model_info"
	toolSetExpression = "set_expression"
	toolSetMotion     = "set_motion"
	toolSetParameter  = "set_parameter"
	toolSetEyeBlink   = "set_eye_blink"
	toolSetBreath     = "set_breath"
	toolGetClient     = "get_client_state"
	toolNotify        = "notify"
)

func (s *server) registerTools(srv *mcpsdk.Server) {
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolListClients,
		Description: "List the session ids of connected render clients.",
	}, s.handleListClientsTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolGetModelList,
		Description: "List the Live2D models known to the controller.",
	}, s.handleGetModelListTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolGetModelInfo,
		Description: "Describe one model: expressions, motion groups and settable parameters.",
	}, s.handleGetModelInfoTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolSetExpression,
		Description: "Apply a facial expression on a render client.",
	}, s.handleSetExpressionTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolSetMotion,
		Description: "Play a motion on a render client.",
	}, s.handleSetMotionTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolSetParameter,
		Description: "Set model parameters on a render client.",
	}, s.handleSetParameterTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolSetEyeBlink,
		Description: "Enable or disable automatic eye blinking on a render client.",
	}, s.handleSetEyeBlinkTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolSetBreath,
		Description: "Enable or disable the breathing animation on a render client.",
	}, s.handleSetBreathTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolGetClient,
		Description: "Report the current state of a render client: model, expression, motion, toggles, position and scale.",
	}, s.handleGetClientStateTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolNotify,
		Description: "Broadcast a notification message to every connected client.",
	}, s.handleNotifyTool)
}

type listClientsToolInput struct{}

type listClientsToolOutput struct {
	Clients []string `json:"clients" jsonschema:"Session ids of connected render clients"`
	Count   int      `json:"count" jsonschema:"Number of render clients"`
}

func (s *server) handleListClientsTool(ctx context.Context, _ *mcpsdk.CallToolRequest, _ listClientsToolInput) (*mcpsdk.CallToolResult, listClientsToolOutput, error) {
	clients, err := s.upstream.ListClients(ctx)
	if err != nil {
		return nil, listClientsToolOutput{}, err
	}
	return nil, listClientsToolOutput{Clients: clients, Count: len(clients)}, nil
}

type getModelListToolInput struct{}

type getModelListToolOutput struct {
	Models []string `json:"models" jsonschema:"Names of the indexed models"`
}

func (s *server) handleGetModelListTool(ctx context.Context, _ *mcpsdk.CallToolRequest, _ getModelListToolInput) (*mcpsdk.CallToolResult, getModelListToolOutput, error) {
	resp, err := s.upstream.Model(ctx, "list", "")
	if err != nil {
		return nil, getModelListToolOutput{}, err
	}
	var data struct {
		Models []string `json:"models"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, getModelListToolOutput{}, fmt.Errorf("decode model list: %w", err)
	}
	return nil, getModelListToolOutput{Models: data.Models}, nil
}

type getModelInfoToolInput struct {
	ModelName string `json:"model_name" jsonschema:"Name of the model to describe"`
}

type modelExpressionInfo struct {
	Name string `json:"name"`
	File string `json:"file"`
}

type modelParameterInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

type getModelInfoToolOutput struct {
	Model         string                `json:"model"`
	Expressions   []modelExpressionInfo `json:"expressions"`
	MotionGroups  map[string][]string   `json:"motion_groups"`
	Parameters    []modelParameterInfo  `json:"parameters" jsonschema:"Settable parameters; physics-driven ones are excluded"`
	PhysicsDriven []string              `json:"physics_driven,omitempty" jsonschema:"Parameter ids controlled by the physics simulation"`
}

func (s *server) handleGetModelInfoTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input getModelInfoToolInput) (*mcpsdk.CallToolResult, getModelInfoToolOutput, error) {
	name := strings.TrimSpace(input.ModelName)
	if name == "" {
		return nil, getModelInfoToolOutput{}, fmt.Errorf("model_name is required")
	}
	out := getModelInfoToolOutput{Model: name, MotionGroups: make(map[string][]string)}

	resp, err := s.upstream.Model(ctx, "get_expressions", name)
	if err != nil {
		return nil, getModelInfoToolOutput{}, err
	}
	var expressions struct {
		Expressions []modelExpressionInfo `json:"expressions"`
	}
	if err := json.Unmarshal(resp.Data, &expressions); err != nil {
		return nil, getModelInfoToolOutput{}, fmt.Errorf("decode expressions: %w", err)
	}
	out.Expressions = expressions.Expressions

	resp, err = s.upstream.Model(ctx, "get_motions", name)
	if err != nil {
		return nil, getModelInfoToolOutput{}, err
	}
	var motions struct {
		MotionGroups map[string][]struct {
			File string `json:"file"`
		} `json:"motion_groups"`
	}
	if err := json.Unmarshal(resp.Data, &motions); err != nil {
		return nil, getModelInfoToolOutput{}, fmt.Errorf("decode motions: %w", err)
	}
	for group, files := range motions.MotionGroups {
		for _, f := range files {
			out.MotionGroups[group] = append(out.MotionGroups[group], f.File)
		}
	}

	resp, err = s.upstream.Model(ctx, "get_parameters", name)
	if err != nil {
		return nil, getModelInfoToolOutput{}, err
	}
	var parameters struct {
		Parameters    []modelParameterInfo `json:"parameters"`
		PhysicsDriven []string             `json:"physics_driven"`
	}
	if err := json.Unmarshal(resp.Data, &parameters); err != nil {
		return nil, getModelInfoToolOutput{}, fmt.Errorf("decode parameters: %w", err)
	}
	out.Parameters = parameters.Parameters
	out.PhysicsDriven = parameters.PhysicsDriven
	return nil, out, nil
}

type directiveAck struct {
	ClientID string `json:"client_id" jsonschema:"Target render client session id"`
	Success  bool   `json:"success"`
}

func (s *server) ackDirective(ctx context.Context, target, command string, args any) (directiveAck, error) {
	if strings.TrimSpace(target) == "" {
		return directiveAck{}, fmt.Errorf("client_id is required")
	}
	resp, err := s.upstream.Directive(ctx, target, command, args)
	if err != nil {
		return directiveAck{}, err
	}
	return directiveAck{ClientID: target, Success: resp.Success}, nil
}

type setExpressionToolInput struct {
	ClientID   string `json:"client_id" jsonschema:"Target render client session id"`
	Expression string `json:"expression" jsonschema:"Expression name as listed by get_model_info"`
}

func (s *server) handleSetExpressionTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input setExpressionToolInput) (*mcpsdk.CallToolResult, directiveAck, error) {
	if strings.TrimSpace(input.Expression) == "" {
		return nil, directiveAck{}, fmt.Errorf("expression is required")
	}
	ack, err := s.ackDirective(ctx, input.ClientID, "set_expression", map[string]string{"expression": input.Expression})
	return nil, ack, err
}

type setMotionToolInput struct {
	ClientID string `json:"client_id" jsonschema:"Target render client session id"`
	Group    string `json:"group" jsonschema:"Motion group name"`
	No       int    `json:"no" jsonschema:"Motion index within the group"`
	Priority *int   `json:"priority,omitempty" jsonschema:"Motion priority 0-3 (default 2, normal)"`
}

func (s *server) handleSetMotionTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input setMotionToolInput) (*mcpsdk.CallToolResult, directiveAck, error) {
	if strings.TrimSpace(input.Group) == "" {
		return nil, directiveAck{}, fmt.Errorf("group is required")
	}
	priority := api.PriorityNormal
	if input.Priority != nil {
		priority = *input.Priority
	}
	ack, err := s.ackDirective(ctx, input.ClientID, "set_motion", map[string]any{
		"group":    input.Group,
		"no":       input.No,
		"priority": priority,
	})
	return nil, ack, err
}

type setParameterToolInput struct {
	ClientID   string         `json:"client_id" jsonschema:"Target render client session id"`
	Parameters map[string]any `json:"parameters" jsonschema:"Parameter id to value map"`
}

func (s *server) handleSetParameterTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input setParameterToolInput) (*mcpsdk.CallToolResult, directiveAck, error) {
	if len(input.Parameters) == 0 {
		return nil, directiveAck{}, fmt.Errorf("parameters must not be empty")
	}
	ack, err := s.ackDirective(ctx, input.ClientID, "set_parameter", input.Parameters)
	return nil, ack, err
}

type toggleToolInput struct {
	ClientID string `json:"client_id" jsonschema:"Target render client session id"`
	Enabled  bool   `json:"enabled" jsonschema:"true enables the animation, false disables it"`
}

func (s *server) handleSetEyeBlinkTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input toggleToolInput) (*mcpsdk.CallToolResult, directiveAck, error) {
	ack, err := s.ackDirective(ctx, input.ClientID, "set_eye_blink", map[string]bool{"enabled": input.Enabled})
	return nil, ack, err
}

func (s *server) handleSetBreathTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input toggleToolInput) (*mcpsdk.CallToolResult, directiveAck, error) {
	ack, err := s.ackDirective(ctx, input.ClientID, "set_breath", map[string]bool{"enabled": input.Enabled})
	return nil, ack, err
}

type getClientStateToolInput struct {
	ClientID string `json:"client_id" jsonschema:"Target render client session id"`
}

type getClientStateToolOutput struct {
	ClientID string `json:"client_id"`
	// State holds one entry per queried field. Fields the render client
	// did not answer in time are null rather than failing the whole call.
	State map[string]any `json:"state"`
}

var clientStateFields = []api.State{
	api.StateModelName,
	api.StateExpression,
	api.StateMotion,
	api.StateEyeBlink,
	api.StateBreath,
	api.StateIdleMotion,
	api.StateDragFollow,
	api.StatePhysics,
	api.StatePosition,
	api.StateScale,
}

func (s *server) handleGetClientStateTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input getClientStateToolInput) (*mcpsdk.CallToolResult, getClientStateToolOutput, error) {
	target := strings.TrimSpace(input.ClientID)
	if target == "" {
		return nil, getClientStateToolOutput{}, fmt.Errorf("client_id is required")
	}

	out := getClientStateToolOutput{
		ClientID: target,
		State:    make(map[string]any, len(clientStateFields)),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, state := range clientStateFields {
		wg.Add(1)
		go func(state api.State) {
			defer wg.Done()
			value := s.queryStateField(ctx, target, state)
			mu.Lock()
			out.State[string(state)] = value
			mu.Unlock()
		}(state)
	}
	wg.Wait()
	return nil, out, nil
}

// queryStateField returns the render client's answer for one state, or nil
// when the query times out or fails.
func (s *server) queryStateField(ctx context.Context, target string, state api.State) any {
	resp, err := s.upstream.QueryState(ctx, target, state)
	if err != nil {
		if !errors.Is(err, client.ErrCallTimeout) {
			s.logger.Debug("state query failed", "target", target, "state", state, "error", err)
		}
		return nil
	}
	var value any
	if err := json.Unmarshal(resp.Data, &value); err != nil {
		return nil
	}
	return value
}

type notifyToolInput struct {
	Message string `json:"message" jsonschema:"Message to broadcast to every connected client"`
}

type notifyToolOutput struct {
	Message string `json:"message"`
	Sent    bool   `json:"sent"`
}

func (s *server) handleNotifyTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input notifyToolInput) (*mcpsdk.CallToolResult, notifyToolOutput, error) {
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return nil, notifyToolOutput{}, fmt.Errorf("message is required")
	}
	if _, err := s.upstream.Command(ctx, "notify "+message); err != nil {
		return nil, notifyToolOutput{}, err
	}
	return nil, notifyToolOutput{Message: message, Sent: true}, nil
}
