package planner

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/job/models"
)

// AgentCaller sends a request to an agent selected by capability and
// returns the reply payload. The orchestrator's dispatcher provides the
// production implementation.
type AgentCaller interface {
	CallCapability(ctx context.Context, capability, intent string, payload map[string]interface{}) (map[string]interface{}, error)
}

// CapabilityLister enumerates the capabilities currently registered; the
// agent registry provides it.
type CapabilityLister interface {
	Capabilities() []string
}

// planSchema is sent to the planning agent so it knows the expected shape.
var planSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"reasoning": map[string]interface{}{"type": "string"},
		"steps": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type":     "object",
				"required": []string{"id", "action", "target"},
				"properties": map[string]interface{}{
					"id":           map[string]interface{}{"type": "string"},
					"action":       map[string]interface{}{"type": "string"},
					"target":       map[string]interface{}{"type": "string"},
					"text":         map[string]interface{}{"type": "string"},
					"payload":      map[string]interface{}{"type": "object"},
					"depends_on":   map[string]interface{}{"type": "array"},
					"timeout_secs": map[string]interface{}{"type": "integer"},
				},
			},
		},
	},
}

// planStep is one step of the agent's returned plan.
type planStep struct {
	ID          string                 `json:"id"`
	Action      string                 `json:"action"`
	Target      string                 `json:"target"`
	Text        string                 `json:"text,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	TimeoutSecs int                    `json:"timeout_secs,omitempty"`
}

type agentPlanReply struct {
	Reasoning string     `json:"reasoning"`
	Steps     []planStep `json:"steps"`
}

// AgentPlanner delegates planning to an agent advertising the planning
// capability. The agent receives the task description, the registered
// capabilities and the plan schema.
type AgentPlanner struct {
	caller       AgentCaller
	capabilities CapabilityLister
}

var _ Planner = (*AgentPlanner)(nil)

// NewAgentPlanner creates the LLM-assisted planning strategy.
func NewAgentPlanner(caller AgentCaller, capabilities CapabilityLister) *AgentPlanner {
	return &AgentPlanner{caller: caller, capabilities: capabilities}
}

// Plan asks the planning agent for a plan and validates it before adoption:
// every step must carry a known action, every call-agent step must name a
// registered capability, and the dependency graph must be acyclic.
func (p *AgentPlanner) Plan(ctx context.Context, intent string, params map[string]interface{}) (*Plan, error) {
	available := p.capabilities.Capabilities()
	payload := map[string]interface{}{
		"task":         intent,
		"params":       params,
		"capabilities": available,
		"schema":       planSchema,
	}

	reply, err := p.caller.CallCapability(ctx, "planning", "plan", payload)
	if err != nil {
		return nil, fmt.Errorf("planning agent: %w", err)
	}

	parsed, err := decodePlanReply(reply)
	if err != nil {
		return nil, err
	}
	if len(parsed.Steps) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "planning agent returned an empty plan")
	}

	known := make(map[string]bool, len(available))
	for _, c := range available {
		known[c] = true
	}

	plan := &Plan{Reasoning: parsed.Reasoning}
	for _, step := range parsed.Steps {
		task := &models.Task{
			ID:          step.ID,
			Action:      models.ActionKind(step.Action),
			Target:      step.Target,
			Text:        step.Text,
			Payload:     step.Payload,
			DependsOn:   step.DependsOn,
			TimeoutSecs: step.TimeoutSecs,
		}
		if task.Action == models.ActionCallAgent && !known[task.Target] {
			return nil, apperrors.Newf(apperrors.KindValidation,
				"plan step %s names unregistered capability %q", task.ID, task.Target)
		}
		plan.Tasks = append(plan.Tasks, task)
	}
	if plan.Reasoning == "" {
		plan.Reasoning = "planned by agent"
	}
	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// decodePlanReply tolerates the two shapes agents send: the plan object at
// the payload root, or nested under a "plan" key.
func decodePlanReply(reply map[string]interface{}) (*agentPlanReply, error) {
	source := reply
	if nested, ok := reply["plan"].(map[string]interface{}); ok {
		source = nested
	}
	data, err := json.Marshal(source)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindValidation, "unreadable plan reply: %v", err)
	}
	var parsed agentPlanReply
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, apperrors.Newf(apperrors.KindValidation, "malformed plan reply: %v", err)
	}
	return &parsed, nil
}
