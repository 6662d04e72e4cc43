package protocol

import (
	"encoding/json"
	"fmt"
)

// payloadWorkflowKey is where a workflow context rides inside a request
// payload.
const payloadWorkflowKey = "workflow"

// WorkflowStep is one planned hop in an agent-to-agent chain.
type WorkflowStep struct {
	Agent   string                 `json:"agent"`  // agent URI
	Intent  string                 `json:"intent"` // per-step operation
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// WorkflowTraceEntry records one completed step of the chain.
type WorkflowTraceEntry struct {
	Step   int                    `json:"step"`
	Agent  string                 `json:"agent"`
	Status string                 `json:"status"` // done, failed
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// WorkflowContext is the embedded plan enabling handoff mode: the receiving
// agent executes its step, extends the trace, and invokes the next agent in
// the chain directly instead of returning to the orchestrator.
type WorkflowContext struct {
	Steps   []WorkflowStep       `json:"steps"`
	Current int                  `json:"current"`
	Trace   []WorkflowTraceEntry `json:"trace,omitempty"`
}

// Completed reports whether every planned step has a trace entry.
func (w *WorkflowContext) Completed() bool {
	return len(w.Trace) >= len(w.Steps)
}

// NextAgent returns the agent URI of the step after Current, or "" at the
// end of the chain.
func (w *WorkflowContext) NextAgent() string {
	next := w.Current + 1
	if next >= len(w.Steps) {
		return ""
	}
	return w.Steps[next].Agent
}

// AttachWorkflow embeds a workflow context into a request payload.
func AttachWorkflow(payload map[string]interface{}, wf *WorkflowContext) map[string]interface{} {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload[payloadWorkflowKey] = wf
	return payload
}

// WorkflowFromPayload extracts a workflow context from a payload, if present.
// The context may arrive as a typed value (in-process) or as a decoded JSON
// map (off the wire); both are handled.
func WorkflowFromPayload(payload map[string]interface{}) (*WorkflowContext, bool, error) {
	raw, ok := payload[payloadWorkflowKey]
	if !ok || raw == nil {
		return nil, false, nil
	}

	if wf, ok := raw.(*WorkflowContext); ok {
		return wf, true, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, true, fmt.Errorf("invalid workflow context: %w", err)
	}
	var wf WorkflowContext
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, true, fmt.Errorf("invalid workflow context: %w", err)
	}
	return &wf, true, nil
}
