package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewRequest(
		"agent://agentrix/orchestrator",
		"agent://acme/calculator",
		"calculate",
		"job-1",
		map[string]interface{}{"num1": float64(45), "num2": float64(78), "op": "add"},
	)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, TypeRequest, decoded.Type)
	assert.Equal(t, env.Sender, decoded.Sender)
	assert.Equal(t, []string{"agent://acme/calculator"}, decoded.To)
	assert.Equal(t, "calculate", decoded.Intent)
	assert.Equal(t, "job-1", decoded.Correlation.ConversationID)
	assert.Equal(t, env.Payload, decoded.Payload)
	assert.WithinDuration(t, env.Timestamp, decoded.Timestamp, time.Second)
}

func TestEnvelopePreservesUnknownFields(t *testing.T) {
	wire := []byte(`{
		"id": "m-1",
		"ts": "2026-03-01T12:00:00Z",
		"type": "inform",
		"sender": "agent://acme/calculator",
		"intent": "calculate",
		"payload": {"result": 123},
		"x_vendor_hint": {"shard": 7},
		"priority": "high"
	}`)

	env, err := Parse(wire)
	require.NoError(t, err)

	hint, ok := env.Extra("x_vendor_hint")
	require.True(t, ok)
	assert.JSONEq(t, `{"shard": 7}`, string(hint))

	out, err := json.Marshal(env)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Contains(t, m, "x_vendor_hint")
	assert.Contains(t, m, "priority")
	assert.JSONEq(t, `"high"`, string(m["priority"]))
}

func TestParseRejectsMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"missing id":     `{"ts":"2026-03-01T12:00:00Z","type":"request","sender":"agent://a/b","intent":"x"}`,
		"missing ts":     `{"id":"m","type":"request","sender":"agent://a/b","intent":"x"}`,
		"missing sender": `{"id":"m","ts":"2026-03-01T12:00:00Z","type":"request","intent":"x"}`,
		"missing intent": `{"id":"m","ts":"2026-03-01T12:00:00Z","type":"request","sender":"agent://a/b"}`,
		"unknown type":   `{"id":"m","ts":"2026-03-01T12:00:00Z","type":"gossip","sender":"agent://a/b","intent":"x"}`,
	}
	for name, wire := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(wire))
			assert.Error(t, err)
		})
	}
}

func TestMessageTypeIsReply(t *testing.T) {
	assert.True(t, TypeInform.IsReply())
	assert.True(t, TypeFailure.IsReply())
	assert.True(t, TypeRefuse.IsReply())
	assert.True(t, TypeDone.IsReply())
	assert.False(t, TypeRequest.IsReply())
	assert.False(t, TypeOffer.IsReply())
}

func TestNewReplyCorrelation(t *testing.T) {
	req := NewRequest("agent://agentrix/orchestrator", "agent://acme/fmt", "format", "job-9", nil)
	reply := NewReply(req, TypeInform, "agent://acme/fmt", map[string]interface{}{"formatted": "123,00"})

	assert.Equal(t, req.ID, reply.Correlation.InReplyTo)
	assert.Equal(t, "job-9", reply.Correlation.ConversationID)
	assert.Equal(t, []string{"agent://agentrix/orchestrator"}, reply.To)
	assert.Equal(t, "format", reply.Intent)
}

func TestFailureReason(t *testing.T) {
	req := NewRequest("agent://agentrix/orchestrator", "agent://acme/x", "run", "job-2", nil)
	fail := NewFailure(req, "agent://acme/x", "disk full")
	assert.Equal(t, "disk full", fail.FailureReason())

	inform := NewReply(req, TypeRefuse, "agent://acme/x", nil)
	assert.Equal(t, "refuse", inform.FailureReason())
}

func TestParseAgentURI(t *testing.T) {
	owner, name, err := ParseAgentURI("agent://acme/calculator")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "calculator", name)

	_, _, err = ParseAgentURI("http://acme/calculator")
	assert.Error(t, err)
	_, _, err = ParseAgentURI("agent://acme")
	assert.Error(t, err)
}

func TestWorkflowContextRoundTrip(t *testing.T) {
	wf := &WorkflowContext{
		Steps: []WorkflowStep{
			{Agent: "agent://acme/a", Intent: "one"},
			{Agent: "agent://acme/b", Intent: "two"},
			{Agent: "agent://acme/c", Intent: "three"},
		},
	}
	payload := AttachWorkflow(map[string]interface{}{"text": "hi"}, wf)

	// Simulate the wire: payload travels as JSON and comes back as maps.
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var decodedPayload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decodedPayload))

	decoded, ok, err := WorkflowFromPayload(decodedPayload)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, decoded.Steps, 3)
	assert.Equal(t, "agent://acme/b", decoded.NextAgent())
	assert.False(t, decoded.Completed())

	decoded.Trace = []WorkflowTraceEntry{
		{Step: 0, Agent: "agent://acme/a", Status: "done"},
		{Step: 1, Agent: "agent://acme/b", Status: "done"},
		{Step: 2, Agent: "agent://acme/c", Status: "done"},
	}
	assert.True(t, decoded.Completed())
}

func TestWorkflowFromPayloadAbsent(t *testing.T) {
	_, ok, err := WorkflowFromPayload(map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, ok)
}
