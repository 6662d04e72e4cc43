// Package protocol defines the inter-agent message envelope: the wire format
// spoken between the orchestrator and every external agent. Envelopes are
// UTF-8 JSON; unknown fields are tolerated on receive and preserved on
// forward so relays never strip extensions.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the envelope type.
type MessageType string

// The twelve envelope types.
const (
	TypeRequest  MessageType = "request"
	TypeInform   MessageType = "inform"
	TypePropose  MessageType = "propose"
	TypeAgree    MessageType = "agree"
	TypeRefuse   MessageType = "refuse"
	TypeConfirm  MessageType = "confirm"
	TypeFailure  MessageType = "failure"
	TypeDone     MessageType = "done"
	TypeRoute    MessageType = "route"
	TypeDiscover MessageType = "discover"
	TypeOffer    MessageType = "offer"
	TypeAssign   MessageType = "assign"
)

var validTypes = map[MessageType]bool{
	TypeRequest: true, TypeInform: true, TypePropose: true, TypeAgree: true,
	TypeRefuse: true, TypeConfirm: true, TypeFailure: true, TypeDone: true,
	TypeRoute: true, TypeDiscover: true, TypeOffer: true, TypeAssign: true,
}

// Valid reports whether t is one of the twelve defined envelope types.
func (t MessageType) Valid() bool {
	return validTypes[t]
}

// IsReply reports whether t terminates an outstanding request from the
// recipient's perspective.
func (t MessageType) IsReply() bool {
	switch t {
	case TypeInform, TypeFailure, TypeRefuse, TypeDone:
		return true
	default:
		return false
	}
}

// Correlation links a reply envelope to its originating request.
type Correlation struct {
	ConversationID string `json:"conversation_id,omitempty"`
	InReplyTo      string `json:"in_reply_to,omitempty"`
}

// Status carries an optional outcome code on replies.
type Status struct {
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Security carries the optional token and signature fields.
type Security struct {
	Token string `json:"token,omitempty"`
	Sig   string `json:"sig,omitempty"`
}

// Envelope is the wire message exchanged with agents. Payload and Context
// are intent-specific bags; typed views are obtained by decoding them
// against the schema the intent implies.
type Envelope struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"ts"`
	Type        MessageType            `json:"type"`
	Sender      string                 `json:"sender"`
	To          []string               `json:"to,omitempty"`
	Intent      string                 `json:"intent"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Correlation Correlation            `json:"correlation,omitempty"`
	Expected    map[string]interface{} `json:"expected,omitempty"`
	Status      *Status                `json:"status,omitempty"`
	Security    *Security              `json:"security,omitempty"`

	// extra holds fields we do not define; they are preserved verbatim on
	// re-serialization so the orchestrator can relay without data loss.
	extra map[string]json.RawMessage
}

// knownFields are the envelope fields handled by the struct above.
var knownFields = map[string]bool{
	"id": true, "ts": true, "type": true, "sender": true, "to": true,
	"intent": true, "payload": true, "context": true, "correlation": true,
	"expected": true, "status": true, "security": true,
}

// envelopeAlias avoids recursion in MarshalJSON/UnmarshalJSON.
type envelopeAlias Envelope

// UnmarshalJSON decodes an envelope keeping any unknown fields.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var alias envelopeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for field := range raw {
		if knownFields[field] {
			delete(raw, field)
		}
	}
	if len(raw) > 0 {
		alias.extra = raw
	}

	*e = Envelope(alias)
	return nil
}

// MarshalJSON encodes the envelope, merging preserved unknown fields back in.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal((*envelopeAlias)(e))
	if err != nil {
		return nil, err
	}
	if len(e.extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for field, value := range e.extra {
		if _, ok := merged[field]; !ok {
			merged[field] = value
		}
	}
	return json.Marshal(merged)
}

// Extra returns a preserved unknown field by name, if present.
func (e *Envelope) Extra(field string) (json.RawMessage, bool) {
	raw, ok := e.extra[field]
	return raw, ok
}

// SetExtra stores an unknown field to be preserved on serialization.
func (e *Envelope) SetExtra(field string, value json.RawMessage) {
	if e.extra == nil {
		e.extra = make(map[string]json.RawMessage)
	}
	e.extra[field] = value
}

// Validate checks the required fields. An envelope failing validation is
// rejected at the boundary and never partially processed.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope missing id")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope %s missing ts", e.ID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("envelope %s has unknown type %q", e.ID, e.Type)
	}
	if e.Sender == "" {
		return fmt.Errorf("envelope %s missing sender", e.ID)
	}
	if e.Intent == "" {
		return fmt.Errorf("envelope %s missing intent", e.ID)
	}
	return nil
}

// Parse decodes and validates an envelope from wire bytes.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// NewRequest builds a request envelope addressed to a single agent.
// The conversation id ties every request of a job together.
func NewRequest(sender, recipient, intent, conversationID string, payload map[string]interface{}) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      TypeRequest,
		Sender:    sender,
		To:        []string{recipient},
		Intent:    intent,
		Payload:   payload,
		Correlation: Correlation{
			ConversationID: conversationID,
		},
	}
}

// NewReply builds a reply of the given type correlated to a request.
func NewReply(req *Envelope, replyType MessageType, sender string, payload map[string]interface{}) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      replyType,
		Sender:    sender,
		To:        []string{req.Sender},
		Intent:    req.Intent,
		Payload:   payload,
		Correlation: Correlation{
			ConversationID: req.Correlation.ConversationID,
			InReplyTo:      req.ID,
		},
	}
}

// NewFailure builds a failure reply carrying a reason.
func NewFailure(req *Envelope, sender, reason string) *Envelope {
	env := NewReply(req, TypeFailure, sender, map[string]interface{}{"reason": reason})
	env.Status = &Status{Code: "failure", Reason: reason}
	return env
}

// NewDiscover builds a discovery envelope asking for agents advertising the
// given capability tags.
func NewDiscover(sender string, capabilities []string) *Envelope {
	caps := make([]interface{}, len(capabilities))
	for i, c := range capabilities {
		caps[i] = c
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      TypeDiscover,
		Sender:    sender,
		Intent:    "discover",
		Payload:   map[string]interface{}{"capabilities": caps},
	}
}

// FailureReason extracts the reason from a failure/refuse payload.
func (e *Envelope) FailureReason() string {
	if e.Status != nil && e.Status.Reason != "" {
		return e.Status.Reason
	}
	if reason, ok := e.Payload["reason"].(string); ok {
		return reason
	}
	return string(e.Type)
}

// ParseAgentURI validates an agent identifier of the form agent://owner/name
// and returns the owner and name parts.
func ParseAgentURI(uri string) (owner, name string, err error) {
	const scheme = "agent://"
	if !strings.HasPrefix(uri, scheme) {
		return "", "", fmt.Errorf("agent uri %q missing agent:// scheme", uri)
	}
	rest := strings.TrimPrefix(uri, scheme)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("agent uri %q must be agent://owner/name", uri)
	}
	return parts[0], parts[1], nil
}
