// Package gateway terminates client websocket connections:
// authentication, admission against connection budgets, a per-client
// event loop over a closed frame vocabulary, room membership and
// fan-out, and the bridge that forwards bus events to local members.
package gateway

import (
	"encoding/json"
	"time"

	"arcflow.dev/errcode"
	"arcflow.dev/flow"
)

// Client-to-server events.
const (
	EventJoinProject     = "join_project"
	EventLeaveProject    = "leave_project"
	EventCursorPosition  = "cursor_position"
	EventSelectionUpdate = "selection_update"
	EventFlowOperation   = "flow_operation"
	EventUserMessage     = "USER_MESSAGE_RECEIVED"
	EventPlanApproved    = "USER_PLAN_APPROVED"
	EventImageUpload     = "IMAGE_UPLOAD_RECEIVED"
)

// Server-to-client events.
const (
	EventConnected        = "connected"
	EventJoinedProject    = "joined_project"
	EventUserJoined       = "user_joined_project"
	EventUserLeft         = "user_left_project"
	EventCursorUpdate     = "cursor_update"
	EventFlowUpdated      = "flow_updated"
	EventAIResponse       = "ai_response"
	EventMessageAck       = "message_acknowledged"
	EventPlanAck          = "plan_approval_acknowledged"
	EventImageAck         = "image_upload_acknowledged"
	EventError            = "error"
)

// Frame is the wire shape of every message in both directions.
type Frame struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFrame builds an outgoing frame. Payloads are typed structs, so a
// marshal failure is a programming error and reported as an empty
// payload rather than a panic in a broadcast path.
func NewFrame(event string, payload any) *Frame {
	f := &Frame{Event: event, Timestamp: time.Now().UTC()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			f.Payload = raw
		}
	}
	return f
}

// ParseFrame decodes an incoming frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Event == "" {
		return nil, errcode.New(errcode.Validation, "frame without event")
	}
	return &f, nil
}

// Decode unmarshals the frame payload into target.
func (f *Frame) Decode(target any) error {
	if len(f.Payload) == 0 {
		return errcode.New(errcode.Validation, "%s frame without payload", f.Event)
	}
	if err := json.Unmarshal(f.Payload, target); err != nil {
		return errcode.Wrap(err, errcode.Validation, "invalid %s payload", f.Event)
	}
	return nil
}

// Incoming payload shapes.

// FlowRef is the payload of join_project and leave_project.
type FlowRef struct {
	FlowID string `json:"flowId"`
}

// CursorPayload carries a member's cursor position.
type CursorPayload struct {
	FlowID   string        `json:"flowId"`
	Position flow.Position `json:"position"`
}

// SelectionPayload carries a member's current selection, opaque to the
// server.
type SelectionPayload struct {
	FlowID    string          `json:"flowId"`
	Selection json.RawMessage `json:"selection"`
}

// OperationPayload carries one transaction or a batch.
type OperationPayload struct {
	FlowID    string             `json:"flowId"`
	Operation *flow.Transaction  `json:"operation,omitempty"`
	Batch     []flow.Transaction `json:"batch,omitempty"`
}

// Transactions normalizes the two accepted shapes into one batch.
func (p *OperationPayload) Transactions() []flow.Transaction {
	if len(p.Batch) > 0 {
		return p.Batch
	}
	if p.Operation != nil {
		return []flow.Transaction{*p.Operation}
	}
	return nil
}

// MessagePayload is a USER_MESSAGE_RECEIVED intent.
type MessagePayload struct {
	ProjectID string          `json:"projectId"`
	FlowID    string          `json:"flowId,omitempty"`
	Message   string          `json:"message"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// PlanPayload is a USER_PLAN_APPROVED intent.
type PlanPayload struct {
	ProjectID     string          `json:"projectId"`
	PlanID        string          `json:"planId"`
	FlowID        string          `json:"flowId,omitempty"`
	FlowStructure json.RawMessage `json:"flowStructure,omitempty"`
	Modifications json.RawMessage `json:"modifications,omitempty"`
}

// ImagePayload is an IMAGE_UPLOAD_RECEIVED intent. ImageData is
// base64-encoded.
type ImagePayload struct {
	ProjectID string `json:"projectId"`
	ImageData string `json:"imageData"`
	MimeType  string `json:"mimeType,omitempty"`
	Purpose   string `json:"purpose,omitempty"`
}

// Outgoing payload shapes.

// ConnectedPayload confirms a successful handshake.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Tier         string `json:"tier"`
}

// ErrorPayload is the structured error frame. Message never carries
// server internals.
type ErrorPayload struct {
	Type    errcode.Code `json:"type"`
	Message string       `json:"message"`
}

// ErrorFrame maps an error onto an error frame using its taxonomy code.
func ErrorFrame(err error) *Frame {
	return NewFrame(EventError, ErrorPayload{
		Type:    errcode.CodeOf(err),
		Message: errcode.MessageOf(err),
	})
}
