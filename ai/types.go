// Package ai defines the contract between the collaboration plane and
// AI workers: intent requests published on ai:request:<requestId>,
// responses returned on ai:response:<requestId>, and ghost proposals
// published on flow:ghost:<projectId>. A reference worker implementing
// the contract ships alongside the types.
package ai

import (
	"encoding/json"
	"time"

	"arcflow.dev/flow"
)

// Kind classifies an intent.
type Kind string

const (
	KindMessage Kind = "message"
	KindPlan    Kind = "plan"
	KindImage   Kind = "image"
)

// Request is one intent published to a worker. ConnectionID routes the
// response back to the originating client; without one the response is
// broadcast to the project's room.
type Request struct {
	RequestID    string          `json:"requestId"`
	Kind         Kind            `json:"kind"`
	ProjectID    string          `json:"projectId"`
	FlowID       string          `json:"flowId,omitempty"`
	UserID       string          `json:"userId"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Message      string          `json:"message,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	ImageData    string          `json:"imageData,omitempty"`
	ImageMIME    string          `json:"imageMime,omitempty"`
	Purpose      string          `json:"purpose,omitempty"`
	SubmittedAt  time.Time       `json:"submittedAt"`
}

// Response is a worker's reply for one request.
type Response struct {
	RequestID    string         `json:"requestId"`
	Type         string         `json:"type"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ProjectID    string         `json:"projectId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// GhostProposal is a flow-shaped delta the worker suggests. Every node
// and edge is flagged ghost; nothing here touches the committed flow
// until a client approves the plan.
type GhostProposal struct {
	ProposalID string      `json:"proposalId"`
	RequestID  string      `json:"requestId"`
	ProjectID  string      `json:"projectId"`
	FlowID     string      `json:"flowId,omitempty"`
	Nodes      []flow.Node `json:"nodes"`
	Edges      []flow.Edge `json:"edges"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Batch converts an approved proposal into the mutation batch that
// commits it: ghost flags are cleared, nodes land before the edges
// that connect them.
func (p *GhostProposal) Batch() []flow.Transaction {
	txns := make([]flow.Transaction, 0, len(p.Nodes)+len(p.Edges))
	for _, n := range p.Nodes {
		txns = append(txns, flow.NewTransaction(flow.AddNode, flow.NodePayload{
			ID:       n.ID,
			Type:     n.Type,
			Position: &n.Position,
			Size:     n.Size,
			Data:     n.Data,
		}))
	}
	for _, e := range p.Edges {
		txns = append(txns, flow.NewTransaction(flow.AddEdge, flow.EdgePayload{
			ID:           e.ID,
			Source:       e.Source,
			Target:       e.Target,
			SourceHandle: e.SourceHandle,
			TargetHandle: e.TargetHandle,
			Label:        e.Label,
			Type:         e.Type,
		}))
	}
	return txns
}
