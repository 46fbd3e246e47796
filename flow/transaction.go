package flow

import (
	"encoding/json"
	"fmt"

	"arcflow.dev/errcode"
)

// Action is the closed set of mutation kinds.
type Action string

const (
	AddNode    Action = "ADD_NODE"
	UpdateNode Action = "UPDATE_NODE"
	DeleteNode Action = "DELETE_NODE"
	AddEdge    Action = "ADD_EDGE"
	UpdateEdge Action = "UPDATE_EDGE"
	DeleteEdge Action = "DELETE_EDGE"
)

var actions = map[Action]bool{
	AddNode: true, UpdateNode: true, DeleteNode: true,
	AddEdge: true, UpdateEdge: true, DeleteEdge: true,
}

// ValidAction reports whether a is one of the enumerated mutations.
func ValidAction(a Action) bool {
	return actions[a]
}

// Transaction is one structural change to a flow. A batch of them is
// applied atomically with a single version bump.
type Transaction struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// NodePayload is the payload for ADD_NODE and UPDATE_NODE.
type NodePayload struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type,omitempty"`
	Position *Position      `json:"position,omitempty"`
	Size     *Size          `json:"size,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Ghost    bool           `json:"ghost,omitempty"`
}

// EdgePayload is the payload for ADD_EDGE and UPDATE_EDGE.
type EdgePayload struct {
	ID           string         `json:"id"`
	Source       string         `json:"source,omitempty"`
	Target       string         `json:"target,omitempty"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Label        string         `json:"label,omitempty"`
	Type         string         `json:"type,omitempty"`
	Style        map[string]any `json:"style,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Ghost        bool           `json:"ghost,omitempty"`
}

// DeletePayload is the payload for DELETE_NODE and DELETE_EDGE.
type DeletePayload struct {
	ID string `json:"id"`
}

// NewTransaction builds a transaction from a typed payload. It only
// fails on unmarshalable payloads, which typed payloads never are.
func NewTransaction(action Action, payload any) Transaction {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("flow transaction payload: %v", err))
	}
	return Transaction{Action: action, Payload: raw}
}

// txnError names the offending transaction by position so a client can
// find it in its batch.
func txnError(index int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errcode.New(errcode.Validation, "transaction %d: %s", index, msg)
}

// Apply mutates f in place according to txn. The index is only used
// for error reporting. Callers apply transactions to a clone and throw
// the clone away on error, so a failed Apply may leave f half-changed.
func Apply(f *Flow, txn Transaction, index int) error {
	switch txn.Action {
	case AddNode:
		return applyAddNode(f, txn.Payload, index)
	case UpdateNode:
		return applyUpdateNode(f, txn.Payload, index)
	case DeleteNode:
		return applyDeleteNode(f, txn.Payload, index)
	case AddEdge:
		return applyAddEdge(f, txn.Payload, index)
	case UpdateEdge:
		return applyUpdateEdge(f, txn.Payload, index)
	case DeleteEdge:
		return applyDeleteEdge(f, txn.Payload, index)
	default:
		return txnError(index, "unknown action %q", txn.Action)
	}
}

// ApplyBatch applies every transaction in order to a clone of f and
// returns the mutated clone. The original is never touched, so a
// failing batch leaves no trace.
func ApplyBatch(f *Flow, txns []Transaction) (*Flow, error) {
	if len(txns) == 0 {
		return nil, errcode.New(errcode.Validation, "empty transaction batch")
	}
	next, err := f.Clone()
	if err != nil {
		return nil, err
	}
	for i, txn := range txns {
		if err := Apply(next, txn, i); err != nil {
			return nil, err
		}
	}
	RecomputeFrames(next)
	return next, nil
}

func applyAddNode(f *Flow, raw json.RawMessage, index int) error {
	var p NodePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return txnError(index, "invalid ADD_NODE payload: %v", err)
	}
	if p.ID == "" {
		return txnError(index, "ADD_NODE requires an id")
	}
	if !ValidNodeType(p.Type) {
		return txnError(index, "unknown node type %q", p.Type)
	}
	if _, exists := f.NodeIndex()[p.ID]; exists {
		return txnError(index, "node %q already exists", p.ID)
	}

	node := Node{ID: p.ID, Type: p.Type, Size: p.Size, Data: p.Data, Ghost: p.Ghost}
	if p.Position != nil {
		node.Position = *p.Position
	}
	f.Nodes = append(f.Nodes, node)
	return nil
}

func applyUpdateNode(f *Flow, raw json.RawMessage, index int) error {
	var p NodePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return txnError(index, "invalid UPDATE_NODE payload: %v", err)
	}
	i, exists := f.NodeIndex()[p.ID]
	if !exists {
		return txnError(index, "node %q does not exist", p.ID)
	}

	node := &f.Nodes[i]
	if p.Type != "" {
		if !ValidNodeType(p.Type) {
			return txnError(index, "unknown node type %q", p.Type)
		}
		node.Type = p.Type
	}
	if p.Position != nil {
		node.Position = *p.Position
	}
	if p.Size != nil {
		node.Size = p.Size
	}
	if p.Data != nil {
		if node.Data == nil {
			node.Data = make(map[string]any, len(p.Data))
		}
		// Shallow merge: supplied keys overwrite, the rest survive.
		for k, v := range p.Data {
			node.Data[k] = v
		}
	}
	return nil
}

// applyDeleteNode removes the node and every incident edge in the same
// transaction. Deleting an unknown node is a validation error: a
// destructive operation aimed at an id the flow never had is a client
// bug, not a replay.
func applyDeleteNode(f *Flow, raw json.RawMessage, index int) error {
	var p DeletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return txnError(index, "invalid DELETE_NODE payload: %v", err)
	}
	i, exists := f.NodeIndex()[p.ID]
	if !exists {
		return txnError(index, "node %q does not exist", p.ID)
	}

	f.Nodes = append(f.Nodes[:i], f.Nodes[i+1:]...)
	kept := f.Edges[:0]
	for _, e := range f.Edges {
		if e.Source != p.ID && e.Target != p.ID {
			kept = append(kept, e)
		}
	}
	f.Edges = kept
	return nil
}

func applyAddEdge(f *Flow, raw json.RawMessage, index int) error {
	var p EdgePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return txnError(index, "invalid ADD_EDGE payload: %v", err)
	}
	if p.ID == "" {
		return txnError(index, "ADD_EDGE requires an id")
	}
	if _, exists := f.EdgeIndex()[p.ID]; exists {
		return txnError(index, "edge %q already exists", p.ID)
	}
	nodes := f.NodeIndex()
	if _, ok := nodes[p.Source]; !ok {
		return txnError(index, "edge %q source %q does not exist", p.ID, p.Source)
	}
	if _, ok := nodes[p.Target]; !ok {
		return txnError(index, "edge %q target %q does not exist", p.ID, p.Target)
	}

	f.Edges = append(f.Edges, Edge{
		ID:           p.ID,
		Source:       p.Source,
		Target:       p.Target,
		SourceHandle: p.SourceHandle,
		TargetHandle: p.TargetHandle,
		Label:        p.Label,
		Type:         p.Type,
		Style:        p.Style,
		Data:         p.Data,
		Ghost:        p.Ghost,
	})
	return nil
}

func applyUpdateEdge(f *Flow, raw json.RawMessage, index int) error {
	var p EdgePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return txnError(index, "invalid UPDATE_EDGE payload: %v", err)
	}
	i, exists := f.EdgeIndex()[p.ID]
	if !exists {
		return txnError(index, "edge %q does not exist", p.ID)
	}

	edge := &f.Edges[i]
	if p.SourceHandle != "" {
		edge.SourceHandle = p.SourceHandle
	}
	if p.TargetHandle != "" {
		edge.TargetHandle = p.TargetHandle
	}
	if p.Label != "" {
		edge.Label = p.Label
	}
	if p.Type != "" {
		edge.Type = p.Type
	}
	if p.Style != nil {
		edge.Style = p.Style
	}
	if p.Data != nil {
		if edge.Data == nil {
			edge.Data = make(map[string]any, len(p.Data))
		}
		for k, v := range p.Data {
			edge.Data[k] = v
		}
	}
	return nil
}

// applyDeleteEdge is idempotent: rejecting a ghost proposal deletes
// edges that may already be gone, so a missing id is a no-op.
func applyDeleteEdge(f *Flow, raw json.RawMessage, index int) error {
	var p DeletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return txnError(index, "invalid DELETE_EDGE payload: %v", err)
	}
	if i, exists := f.EdgeIndex()[p.ID]; exists {
		f.Edges = append(f.Edges[:i], f.Edges[i+1:]...)
	}
	return nil
}

// Change summarizes one applied transaction for update notifications.
type Change struct {
	Action Action `json:"action"`
	ID     string `json:"id"`
}

// Summarize reduces a batch to its per-transaction summaries.
func Summarize(txns []Transaction) []Change {
	changes := make([]Change, 0, len(txns))
	for _, txn := range txns {
		var p DeletePayload
		_ = json.Unmarshal(txn.Payload, &p)
		changes = append(changes, Change{Action: txn.Action, ID: p.ID})
	}
	return changes
}
