// Package flow owns the authoritative flow documents: the data model,
// the mutation transactions applied to them, the structural invariants
// every committed document satisfies, and the manager that versions and
// caches them.
package flow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeType is the closed set of node variants a flow may contain.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeScreen    NodeType = "screen"
	NodeDecision  NodeType = "decision"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
	NodeNote      NodeType = "note"
	NodeSubflow   NodeType = "subflow"
	NodeFrame     NodeType = "frame"
)

var nodeTypes = map[NodeType]bool{
	NodeStart: true, NodeEnd: true, NodeScreen: true, NodeDecision: true,
	NodeCondition: true, NodeAction: true, NodeNote: true, NodeSubflow: true,
	NodeFrame: true,
}

// ValidNodeType reports whether t is one of the enumerated variants.
func ValidNodeType(t NodeType) bool {
	return nodeTypes[t]
}

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a node's rendered extent. Only frames and screens usually
// carry one.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Node is a vertex of a flow. Data carries the type-specific
// attributes: condition nodes keep their branches there, subflows the
// referenced flow id, frames their derived containedNodes list.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Position Position       `json:"position"`
	Size     *Size          `json:"size,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Ghost    bool           `json:"ghost,omitempty"`
}

// Branch is one labeled outcome of a condition node. Its ID is the
// valid sourceHandle for edges leaving the condition.
type Branch struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Branches extracts the ordered branch list from a condition node's
// data. Nodes of other types return nil.
func (n *Node) Branches() []Branch {
	if n.Type != NodeCondition || n.Data == nil {
		return nil
	}
	raw, ok := n.Data["branches"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var branches []Branch
	if err := json.Unmarshal(data, &branches); err != nil {
		return nil
	}
	return branches
}

// ContainedNodes extracts the derived containment list from a frame
// node's data.
func (n *Node) ContainedNodes() []string {
	if n.Type != NodeFrame || n.Data == nil {
		return nil
	}
	raw, ok := n.Data["containedNodes"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil
	}
	return ids
}

// Edge is a directed arc between two nodes, optionally attached to
// named handles on either side.
type Edge struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Label        string         `json:"label,omitempty"`
	Style        map[string]any `json:"style,omitempty"`
	Type         string         `json:"type,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Ghost        bool           `json:"ghost,omitempty"`
}

// Status marks whether a flow is live or soft-deleted.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Metadata is the descriptive envelope around a flow's graph.
type Metadata struct {
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Version        string     `json:"version"`
	ProjectID      string     `json:"projectId"`
	WorkspaceID    string     `json:"workspaceId,omitempty"`
	CreatedBy      string     `json:"createdBy"`
	LastModifiedBy string     `json:"lastModifiedBy"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// Flow is one authoritative flow document. ID and Rev follow the
// document store's conventions; everything in memory is a cache of the
// stored record.
type Flow struct {
	ID       string   `json:"_id"`
	Rev      string   `json:"_rev,omitempty"`
	Metadata Metadata `json:"metadata"`
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
}

// NodeIndex builds an id → index lookup over the flow's nodes.
// Relationships in a flow are always resolved through id lookups, never
// through pointers, so a loaded document stays a flat value.
func (f *Flow) NodeIndex() map[string]int {
	idx := make(map[string]int, len(f.Nodes))
	for i, n := range f.Nodes {
		idx[n.ID] = i
	}
	return idx
}

// EdgeIndex builds an id → index lookup over the flow's edges.
func (f *Flow) EdgeIndex() map[string]int {
	idx := make(map[string]int, len(f.Edges))
	for i, e := range f.Edges {
		idx[e.ID] = i
	}
	return idx
}

// Clone returns a deep copy via a JSON round trip, so transactions can
// be applied speculatively without touching the loaded document.
func (f *Flow) Clone() (*Flow, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var out Flow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseVersion splits a MAJOR.MINOR.PATCH string.
func ParseVersion(v string) (major, minor, patch int, err error) {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid version %q", v)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version %q", v)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// NextPatch returns v with its patch component incremented. Each
// committed mutation batch bumps the patch exactly once.
func NextPatch(v string) (string, error) {
	major, minor, patch, err := ParseVersion(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1), nil
}
