package flow

import (
	"arcflow.dev/errcode"
)

// Validate checks every structural invariant a committed flow must
// satisfy: unique node and edge ids, edges attached to existing nodes,
// condition edges leaving through declared branches, frames containing
// only known nodes. The first violation is returned by name.
func Validate(f *Flow) error {
	nodes := make(map[string]*Node, len(f.Nodes))
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.ID == "" {
			return errcode.New(errcode.Validation, "node without id")
		}
		if !ValidNodeType(n.Type) {
			return errcode.New(errcode.Validation, "node %q has unknown type %q", n.ID, n.Type)
		}
		if _, dup := nodes[n.ID]; dup {
			return errcode.New(errcode.Validation, "duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n
	}

	edgeIDs := make(map[string]bool, len(f.Edges))
	for i := range f.Edges {
		e := &f.Edges[i]
		if e.ID == "" {
			return errcode.New(errcode.Validation, "edge without id")
		}
		if edgeIDs[e.ID] {
			return errcode.New(errcode.Validation, "duplicate edge id %q", e.ID)
		}
		edgeIDs[e.ID] = true

		source, ok := nodes[e.Source]
		if !ok {
			return errcode.New(errcode.Validation, "edge %q source %q does not exist", e.ID, e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return errcode.New(errcode.Validation, "edge %q target %q does not exist", e.ID, e.Target)
		}

		// Edges leaving a condition must exit through a declared branch.
		if source.Type == NodeCondition && e.SourceHandle != "" {
			if !branchExists(source, e.SourceHandle) {
				return errcode.New(errcode.Validation,
					"edge %q sourceHandle %q is not a branch of condition %q", e.ID, e.SourceHandle, e.Source)
			}
		}
	}

	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.Type != NodeFrame {
			continue
		}
		for _, contained := range n.ContainedNodes() {
			if _, ok := nodes[contained]; !ok {
				return errcode.New(errcode.Validation,
					"frame %q contains unknown node %q", n.ID, contained)
			}
		}
	}
	return nil
}

func branchExists(condition *Node, handle string) bool {
	for _, b := range condition.Branches() {
		if b.ID == handle {
			return true
		}
	}
	return false
}

// RecomputeFrames rebuilds every frame's containedNodes list from
// geometric containment. The stored list is denormalized output, never
// user-authored input, so it is recomputed on every committed batch.
func RecomputeFrames(f *Flow) {
	for i := range f.Nodes {
		frame := &f.Nodes[i]
		if frame.Type != NodeFrame || frame.Size == nil {
			continue
		}

		contained := make([]string, 0)
		for j := range f.Nodes {
			other := &f.Nodes[j]
			if other.ID == frame.ID || other.Type == NodeFrame {
				continue
			}
			if inside(frame, other) {
				contained = append(contained, other.ID)
			}
		}
		if frame.Data == nil {
			frame.Data = make(map[string]any, 1)
		}
		frame.Data["containedNodes"] = contained
	}
}

// inside reports whether the node's anchor point falls within the
// frame's rectangle.
func inside(frame, node *Node) bool {
	return node.Position.X >= frame.Position.X &&
		node.Position.X <= frame.Position.X+frame.Size.Width &&
		node.Position.Y >= frame.Position.Y &&
		node.Position.Y <= frame.Position.Y+frame.Size.Height
}
