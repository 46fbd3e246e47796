package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcflow.dev/errcode"
)

func baseFlow() *Flow {
	return &Flow{
		ID: "flow-1",
		Metadata: Metadata{
			Name:      "checkout",
			Version:   "1.0.0",
			ProjectID: "p1",
			Status:    StatusActive,
		},
		Nodes: []Node{
			{ID: "start", Type: NodeStart, Position: Position{X: 0, Y: 0}},
			{ID: "screen-1", Type: NodeScreen, Position: Position{X: 0, Y: 120}},
			{ID: "end", Type: NodeEnd, Position: Position{X: 0, Y: 240}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "screen-1"},
			{ID: "e2", Source: "screen-1", Target: "end"},
		},
	}
}

func TestApplyBatchAddNodeAndEdge(t *testing.T) {
	f := baseFlow()

	next, err := ApplyBatch(f, []Transaction{
		NewTransaction(AddNode, NodePayload{
			ID:       "action-1",
			Type:     NodeAction,
			Position: &Position{X: 200, Y: 120},
			Data:     map[string]any{"label": "charge card"},
		}),
		NewTransaction(AddEdge, EdgePayload{ID: "e3", Source: "screen-1", Target: "action-1"}),
	})
	require.NoError(t, err)

	assert.Len(t, next.Nodes, 4)
	assert.Len(t, next.Edges, 3)
	// The input document is untouched.
	assert.Len(t, f.Nodes, 3)
	assert.Len(t, f.Edges, 2)
}

func TestApplyBatchIsAtomic(t *testing.T) {
	f := baseFlow()

	_, err := ApplyBatch(f, []Transaction{
		NewTransaction(AddNode, NodePayload{ID: "n1", Type: NodeNote}),
		NewTransaction(AddEdge, EdgePayload{ID: "e4", Source: "n1", Target: "missing"}),
	})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.Validation))
	assert.Contains(t, err.Error(), "transaction 1")

	// Nothing from the failed batch leaked into the original.
	_, exists := f.NodeIndex()["n1"]
	assert.False(t, exists)
}

func TestApplyBatchRejectsEmptyBatch(t *testing.T) {
	_, err := ApplyBatch(baseFlow(), nil)
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.Validation))
}

func TestAddNodeDefaultsAndDuplicates(t *testing.T) {
	f := baseFlow()

	next, err := ApplyBatch(f, []Transaction{
		NewTransaction(AddNode, NodePayload{ID: "note-1", Type: NodeNote}),
	})
	require.NoError(t, err)
	i := next.NodeIndex()["note-1"]
	assert.Equal(t, Position{X: 0, Y: 0}, next.Nodes[i].Position)

	_, err = ApplyBatch(next, []Transaction{
		NewTransaction(AddNode, NodePayload{ID: "note-1", Type: NodeNote}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestAddNodeRejectsUnknownType(t *testing.T) {
	_, err := ApplyBatch(baseFlow(), []Transaction{
		NewTransaction(AddNode, NodePayload{ID: "x", Type: NodeType("widget")}),
	})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.Validation))
}

func TestUpdateNodeMergesData(t *testing.T) {
	f := baseFlow()
	f.Nodes[1].Data = map[string]any{"title": "Cart", "theme": "dark"}

	next, err := ApplyBatch(f, []Transaction{
		NewTransaction(UpdateNode, NodePayload{
			ID:       "screen-1",
			Position: &Position{X: 50, Y: 60},
			Data:     map[string]any{"title": "Checkout"},
		}),
	})
	require.NoError(t, err)

	node := next.Nodes[next.NodeIndex()["screen-1"]]
	assert.Equal(t, Position{X: 50, Y: 60}, node.Position)
	assert.Equal(t, "Checkout", node.Data["title"])
	// Keys the update did not mention survive.
	assert.Equal(t, "dark", node.Data["theme"])
}

func TestUpdateNodeUnknownID(t *testing.T) {
	_, err := ApplyBatch(baseFlow(), []Transaction{
		NewTransaction(UpdateNode, NodePayload{ID: "missing", Data: map[string]any{"a": 1}}),
	})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.Validation))
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	next, err := ApplyBatch(baseFlow(), []Transaction{
		NewTransaction(DeleteNode, DeletePayload{ID: "screen-1"}),
	})
	require.NoError(t, err)

	assert.Len(t, next.Nodes, 2)
	// Both incident edges went with the node.
	assert.Empty(t, next.Edges)
}

func TestDeleteNodeUnknownIDIsRejected(t *testing.T) {
	_, err := ApplyBatch(baseFlow(), []Transaction{
		NewTransaction(DeleteNode, DeletePayload{ID: "ghost"}),
	})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.Validation))
}

func TestDeleteEdgeUnknownIDIsNoop(t *testing.T) {
	next, err := ApplyBatch(baseFlow(), []Transaction{
		NewTransaction(DeleteEdge, DeletePayload{ID: "already-gone"}),
	})
	require.NoError(t, err)
	assert.Len(t, next.Edges, 2)
}

func TestAddEdgeRequiresEndpoints(t *testing.T) {
	cases := []struct {
		name string
		edge EdgePayload
	}{
		{"missing source", EdgePayload{ID: "e9", Source: "nope", Target: "end"}},
		{"missing target", EdgePayload{ID: "e9", Source: "start", Target: "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ApplyBatch(baseFlow(), []Transaction{NewTransaction(AddEdge, tc.edge)})
			require.Error(t, err)
			assert.True(t, errcode.IsCode(err, errcode.Validation))
		})
	}
}

func TestUnknownActionIsRejected(t *testing.T) {
	_, err := ApplyBatch(baseFlow(), []Transaction{
		{Action: Action("RENAME_NODE"), Payload: []byte(`{}`)},
	})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.Validation))
}

func TestSummarize(t *testing.T) {
	changes := Summarize([]Transaction{
		NewTransaction(AddNode, NodePayload{ID: "n1", Type: NodeNote}),
		NewTransaction(DeleteEdge, DeletePayload{ID: "e1"}),
	})
	require.Len(t, changes, 2)
	assert.Equal(t, Change{Action: AddNode, ID: "n1"}, changes[0])
	assert.Equal(t, Change{Action: DeleteEdge, ID: "e1"}, changes[1])
}
