package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateNames(t *testing.T) {
	assert.Equal(t, []string{"basic", "ecommerce", "empty"}, TemplateNames())
}

func TestEveryTemplateValidates(t *testing.T) {
	for _, name := range TemplateNames() {
		t.Run(name, func(t *testing.T) {
			f, err := FromTemplate(name)
			require.NoError(t, err)
			assert.NoError(t, Validate(f))
		})
	}
}

func TestFromTemplateEmpty(t *testing.T) {
	f, err := FromTemplate("empty")
	require.NoError(t, err)
	require.Len(t, f.Nodes, 1)
	assert.Equal(t, NodeStart, f.Nodes[0].Type)
	assert.Empty(t, f.Edges)
}

func TestFromTemplateEcommerceBranches(t *testing.T) {
	f, err := FromTemplate("ecommerce")
	require.NoError(t, err)

	var condition *Node
	for i := range f.Nodes {
		if f.Nodes[i].Type == NodeCondition {
			condition = &f.Nodes[i]
			break
		}
	}
	require.NotNil(t, condition, "ecommerce template should carry a condition node")

	branches := condition.Branches()
	require.NotEmpty(t, branches)
	for _, b := range branches {
		assert.NotEmpty(t, b.ID)
		assert.NotEmpty(t, b.Label)
	}
}

func TestFromTemplateUnknown(t *testing.T) {
	_, err := FromTemplate("does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown template")
}

func TestFromTemplateReturnsFreshCopies(t *testing.T) {
	a, err := FromTemplate("basic")
	require.NoError(t, err)
	b, err := FromTemplate("basic")
	require.NoError(t, err)

	a.Nodes[0].ID = "mutated"
	assert.NotEqual(t, a.Nodes[0].ID, b.Nodes[0].ID)
}
