package contextresolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/agenttree"
)

func TestKeywordMatchPicksHighestScoringCandidate(t *testing.T) {
	r := New(agenttree.NewMemory(), nil)
	candidates := map[string]agent.Meta{
		"billing": {ID: "billing", Description: "handles billing invoices"},
		"support": {ID: "support", Description: "customer support department"},
	}

	id, score, ambiguous, err := r.keywordMatch(candidates, "the customer support team should handle this")
	require.NoError(t, err)
	assert.Equal(t, agent.Ident("support"), id)
	assert.Greater(t, score, 0.0)
	assert.False(t, ambiguous)
}

func TestKeywordMatchFlagsAmbiguousWhenScoresClose(t *testing.T) {
	r := New(agenttree.NewMemory(), nil)
	candidates := map[string]agent.Meta{
		"alpha": {ID: "alpha", Description: "order fulfillment"},
		"beta":  {ID: "beta", Description: "order tracking"},
	}

	_, _, ambiguous, err := r.keywordMatch(candidates, "order status")
	require.NoError(t, err)
	assert.True(t, ambiguous)
}

func TestKeywordMatchReturnsEmptyForNoKeywords(t *testing.T) {
	r := New(agenttree.NewMemory(), nil)
	candidates := map[string]agent.Meta{"a": {ID: "a", Description: "anything"}}

	id, _, _, err := r.keywordMatch(candidates, "to a is")
	require.NoError(t, err)
	assert.True(t, id.Empty())
}

func TestKeywordMatchReturnsEmptyWhenNothingMatches(t *testing.T) {
	r := New(agenttree.NewMemory(), nil)
	candidates := map[string]agent.Meta{"a": {ID: "a", Description: "invoice processing"}}

	id, _, _, err := r.keywordMatch(candidates, "zzzznomatch")
	require.NoError(t, err)
	assert.True(t, id.Empty())
}

func TestResolveOneDescendsThroughNonLeafToMatchingLeaf(t *testing.T) {
	tree := agenttree.NewMemory()
	tree.AddNode(agent.Meta{ID: "root", Description: "top level orchestrator"}, "")
	tree.AddNode(agent.Meta{ID: "billing", Description: "handles billing invoices"}, "root")
	tree.AddNode(agent.Meta{ID: "support", Description: "customer support department"}, "root")
	tree.AddNode(agent.Meta{ID: "support.specialist", Description: "specialist handling customer support tickets"}, "support")

	r := New(tree, nil)
	ptr, err := r.resolveOne(context.Background(), "billing", "customer", "the customer support team should handle this")
	require.NoError(t, err)
	assert.Equal(t, "customer", ptr.ParameterName)
	assert.Equal(t, []string{"support", "support.specialist"}, ptr.ResolutionChain)
	assert.Equal(t, "specialist handling customer support tickets", ptr.ResolvedDescription)
	assert.False(t, ptr.Ambiguous)
}

func TestResolveOneReturnsErrorWhenUnresolved(t *testing.T) {
	tree := agenttree.NewMemory()
	tree.AddNode(agent.Meta{ID: "root", Description: "top level orchestrator"}, "")
	tree.AddNode(agent.Meta{ID: "billing", Description: "handles billing invoices"}, "root")

	r := New(tree, nil)
	_, err := r.resolveOne(context.Background(), "billing", "customer", "zzzznomatch")
	assert.Error(t, err)
}

func TestResolveOneDetectsCycle(t *testing.T) {
	tree := agenttree.NewMemory()
	tree.AddNode(agent.Meta{ID: "c", Description: "leaf c"}, "a")
	tree.AddNode(agent.Meta{ID: "a", Description: "node a"}, "b")
	tree.AddNode(agent.Meta{ID: "b", Description: "node b"}, "a")

	r := New(tree, nil)
	_, err := r.resolveOne(context.Background(), "c", "param", "zzzznomatch")
	assert.Error(t, err)
}

func TestResolveReturnsOnePointerPerDescription(t *testing.T) {
	tree := agenttree.NewMemory()
	tree.AddNode(agent.Meta{ID: "root", Description: "top level orchestrator"}, "")
	tree.AddNode(agent.Meta{ID: "billing", Description: "handles billing invoices"}, "root")
	tree.AddNode(agent.Meta{ID: "support", Description: "customer support department"}, "root")

	r := New(tree, nil)
	out, err := r.Resolve(context.Background(), "billing", map[string]string{"team": "customer support department"})
	require.NoError(t, err)
	require.Contains(t, out, "team")
	assert.Equal(t, agent.Ident("support").String(), out["team"].ResolutionChain[0])
}
