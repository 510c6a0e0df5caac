package contextresolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/agenttree"
)

// TestResolveOneIsIdempotentProperty verifies the spec invariant: semantic
// pointer resolution is idempotent, for any tree shape and any query that
// uniquely matches one candidate — resolving the same description twice
// against an unchanged tree yields the same resolved descriptor and
// resolution chain both times.
func TestResolveOneIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("resolving the same description twice yields identical pointers", prop.ForAll(
		func(n, offset int) bool {
			k := offset % n
			if k < 0 {
				k += n
			}

			tree := agenttree.NewMemory()
			tree.AddNode(agent.Meta{ID: "root", Description: "top level orchestrator"}, "")
			tree.AddNode(agent.Meta{ID: "origin", Description: "origin node, never a match target"}, "root")
			for i := 0; i < n; i++ {
				tag := fmt.Sprintf("tag%d", i)
				tree.AddNode(agent.Meta{ID: agent.Ident(fmt.Sprintf("node%d", i)), Description: tag + " department"}, "root")
			}

			r := New(tree, nil)
			query := fmt.Sprintf("tag%d", k)

			first, err := r.resolveOne(context.Background(), "origin", "p", query)
			if err != nil {
				return false
			}
			second, err := r.resolveOne(context.Background(), "origin", "p", query)
			if err != nil {
				return false
			}

			return first.ResolvedDescription == second.ResolvedDescription &&
				len(first.ResolutionChain) == len(second.ResolutionChain) &&
				equalChains(first.ResolutionChain, second.ResolutionChain)
		},
		gen.IntRange(2, 8),
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}

func equalChains(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
