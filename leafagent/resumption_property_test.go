package leafagent

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/agenttree"
	"github.com/taskforge/orchestrator/execworker"
	"github.com/taskforge/orchestrator/toolregistry"
)

// TestHandleResumptionRecordWorkerAddressProperty verifies the spec
// invariant: for all NEED_INPUT events, the Resumption Record's worker
// address is the same actor that originally raised NEED_INPUT, for any
// address the Leaf Agent was constructed with and any ancestor chain.
func TestHandleResumptionRecordWorkerAddressProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("NeedInput.WorkerAddress always equals the raising agent's address", prop.ForAll(
		func(address string, ancestors []string) bool {
			reg := toolregistry.New()
			if err := reg.RegisterSchema("workflow:node.a", []byte(`{
				"type": "object",
				"properties": {"id": {"type": "string"}},
				"required": ["id"]
			}`)); err != nil {
				return false
			}

			tree := agenttree.NewMemory()
			meta := agent.Meta{ID: "node.a", Workflow: &agent.WorkflowBinding{DefinitionID: "wf"}}
			tree.AddNode(meta, "")
			worker := execworker.New(reg, nil, nil, nil)
			a := New(tree, nil, worker, address)
			a.Worker.Workflow = fakeWorkflowRunnerFn(func(context.Context, agent.WorkflowBinding, map[string]any) (map[string]any, error) {
				t.Fatal("workflow runner should not be reached when required parameters are missing")
				return nil, nil
			})

			outcome, err := a.Handle(context.Background(), "node.a", map[string]any{}, ancestors)
			if err != nil {
				return false
			}
			if outcome.NeedInput == nil {
				return false
			}
			return outcome.NeedInput.WorkerAddress == address
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
