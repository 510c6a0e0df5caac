package leafagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/agenttree"
	"github.com/taskforge/orchestrator/execworker"
	"github.com/taskforge/orchestrator/task"
	"github.com/taskforge/orchestrator/toolregistry"
)

type fakeResolver struct {
	resolved map[string]task.SemanticPointer
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, _ agent.Ident, descriptions map[string]string) (map[string]task.SemanticPointer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resolved, nil
}

func newLeaf(t *testing.T, meta agent.Meta, resolver Resolver, reg *toolregistry.Registry) *Agent {
	t.Helper()
	tree := agenttree.NewMemory()
	tree.AddNode(meta, "")
	worker := execworker.New(reg, nil, nil, nil)
	return New(tree, resolver, worker, "leaf-1")
}

func TestHandleResolvesContextualParams(t *testing.T) {
	meta := agent.Meta{ID: "node.a", Workflow: &agent.WorkflowBinding{DefinitionID: "wf"}}
	resolver := &fakeResolver{resolved: map[string]task.SemanticPointer{
		"customer": {ResolvedDescription: "cust-42"},
	}}
	a := newLeaf(t, meta, resolver, toolregistry.New())
	a.Worker.Workflow = fakeWorkflowRunnerFn(func(_ context.Context, _ agent.WorkflowBinding, params map[string]any) (map[string]any, error) {
		return map[string]any{"echo": params["customer"]}, nil
	})

	outcome, err := a.Handle(context.Background(), "node.a", map[string]any{"customer": "$context:the current customer"}, nil)
	require.NoError(t, err)
	require.Nil(t, outcome.NeedInput)
	assert.Equal(t, map[string]any{"echo": "cust-42"}, outcome.Result)
}

type fakeWorkflowRunnerFn func(ctx context.Context, binding agent.WorkflowBinding, params map[string]any) (map[string]any, error)

func (f fakeWorkflowRunnerFn) Run(ctx context.Context, binding agent.WorkflowBinding, params map[string]any) (map[string]any, error) {
	return f(ctx, binding, params)
}

func TestHandleRejectsNonLeafNode(t *testing.T) {
	meta := agent.Meta{ID: "node.branch"}
	a := newLeaf(t, meta, nil, toolregistry.New())

	_, err := a.Handle(context.Background(), "node.branch", map[string]any{}, nil)
	assert.Error(t, err)
}

func TestHandleProducesResumptionRecordOnNeedInput(t *testing.T) {
	reg := toolregistry.New()
	meta := agent.Meta{ID: "node.a", Workflow: &agent.WorkflowBinding{DefinitionID: "wf"}}
	require.NoError(t, reg.RegisterSchema("workflow:node.a", []byte(`{
		"type": "object",
		"properties": {"id": {"type": "string"}},
		"required": ["id"]
	}`)))
	a := newLeaf(t, meta, nil, reg)
	a.Worker.Workflow = fakeWorkflowRunnerFn(func(context.Context, agent.WorkflowBinding, map[string]any) (map[string]any, error) {
		t.Fatal("workflow runner should not be reached when required parameters are missing")
		return nil, nil
	})

	outcome, err := a.Handle(context.Background(), "node.a", map[string]any{}, []string{"agg-1"})
	require.NoError(t, err)
	require.NotNil(t, outcome.NeedInput)
	assert.Equal(t, "leaf-1", outcome.NeedInput.WorkerAddress)
	assert.Equal(t, []string{"agg-1"}, outcome.NeedInput.AncestorAggregators)
	require.Len(t, outcome.NeedInput.Missing, 1)
	assert.Equal(t, "id", outcome.NeedInput.Missing[0].Name)
}

func TestResumeMergesSuppliedParameters(t *testing.T) {
	meta := agent.Meta{ID: "node.a", Workflow: &agent.WorkflowBinding{DefinitionID: "wf"}}
	a := newLeaf(t, meta, nil, toolregistry.New())
	var gotParams map[string]any
	a.Worker.Workflow = fakeWorkflowRunnerFn(func(_ context.Context, _ agent.WorkflowBinding, params map[string]any) (map[string]any, error) {
		gotParams = params
		return map[string]any{"status": "resumed"}, nil
	})

	record := task.ResumptionRecord{OriginalParameters: map[string]any{"a": 1}}
	outcome, err := a.Resume(context.Background(), "node.a", record, map[string]any{"b": 2})
	require.NoError(t, err)
	assert.Nil(t, outcome.NeedInput)
	assert.Equal(t, 1, gotParams["a"])
	assert.Equal(t, 2, gotParams["b"])
}
