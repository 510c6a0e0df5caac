package taskgroup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/engine"
	"github.com/taskforge/orchestrator/engine/inmem"
	"github.com/taskforge/orchestrator/task"
)

type recordingDispatcher struct {
	calls     []task.Step
	result    func(step task.Step, params map[string]any) (any, error)
	needInput func(step task.Step) *task.ResumptionRecord
	resume    func(step task.Step, record task.ResumptionRecord, supplied map[string]any) (any, *task.ResumptionRecord, error)
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ engine.WorkflowContext, step task.Step, params map[string]any) (any, *task.ResumptionRecord, error) {
	d.calls = append(d.calls, step)
	if d.needInput != nil {
		if rec := d.needInput(step); rec != nil {
			return nil, rec, nil
		}
	}
	if d.result != nil {
		result, err := d.result(step, params)
		return result, nil, err
	}
	return "ok:" + step.Executor, nil, nil
}

func (d *recordingDispatcher) ResumeStep(_ context.Context, _ engine.WorkflowContext, step task.Step, record task.ResumptionRecord, supplied map[string]any) (any, *task.ResumptionRecord, error) {
	if d.resume != nil {
		return d.resume(step, record, supplied)
	}
	return "resumed:" + step.Executor, nil, nil
}

func testWorkflowContext(t *testing.T) engine.WorkflowContext {
	t.Helper()
	eng := inmem.New()
	require.NoError(t, eng.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "capture",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			out <- wfCtx
			return nil, nil
		},
	}))
	h, err := eng.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "wf-1", Workflow: "capture"})
	require.NoError(t, err)
	wfCtx := <-out
	_ = h
	return wfCtx
}

var out = make(chan engine.WorkflowContext, 1)

func TestRunCompletesPlanInOrder(t *testing.T) {
	d := &recordingDispatcher{}
	agg := NewAggregator(d)
	plan := &task.Plan{Steps: []task.Step{
		{Seq: 0, Executor: "step.one", Class: task.ClassTool},
		{Seq: 1, Executor: "step.two", Class: task.ClassTool},
	}}

	result, err := agg.Run(context.Background(), testWorkflowContext(t), plan)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "ok:step.one", result.StepResults["step.one"])
	assert.Equal(t, "ok:step.two", result.StepResults["step.two"])
	require.Len(t, d.calls, 2)
	assert.Equal(t, "step.one", d.calls[0].Executor)
	assert.Equal(t, "step.two", d.calls[1].Executor)
}

func TestRunPausesAndResumesFromSnapshot(t *testing.T) {
	d := &recordingDispatcher{}
	agg := NewAggregator(d)
	paused := false
	agg.PauseCheck = func() bool {
		if len(d.calls) == 1 && !paused {
			paused = true
			return true
		}
		return false
	}
	plan := &task.Plan{Steps: []task.Step{
		{Seq: 0, Executor: "step.one", Class: task.ClassTool},
		{Seq: 1, Executor: "step.two", Class: task.ClassTool},
	}}

	result, err := agg.Run(context.Background(), testWorkflowContext(t), plan)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, result.State)
	assert.Len(t, d.calls, 1)

	snap := agg.Snapshot()
	assert.Equal(t, 1, snap.CurrentIndex)

	resumed := Resume(d, snap)
	result, err = resumed.Run(context.Background(), testWorkflowContext(t), plan)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "ok:step.one", result.StepResults["step.one"])
	assert.Equal(t, "ok:step.two", result.StepResults["step.two"])
	assert.Len(t, d.calls, 2)
}

func TestRunFailsOnDispatchError(t *testing.T) {
	d := &recordingDispatcher{result: func(step task.Step, _ map[string]any) (any, error) {
		return nil, assert.AnError
	}}
	agg := NewAggregator(d)
	plan := &task.Plan{Steps: []task.Step{{Seq: 0, Executor: "step.one", Class: task.ClassTool}}}

	result, err := agg.Run(context.Background(), testWorkflowContext(t), plan)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, result.State)
	require.NotNil(t, result.Failure)
	assert.Equal(t, "step.one", result.Failure.StepID)
}

func TestThreadParametersSymbolicReference(t *testing.T) {
	d := &recordingDispatcher{}
	agg := NewAggregator(d)
	plan := &task.Plan{Steps: []task.Step{
		{Seq: 0, ID: "fetch", Executor: "tool.fetch", Class: task.ClassTool, Parameters: map[string]any{"url": "https://example.com"}},
		{Seq: 1, Executor: "tool.use", Class: task.ClassTool, Parameters: map[string]any{"data": "$fetch"}},
	}}

	var secondParams map[string]any
	d.result = func(step task.Step, params map[string]any) (any, error) {
		if step.Executor == "tool.use" {
			secondParams = params
		}
		return "result:" + step.Executor, nil
	}

	_, err := agg.Run(context.Background(), testWorkflowContext(t), plan)
	require.NoError(t, err)
	assert.Equal(t, "result:tool.fetch", secondParams["data"])
}

func TestThreadParametersUnknownReferenceFails(t *testing.T) {
	d := &recordingDispatcher{}
	agg := NewAggregator(d)
	plan := &task.Plan{Steps: []task.Step{
		{Seq: 0, Executor: "tool.use", Class: task.ClassTool, Parameters: map[string]any{"data": "$missing"}},
	}}

	result, err := agg.Run(context.Background(), testWorkflowContext(t), plan)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, result.State)
}

func TestRunRejectsEmptyPlan(t *testing.T) {
	agg := NewAggregator(&recordingDispatcher{})
	_, err := agg.Run(context.Background(), testWorkflowContext(t), &task.Plan{})
	assert.Error(t, err)
}

func TestRunReturnsNeedInputOnDispatcherResumptionRecord(t *testing.T) {
	rec := &task.ResumptionRecord{WorkerAddress: "worker-1", Missing: []task.MissingParameter{{Name: "api_key"}}}
	d := &recordingDispatcher{needInput: func(step task.Step) *task.ResumptionRecord {
		if step.Executor == "step.one" {
			return rec
		}
		return nil
	}}
	agg := NewAggregator(d)
	plan := &task.Plan{Steps: []task.Step{
		{Seq: 0, Executor: "step.one", Class: task.ClassTool},
		{Seq: 1, Executor: "step.two", Class: task.ClassTool},
	}}

	result, err := agg.Run(context.Background(), testWorkflowContext(t), plan)
	require.NoError(t, err)
	assert.Equal(t, StateNeedInput, result.State)
	require.NotNil(t, result.NeedInput)
	assert.Equal(t, "worker-1", result.NeedInput.WorkerAddress)
	assert.Len(t, d.calls, 1)
}

func TestResumeWithAnswerForwardsSuppliedParametersAndContinues(t *testing.T) {
	rec := &task.ResumptionRecord{WorkerAddress: "worker-1"}
	d := &recordingDispatcher{needInput: func(step task.Step) *task.ResumptionRecord {
		if step.Executor == "step.one" {
			return rec
		}
		return nil
	}}
	agg := NewAggregator(d)
	plan := &task.Plan{Steps: []task.Step{
		{Seq: 0, Executor: "step.one", Class: task.ClassTool},
		{Seq: 1, Executor: "step.two", Class: task.ClassTool},
	}}

	result, err := agg.Run(context.Background(), testWorkflowContext(t), plan)
	require.NoError(t, err)
	require.Equal(t, StateNeedInput, result.State)

	var resumedSupplied map[string]any
	d.resume = func(step task.Step, record task.ResumptionRecord, supplied map[string]any) (any, *task.ResumptionRecord, error) {
		resumedSupplied = supplied
		return "result:" + step.Executor, nil, nil
	}

	result, err = agg.ResumeWithAnswer(context.Background(), testWorkflowContext(t), *rec, map[string]any{"api_key": "secret"})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "secret", resumedSupplied["api_key"])
	assert.Equal(t, "result:step.one", result.StepResults["step.one"])
	assert.Equal(t, "ok:step.two", result.StepResults["step.two"])
}
