package main

import (
	"context"
	"fmt"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/agenttree"
	"github.com/taskforge/orchestrator/engine"
	"github.com/taskforge/orchestrator/execworker"
	"github.com/taskforge/orchestrator/leafagent"
	"github.com/taskforge/orchestrator/optimizer"
	"github.com/taskforge/orchestrator/orcherr"
	"github.com/taskforge/orchestrator/parallelagg"
	"github.com/taskforge/orchestrator/task"
	"github.com/taskforge/orchestrator/taskgroup"
)

// stepDispatcher is the concrete taskgroup.StepDispatcher: it routes a
// plan step to the Leaf Agent recursion (AGENT steps), the Execution
// Worker directly (TOOL steps), or the Parallel Aggregator (IsParallel
// steps of either class), fanning single replicas back through the same
// two paths. Assembled here rather than as a standalone package so it can
// depend on leafagent/execworker/parallelagg concretely without handing
// any of those packages a reason to import one another.
type stepDispatcher struct {
	tree      agenttree.Repository
	leaf      *leafagent.Agent
	worker    *execworker.Worker
	parallel  *parallelagg.Aggregator
	optimizer *optimizer.Optimizer
}

var _ taskgroup.StepDispatcher = (*stepDispatcher)(nil)
var _ taskgroup.StepResumer = (*stepDispatcher)(nil)
var _ parallelagg.ReplicaRunner = (*stepDispatcher)(nil)

func newStepDispatcher(tree agenttree.Repository, leaf *leafagent.Agent, worker *execworker.Worker, opt *optimizer.Optimizer) *stepDispatcher {
	d := &stepDispatcher{tree: tree, leaf: leaf, worker: worker, optimizer: opt}
	d.parallel = parallelagg.New(d, opt, 0)
	return d
}

// Dispatch implements taskgroup.StepDispatcher. A parallel step never
// yields a Resumption Record: a NEED_INPUT inside a fanned-out replica is
// converted into a replica failure by RunReplica rather than threading
// clarification through concurrent replicas.
func (d *stepDispatcher) Dispatch(ctx context.Context, wfCtx engine.WorkflowContext, step task.Step, params map[string]any) (any, *task.ResumptionRecord, error) {
	if step.IsParallel {
		var optState *task.OptimizerState
		if step.OptimizationEnabled && d.optimizer != nil {
			key := wfCtx.WorkflowID() + ":" + stepKey(step)
			if st, ok, err := d.optimizer.Store.Load(ctx, key); err == nil && ok {
				st.TaskID = key
				optState = &st
			} else {
				optState = &task.OptimizerState{TaskID: key}
			}
		}
		result, newState, err := d.parallel.Run(ctx, wfCtx, step, params, optState)
		if err != nil {
			return nil, nil, err
		}
		if newState != nil && d.optimizer != nil {
			_ = d.optimizer.Store.Save(ctx, *newState)
		}
		return result, nil, nil
	}
	return d.runOne(ctx, step, params)
}

// ResumeStep implements taskgroup.StepResumer by forwarding the supplied
// parameters directly to the same Leaf Agent / Execution Worker address
// that raised NEED_INPUT, never re-threading the step's parameters.
func (d *stepDispatcher) ResumeStep(ctx context.Context, _ engine.WorkflowContext, step task.Step, record task.ResumptionRecord, supplied map[string]any) (any, *task.ResumptionRecord, error) {
	switch step.Class {
	case task.ClassAgent:
		outcome, err := d.leaf.Resume(ctx, agent.Ident(step.Executor), record, supplied)
		if err != nil {
			return nil, nil, err
		}
		return outcome.Result, outcome.NeedInput, nil

	case task.ClassTool:
		meta, err := d.tree.GetAgentMeta(ctx, agent.Ident(step.Executor))
		if err != nil {
			meta = agent.Meta{ID: agent.Ident(step.Executor)}
		}
		outcome, err := d.worker.Resume(ctx, step.Executor, meta, record, supplied)
		if err != nil {
			return nil, nil, err
		}
		if len(outcome.NeedInput) > 0 {
			return nil, &task.ResumptionRecord{
				TaskID:             record.TaskID,
				WorkerAddress:      record.WorkerAddress,
				OriginalParameters: mergedParameters(record.OriginalParameters, supplied),
				Missing:            outcome.NeedInput,
				AncestorAggregators: record.AncestorAggregators,
			}, nil
		}
		return outcome.Result, nil, nil

	default:
		return nil, nil, orcherr.New(orcherr.KindPlanning, fmt.Sprintf("stepDispatcher: unknown executor class %q", step.Class))
	}
}

func mergedParameters(original, supplied map[string]any) map[string]any {
	out := make(map[string]any, len(original)+len(supplied))
	for k, v := range original {
		out[k] = v
	}
	for k, v := range supplied {
		out[k] = v
	}
	return out
}

// RunReplica implements parallelagg.ReplicaRunner by running one
// non-parallel invocation of step's executor. A NEED_INPUT outcome is
// converted into a replica failure: the Parallel Aggregator fans out
// concurrent replicas with no single reply-to to address a clarification
// question.
func (d *stepDispatcher) RunReplica(ctx context.Context, wfCtx engine.WorkflowContext, step task.Step, params map[string]any, replicaIndex int) (any, error) {
	result, needInput, err := d.runOne(ctx, step, params)
	if err != nil {
		return nil, err
	}
	if needInput != nil {
		return nil, orcherr.New(orcherr.KindMissingParameter, fmt.Sprintf("replica %d of step %q needs input", replicaIndex, step.Executor))
	}
	return result, nil
}

func (d *stepDispatcher) runOne(ctx context.Context, step task.Step, params map[string]any) (any, *task.ResumptionRecord, error) {
	switch step.Class {
	case task.ClassAgent:
		outcome, err := d.leaf.Handle(ctx, agent.Ident(step.Executor), params, nil)
		if err != nil {
			return nil, nil, err
		}
		return outcome.Result, outcome.NeedInput, nil

	case task.ClassTool:
		meta, err := d.tree.GetAgentMeta(ctx, agent.Ident(step.Executor))
		if err != nil {
			meta = agent.Meta{ID: agent.Ident(step.Executor)}
		}
		outcome, err := d.worker.Execute(ctx, step.Executor, meta, params)
		if err != nil {
			return nil, nil, err
		}
		if len(outcome.NeedInput) > 0 {
			return nil, &task.ResumptionRecord{
				WorkerAddress:      step.Executor,
				OriginalParameters: params,
				Missing:            outcome.NeedInput,
			}, nil
		}
		return outcome.Result, nil, nil

	default:
		return nil, nil, orcherr.New(orcherr.KindPlanning, fmt.Sprintf("stepDispatcher: unknown executor class %q", step.Class))
	}
}

func stepKey(s task.Step) string {
	if s.ID != "" {
		return s.ID
	}
	return s.Executor
}
