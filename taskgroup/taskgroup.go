// Package taskgroup implements the Task-Group Aggregator (spec §4.2): it
// drives one Execution Plan step by step, routing each step to the Parallel
// Aggregator, a Leaf/Root Agent recursion, or a direct tool executor, and
// threading data between steps per the (a)/(b)/(c) rules.
//
// The aggregator performs no external I/O itself: every step dispatch goes
// through the injected StepDispatcher, and each step's dispatch returns
// before the next one starts. It does not call
// engine.WorkflowContext.ExecuteActivity.
package taskgroup

import (
	"context"
	"fmt"

	"github.com/taskforge/orchestrator/engine"
	"github.com/taskforge/orchestrator/orcherr"
	"github.com/taskforge/orchestrator/task"
)

type (
	// State is the Task-Group Aggregator's state machine (spec §4.2).
	State string

	// StepDispatcher routes one step to its executor and returns its
	// result, or a Resumption Record when the step reported NEED_INPUT.
	// Concrete dispatch (Parallel Aggregator / Leaf-Root Agent / tool
	// executor) is injected so this package stays free of the concrete
	// actor wiring.
	StepDispatcher interface {
		Dispatch(ctx context.Context, wfCtx engine.WorkflowContext, step task.Step, params map[string]any) (any, *task.ResumptionRecord, error)
	}

	// StepResumer is the optional extension a StepDispatcher implements
	// to forward supplied parameters directly to the Execution Worker
	// that originally raised NEED_INPUT, rather than re-threading the
	// step from scratch (spec §4.1's parameter-completion resumption
	// rule).
	StepResumer interface {
		ResumeStep(ctx context.Context, wfCtx engine.WorkflowContext, step task.Step, record task.ResumptionRecord, supplied map[string]any) (any, *task.ResumptionRecord, error)
	}

	// FailureDescriptor identifies the step that caused a FAILED
	// termination and why.
	FailureDescriptor struct {
		StepIndex int
		StepID    string
		Err       string
	}

	// Result is what Run returns to the plan's originating reply-to.
	Result struct {
		State       State
		StepResults map[string]any
		Failure     *FailureDescriptor
		// NeedInput is set when State is StateNeedInput: the Resumption
		// Record the in-flight step reported, to be persisted and
		// answered via ResumeWithAnswer.
		NeedInput *task.ResumptionRecord
	}

	// Snapshot is the serializable form of an Aggregator's in-flight
	// state, captured when a task pauses mid-plan so it can
	// resume from the same current_step_index rather than restarting.
	Snapshot struct {
		CurrentIndex   int
		StepResults    map[string]any
		PrevStepOutput any
	}

	// Aggregator holds one in-flight plan's Subtask Aggregation State
	// (spec §3): the ordered step list, current index, accumulated
	// results, and the generic prev_step_output carried between (a)-class
	// steps.
	Aggregator struct {
		Dispatcher StepDispatcher

		// PauseCheck, when set, is polled before dispatching each step.
		// A true return pauses the run: Run returns immediately with
		// State set to StatePaused and the caller should persist
		// Snapshot() to resume later via Resume.
		PauseCheck func() bool

		state          State
		plan           *task.Plan
		currentIndex   int
		stepResults    map[string]any
		prevStepOutput any
	}
)

const (
	StateIdle               State = "IDLE"
	StateRunningStep        State = "RUNNING_STEP"
	StateAwaitingStepResult State = "AWAITING_STEP_RESULT"
	StateFailed             State = "FAILED"
	StateCompleted          State = "COMPLETED"
	StatePaused             State = "PAUSED"
	// StateNeedInput marks a plan suspended mid-step because its
	// executor could not proceed without parameters only the caller can
	// supply; distinct from StatePaused, which suspends between steps on
	// an operator-issued pause signal.
	StateNeedInput State = "NEED_INPUT"
)

// NewAggregator builds an Aggregator bound to a step dispatcher, starting
// fresh at step 0.
func NewAggregator(dispatcher StepDispatcher) *Aggregator {
	return &Aggregator{Dispatcher: dispatcher, state: StateIdle}
}

// Resume rebuilds an Aggregator from a previously captured Snapshot so
// Run continues at snap.CurrentIndex instead of restarting the plan.
func Resume(dispatcher StepDispatcher, snap Snapshot) *Aggregator {
	stepResults := snap.StepResults
	if stepResults == nil {
		stepResults = make(map[string]any)
	}
	return &Aggregator{
		Dispatcher:     dispatcher,
		state:          StateRunningStep,
		currentIndex:   snap.CurrentIndex,
		stepResults:    stepResults,
		prevStepOutput: snap.PrevStepOutput,
	}
}

// Snapshot captures enough state to resume this Aggregator later via
// Resume, once it has paused (State() == StatePaused) or while idle.
func (a *Aggregator) Snapshot() Snapshot {
	return Snapshot{
		CurrentIndex:   a.currentIndex,
		StepResults:    a.stepResults,
		PrevStepOutput: a.prevStepOutput,
	}
}

// State reports the aggregator's current state machine position.
func (a *Aggregator) State() State { return a.state }

// Run drives plan to completion, honoring strict step-by-step execution
// (no two steps in-flight) and the monotonic current_step_index invariant.
func (a *Aggregator) Run(ctx context.Context, wfCtx engine.WorkflowContext, plan *task.Plan) (Result, error) {
	if a.state != StateIdle && a.state != StateRunningStep {
		return Result{}, fmt.Errorf("taskgroup: aggregator already started (state=%s)", a.state)
	}
	if plan == nil || len(plan.Steps) == 0 {
		return Result{}, orcherr.New(orcherr.KindPlanning, "taskgroup: plan has no steps")
	}

	a.plan = plan
	if a.stepResults == nil {
		a.stepResults = make(map[string]any, len(plan.Steps))
	}
	a.state = StateRunningStep

	return a.continueRun(ctx, wfCtx)
}

// ResumeWithAnswer forwards supplied parameters directly to the executor
// that raised NEED_INPUT for the currently in-flight step — bypassing the
// normal parameter-threading rules, per spec §4.1's parameter-completion
// resumption rule — then continues the plan from the following step.
func (a *Aggregator) ResumeWithAnswer(ctx context.Context, wfCtx engine.WorkflowContext, record task.ResumptionRecord, supplied map[string]any) (Result, error) {
	if a.state != StateNeedInput {
		return Result{}, fmt.Errorf("taskgroup: aggregator is not awaiting input (state=%s)", a.state)
	}
	resumer, ok := a.Dispatcher.(StepResumer)
	if !ok {
		return Result{}, fmt.Errorf("taskgroup: dispatcher does not support resuming a NEED_INPUT step")
	}
	if a.plan == nil || a.currentIndex >= len(a.plan.Steps) {
		return Result{}, fmt.Errorf("taskgroup: no in-flight step to resume")
	}
	step := a.plan.Steps[a.currentIndex]

	a.state = StateAwaitingStepResult
	result, needInput, err := resumer.ResumeStep(ctx, wfCtx, step, record, supplied)
	if err != nil {
		a.state = StateFailed
		return Result{
			State:       a.state,
			StepResults: a.stepResults,
			Failure:     &FailureDescriptor{StepIndex: a.currentIndex, StepID: stepID(step), Err: err.Error()},
		}, nil
	}
	if needInput != nil {
		a.state = StateNeedInput
		return Result{State: a.state, StepResults: a.stepResults, NeedInput: needInput}, nil
	}

	a.stepResults[stepID(step)] = result
	a.prevStepOutput = result
	a.currentIndex++
	a.state = StateRunningStep

	return a.continueRun(ctx, wfCtx)
}

// continueRun drives a.plan from a.currentIndex to completion (or the
// next pause/need-input/failure), shared by Run and ResumeWithAnswer.
func (a *Aggregator) continueRun(ctx context.Context, wfCtx engine.WorkflowContext) (Result, error) {
	for a.currentIndex < len(a.plan.Steps) {
		if a.PauseCheck != nil && a.PauseCheck() {
			a.state = StatePaused
			return Result{State: a.state, StepResults: a.stepResults}, nil
		}

		step := a.plan.Steps[a.currentIndex]

		params, err := a.threadParameters(step)
		if err != nil {
			a.state = StateFailed
			return Result{
				State:       a.state,
				StepResults: a.stepResults,
				Failure:     &FailureDescriptor{StepIndex: a.currentIndex, StepID: stepID(step), Err: err.Error()},
			}, nil
		}

		a.state = StateAwaitingStepResult
		result, needInput, err := a.Dispatcher.Dispatch(ctx, wfCtx, step, params)
		if err != nil {
			a.state = StateFailed
			return Result{
				State:       a.state,
				StepResults: a.stepResults,
				Failure:     &FailureDescriptor{StepIndex: a.currentIndex, StepID: stepID(step), Err: err.Error()},
			}, nil
		}
		if needInput != nil {
			a.state = StateNeedInput
			return Result{State: a.state, StepResults: a.stepResults, NeedInput: needInput}, nil
		}

		a.stepResults[stepID(step)] = result
		a.prevStepOutput = result
		a.currentIndex++
		a.state = StateRunningStep
	}

	a.state = StateCompleted
	return Result{State: a.state, StepResults: a.stepResults}, nil
}

// threadParameters applies the data-threading rules (a)/(b)/(c) from
// spec §4.2 to build the parameter map for step.
func (a *Aggregator) threadParameters(step task.Step) (map[string]any, error) {
	switch v := stepInstructionOrParams(step); v := v.(type) {
	case string:
		// (a): free-text instruction. Synthesize a composite prompt and
		// inject prev_step_output / _full_context for AGENT steps.
		params := map[string]any{
			"input": composePrompt(a.prevStepOutput, v),
		}
		params["prev_step_output"] = a.prevStepOutput
		if step.Class == task.ClassAgent {
			params["_full_context"] = fmt.Sprintf("%v", a.prevStepOutput)
		}
		return params, nil

	case map[string]any:
		// (b): structured map with $name references.
		out := make(map[string]any, len(v)+2)
		for k, val := range v {
			if ref, ok := symbolicRef(val); ok {
				resolved, ok := a.stepResults[ref]
				if !ok {
					return nil, fmt.Errorf("taskgroup: step references unknown prior step %q", ref)
				}
				out[k] = resolved
				continue
			}
			out[k] = val
		}
		out["prev_step_output"] = a.prevStepOutput
		if step.Class == task.ClassAgent {
			out["_full_context"] = fmt.Sprintf("%v", a.prevStepOutput)
		}
		return out, nil

	default:
		// (c): empty. Wrap any prior result as in (a); otherwise empty.
		if a.prevStepOutput != nil {
			return map[string]any{
				"input":            composePrompt(a.prevStepOutput, ""),
				"prev_step_output": a.prevStepOutput,
			}, nil
		}
		return map[string]any{}, nil
	}
}

func stepInstructionOrParams(step task.Step) any {
	if instr, ok := step.Parameters["__instruction"]; ok {
		return instr
	}
	if len(step.Parameters) == 0 {
		return nil
	}
	return step.Parameters
}

func composePrompt(prevResult any, instruction string) string {
	return fmt.Sprintf("previous step result: %v\ncurrent instruction: %s", prevResult, instruction)
}

func symbolicRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || len(s) < 2 || s[0] != '$' {
		return "", false
	}
	return s[1:], true
}

func stepID(s task.Step) string {
	if s.ID != "" {
		return s.ID
	}
	return s.Executor
}
