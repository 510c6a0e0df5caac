// Package rootagent implements the Root Agent (spec §4.1): the entry
// point for every inbound utterance or queue envelope. It classifies
// intent into one of five operation categories, resolves which existing
// Task (if any) the request addresses, and dispatches to the matching
// category handler. Creation of LOOP/DELAYED/SCHEDULED tasks is always
// forwarded to the Loop Scheduler; a NEED_INPUT pause deep in a plan
// becomes a user-facing clarification exchange the same way a PAUSED
// task becomes a resume exchange.
package rootagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/engine"
	"github.com/taskforge/orchestrator/eventbus"
	"github.com/taskforge/orchestrator/interrupt"
	"github.com/taskforge/orchestrator/memory"
	"github.com/taskforge/orchestrator/model"
	"github.com/taskforge/orchestrator/optimizer"
	"github.com/taskforge/orchestrator/orcherr"
	"github.com/taskforge/orchestrator/task"
	"github.com/taskforge/orchestrator/taskgroup"
	"github.com/taskforge/orchestrator/taskplanner"
)

type (
	// Intent is the closed set of operation classifications a Root Agent
	// assigns an inbound request (spec §4.1).
	Intent string

	// Category groups related Intent values under the handler that
	// processes them.
	Category string

	// Classification is the Root Agent's intent-classification outcome.
	Classification struct {
		Intent     Intent
		TaskID     string // set when the request addresses an existing task
		Confidence float64
	}

	// Request is one inbound message the Root Agent must handle, covering
	// both fresh utterances and operations against an already-tracked task.
	Request struct {
		UserID    string
		TraceID   string
		TaskPath  string
		Utterance string

		// TaskID, if non-empty, names the task this request addresses
		// (resume, pause, cancel, query, modification).
		TaskID string

		// Parameters carries modify_task_params/resume_task/revise_result
		// payloads, and a loop fire's optimized overlay for the run it
		// starts.
		Parameters map[string]any

		// IntervalSec/Cron configure a new_loop_task/new_scheduled_task
		// creation or a modify_loop_interval call.
		IntervalSec int64
		Cron        string

		// OriginalTaskID is set on a retry_task's synthesized request so
		// the new Task record can carry the lineage forward.
		OriginalTaskID string

		// LoopTaskID, set only on a request a loop fire generated, is the
		// loop task whose Optimizer state this run's outcome feeds back
		// into (spec §4.6/§4.7).
		LoopTaskID string

		// PresetTaskID, when set, fixes the TaskID/WorkflowID a new_task
		// creation uses, established by the Message Queue Listener's
		// START_TASK handling so RESUME_TASK signaling has a stable
		// address to target.
		PresetTaskID string
	}

	// LoopController is the subset of the Loop Scheduler a Root Agent
	// needs for execution-control and loop-management operations, kept
	// narrow (and duck-typed against *loopscheduler.Scheduler) so this
	// package never imports loopscheduler.
	LoopController interface {
		TriggerNow(ctx context.Context, taskID string) error
		UpdateInterval(ctx context.Context, taskID string, intervalSec int64) error
		SetPaused(ctx context.Context, taskID string, paused bool) error
		CancelLoop(ctx context.Context, taskID string) error
		ApplyOptimization(ctx context.Context, taskID string, params map[string]any)
	}

	// Agent is the Root Agent for one Agent-tree root node.
	Agent struct {
		RootID  agent.Ident
		Model   model.Client // optional; nil forces keyword classification
		Planner *taskplanner.Planner
		Store   task.Store
		Bus     *eventbus.Bus
		History memory.Source

		// NewDispatcher builds the step dispatcher a fresh Task-Group
		// Aggregator uses to route steps. Deferred to a constructor func
		// so rootagent stays decoupled from the concrete leaf/parallel
		// wiring assembled at process startup.
		NewDispatcher func() taskgroup.StepDispatcher

		// Engine starts/signals the workflow executions backing
		// ONE_TIME/LOOP/DELAYED/SCHEDULED task runs. Required by new_task,
		// execute_task, retry_task and the pause/resume signals;
		// cancel_task uses it only when set.
		Engine engine.Engine
		// Optimizer folds a loop task run's outcome back into its
		// learned parameter search (spec §4.7). Nil disables feedback.
		Optimizer *optimizer.Optimizer
		// Loop forwards loop-management and execution-control operations
		// that target a LOOP/SCHEDULED/DELAYED task's cadence.
		Loop LoopController

		// WorkflowName/TaskQueue identify the registered workflow this
		// Root Agent starts new executions against.
		WorkflowName string
		TaskQueue    string
	}

	classificationResponse struct {
		Intent     string  `json:"intent"`
		TaskID     string  `json:"task_id"`
		Confidence float64 `json:"confidence"`
	}
)

const (
	CategoryCreation         Category = "creation"
	CategoryExecutionControl Category = "execution_control"
	CategoryLoopManagement   Category = "loop_management"
	CategoryModification     Category = "modification"
	CategoryQuery            Category = "query"
)

const (
	// Creation.
	IntentNewTask          Intent = "new_task"
	IntentNewLoopTask      Intent = "new_loop_task"
	IntentNewDelayedTask   Intent = "new_delayed_task"
	IntentNewScheduledTask Intent = "new_scheduled_task"

	// Execution control.
	IntentExecuteTask     Intent = "execute_task"
	IntentTriggerLoopTask Intent = "trigger_loop_task"
	IntentPauseTask       Intent = "pause_task"
	IntentResumeTask      Intent = "resume_task"
	IntentCancelTask      Intent = "cancel_task"
	IntentRetryTask       Intent = "retry_task"

	// Loop management.
	IntentModifyLoopInterval Intent = "modify_loop_interval"
	IntentPauseLoop          Intent = "pause_loop"
	IntentResumeLoop         Intent = "resume_loop"
	IntentCancelLoop         Intent = "cancel_loop"

	// Modification.
	IntentModifyTaskParams      Intent = "modify_task_params"
	IntentReviseResult          Intent = "revise_result"
	IntentReviseProcess         Intent = "revise_process"
	IntentRollbackResult        Intent = "rollback_result"
	IntentCommentOnTask         Intent = "comment_on_task"
	IntentUpdateTaskDescription Intent = "update_task_description"

	// Query.
	IntentQueryTaskStatus  Intent = "query_task_status"
	IntentQueryTaskResult  Intent = "query_task_result"
	IntentQueryTaskHistory Intent = "query_task_history"
	IntentListTasks        Intent = "list_tasks"
)

// categoryByIntent is the closed operation taxonomy (spec §4.1): every
// Intent this package defines maps to exactly one Category.
var categoryByIntent = map[Intent]Category{
	IntentNewTask:          CategoryCreation,
	IntentNewLoopTask:      CategoryCreation,
	IntentNewDelayedTask:   CategoryCreation,
	IntentNewScheduledTask: CategoryCreation,

	IntentExecuteTask:     CategoryExecutionControl,
	IntentTriggerLoopTask: CategoryExecutionControl,
	IntentPauseTask:       CategoryExecutionControl,
	IntentResumeTask:      CategoryExecutionControl,
	IntentCancelTask:      CategoryExecutionControl,
	IntentRetryTask:       CategoryExecutionControl,

	IntentModifyLoopInterval: CategoryLoopManagement,
	IntentPauseLoop:          CategoryLoopManagement,
	IntentResumeLoop:         CategoryLoopManagement,
	IntentCancelLoop:         CategoryLoopManagement,

	IntentModifyTaskParams:      CategoryModification,
	IntentReviseResult:          CategoryModification,
	IntentReviseProcess:         CategoryModification,
	IntentRollbackResult:        CategoryModification,
	IntentCommentOnTask:         CategoryModification,
	IntentUpdateTaskDescription: CategoryModification,

	IntentQueryTaskStatus:  CategoryQuery,
	IntentQueryTaskResult:  CategoryQuery,
	IntentQueryTaskHistory: CategoryQuery,
	IntentListTasks:        CategoryQuery,
}

func categoryOf(i Intent) (Category, bool) {
	c, ok := categoryByIntent[i]
	return c, ok
}

// New builds a Root Agent. Engine/Optimizer/Loop/WorkflowName/TaskQueue
// are left zero-valued here and assigned by the caller once the rest of
// the process's actors are wired, so this constructor's signature stays
// stable for callers that only need classification.
func New(rootID agent.Ident, client model.Client, planner *taskplanner.Planner, store task.Store, bus *eventbus.Bus, history memory.Source, newDispatcher func() taskgroup.StepDispatcher) *Agent {
	return &Agent{RootID: rootID, Model: client, Planner: planner, Store: store, Bus: bus, History: history, NewDispatcher: newDispatcher}
}

// Classify determines req's intent. Explicit req.TaskID short-circuits
// to resume_task (NEED_INPUT/PAUSED) or comment_on_task (anything else)
// against that task's live status; otherwise the LLM (or, if
// unavailable, a keyword heuristic) picks from the full taxonomy.
func (a *Agent) Classify(ctx context.Context, req Request) (Classification, error) {
	if req.TaskID != "" {
		t, err := a.Store.Get(ctx, req.TaskID)
		if err != nil {
			return Classification{}, orcherr.Wrap(orcherr.KindClassification, "load addressed task", err)
		}
		switch t.Status {
		case task.StatusNeedInput, task.StatusPaused:
			return Classification{Intent: IntentResumeTask, TaskID: req.TaskID, Confidence: 1}, nil
		default:
			return Classification{Intent: IntentCommentOnTask, TaskID: req.TaskID, Confidence: 1}, nil
		}
	}

	if a.Model != nil {
		c, err := a.llmClassify(ctx, req)
		if err == nil {
			return c, nil
		}
		// Falls through to the keyword heuristic per model.ErrUnavailable
		// semantics: a model outage never blocks classification.
	}
	return a.keywordClassify(ctx, req), nil
}

const classificationSchema = `{
	"type": "object",
	"properties": {
		"intent": {"type": "string", "enum": [
			"new_task", "new_loop_task", "new_delayed_task", "new_scheduled_task",
			"execute_task", "trigger_loop_task", "pause_task", "resume_task", "cancel_task", "retry_task",
			"modify_loop_interval", "pause_loop", "resume_loop", "cancel_loop",
			"modify_task_params", "revise_result", "revise_process", "rollback_result", "comment_on_task", "update_task_description",
			"query_task_status", "query_task_result", "query_task_history", "list_tasks"
		]},
		"task_id": {"type": "string"},
		"confidence": {"type": "number"}
	},
	"required": ["intent", "confidence"]
}`

func (a *Agent) llmClassify(ctx context.Context, req Request) (Classification, error) {
	modelReq := &model.Request{
		ModelClass: model.ModelClassClassifier,
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: "Classify the user message against the closed operation taxonomy. Respond as JSON."},
			{Role: model.RoleUser, Text: req.Utterance},
		},
		ResponseSchema: []byte(classificationSchema),
	}
	var resp classificationResponse
	if err := model.CompleteJSON(ctx, a.Model, modelReq, &resp); err != nil {
		return Classification{}, err
	}
	return Classification{Intent: Intent(resp.Intent), TaskID: resp.TaskID, Confidence: resp.Confidence}, nil
}

// keywordClassify is the fallback classifier: a handful of closed-set
// trigger phrases, defaulting to new_task at low confidence otherwise
// (spec §4.1's recovery rule for KindClassification).
func (a *Agent) keywordClassify(ctx context.Context, req Request) Classification {
	lower := strings.ToLower(req.Utterance)
	switch {
	case strings.Contains(lower, "cancel") && strings.Contains(lower, "loop"):
		return Classification{Intent: IntentCancelLoop, Confidence: 0.6}
	case strings.Contains(lower, "cancel") || strings.Contains(lower, "stop"):
		return Classification{Intent: IntentCancelTask, Confidence: 0.6}
	case strings.Contains(lower, "pause") && strings.Contains(lower, "loop"):
		return Classification{Intent: IntentPauseLoop, Confidence: 0.6}
	case strings.Contains(lower, "pause"):
		return Classification{Intent: IntentPauseTask, Confidence: 0.6}
	case strings.Contains(lower, "resume") && strings.Contains(lower, "loop"):
		return Classification{Intent: IntentResumeLoop, Confidence: 0.6}
	case strings.Contains(lower, "resume"):
		return Classification{Intent: IntentResumeTask, Confidence: 0.6}
	case strings.Contains(lower, "retry"):
		return Classification{Intent: IntentRetryTask, Confidence: 0.6}
	case strings.Contains(lower, "every") || strings.Contains(lower, "recurring") || strings.Contains(lower, "repeat"):
		return Classification{Intent: IntentNewLoopTask, Confidence: 0.5}
	case strings.Contains(lower, "delay") || strings.Contains(lower, "later"):
		return Classification{Intent: IntentNewDelayedTask, Confidence: 0.5}
	case strings.Contains(lower, "schedule") || strings.Contains(lower, "cron"):
		return Classification{Intent: IntentNewScheduledTask, Confidence: 0.5}
	case strings.Contains(lower, "list") && strings.Contains(lower, "task"):
		return Classification{Intent: IntentListTasks, Confidence: 0.6}
	case strings.Contains(lower, "history"):
		return Classification{Intent: IntentQueryTaskHistory, Confidence: 0.6}
	case strings.Contains(lower, "result"):
		return Classification{Intent: IntentQueryTaskResult, Confidence: 0.6}
	case strings.Contains(lower, "status") || strings.Contains(lower, "how is") || strings.Contains(lower, "progress"):
		return Classification{Intent: IntentQueryTaskStatus, Confidence: 0.6}
	default:
		return Classification{Intent: IntentNewTask, Confidence: 0.3}
	}
}

// Handle is the single entry point for every inbound request: it
// classifies req, resolves the task it addresses (by explicit TaskID or
// by FindByReference against the addressing utterance), and dispatches
// to exactly one category handler. An intent outside the closed taxonomy
// yields a synthetic FAILED task carrying a KindClassification error
// rather than a bare error return (spec §4.1's unknown-operation rule).
func (a *Agent) Handle(ctx context.Context, req Request) (*task.Task, error) {
	c, err := a.Classify(ctx, req)
	if err != nil {
		return nil, err
	}

	cat, ok := categoryOf(c.Intent)
	if !ok {
		return a.unknownOperation(req, c)
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = c.TaskID
	}
	if cat != CategoryCreation && taskID == "" {
		if found, ok, err := a.Store.FindByReference(ctx, req.UserID, req.Utterance); err == nil && ok {
			taskID = found.TaskID
		}
	}
	req.TaskID = taskID

	switch cat {
	case CategoryCreation:
		return a.handleCreation(ctx, c.Intent, req)
	case CategoryExecutionControl:
		return a.handleExecutionControl(ctx, c.Intent, req)
	case CategoryLoopManagement:
		return a.handleLoopManagement(ctx, c.Intent, req)
	case CategoryModification:
		return a.handleModification(ctx, c.Intent, req)
	case CategoryQuery:
		return a.handleQuery(ctx, c.Intent, req)
	default:
		return a.unknownOperation(req, c)
	}
}

func (a *Agent) handleCreation(ctx context.Context, intent Intent, req Request) (*task.Task, error) {
	switch intent {
	case IntentNewTask:
		return a.startNewTaskWorkflow(ctx, req)
	case IntentNewLoopTask:
		return a.registerScheduledTask(ctx, req, task.TypeLoop)
	case IntentNewDelayedTask:
		return a.registerScheduledTask(ctx, req, task.TypeDelayed)
	case IntentNewScheduledTask:
		return a.registerScheduledTask(ctx, req, task.TypeScheduled)
	default:
		return a.unknownOperation(req, Classification{Intent: intent})
	}
}

// startNewTaskWorkflow kicks off a fresh ONE_TIME task as a new workflow
// execution. It does not create the Task record itself: HandleNewTask,
// running inside the started workflow, does that the first time it sees
// an empty req.TaskID, which keeps creation on the same code path
// execute_task reuses to re-trigger an already-CREATED task.
func (a *Agent) startNewTaskWorkflow(ctx context.Context, req Request) (*task.Task, error) {
	if a.Engine == nil {
		return nil, orcherr.New(orcherr.KindState, "rootagent: no engine wired for workflow creation")
	}
	presetID := req.PresetTaskID
	if presetID == "" {
		presetID = newTaskID(req, time.Now())
	}
	req.PresetTaskID = presetID
	if _, err := a.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        presetID,
		Workflow:  a.WorkflowName,
		TaskQueue: a.TaskQueue,
		Input:     req,
	}); err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "start new_task workflow", err)
	}
	return &task.Task{
		TaskID: presetID, TraceID: req.TraceID, TaskPath: req.TaskPath, UserID: req.UserID,
		Utterance: req.Utterance, Type: task.TypeOneTime, Status: task.StatusCreated,
		OriginalTaskID: req.OriginalTaskID,
	}, nil
}

// registerScheduledTask persists a LOOP/DELAYED/SCHEDULED task and
// leaves its cadence for the Loop Scheduler's poll loop to pick up — it
// never allocates a Task-Group Aggregator itself (spec §4.1's
// creation-forwarding rule). The Loop Scheduler's Dispatcher starts a
// fresh one-time workflow on every fire.
func (a *Agent) registerScheduledTask(ctx context.Context, req Request, typ task.Type) (*task.Task, error) {
	now := time.Now()
	var mem memory.Reader
	if a.History != nil {
		entries, err := a.History.History(ctx, req.UserID, req.TraceID)
		if err == nil {
			mem = memory.NewReader(entries)
		}
	}
	plan, err := a.Planner.Plan(ctx, a.RootID, req.Utterance, mem)
	if err != nil {
		return a.failNew(ctx, req, orcherr.Wrap(orcherr.KindPlanning, "plan scheduled task", err))
	}

	id := req.PresetTaskID
	if id == "" {
		id = newTaskID(req, now)
	}
	t := &task.Task{
		TaskID:              id,
		TraceID:             req.TraceID,
		TaskPath:            req.TaskPath,
		Type:                typ,
		Status:              task.StatusScheduled,
		UserID:              req.UserID,
		Utterance:           req.Utterance,
		Plan:                plan,
		OriginalTaskID:      req.OriginalTaskID,
		ScheduleIntervalSec: req.IntervalSec,
		ScheduleCron:        req.Cron,
		NextRunTime:         nextFireTime(req, now),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := a.Store.Create(ctx, *t); err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "create scheduled task record", err)
	}
	a.publish(ctx, eventbus.EventTaskScheduled, t)
	return t, nil
}

// nextFireTime computes a freshly registered scheduled task's first
// NextRunTime: now plus the fixed interval for an interval-driven
// LOOP/DELAYED task, or immediately for a cron-driven one — the Loop
// Scheduler's own nextRun recomputes the real cron cadence from its
// first fire onward, so this only needs to get the task onto the next
// poll tick.
func nextFireTime(req Request, now time.Time) time.Time {
	if req.IntervalSec > 0 {
		return now.Add(time.Duration(req.IntervalSec) * time.Second)
	}
	return now
}

func (a *Agent) handleExecutionControl(ctx context.Context, intent Intent, req Request) (*task.Task, error) {
	switch intent {
	case IntentExecuteTask:
		return a.executeExistingTask(ctx, req)
	case IntentTriggerLoopTask:
		return a.triggerLoopTask(ctx, req)
	case IntentPauseTask:
		return a.signalRunningTask(ctx, req, interrupt.SignalPause, interrupt.PauseRequest{TaskID: req.TaskID, RequestedBy: req.UserID})
	case IntentResumeTask:
		return a.resumeTask(ctx, req)
	case IntentCancelTask:
		return a.cancelTask(ctx, req)
	case IntentRetryTask:
		return a.retryTask(ctx, req)
	default:
		return a.unknownOperation(req, Classification{Intent: intent})
	}
}

// executeExistingTask re-triggers a CREATED/SCHEDULED task's workflow —
// the on-demand path for a task a caller registered without
// auto-starting, or a LOOP/DELAYED/SCHEDULED task's first manual run.
func (a *Agent) executeExistingTask(ctx context.Context, req Request) (*task.Task, error) {
	t, err := a.Store.Get(ctx, req.TaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "load task for execute_task", err)
	}
	if t.Status != task.StatusCreated && t.Status != task.StatusScheduled {
		return nil, orcherr.New(orcherr.KindState, fmt.Sprintf("execute_task: task %s is %s, not CREATED/SCHEDULED", t.TaskID, t.Status))
	}
	if a.Engine == nil {
		return nil, orcherr.New(orcherr.KindState, "rootagent: no engine wired for workflow creation")
	}
	workflowReq := Request{UserID: t.UserID, TraceID: t.TraceID, TaskPath: t.TaskPath, Utterance: t.Utterance, TaskID: t.TaskID}
	if _, err := a.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        t.TaskID,
		Workflow:  a.WorkflowName,
		TaskQueue: a.TaskQueue,
		Input:     workflowReq,
	}); err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "start execute_task workflow", err)
	}
	return &t, nil
}

// triggerLoopTask forces an out-of-cadence fire without disturbing the
// loop's existing NextRunTime.
func (a *Agent) triggerLoopTask(ctx context.Context, req Request) (*task.Task, error) {
	t, err := a.Store.Get(ctx, req.TaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "load task for trigger_loop_task", err)
	}
	if a.Loop == nil {
		return nil, orcherr.New(orcherr.KindState, "rootagent: no loop controller wired")
	}
	if err := a.Loop.TriggerNow(ctx, req.TaskID); err != nil {
		return nil, orcherr.Wrap(orcherr.KindRemote, "trigger_loop_task", err)
	}
	return &t, nil
}

// signalRunningTask delivers a pause/resume-family signal to the live
// workflow execution addressed by req.TaskID, erroring if the engine has
// no running execution under that id.
func (a *Agent) signalRunningTask(ctx context.Context, req Request, signalName string, payload any) (*task.Task, error) {
	t, err := a.Store.Get(ctx, req.TaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "load task for signal", err)
	}
	if a.Engine == nil {
		return nil, orcherr.New(orcherr.KindState, "rootagent: no engine wired for signaling")
	}
	h, err := a.Engine.GetWorkflowHandle(ctx, req.TaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "locate running workflow", err)
	}
	if status, err := h.Status(ctx); err == nil && !status.Live() {
		return nil, orcherr.New(orcherr.KindState, fmt.Sprintf("task %s is no longer live (%s)", req.TaskID, status))
	}
	if err := h.Signal(ctx, signalName, payload); err != nil {
		return nil, orcherr.Wrap(orcherr.KindRemote, "signal workflow", err)
	}
	return &t, nil
}

// resumeTask answers a NEED_INPUT task's missing parameters or resumes a
// plain PAUSED one, branching on the addressed task's current status so
// the caller never has to know which kind of suspension it is.
func (a *Agent) resumeTask(ctx context.Context, req Request) (*task.Task, error) {
	t, err := a.Store.Get(ctx, req.TaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "load task for resume_task", err)
	}
	switch t.Status {
	case task.StatusNeedInput:
		rec, ok, err := a.Store.LoadResumption(ctx, req.TaskID)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "load resumption record", err)
		}
		if !ok {
			return nil, orcherr.New(orcherr.KindState, fmt.Sprintf("no resumption record for task %s", req.TaskID))
		}
		return a.signalRunningTask(ctx, req, interrupt.SignalProvideClarification, interrupt.ClarificationAnswer{
			TaskID: req.TaskID, Worker: rec.WorkerAddress, Parameters: req.Parameters,
		})
	case task.StatusPaused:
		return a.signalRunningTask(ctx, req, interrupt.SignalResume, interrupt.ResumeRequest{TaskID: req.TaskID, RequestedBy: req.UserID})
	default:
		return nil, orcherr.New(orcherr.KindState, fmt.Sprintf("resume_task: task %s is %s, neither NEED_INPUT nor PAUSED", req.TaskID, t.Status))
	}
}

func (a *Agent) cancelTask(ctx context.Context, req Request) (*task.Task, error) {
	t, err := a.Store.Get(ctx, req.TaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "load task for cancel_task", err)
	}
	if t.Status.IsTerminal() {
		return &t, nil
	}
	if a.Engine != nil {
		if h, err := a.Engine.GetWorkflowHandle(ctx, req.TaskID); err == nil {
			_ = h.Cancel(ctx)
		}
	}
	if err := t.Transition(task.StatusCancelled, time.Now()); err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "transition to cancelled", err)
	}
	if err := a.Store.Update(ctx, t); err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "persist cancelled transition", err)
	}
	_ = a.Store.DeleteResumption(ctx, req.TaskID)
	if a.Optimizer != nil {
		_ = a.Optimizer.Unregister(ctx, req.TaskID)
	}
	a.publish(ctx, eventbus.EventTaskCancelled, &t)
	return &t, nil
}

// retryTask re-runs a terminal task under a fresh TaskID, carrying
// OriginalTaskID forward per the data model's terminal-state rule: a
// terminal task is never transitioned out of, only superseded.
func (a *Agent) retryTask(ctx context.Context, req Request) (*task.Task, error) {
	t, err := a.Store.Get(ctx, req.TaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "load task for retry_task", err)
	}
	if !t.Status.IsTerminal() {
		return nil, orcherr.New(orcherr.KindState, fmt.Sprintf("retry_task: task %s is %s, not terminal", t.TaskID, t.Status))
	}
	originalID := t.OriginalTaskID
	if originalID == "" {
		originalID = t.TaskID
	}
	return a.startNewTaskWorkflow(ctx, Request{
		UserID: t.UserID, TraceID: t.TraceID, TaskPath: t.TaskPath, Utterance: t.Utterance,
		OriginalTaskID: originalID,
	})
}

func (a *Agent) handleLoopManagement(ctx context.Context, intent Intent, req Request) (*task.Task, error) {
	if a.Loop == nil {
		return nil, orcherr.New(orcherr.KindState, "rootagent: no loop controller wired")
	}

	var err error
	switch intent {
	case IntentModifyLoopInterval:
		err = a.Loop.UpdateInterval(ctx, req.TaskID, req.IntervalSec)
	case IntentPauseLoop:
		err = a.Loop.SetPaused(ctx, req.TaskID, true)
	case IntentResumeLoop:
		err = a.Loop.SetPaused(ctx, req.TaskID, false)
	case IntentCancelLoop:
		if err = a.Loop.CancelLoop(ctx, req.TaskID); err == nil && a.Optimizer != nil {
			_ = a.Optimizer.Unregister(ctx, req.TaskID)
		}
	default:
		return a.unknownOperation(req, Classification{Intent: intent})
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindRemote, string(intent), err)
	}

	t, err := a.Store.Get(ctx, req.TaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "reload task after loop management", err)
	}
	if intent == IntentCancelLoop {
		_ = t.Transition(task.StatusCancelled, time.Now())
		_ = a.Store.Update(ctx, t)
		a.publish(ctx, eventbus.EventTaskCancelled, &t)
	}
	return &t, nil
}

func (a *Agent) handleModification(ctx context.Context, intent Intent, req Request) (*task.Task, error) {
	t, err := a.Store.Get(ctx, req.TaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "load task for modification", err)
	}

	switch intent {
	case IntentModifyTaskParams:
		if t.Plan != nil && len(t.Plan.Steps) > 0 {
			t.Plan.Steps[0].Parameters = mergeParams(t.Plan.Steps[0].Parameters, req.Parameters)
		}
		t.AddComment("parameters modified", req.UserID, time.Now())

	case IntentReviseResult:
		t.CorrectedResult = req.Parameters["corrected_result"]
		t.AddComment("result revised", req.UserID, time.Now())

	case IntentReviseProcess:
		var mem memory.Reader
		if a.History != nil {
			entries, herr := a.History.History(ctx, t.UserID, t.TraceID)
			if herr == nil {
				mem = memory.NewReader(entries)
			}
		}
		plan, perr := a.Planner.Plan(ctx, a.RootID, req.Utterance, mem)
		if perr != nil {
			return nil, orcherr.Wrap(orcherr.KindPlanning, "revise_process", perr)
		}
		t.Plan = plan
		t.AddComment("process revised: "+req.Utterance, req.UserID, time.Now())

	case IntentRollbackResult:
		t.Result = t.CorrectedResult
		t.CorrectedResult = nil
		t.AddComment("result rolled back", req.UserID, time.Now())

	case IntentCommentOnTask:
		if err := a.Store.AddComment(ctx, req.TaskID, req.Utterance, req.UserID); err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "comment_on_task", err)
		}
		reloaded, err := a.Store.Get(ctx, req.TaskID)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "reload task after comment", err)
		}
		return &reloaded, nil

	case IntentUpdateTaskDescription:
		t.Utterance = req.Utterance
		t.AddComment("description updated", req.UserID, time.Now())

	default:
		return a.unknownOperation(req, Classification{Intent: intent})
	}

	if err := a.Store.Update(ctx, t); err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "persist modification", err)
	}
	return &t, nil
}

func (a *Agent) handleQuery(ctx context.Context, intent Intent, req Request) (*task.Task, error) {
	switch intent {
	case IntentQueryTaskStatus, IntentQueryTaskResult, IntentQueryTaskHistory:
		t, err := a.Store.Get(ctx, req.TaskID)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, string(intent), err)
		}
		return &t, nil

	case IntentListTasks:
		tasks, err := a.Store.ListByUser(ctx, req.UserID)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "list_tasks", err)
		}
		return summarizeTaskList(req.UserID, tasks), nil

	default:
		return a.unknownOperation(req, Classification{Intent: intent})
	}
}

// summarizeTaskList packs a multi-task listing into the single *task.Task
// Handle returns, as one synthetic comment per matching task. A
// dedicated multi-task response shape would read more naturally but
// would mean threading a second return type through every Handle caller
// for the sake of this one query operation.
func summarizeTaskList(userID string, tasks []task.Task) *task.Task {
	summary := &task.Task{TaskID: "list:" + userID, UserID: userID, Status: task.StatusCompleted}
	now := time.Now()
	for _, t := range tasks {
		summary.AddComment(fmt.Sprintf("%s [%s] %s", t.TaskID, t.Status, t.Utterance), "system", now)
	}
	return summary
}

// unknownOperation produces a synthetic FAILED task carrying a
// KindClassification error: spec §4.1 requires an unrecognized operation
// type to surface as a TASK_RESULT with an error, never an uncaught
// exception.
func (a *Agent) unknownOperation(req Request, c Classification) (*task.Task, error) {
	now := time.Now()
	id := req.TaskID
	if id == "" {
		id = newTaskID(req, now)
	}
	cause := orcherr.New(orcherr.KindClassification, fmt.Sprintf("unrecognized operation %q", c.Intent))
	t := &task.Task{TaskID: id, TraceID: req.TraceID, UserID: req.UserID, Utterance: req.Utterance, Status: task.StatusFailed, CreatedAt: now, UpdatedAt: now}
	t.AddComment(cause.Error(), "system", now)
	return t, cause
}

func (a *Agent) failNew(ctx context.Context, req Request, cause error) (*task.Task, error) {
	now := time.Now()
	id := req.PresetTaskID
	if id == "" {
		id = newTaskID(req, now)
	}
	t := &task.Task{
		TaskID: id, TraceID: req.TraceID, TaskPath: req.TaskPath, UserID: req.UserID,
		Utterance: req.Utterance, Status: task.StatusFailed, CreatedAt: now, UpdatedAt: now,
	}
	t.AddComment(cause.Error(), "system", now)
	_ = a.Store.Create(ctx, *t)
	a.publish(ctx, eventbus.EventTaskFailed, t)
	return t, cause
}

// HandleNewTask is the workflow entry point bound to the engine: it
// plans (or reuses an already-planned) Task and drives it to completion
// via a fresh Task-Group Aggregator. req.TaskID empty means "create a
// new ONE_TIME task"; req.TaskID set means "re-run the already-persisted
// task at this id" (execute_task). A loop/delayed/scheduled fire arrives
// with an empty TaskID and LoopTaskID set, so it runs as a new ONE_TIME
// task.
func (a *Agent) HandleNewTask(ctx engine.WorkflowContext, req Request) (*task.Task, error) {
	now := ctx.Now()

	var t *task.Task
	if req.TaskID != "" {
		existing, err := a.Store.Get(ctx.Context(), req.TaskID)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "load existing task", err)
		}
		t = &existing
	} else {
		t = &task.Task{
			TaskID:         taskIDOrGenerate(req, now),
			TraceID:        req.TraceID,
			TaskPath:       req.TaskPath,
			Type:           task.TypeOneTime,
			Status:         task.StatusCreated,
			UserID:         req.UserID,
			Utterance:      req.Utterance,
			OriginalTaskID: req.OriginalTaskID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := a.Store.Create(ctx.Context(), *t); err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "create task record", err)
		}
		a.publish(ctx.Context(), eventbus.EventTaskCreated, t)
	}

	var mem memory.Reader
	if a.History != nil {
		entries, err := a.History.History(ctx.Context(), t.UserID, t.TraceID)
		if err == nil {
			mem = memory.NewReader(entries)
		}
	}

	if t.Plan == nil {
		plan, err := a.Planner.Plan(ctx.Context(), a.RootID, t.Utterance, mem)
		if err != nil {
			return a.fail(ctx, t, err)
		}
		t.Plan = plan
	}

	// A loop fire's optimized overlay applies only to this run, never to
	// the canonical persisted Plan.
	runPlan := t.Plan
	if len(req.Parameters) > 0 && t.Plan != nil && len(t.Plan.Steps) > 0 {
		steps := append([]task.Step(nil), t.Plan.Steps...)
		steps[0].Parameters = mergeParams(steps[0].Parameters, req.Parameters)
		runPlan = &task.Plan{Steps: steps}
	}

	if err := t.Transition(task.StatusRunning, ctx.Now()); err != nil {
		return a.fail(ctx, t, err)
	}
	if err := a.Store.Update(ctx.Context(), *t); err != nil {
		return nil, orcherr.Wrap(orcherr.KindState, "persist running transition", err)
	}
	a.publish(ctx.Context(), eventbus.EventTaskRunning, t)

	return a.drive(ctx, t, runPlan, req.LoopTaskID, now, taskgroup.NewAggregator(a.NewDispatcher()))
}

// drive runs agg against plan, then hands its outcome to handleOutcome.
func (a *Agent) drive(ctx engine.WorkflowContext, t *task.Task, plan *task.Plan, loopTaskID string, startedAt time.Time, agg *taskgroup.Aggregator) (*task.Task, error) {
	ctrl := interrupt.NewController(ctx)
	agg.PauseCheck = func() bool {
		_, paused := ctrl.PollPause()
		return paused
	}

	result, err := agg.Run(ctx.Context(), ctx, plan)
	if err != nil {
		return a.fail(ctx, t, err)
	}
	return a.handleOutcome(ctx, t, plan, loopTaskID, startedAt, ctrl, agg, result)
}

// handleOutcome handles PAUSED/NEED_INPUT/COMPLETED/FAILED outcomes,
// persisting the task's terminal state and recursing through the pause
// and clarification exchanges until the plan finally completes or fails.
func (a *Agent) handleOutcome(ctx engine.WorkflowContext, t *task.Task, plan *task.Plan, loopTaskID string, startedAt time.Time, ctrl *interrupt.Controller, agg *taskgroup.Aggregator, result taskgroup.Result) (*task.Task, error) {
	switch result.State {
	case taskgroup.StatePaused:
		if err := t.Transition(task.StatusPaused, ctx.Now()); err != nil {
			return a.fail(ctx, t, err)
		}
		if err := a.Store.SaveResumption(ctx.Context(), task.ResumptionRecord{TaskID: t.TaskID, CreatedAt: ctx.Now()}); err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "persist resumption record", err)
		}
		if err := a.Store.Update(ctx.Context(), *t); err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "persist paused transition", err)
		}
		a.publish(ctx.Context(), eventbus.EventTaskPaused, t)

		if _, err := ctrl.WaitResume(ctx.Context()); err != nil {
			return nil, err
		}
		if err := t.Transition(task.StatusRunning, ctx.Now()); err != nil {
			return a.fail(ctx, t, err)
		}
		_ = a.Store.DeleteResumption(ctx.Context(), t.TaskID)
		if err := a.Store.Update(ctx.Context(), *t); err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "persist resumed-from-pause transition", err)
		}
		a.publish(ctx.Context(), eventbus.EventTaskResumed, t)
		return a.drive(ctx, t, plan, loopTaskID, startedAt, taskgroup.Resume(a.NewDispatcher(), agg.Snapshot()))

	case taskgroup.StateNeedInput:
		if result.NeedInput == nil {
			return a.fail(ctx, t, orcherr.New(orcherr.KindState, "need_input outcome missing resumption record"))
		}
		result.NeedInput.TaskID = t.TaskID
		if err := t.Transition(task.StatusNeedInput, ctx.Now()); err != nil {
			return a.fail(ctx, t, err)
		}
		if err := a.Store.SaveResumption(ctx.Context(), *result.NeedInput); err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "persist resumption record", err)
		}
		if err := a.Store.Update(ctx.Context(), *t); err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "persist need_input transition", err)
		}
		a.publish(ctx.Context(), eventbus.EventTaskNeedInput, t)

		ans, err := ctrl.WaitProvideClarification(ctx.Context())
		if err != nil {
			return nil, err
		}
		if err := t.Transition(task.StatusRunning, ctx.Now()); err != nil {
			return a.fail(ctx, t, err)
		}
		_ = a.Store.DeleteResumption(ctx.Context(), t.TaskID)
		if err := a.Store.Update(ctx.Context(), *t); err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "persist resumed-from-need-input transition", err)
		}
		a.publish(ctx.Context(), eventbus.EventTaskResumed, t)

		resumed, err := agg.ResumeWithAnswer(ctx.Context(), ctx, *result.NeedInput, ans.Parameters)
		if err != nil {
			return a.fail(ctx, t, err)
		}
		return a.handleOutcome(ctx, t, plan, loopTaskID, startedAt, ctrl, agg, resumed)

	case taskgroup.StateFailed:
		a.recordLoopFeedback(ctx, loopTaskID, startedAt, false)
		return a.fail(ctx, t, fmt.Errorf("step %d (%s): %s", result.Failure.StepIndex, result.Failure.StepID, result.Failure.Err))

	case taskgroup.StateCompleted:
		t.Result = result.StepResults
		if err := t.Transition(task.StatusCompleted, ctx.Now()); err != nil {
			return a.fail(ctx, t, err)
		}
		if err := a.Store.Update(ctx.Context(), *t); err != nil {
			return nil, orcherr.Wrap(orcherr.KindState, "persist completed transition", err)
		}
		a.publish(ctx.Context(), eventbus.EventTaskCompleted, t)
		a.recordLoopFeedback(ctx, loopTaskID, startedAt, true)
		return t, nil

	default:
		return t, nil
	}
}

// recordLoopFeedback folds one loop task run's outcome back into the
// Optimizer, keyed by the loop task's own TaskID (distinct from the
// per-step optimizer keying a parallel step uses), and applies a
// converged search's best parameters to the loop's future fires via
// LoopController.ApplyOptimization (spec §4.6/§4.7).
func (a *Agent) recordLoopFeedback(ctx engine.WorkflowContext, loopTaskID string, startedAt time.Time, success bool) {
	if loopTaskID == "" || a.Optimizer == nil {
		return
	}
	state, ok, err := a.Optimizer.Store.Load(ctx.Context(), loopTaskID)
	if err != nil || !ok {
		return
	}
	newState, converged, err := a.Optimizer.Record(ctx.Context(), state, task.ExecutionRecord{
		Success:  success,
		Duration: ctx.Now().Sub(startedAt),
	})
	if err != nil || !converged || a.Loop == nil {
		return
	}
	a.Loop.ApplyOptimization(ctx.Context(), loopTaskID, newState.BestParams)
	if a.Bus != nil {
		a.Bus.Publish(ctx.Context(), eventbus.Event{
			Type:   eventbus.EventOptimized,
			TaskID: loopTaskID,
			Detail: map[string]any{"best_params": newState.BestParams, "best_score": newState.BestScore},
		})
	}
}

func (a *Agent) fail(ctx engine.WorkflowContext, t *task.Task, cause error) (*task.Task, error) {
	t.AddComment(cause.Error(), "system", ctx.Now())
	if t.Status.IsTerminal() {
		return t, cause
	}
	_ = t.Transition(task.StatusFailed, ctx.Now())
	_ = a.Store.Update(ctx.Context(), *t)
	a.publish(ctx.Context(), eventbus.EventTaskFailed, t)
	return t, cause
}

func (a *Agent) publish(ctx context.Context, evtType eventbus.EventType, t *task.Task) {
	if a.Bus == nil {
		return
	}
	a.Bus.Publish(ctx, eventbus.Event{Type: evtType, TaskID: t.TaskID, TraceID: t.TraceID, Status: string(t.Status)})
}

func mergeParams(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func newTaskID(req Request, now time.Time) string {
	return fmt.Sprintf("task-%s-%d", req.TraceID, now.UnixNano())
}

func taskIDOrGenerate(req Request, now time.Time) string {
	if req.PresetTaskID != "" {
		return req.PresetTaskID
	}
	return newTaskID(req, now)
}
