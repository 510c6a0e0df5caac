// Package task defines the Task lifecycle entity, its Execution Plan, and
// the supporting records (Resumption Record, Semantic Pointer) shared by
// every actor in the orchestrator. Task is the durable unit of work; actors
// never hold authoritative state the Task record does not also reflect.
package task

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Type is the closed set of task kinds a Root Agent can create.
	Type string

	// Status is the closed set of lifecycle states a Task can occupy. A
	// task is in exactly one status at a time.
	Status string

	// Task is the durable lifecycle entity keyed by TaskID, correlated to
	// its root by TraceID, and positioned in its aggregator hierarchy by
	// TaskPath (e.g. "/0/2/1").
	Task struct {
		TaskID   string
		TraceID  string
		TaskPath string

		Type   Type
		Status Status

		UserID             string
		Utterance          string
		Plan               *Plan
		Result             any
		CorrectedResult    any
		Comments           []Comment
		OriginalTaskID     string

		// Loop-only fields; zero-valued for non-LOOP task types.
		ScheduleIntervalSec int64
		ScheduleCron        string
		NextRunTime         time.Time
		LastRunTime         time.Time
		LoopPaused          bool
		OptimizedParameters map[string]any

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Comment is an append-only annotation on a task.
	Comment struct {
		Text      string
		Author    string
		CreatedAt time.Time
	}

	// ExecutorClass distinguishes recursing into the Agent tree from
	// invoking an external connector.
	ExecutorClass string

	// Plan is the ordered Execution Plan a Task Planner produces and a
	// Task-Group Aggregator drives to completion.
	Plan struct {
		Steps []Step
	}

	// Step is one entry of a Plan. Steps execute in Seq order; Parameters
	// may reference only strictly earlier steps' outputs by symbolic name.
	Step struct {
		Seq int
		// ID is the symbolic name other steps use to reference this
		// step's output (the "$name" in a later step's Parameters) and
		// the key under which the Task-Group Aggregator stores its
		// result in step_results. Defaults to Executor when unset.
		ID         string
		Class      ExecutorClass
		Executor   string
		Parameters map[string]any

		IsParallel   bool
		ReplicaCount int
		Aggregation  AggregationStrategy

		// OptimizationEnabled/UserGoal switch a parallel step from simple
		// repetition into the Parallel Aggregator's optimization mode.
		OptimizationEnabled bool
		UserGoal            string
	}

	// AggregationStrategy is the closed set of reduction strategies the
	// Parallel Aggregator applies to simple-repetition results.
	AggregationStrategy string

	// ResumptionRecord is held for each PAUSED/NEED_INPUT task. It is
	// created when a worker reports NEED_INPUT or the task pauses between
	// steps, and deleted when the task resumes or is cancelled.
	ResumptionRecord struct {
		TaskID string

		// WorkerAddress identifies the Execution Worker (or Leaf Agent)
		// instance that reported NEED_INPUT, so a resume message can
		// reach it directly.
		WorkerAddress string

		// OriginalParameters is the fully materialized parameter set at
		// the moment of pausing, before the missing ones were supplied.
		OriginalParameters map[string]any

		// Missing lists the parameter names still required and a
		// human-readable prompt for each.
		Missing []MissingParameter

		// AncestorAggregators preserves the chain of reply-to addresses
		// so that, once resumed, the result still threads back through
		// every aggregator that was waiting on it.
		AncestorAggregators []string

		CreatedAt time.Time
	}

	// MissingParameter names one parameter the Execution Worker's
	// preflight check could not satisfy.
	MissingParameter struct {
		Name   string
		Prompt string
	}

	// SemanticPointer is the per-parameter provenance record the Context
	// Resolver attaches when it dereferences a free-text description
	// against the Agent tree.
	SemanticPointer struct {
		ParameterName       string
		OriginalDescription string
		ResolvedDescription string
		Confidence          float64
		ResolutionChain     []string
		Ambiguous           bool
	}

	// OptimizerState is the per-loop-task learning state the Optimizer
	// maintains: a dimension schema, the execution history observed so
	// far, and the best parameter vector found.
	OptimizerState struct {
		TaskID       string
		Dimensions   []Dimension
		History      []ExecutionRecord
		BestParams   map[string]any
		BestScore    float64
		TrialCounter int
	}

	// Dimension describes one tunable parameter the Optimizer searches
	// over.
	Dimension struct {
		Name string
		Kind string
	}

	// ExecutionRecord is one observation fed back to the Optimizer: the
	// parameters tried, the resulting score, how long it took, and
	// whether it succeeded.
	ExecutionRecord struct {
		Parameters map[string]any
		Score      float64
		HasScore   bool
		Duration   time.Duration
		Success    bool
	}
)

const (
	TypeOneTime   Type = "ONE_TIME"
	TypeLoop      Type = "LOOP"
	TypeDelayed   Type = "DELAYED"
	TypeScheduled Type = "SCHEDULED"
)

const (
	StatusCreated    Status = "CREATED"
	StatusScheduled  Status = "SCHEDULED"
	StatusRunning    Status = "RUNNING"
	StatusPaused     Status = "PAUSED"
	StatusNeedInput  Status = "NEED_INPUT"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusArchived   Status = "ARCHIVED"
)

const (
	ClassAgent ExecutorClass = "AGENT"
	ClassTool  ExecutorClass = "TOOL"
)

const (
	AggList     AggregationStrategy = "list"
	AggLast     AggregationStrategy = "last"
	AggMean     AggregationStrategy = "mean"
	AggMajority AggregationStrategy = "majority"
	AggSum      AggregationStrategy = "sum"
	AggMin      AggregationStrategy = "min"
	AggMax      AggregationStrategy = "max"
)

// terminalStatuses cannot be transitioned out of except via retry, which
// creates a new Task sharing OriginalTaskID.
var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// ErrTerminal is returned by CanTransition (and by callers that choose to
// surface it as an orcherr.KindState) when a transition is attempted out of
// a terminal status.
var ErrTerminal = errors.New("task: cannot transition out of a terminal status")

// IsTerminal reports whether s is COMPLETED, FAILED, or CANCELLED.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// CanTransition validates a status transition against the terminal-state
// invariant from the data model. It does not encode the full per-component
// state machines (those live with their owning actors); it only enforces
// the one rule shared by all of them.
func (t *Task) CanTransition(next Status) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrTerminal, t.TaskID, t.Status)
	}
	return nil
}

// Transition applies next to the task if CanTransition allows it, updating
// UpdatedAt.
func (t *Task) Transition(next Status, now time.Time) error {
	if err := t.CanTransition(next); err != nil {
		return err
	}
	t.Status = next
	t.UpdatedAt = now
	return nil
}

// AddComment appends an immutable comment; Comments is never edited or
// truncated in place.
func (t *Task) AddComment(text, author string, now time.Time) {
	t.Comments = append(t.Comments, Comment{Text: text, Author: author, CreatedAt: now})
}

// StepByExecutor finds the (first) step targeting the given executor id.
func (p *Plan) StepByExecutor(executor string) (Step, bool) {
	for _, s := range p.Steps {
		if s.Executor == executor {
			return s, true
		}
	}
	return Step{}, false
}

// stepID returns s.ID, defaulting to s.Executor when ID was left unset.
func (s Step) stepID() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Executor
}

// Validate checks the Plan invariants from the data model: sequence
// numbers are monotonic and a step may reference only strictly earlier
// steps by symbolic name.
func (p *Plan) Validate() error {
	seen := make(map[string]int, len(p.Steps))
	lastSeq := -1
	for _, s := range p.Steps {
		if s.Seq <= lastSeq {
			return fmt.Errorf("task: plan step sequence numbers must be strictly increasing, got %d after %d", s.Seq, lastSeq)
		}
		lastSeq = s.Seq
		for _, v := range s.Parameters {
			name, ok := symbolicRef(v)
			if !ok {
				continue
			}
			refSeq, known := seen[name]
			if !known || refSeq >= s.Seq {
				return fmt.Errorf("task: step %d references unknown or non-earlier step %q", s.Seq, name)
			}
		}
		seen[s.stepID()] = s.Seq
	}
	return nil
}

// symbolicRef reports whether v is a "$name" reference and, if so, the
// referenced name without its sigil.
func symbolicRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || len(s) < 2 || s[0] != '$' {
		return "", false
	}
	return s[1:], true
}
