// Package engine abstracts workflow registration and durable execution so
// adapters (Temporal, in-memory, or any future custom engine) can be
// swapped without touching Root Agent / Task-Group Aggregator / Parallel
// Aggregator code. It is the spec §5 concurrency model made concrete: each
// actor is a workflow or activity running against this interface, never
// against a specific backend.
package engine

import (
	"context"
	"time"

	"github.com/taskforge/orchestrator/telemetry"
)

type (
	// Engine registers workflow/activity definitions and starts executions.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Call during
		// initialization, before starting workers. Returns an error if the
		// name is already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition. Activities are
		// short-lived tasks invoked from workflows; this is where Execution
		// Worker calls are scheduled so aggregator actors never block on I/O
		// (spec §5).
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. req.ID must be unique for the
		// engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// GetWorkflowHandle looks up a handle to a workflow execution
		// started earlier by id, so a caller outside that execution's own
		// call frame (the Message Queue Listener handling a RESUME_TASK
		// envelope, or an execution-control operation) can deliver a
		// signal to it. Returns an error if the engine has no (or no
		// longer has a) record of id.
		GetWorkflowHandle(ctx context.Context, id string) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is a registered workflow entry point. It must be
	// deterministic: given the same inputs and activity results it must
	// produce the same execution sequence on replay.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to workflow handlers.
	//
	// Thread-safety: bound to a single workflow execution, never shared
	// across goroutines.
	//
	// Lifecycle: created when a workflow starts, valid until it completes.
	WorkflowContext interface {
		// Context returns the Go context for the workflow.
		Context() context.Context
		// WorkflowID returns this workflow execution's unique identifier.
		WorkflowID() string
		// RunID returns the engine-assigned run identifier.
		RunID() string
		// ExecuteActivity schedules an activity and blocks for its result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		// ExecuteActivityAsync schedules an activity without blocking,
		// returning a Future resolved later via Get(). No actor in this
		// module calls it; the Parallel Aggregator fans replicas out on
		// goroutines.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)
		// SignalChannel returns a channel for the given signal name. Used by
		// the interrupt Controller to implement pause/resume.
		SignalChannel(name string) SignalChannel
		// Logger returns a logger scoped to this workflow execution.
		Logger() telemetry.Logger
		// Metrics returns a metrics recorder scoped to this execution.
		Metrics() telemetry.Metrics
		// Tracer returns a tracer for spans within the workflow.
		Tracer() telemetry.Tracer
		// Now returns the current workflow time in a replay-safe manner.
		Now() time.Time
	}

	// Future represents a pending activity result.
	//
	// Thread-safety: bound to a single workflow execution.
	// Calling Get multiple times is safe and returns the same result/error.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with optional
	// defaults. Activities are stateless and may perform I/O.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles an activity invocation.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		ID               string
		Workflow         string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest contains the info needed to schedule an activity.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, populating result.
		Wait(ctx context.Context, result any) error
		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
		// Status reports the current run status as tracked by the engine,
		// used by the Resumption Record liveness check (SPEC_FULL §F.3).
		Status(ctx context.Context) (RunStatus, error)
	}

	// RunStatus is the engine-observed lifecycle state of a workflow run.
	RunStatus string

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes workflow signal delivery in an engine-agnostic
	// way.
	SignalChannel interface {
		// Receive blocks until a signal value is delivered and decodes it
		// into dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync(dest any) bool
	}
)

const (
	// RunStatusRunning indicates the workflow is actively executing or paused
	// awaiting a signal (both are "live" for liveness-check purposes).
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was canceled.
	RunStatusCanceled RunStatus = "canceled"
	// RunStatusUnknown indicates the engine has no record of the run (e.g.
	// after a restart that lost in-memory state).
	RunStatusUnknown RunStatus = "unknown"
)

// Live reports whether a signal delivered to a run in this status could
// still reach a listening workflow.
func (s RunStatus) Live() bool {
	return s == RunStatusRunning
}
