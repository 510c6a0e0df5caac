// Package interrupt implements the pause/resume signal surface every Root
// Agent and Task-Group Aggregator workflow exposes (spec §3, §4.1, §4.2). A
// Controller drains these signals inside the workflow loop so PAUSED and
// NEED_INPUT transitions can be driven externally without tearing down the
// running workflow.
package interrupt

import (
	"context"
	"errors"

	"github.com/taskforge/orchestrator/engine"
)

const (
	// SignalPause requests a running task suspend at its next safe point.
	SignalPause = "orchestrator.task.pause"
	// SignalResume resumes a task paused via SignalPause.
	SignalResume = "orchestrator.task.resume"
	// SignalProvideClarification delivers answers to the missing parameters
	// recorded in a task's Resumption Record, resuming a NEED_INPUT task.
	SignalProvideClarification = "orchestrator.task.provide_clarification"
	// SignalProvideToolResults delivers externally-produced tool results to
	// a task awaiting an out-of-band Execution Worker call.
	SignalProvideToolResults = "orchestrator.task.provide_tool_results"
)

type (
	// PauseRequest carries metadata attached to a pause signal.
	PauseRequest struct {
		TaskID      string
		Reason      string
		RequestedBy string
		Labels      map[string]string
	}

	// ResumeRequest carries metadata attached to a plain resume signal (one
	// not tied to a NEED_INPUT Resumption Record).
	ResumeRequest struct {
		TaskID      string
		Notes       string
		RequestedBy string
	}

	// ClarificationAnswer resolves a NEED_INPUT task: Parameters maps the
	// missing parameter names recorded in the Resumption Record to the
	// caller-supplied values, and Worker identifies which Resumption Record
	// this answer targets when a task has more than one outstanding.
	ClarificationAnswer struct {
		TaskID     string
		Worker     string
		Parameters map[string]any
	}

	// ToolResultsSet delivers results for an Execution Worker call that was
	// dispatched to an external system and cannot complete synchronously.
	ToolResultsSet struct {
		TaskID  string
		Worker  string
		Results map[string]any
		Err     string
	}

	// Controller drains interrupt signals for a single workflow execution.
	// It is not safe for concurrent use from more than one goroutine; each
	// workflow owns exactly one.
	Controller struct {
		pauseCh   engine.SignalChannel
		resumeCh  engine.SignalChannel
		clarifyCh engine.SignalChannel
		resultsCh engine.SignalChannel
	}
)

// NewController wires a Controller to the given workflow's signal channels.
func NewController(wfCtx engine.WorkflowContext) *Controller {
	return &Controller{
		pauseCh:   wfCtx.SignalChannel(SignalPause),
		resumeCh:  wfCtx.SignalChannel(SignalResume),
		clarifyCh: wfCtx.SignalChannel(SignalProvideClarification),
		resultsCh: wfCtx.SignalChannel(SignalProvideToolResults),
	}
}

// PollPause attempts to dequeue a pause request without blocking. Called
// between plan steps so a pause never interrupts an in-flight Execution
// Worker call.
func (c *Controller) PollPause() (PauseRequest, bool) {
	if c == nil || c.pauseCh == nil {
		return PauseRequest{}, false
	}
	var req PauseRequest
	if !c.pauseCh.ReceiveAsync(&req) {
		return PauseRequest{}, false
	}
	return req, true
}

// WaitResume blocks until a plain resume signal arrives for a PAUSED task.
func (c *Controller) WaitResume(ctx context.Context) (ResumeRequest, error) {
	if c == nil || c.resumeCh == nil {
		return ResumeRequest{}, errors.New("interrupt: resume channel unavailable")
	}
	var req ResumeRequest
	if err := c.resumeCh.Receive(ctx, &req); err != nil {
		return ResumeRequest{}, err
	}
	return req, nil
}

// WaitProvideClarification blocks until an answer to a NEED_INPUT task's
// missing parameters is delivered.
func (c *Controller) WaitProvideClarification(ctx context.Context) (ClarificationAnswer, error) {
	if c == nil || c.clarifyCh == nil {
		return ClarificationAnswer{}, errors.New("interrupt: clarification channel unavailable")
	}
	var ans ClarificationAnswer
	if err := c.clarifyCh.Receive(ctx, &ans); err != nil {
		return ClarificationAnswer{}, err
	}
	return ans, nil
}

// WaitProvideToolResults blocks until externally-produced Execution Worker
// results are delivered.
func (c *Controller) WaitProvideToolResults(ctx context.Context) (ToolResultsSet, error) {
	if c == nil || c.resultsCh == nil {
		return ToolResultsSet{}, errors.New("interrupt: results channel unavailable")
	}
	var rs ToolResultsSet
	if err := c.resultsCh.Receive(ctx, &rs); err != nil {
		return ToolResultsSet{}, err
	}
	return rs, nil
}
