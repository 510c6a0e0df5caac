// Package orcherr models the closed set of error kinds defined by spec §7
// and the propagation policy that every actor follows: surface failures as
// a terminal completion message to the reply-to address, never an
// exception crossing actor boundaries.
package orcherr

import (
	"fmt"

	"github.com/taskforge/orchestrator/toolerrors"
)

// Kind is the closed set of error kinds from spec §7.
type Kind string

const (
	// KindClassification: operation type cannot be determined. Recovered
	// locally by defaulting to new_task with low confidence; Err is still
	// attached for audit/logging.
	KindClassification Kind = "classification_error"
	// KindPlanning: planner returned no steps or inconsistent references.
	KindPlanning Kind = "planning_error"
	// KindMissingParameter: Execution Worker preflight found missing/empty
	// required parameters. Not a failure: transitions the task to
	// NEED_INPUT and creates a Resumption Record.
	KindMissingParameter Kind = "missing_parameter_error"
	// KindRemote: external call failed or timed out.
	KindRemote Kind = "remote_error"
	// KindResolution: a semantic pointer could not be resolved.
	KindResolution Kind = "resolution_error"
	// KindCycle: planner or resolver detected a loop.
	KindCycle Kind = "cycle_error"
	// KindState: invalid transition requested on a terminal task.
	KindState Kind = "state_error"
)

// Error is the concrete error value every actor constructs and attaches to
// a terminal completion. It carries the closed Kind plus a ToolError chain
// so the underlying cause survives.
type Error struct {
	Kind  Kind
	Cause *toolerrors.ToolError
}

// New builds an Error of the given kind from a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Cause: toolerrors.New(message)}
}

// Wrap builds an Error of the given kind wrapping an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Cause: toolerrors.NewWithCause(message, err)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause.Error())
}

// Unwrap supports errors.Is/As against the underlying ToolError chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Fatal reports whether this kind represents a failure that must terminate
// the containing operation (as opposed to MissingParameter, which is a
// non-error pause, or Resolution, which is non-fatal unless the field is
// strictly required).
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindMissingParameter, KindResolution:
		return false
	default:
		return true
	}
}
