// Package memory supplies the `memory_context` input the Task Planner
// folds into its decomposition prompt (spec §4.9): prior comments,
// corrected results, and past executions for the same user/trace, so a
// plan can account for earlier corrections instead of repeating them.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type (
	// Entry is one chronological item surfaced to the planner.
	Entry struct {
		Timestamp time.Time
		Kind      EntryKind
		Text      string
	}

	// EntryKind classifies an Entry for selective filtering.
	EntryKind string

	// Reader provides read-only, chronologically ordered access to the
	// memory entries relevant to a planning call.
	Reader interface {
		Entries() []Entry
		FilterByKind(k EntryKind) []Entry
	}

	// Source loads the raw history a Reader is built from. The task
	// package's Store already holds everything this needs (comments,
	// corrected results); Source exists so Task Planner callers depend
	// on a narrow interface instead of the full task.Store contract.
	Source interface {
		History(ctx context.Context, userID, traceID string) ([]Entry, error)
	}

	snapshot struct {
		entries []Entry
	}
)

const (
	EntryComment         EntryKind = "comment"
	EntryCorrectedResult EntryKind = "corrected_result"
	EntryPastUtterance   EntryKind = "past_utterance"
)

// NewReader wraps a pre-loaded, chronologically ordered entry list.
func NewReader(entries []Entry) Reader {
	return snapshot{entries: entries}
}

func (s snapshot) Entries() []Entry { return s.entries }

func (s snapshot) FilterByKind(k EntryKind) []Entry {
	var out []Entry
	for _, e := range s.entries {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Render folds a Reader's entries into a single text blob suitable for
// splicing into a planning prompt's memory_context slot.
func Render(r Reader) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, e := range r.Entries() {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Kind, e.Text)
	}
	return b.String()
}
