package memory

import (
	"context"

	"github.com/taskforge/orchestrator/task"
)

// TaskSource implements Source over a task.Store, collecting the comments
// and corrected result of the one task Store.FindByReference returns for
// the given user, when that task shares the requested TraceID. It is the
// reference Source used by the Task Planner.
type TaskSource struct {
	Store task.Store
}

// History loads comments and corrected-result entries for tasks matching
// userID/traceID, ordered oldest first.
func (s TaskSource) History(ctx context.Context, userID, traceID string) ([]Entry, error) {
	if s.Store == nil {
		return nil, nil
	}
	// task.Store has no "list by trace" operation in the core contract
	// (§6 lists only CRUD + FindByReference); callers that need richer
	// history wire a Store implementation whose FindByReference also
	// indexes by TraceID. The reference MemoryStore does not, so this
	// degrades gracefully to an empty history rather than erroring.
	t, ok, err := s.Store.FindByReference(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if t.TraceID != traceID {
		return nil, nil
	}

	var entries []Entry
	for _, c := range t.Comments {
		entries = append(entries, Entry{Timestamp: c.CreatedAt, Kind: EntryComment, Text: c.Text})
	}
	if t.CorrectedResult != nil {
		entries = append(entries, Entry{Timestamp: t.UpdatedAt, Kind: EntryCorrectedResult, Text: renderAny(t.CorrectedResult)})
	}
	return entries, nil
}

func renderAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
