package task

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genStatus() gopter.Gen {
	return gen.OneConstOf(
		StatusCreated, StatusScheduled, StatusRunning, StatusPaused,
		StatusNeedInput, StatusCompleted, StatusFailed, StatusCancelled, StatusArchived,
	)
}

// TestTaskTransitionNeverLeavesTerminalStatusProperty verifies the status
// DAG invariant from the data model: once a task reaches a terminal status
// (COMPLETED, FAILED, CANCELLED) no further transition is ever accepted,
// regardless of which status is attempted next.
func TestTaskTransitionNeverLeavesTerminalStatusProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal statuses reject every transition attempt", prop.ForAll(
		func(start, next Status) bool {
			tk := &Task{TaskID: "t", Status: start, UpdatedAt: time.Unix(0, 0)}
			before := tk.UpdatedAt
			err := tk.Transition(next, time.Unix(100, 0))

			if start.IsTerminal() {
				return err != nil && tk.Status == start && tk.UpdatedAt.Equal(before)
			}
			return err == nil && tk.Status == next && tk.UpdatedAt.Equal(time.Unix(100, 0))
		},
		genStatus(), genStatus(),
	))

	properties.TestingRun(t)
}

// TestTaskStatusReadAfterCommitProperty verifies the round-trip law: a
// status read back from the store after a commit equals the last status
// written, for any sequence of non-terminal transitions.
func TestTaskStatusReadAfterCommitProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("store read reflects last committed status", prop.ForAll(
		func(sequence []Status) bool {
			store := NewMemoryStore()
			now := time.Now()
			tk := Task{TaskID: "t-1", Status: StatusCreated, CreatedAt: now, UpdatedAt: now}
			if err := store.Create(context.Background(), tk); err != nil {
				return false
			}

			last := StatusCreated
			for _, s := range sequence {
				got, err := store.Get(context.Background(), "t-1")
				if err != nil {
					return false
				}
				if got.Status.IsTerminal() {
					break
				}
				got.Status = s
				if err := store.Update(context.Background(), got); err != nil {
					return false
				}
				last = s
			}

			got, err := store.Get(context.Background(), "t-1")
			if err != nil {
				return false
			}
			return got.Status == last
		},
		gen.SliceOfN(5, genStatus()),
	))

	properties.TestingRun(t)
}
