package taskgroup

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/taskforge/orchestrator/task"
)

func genPlanOfToolSteps() gopter.Gen {
	return gen.IntRange(1, 8).Map(func(n int) *task.Plan {
		steps := make([]task.Step, n)
		for i := 0; i < n; i++ {
			steps[i] = task.Step{Seq: i, Executor: fmt.Sprintf("step.%d", i), Class: task.ClassTool}
		}
		return &task.Plan{Steps: steps}
	})
}

// TestRunDispatchesStepsInSeqOrderProperty verifies the spec invariant that
// for any plan and any steps i<j, step j never starts before step i
// completes: the dispatcher always observes calls in exactly Seq order.
func TestRunDispatchesStepsInSeqOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("dispatch order matches plan Seq order", prop.ForAll(
		func(plan *task.Plan) bool {
			d := &recordingDispatcher{}
			agg := NewAggregator(d)

			result, err := agg.Run(context.Background(), testWorkflowContext(t), plan)
			if err != nil || result.State != StateCompleted {
				return false
			}
			if len(d.calls) != len(plan.Steps) {
				return false
			}
			for i, call := range d.calls {
				if call.Executor != plan.Steps[i].Executor {
					return false
				}
			}
			return true
		},
		genPlanOfToolSteps(),
	))

	properties.TestingRun(t)
}
