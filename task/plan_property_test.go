package task

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genStep() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 50),
		gen.Identifier(),
		gen.OneConstOf(ClassAgent, ClassTool),
		gen.Identifier(),
	).Map(func(vs []any) Step {
		return Step{
			Seq:      vs[0].(int),
			ID:       vs[1].(string),
			Class:    vs[2].(ExecutorClass),
			Executor: vs[3].(string),
		}
	})
}

func genPlan() gopter.Gen {
	return gen.SliceOfN(4, genStep()).Map(func(steps []Step) Plan {
		for i := range steps {
			steps[i].Seq = i
		}
		return Plan{Steps: steps}
	})
}

// TestPlanSerializeRoundTripProperty verifies the round-trip law:
// serialize(plan) -> deserialize -> serialize is the identity.
func TestPlanSerializeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("marshal . unmarshal . marshal == marshal", prop.ForAll(
		func(p Plan) bool {
			first, err := json.Marshal(p)
			if err != nil {
				return false
			}
			var roundTripped Plan
			if err := json.Unmarshal(first, &roundTripped); err != nil {
				return false
			}
			second, err := json.Marshal(roundTripped)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(first, second) && reflect.DeepEqual(p, roundTripped)
		},
		genPlan(),
	))

	properties.TestingRun(t)
}

// TestPlanValidateAcceptsMonotonicSequenceProperty verifies that any plan
// built with strictly increasing Seq numbers and no forward/self
// references passes Validate.
func TestPlanValidateAcceptsMonotonicSequenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("monotonic Seq with no symbolic references validates", prop.ForAll(
		func(p Plan) bool {
			return p.Validate() == nil
		},
		genPlan(),
	))

	properties.TestingRun(t)
}

// TestPlanValidateRejectsNonMonotonicSequenceProperty verifies the other
// side of the invariant: reversing a plan of 2+ distinct-Seq steps always
// breaks the strictly-increasing requirement.
func TestPlanValidateRejectsNonMonotonicSequenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("reversing a monotonic plan of 2+ steps invalidates it", prop.ForAll(
		func(p Plan) bool {
			if len(p.Steps) < 2 {
				return true
			}
			reversed := make([]Step, len(p.Steps))
			for i, s := range p.Steps {
				reversed[len(p.Steps)-1-i] = s
			}
			return Plan{Steps: reversed}.Validate() != nil
		},
		genPlan(),
	))

	properties.TestingRun(t)
}
