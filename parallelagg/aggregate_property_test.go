package parallelagg

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/taskforge/orchestrator/task"
)

func genMixedResults() gopter.Gen {
	return gen.SliceOf(gen.OneGenOf(
		gen.Float64Range(-1000, 1000).Map(func(f float64) any { return f }),
		gen.AlphaString().Map(func(s string) any { return s }),
	))
}

// TestAggregateMeanMatchesArithmeticMeanProperty verifies the spec
// invariant: for any Parallel Aggregator run with aggregation=mean, the
// result equals the arithmetic mean of the numeric replica results,
// ignoring non-numerics.
func TestAggregateMeanMatchesArithmeticMeanProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mean aggregation ignores non-numerics and averages the rest", prop.ForAll(
		func(results []any) bool {
			var sum float64
			var count int
			for _, r := range results {
				if f, ok := r.(float64); ok {
					sum += f
					count++
				}
			}
			expected := 0.0
			if count > 0 {
				expected = sum / float64(count)
			}

			got, err := Aggregate(task.AggMean, results)
			if err != nil {
				return false
			}
			gotF, ok := got.(float64)
			if !ok {
				return false
			}
			return floatsApproxEqual(gotF, expected)
		},
		genMixedResults(),
	))

	properties.TestingRun(t)
}

func floatsApproxEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}
