package parallelagg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/engine"
	"github.com/taskforge/orchestrator/task"
)

func TestAggregateStrategies(t *testing.T) {
	cases := []struct {
		name     string
		strategy task.AggregationStrategy
		results  []any
		want     any
	}{
		{"list", task.AggList, []any{1, 2}, []any{1, 2}},
		{"last", task.AggLast, []any{1, 2, 3}, 3},
		{"mean", task.AggMean, []any{1.0, 2.0, 3.0, "skip"}, 2.0},
		{"sum", task.AggSum, []any{1, 2, 3}, 6.0},
		{"min", task.AggMin, []any{3, 1, 2}, 1},
		{"max", task.AggMax, []any{3, 1, 2}, 3},
		{"majority", task.AggMajority, []any{"a", "b", "a"}, "a"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Aggregate(c.strategy, c.results)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestAggregateUnknownStrategyErrors(t *testing.T) {
	_, err := Aggregate(task.AggregationStrategy("bogus"), []any{1})
	assert.Error(t, err)
}

func TestAggregateMeanIgnoresNonNumeric(t *testing.T) {
	got, err := Aggregate(task.AggMean, []any{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

type fakeRunner struct {
	calls []int
	fn    func(replicaIndex int) (any, error)
}

func (f *fakeRunner) RunReplica(_ context.Context, _ engine.WorkflowContext, _ task.Step, _ map[string]any, replicaIndex int) (any, error) {
	f.calls = append(f.calls, replicaIndex)
	if f.fn != nil {
		return f.fn(replicaIndex)
	}
	return replicaIndex, nil
}

func TestRunSimpleRepetitionFansOutAndReduces(t *testing.T) {
	runner := &fakeRunner{}
	agg := New(runner, nil, 0)
	step := task.Step{IsParallel: true, ReplicaCount: 3, Aggregation: task.AggSum}

	result, optState, err := agg.Run(context.Background(), nil, step, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Nil(t, optState)
	assert.Equal(t, 3.0, result)
	assert.Len(t, runner.calls, 3)
}

func TestRunSimpleRepetitionPropagatesReplicaError(t *testing.T) {
	runner := &fakeRunner{fn: func(i int) (any, error) {
		if i == 1 {
			return nil, assert.AnError
		}
		return i, nil
	}}
	agg := New(runner, nil, 0)
	step := task.Step{IsParallel: true, ReplicaCount: 2}

	_, _, err := agg.Run(context.Background(), nil, step, map[string]any{}, nil)
	assert.Error(t, err)
}

func TestRunRejectsNonParallelStep(t *testing.T) {
	agg := New(&fakeRunner{}, nil, 0)
	_, _, err := agg.Run(context.Background(), nil, task.Step{IsParallel: false}, map[string]any{}, nil)
	assert.Error(t, err)
}

type fakeOptimizer struct {
	trials    int
	convergeAt int
}

func (o *fakeOptimizer) NextTrial(_ context.Context, state task.OptimizerState) (map[string]any, error) {
	return map[string]any{"x": float64(state.TrialCounter)}, nil
}

func (o *fakeOptimizer) Record(_ context.Context, state task.OptimizerState, rec task.ExecutionRecord) (task.OptimizerState, bool, error) {
	state.History = append(state.History, rec)
	state.TrialCounter++
	if rec.HasScore && (state.BestScore == 0 || rec.Score > state.BestScore) {
		state.BestParams = rec.Parameters
		state.BestScore = rec.Score
	}
	o.trials++
	return state, o.trials >= o.convergeAt, nil
}

func TestRunOptimizationConvergesAndStops(t *testing.T) {
	opt := &fakeOptimizer{convergeAt: 3}
	runner := &fakeRunner{fn: func(i int) (any, error) {
		return map[string]any{"score": float64(i)}, nil
	}}
	agg := New(runner, opt, 10)
	step := task.Step{IsParallel: true, OptimizationEnabled: true}

	result, optState, err := agg.Run(context.Background(), nil, step, map[string]any{}, nil)
	require.NoError(t, err)
	require.NotNil(t, optState)
	assert.Equal(t, 3, opt.trials)
	assert.Len(t, runner.calls, 3)
	assert.NotNil(t, result)
}

func TestRunOptimizationStopsAtMaxTrials(t *testing.T) {
	opt := &fakeOptimizer{convergeAt: 1000}
	runner := &fakeRunner{}
	agg := New(runner, opt, 4)
	step := task.Step{IsParallel: true, OptimizationEnabled: true}

	_, _, err := agg.Run(context.Background(), nil, step, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Len(t, runner.calls, 4)
}

func TestRunOptimizationRequiresOptimizer(t *testing.T) {
	agg := New(&fakeRunner{}, nil, 0)
	step := task.Step{IsParallel: true, OptimizationEnabled: true}
	_, _, err := agg.Run(context.Background(), nil, step, map[string]any{}, nil)
	assert.Error(t, err)
}
