// Package parallelagg implements the Parallel Aggregator (spec §4.3): it
// fans a single IsParallel step out to ReplicaCount concurrent
// invocations and reduces their results with the step's Aggregation
// strategy, or — when OptimizationEnabled — runs an iterative
// optimization loop against the Optimizer instead of a single fan-out
// round.
package parallelagg

import (
	"context"
	"fmt"
	"sort"

	"github.com/taskforge/orchestrator/engine"
	"github.com/taskforge/orchestrator/orcherr"
	"github.com/taskforge/orchestrator/task"
)

type (
	// ReplicaRunner invokes one replica of a parallel step's executor
	// with the given parameters and returns its raw result.
	ReplicaRunner interface {
		RunReplica(ctx context.Context, wfCtx engine.WorkflowContext, step task.Step, params map[string]any, replicaIndex int) (any, error)
	}

	// OptimizerClient is the subset of the Optimizer's contract the
	// Parallel Aggregator needs to drive optimization mode.
	OptimizerClient interface {
		// NextTrial proposes the next parameter vector to try, given the
		// task's current OptimizerState.
		NextTrial(ctx context.Context, state task.OptimizerState) (map[string]any, error)
		// Record feeds one execution's outcome back into the state and
		// returns the updated state plus whether the search has converged.
		Record(ctx context.Context, state task.OptimizerState, rec task.ExecutionRecord) (task.OptimizerState, bool, error)
	}

	// Aggregator runs one parallel step to completion.
	Aggregator struct {
		Runner    ReplicaRunner
		Optimizer OptimizerClient

		// MaxTrials bounds optimization mode when the Optimizer never
		// reports convergence, so a misbehaving scoring function cannot
		// loop forever.
		MaxTrials int
	}
)

const defaultMaxTrials = 25

// New builds an Aggregator. maxTrials <= 0 uses defaultMaxTrials.
func New(runner ReplicaRunner, optimizer OptimizerClient, maxTrials int) *Aggregator {
	if maxTrials <= 0 {
		maxTrials = defaultMaxTrials
	}
	return &Aggregator{Runner: runner, Optimizer: optimizer, MaxTrials: maxTrials}
}

// Run executes step's parallel semantics and returns the reduced result.
func (a *Aggregator) Run(ctx context.Context, wfCtx engine.WorkflowContext, step task.Step, params map[string]any, optState *task.OptimizerState) (any, *task.OptimizerState, error) {
	if !step.IsParallel {
		return nil, nil, orcherr.New(orcherr.KindPlanning, "parallelagg: step is not marked parallel")
	}
	if step.OptimizationEnabled {
		return a.runOptimization(ctx, wfCtx, step, params, optState)
	}
	return a.runSimpleRepetition(ctx, wfCtx, step, params)
}

// runSimpleRepetition fans out ReplicaCount concurrent invocations and
// reduces them with step.Aggregation.
func (a *Aggregator) runSimpleRepetition(ctx context.Context, wfCtx engine.WorkflowContext, step task.Step, params map[string]any) (any, *task.OptimizerState, error) {
	n := step.ReplicaCount
	if n <= 0 {
		n = 1
	}

	type replicaOutcome struct {
		index  int
		result any
		err    error
	}
	resultsCh := make(chan replicaOutcome, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			result, err := a.Runner.RunReplica(ctx, wfCtx, step, params, i)
			resultsCh <- replicaOutcome{index: i, result: result, err: err}
		}()
	}

	outcomes := make([]replicaOutcome, 0, n)
	for i := 0; i < n; i++ {
		outcomes = append(outcomes, <-resultsCh)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].index < outcomes[j].index })

	results := make([]any, 0, n)
	for _, o := range outcomes {
		if o.err != nil {
			return nil, nil, orcherr.Wrap(orcherr.KindRemote, fmt.Sprintf("replica %d failed", o.index), o.err)
		}
		results = append(results, o.result)
	}

	reduced, err := Aggregate(step.Aggregation, results)
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.KindPlanning, "aggregate replica results", err)
	}
	return reduced, nil, nil
}

// runOptimization drives the iterative Optimizer loop: propose a trial,
// run one replica with it, record the outcome, repeat until the
// Optimizer converges or MaxTrials is reached.
func (a *Aggregator) runOptimization(ctx context.Context, wfCtx engine.WorkflowContext, step task.Step, params map[string]any, optState *task.OptimizerState) (any, *task.OptimizerState, error) {
	if a.Optimizer == nil {
		return nil, nil, orcherr.New(orcherr.KindPlanning, "parallelagg: optimization enabled but no optimizer configured")
	}
	state := task.OptimizerState{TaskID: stepIdentity(step)}
	if optState != nil {
		state = *optState
	}

	var lastResult any
	for trial := 0; trial < a.MaxTrials; trial++ {
		trialParams, err := a.Optimizer.NextTrial(ctx, state)
		if err != nil {
			return nil, nil, orcherr.Wrap(orcherr.KindPlanning, "optimizer propose trial", err)
		}
		merged := make(map[string]any, len(params)+len(trialParams))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range trialParams {
			merged[k] = v
		}

		result, err := a.Runner.RunReplica(ctx, wfCtx, step, merged, trial)
		rec := task.ExecutionRecord{Parameters: trialParams, Success: err == nil}
		if err != nil {
			rec.Score, rec.HasScore = 0, false
		} else {
			lastResult = result
			if score, ok := scoreOf(result); ok {
				rec.Score, rec.HasScore = score, true
			}
		}

		newState, converged, recErr := a.Optimizer.Record(ctx, state, rec)
		if recErr != nil {
			return nil, nil, orcherr.Wrap(orcherr.KindPlanning, "optimizer record outcome", recErr)
		}
		state = newState
		if converged {
			return lastResult, &state, nil
		}
	}
	return lastResult, &state, nil
}

// scoreOf extracts a numeric score from a replica result when it reports
// one under a "score" key, for feeding back into the Optimizer.
func scoreOf(result any) (float64, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return 0, false
	}
	v, ok := m["score"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Aggregate reduces results per strategy (spec §4.3).
func Aggregate(strategy task.AggregationStrategy, results []any) (any, error) {
	switch strategy {
	case "", task.AggList:
		return results, nil
	case task.AggLast:
		if len(results) == 0 {
			return nil, nil
		}
		return results[len(results)-1], nil
	case task.AggMean:
		return meanOf(results), nil
	case task.AggSum:
		sum := 0.0
		for _, r := range results {
			if n, ok := numericOf(r); ok {
				sum += n
			}
		}
		return sum, nil
	case task.AggMin:
		return extremum(results, true), nil
	case task.AggMax:
		return extremum(results, false), nil
	case task.AggMajority:
		return majorityOf(results), nil
	default:
		return nil, fmt.Errorf("parallelagg: unknown aggregation strategy %q", strategy)
	}
}

// meanOf averages the numeric results, ignoring non-numerics (per spec's
// mean-aggregation invariant).
func meanOf(results []any) float64 {
	sum, count := 0.0, 0
	for _, r := range results {
		if n, ok := numericOf(r); ok {
			sum += n
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func extremum(results []any, min bool) any {
	var best any
	var bestN float64
	haveBest := false
	for _, r := range results {
		n, ok := numericOf(r)
		if !ok {
			continue
		}
		if !haveBest || (min && n < bestN) || (!min && n > bestN) {
			best, bestN, haveBest = r, n, true
		}
	}
	return best
}

func majorityOf(results []any) any {
	counts := make(map[string]int, len(results))
	values := make(map[string]any, len(results))
	for _, r := range results {
		key := fmt.Sprintf("%v", r)
		counts[key]++
		values[key] = r
	}
	var bestKey string
	bestCount := -1
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			bestKey, bestCount = k, counts[k]
		}
	}
	return values[bestKey]
}

// stepIdentity names step for use as an OptimizerState key when the
// caller does not already have one keyed by the owning task.
func stepIdentity(step task.Step) string {
	if step.ID != "" {
		return step.ID
	}
	return step.Executor
}

func numericOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case map[string]any:
		if inner, ok := n["value"]; ok {
			return numericOf(inner)
		}
	}
	return 0, false
}
