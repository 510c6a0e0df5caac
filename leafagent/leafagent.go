// Package leafagent implements the Leaf Agent (spec §4.5): an Agent-tree
// node bound to a concrete backend. It resolves any free-text parameter
// descriptions it was handed via the Context Resolver, hands the
// materialized parameters to an Execution Worker, and on a NEED_INPUT
// outcome returns a Resumption Record for the caller to persist so the
// pause can be resumed later.
package leafagent

import (
	"context"
	"fmt"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/agenttree"
	"github.com/taskforge/orchestrator/execworker"
	"github.com/taskforge/orchestrator/orcherr"
	"github.com/taskforge/orchestrator/task"
)

type (
	// Resolver is the subset of contextresolver.Resolver the Leaf Agent
	// depends on.
	Resolver interface {
		Resolve(ctx context.Context, originID agent.Ident, descriptions map[string]string) (map[string]task.SemanticPointer, error)
	}

	// Outcome is what Handle returns: a completed result, or a pause that
	// the caller must persist as a Resumption Record and surface as
	// NEED_INPUT.
	Outcome struct {
		Result    any
		NeedInput *task.ResumptionRecord
	}

	// Agent is a Leaf Agent; each Handle/Resume call names the Agent-tree
	// node it executes.
	Agent struct {
		Tree     agenttree.Repository
		Resolver Resolver
		Worker   *execworker.Worker

		// Address identifies this Leaf Agent instance in a Resumption
		// Record, so a later resume message can route directly to it.
		Address string
	}
)

// New builds a Leaf Agent that looks up node metadata in tree.
func New(tree agenttree.Repository, resolver Resolver, worker *execworker.Worker, address string) *Agent {
	return &Agent{Tree: tree, Resolver: resolver, Worker: worker, Address: address}
}

// Handle resolves any "$context:<description>" parameter values against
// the Agent tree, then executes nodeID's bound capability with the
// materialized parameters.
func (a *Agent) Handle(ctx context.Context, nodeID agent.Ident, params map[string]any, ancestorAggregators []string) (Outcome, error) {
	meta, err := a.Tree.GetAgentMeta(ctx, nodeID)
	if err != nil {
		return Outcome{}, orcherr.Wrap(orcherr.KindRemote, "load leaf agent metadata", err)
	}
	if !meta.IsLeaf() {
		return Outcome{}, orcherr.New(orcherr.KindRemote, fmt.Sprintf("leafagent: node %q has no backend binding", nodeID))
	}

	materialized, err := a.resolveContextualParams(ctx, nodeID, params)
	if err != nil {
		return Outcome{}, err
	}

	selector := selectorFor(meta)
	outcome, err := a.Worker.Execute(ctx, selector, meta, materialized)
	if err != nil {
		return Outcome{}, err
	}
	if len(outcome.NeedInput) > 0 {
		return Outcome{NeedInput: &task.ResumptionRecord{
			WorkerAddress:        a.Address,
			OriginalParameters:   materialized,
			Missing:              outcome.NeedInput,
			AncestorAggregators:  ancestorAggregators,
		}}, nil
	}
	return Outcome{Result: outcome.Result}, nil
}

// Resume re-dispatches a paused invocation after the caller has merged in
// the previously missing parameters.
func (a *Agent) Resume(ctx context.Context, nodeID agent.Ident, record task.ResumptionRecord, supplied map[string]any) (Outcome, error) {
	meta, err := a.Tree.GetAgentMeta(ctx, nodeID)
	if err != nil {
		return Outcome{}, orcherr.Wrap(orcherr.KindRemote, "load leaf agent metadata", err)
	}
	selector := selectorFor(meta)
	outcome, err := a.Worker.Resume(ctx, selector, meta, record, supplied)
	if err != nil {
		return Outcome{}, err
	}
	if len(outcome.NeedInput) > 0 {
		merged := make(map[string]any, len(record.OriginalParameters)+len(supplied))
		for k, v := range record.OriginalParameters {
			merged[k] = v
		}
		for k, v := range supplied {
			merged[k] = v
		}
		return Outcome{NeedInput: &task.ResumptionRecord{
			WorkerAddress:       a.Address,
			OriginalParameters:  merged,
			Missing:             outcome.NeedInput,
			AncestorAggregators: record.AncestorAggregators,
		}}, nil
	}
	return Outcome{Result: outcome.Result}, nil
}

// resolveContextualParams replaces every string parameter value prefixed
// "$context:" with its Context-Resolver-resolved description, leaving
// every other value untouched.
func (a *Agent) resolveContextualParams(ctx context.Context, nodeID agent.Ident, params map[string]any) (map[string]any, error) {
	descriptions := make(map[string]string)
	for k, v := range params {
		if s, ok := v.(string); ok {
			if desc, ok := contextDescription(s); ok {
				descriptions[k] = desc
			}
		}
	}
	if len(descriptions) == 0 || a.Resolver == nil {
		return params, nil
	}

	pointers, err := a.Resolver.Resolve(ctx, nodeID, descriptions)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		if _, wasContextual := descriptions[k]; wasContextual {
			out[k] = pointers[k].ResolvedDescription
			continue
		}
		out[k] = v
	}
	return out, nil
}

const contextPrefix = "$context:"

func contextDescription(v string) (string, bool) {
	if len(v) <= len(contextPrefix) || v[:len(contextPrefix)] != contextPrefix {
		return "", false
	}
	return v[len(contextPrefix):], true
}

// selectorFor picks the capability selector an Execution Worker's
// preflight check should validate parameters against: the bound
// capability kind when this is a built-in binding, or the node id itself
// for a named capability registered directly under that id.
func selectorFor(meta agent.Meta) string {
	switch {
	case meta.HasHTTPBinding():
		return "http:" + meta.ID.String()
	case meta.Workflow != nil:
		return "workflow:" + meta.ID.String()
	default:
		return meta.ID.String()
	}
}
