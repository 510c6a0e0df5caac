// Package taskplanner implements the Task Planner (spec §4.9): it turns a
// user utterance into an Execution Plan via LLM-driven semantic
// decomposition, then structurally expands any AGENT step whose target
// belongs to a non-trivial strongly-connected dependency cluster into a
// cluster-aware, topologically sorted sequence of steps.
package taskplanner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/agenttree"
	"github.com/taskforge/orchestrator/memory"
	"github.com/taskforge/orchestrator/model"
	"github.com/taskforge/orchestrator/orcherr"
	"github.com/taskforge/orchestrator/task"
)

// Default subgraph query parameters for the structural-expansion phase's
// GetInfluencedSubgraphWithSCC call.
const (
	defaultSubgraphThreshold = 0.0
	defaultSubgraphMaxHops   = 4
)

type (
	// Planner produces Execution Plans from user utterances.
	Planner struct {
		Tree  agenttree.Repository
		Model model.Client
	}

	decompositionStep struct {
		Class       task.ExecutorClass `json:"class"`
		Executor    string             `json:"executor"`
		Instruction string             `json:"instruction"`
		Parameters  map[string]any     `json:"parameters"`
	}

	decompositionResponse struct {
		Steps []decompositionStep `json:"steps"`
	}

	clusterParamSet struct {
		NodeID     string         `json:"node_id"`
		Parameters map[string]any `json:"parameters"`
	}

	clusterResponse struct {
		Nodes []clusterParamSet `json:"nodes"`
	}
)

// New builds a Planner.
func New(tree agenttree.Repository, client model.Client) *Planner {
	return &Planner{Tree: tree, Model: client}
}

// Plan runs both phases and returns a validated, non-empty Execution Plan.
// A degenerate utterance (or total decomposition failure) still returns a
// single-step fallback plan targeting targetAgentID.
func (p *Planner) Plan(ctx context.Context, targetAgentID agent.Ident, utterance string, mem memory.Reader) (*task.Plan, error) {
	steps, err := p.decompose(ctx, targetAgentID, utterance, mem)
	if err != nil || len(steps) == 0 {
		steps = []decompositionStep{{
			Class:       task.ClassAgent,
			Executor:    targetAgentID.String(),
			Instruction: utterance,
		}}
	}

	plan, err := p.expandStructurally(ctx, steps)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, orcherr.Wrap(orcherr.KindPlanning, "plan failed validation", err)
	}
	return plan, nil
}

// decompose asks the LLM for an ordered step list, restricting the
// AGENT-class candidate set to targetAgentID's direct children; anything
// outside this set must be classed TOOL.
func (p *Planner) decompose(ctx context.Context, targetAgentID agent.Ident, utterance string, mem memory.Reader) ([]decompositionStep, error) {
	if p.Model == nil {
		return nil, orcherr.New(orcherr.KindPlanning, "no model client configured for decomposition")
	}
	children, err := p.Tree.GetChildren(ctx, targetAgentID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindPlanning, "list candidate agents", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n\n", utterance)
	if r := memory.Render(mem); r != "" {
		fmt.Fprintf(&b, "Prior context:\n%s\n\n", r)
	}
	b.WriteString("Candidate AGENT-class targets (anything else must be TOOL):\n")
	for _, id := range children {
		meta, err := p.Tree.GetAgentMeta(ctx, id)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindPlanning, "load candidate agent metadata", err)
		}
		fmt.Fprintf(&b, "- id=%s name=%s capability=%s\n", id, meta.Name, meta.Capability)
	}

	req := &model.Request{
		ModelClass: model.ModelClassPlanner,
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: "Decompose the request into an ordered list of steps. Respond as JSON matching the schema."},
			{Role: model.RoleUser, Text: b.String()},
		},
		ResponseSchema: []byte(`{
			"type": "object",
			"properties": {
				"steps": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"class": {"type": "string", "enum": ["AGENT", "TOOL"]},
							"executor": {"type": "string"},
							"instruction": {"type": "string"},
							"parameters": {"type": "object"}
						},
						"required": ["class", "executor"]
					}
				}
			},
			"required": ["steps"]
		}`),
	}
	var resp decompositionResponse
	if err := model.CompleteJSON(ctx, p.Model, req, &resp); err != nil {
		return nil, orcherr.Wrap(orcherr.KindPlanning, "decomposition call failed", err)
	}
	return resp.Steps, nil
}

// expandStructurally replaces each AGENT step whose target node belongs
// to a non-trivial SCC with the cluster's coordinated, topologically
// sorted step sequence, then assigns final monotonic sequence numbers.
func (p *Planner) expandStructurally(ctx context.Context, steps []decompositionStep) (*task.Plan, error) {
	plan := &task.Plan{}
	seq := 0

	for _, s := range steps {
		if s.Class != task.ClassAgent {
			plan.Steps = append(plan.Steps, task.Step{
				Seq: seq, ID: s.Executor, Class: s.Class, Executor: s.Executor, Parameters: s.Parameters,
			})
			seq++
			continue
		}

		meta, err := p.Tree.GetAgentMeta(ctx, agent.Ident(s.Executor))
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindPlanning, fmt.Sprintf("load metadata for step target %q", s.Executor), err)
		}
		if meta.SCCID == "" {
			plan.Steps = append(plan.Steps, task.Step{
				Seq: seq, ID: s.Executor, Class: task.ClassAgent, Executor: s.Executor, Parameters: s.Parameters,
			})
			seq++
			continue
		}

		clusterSteps, err := p.coordinatedClusterSteps(ctx, agent.Ident(s.Executor), s.Instruction)
		if err != nil {
			return nil, err
		}
		if len(clusterSteps) <= 1 {
			// Trivial (size-1) cluster: treat as a normal single step.
			plan.Steps = append(plan.Steps, task.Step{
				Seq: seq, ID: s.Executor, Class: task.ClassAgent, Executor: s.Executor, Parameters: s.Parameters,
			})
			seq++
			continue
		}
		for _, cs := range clusterSteps {
			cs.Seq = seq
			plan.Steps = append(plan.Steps, cs)
			seq++
		}
	}
	return plan, nil
}

// coordinatedClusterSteps fetches the full SCC containing nodeID, asks
// the LLM for per-node parameter sets subject to shared constraints, and
// orders the cluster's members with topologicalOrder.
func (p *Planner) coordinatedClusterSteps(ctx context.Context, nodeID agent.Ident, instruction string) ([]task.Step, error) {
	sg, err := p.Tree.GetInfluencedSubgraphWithSCC(ctx, nodeID, defaultSubgraphThreshold, defaultSubgraphMaxHops)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindPlanning, "fetch influenced subgraph", err)
	}

	clusterID := ""
	for _, n := range sg.Nodes {
		if n.ID == nodeID && n.Properties.SCCID != "" {
			clusterID = n.Properties.SCCID
		}
	}
	if clusterID == "" {
		return nil, nil
	}

	var members []agenttree.SubgraphNode
	for _, n := range sg.Nodes {
		if n.Properties.SCCID == clusterID {
			members = append(members, n)
		}
	}
	if len(members) <= 1 {
		return nil, nil
	}

	order, err := topologicalOrder(members, sg.Edges, clusterID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindCycle, "linearize SCC condensation", err)
	}

	paramsByNode, err := p.coordinatedParameters(ctx, order, instruction)
	if err != nil {
		return nil, err
	}

	steps := make([]task.Step, 0, len(order))
	for _, id := range order {
		steps = append(steps, task.Step{
			ID:       id.String(),
			Class:    task.ClassAgent,
			Executor: id.String(),
			Parameters: paramsByNode[id.String()],
		})
	}
	return steps, nil
}

// coordinatedParameters asks the LLM to produce consistent per-node
// parameter sets subject to shared constraints (uniform output format,
// common thresholds) across the cluster's members.
func (p *Planner) coordinatedParameters(ctx context.Context, order []agent.Ident, instruction string) (map[string]map[string]any, error) {
	if p.Model == nil {
		return map[string]map[string]any{}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Instruction: %s\n\nThese nodes form a coordinated dependency cluster and must share uniform output format and common thresholds:\n", instruction)
	for _, id := range order {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	req := &model.Request{
		ModelClass: model.ModelClassPlanner,
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: "Produce consistent per-node parameter sets. Respond as JSON matching the schema."},
			{Role: model.RoleUser, Text: b.String()},
		},
		ResponseSchema: []byte(`{
			"type": "object",
			"properties": {
				"nodes": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"node_id": {"type": "string"},
							"parameters": {"type": "object"}
						},
						"required": ["node_id"]
					}
				}
			},
			"required": ["nodes"]
		}`),
	}
	var resp clusterResponse
	if err := model.CompleteJSON(ctx, p.Model, req, &resp); err != nil {
		return map[string]map[string]any{}, nil
	}
	out := make(map[string]map[string]any, len(resp.Nodes))
	for _, n := range resp.Nodes {
		out[n.NodeID] = n.Parameters
	}
	return out, nil
}

// topologicalOrder runs Kahn's algorithm over the members of clusterID,
// using edges between those members as the partial order. Ties among
// ready members are broken by id; edge weights do not affect the order.
// A cycle among the members is reported as an error.
func topologicalOrder(members []agenttree.SubgraphNode, edges []agenttree.SubgraphEdge, clusterID string) ([]agent.Ident, error) {
	inCluster := make(map[agent.Ident]bool, len(members))
	for _, m := range members {
		inCluster[m.ID] = true
	}

	type edgeWeight struct {
		to     agent.Ident
		weight float64
	}
	adj := make(map[agent.Ident][]edgeWeight)
	indegree := make(map[agent.Ident]int)
	for _, m := range members {
		indegree[m.ID] = 0
	}
	for _, e := range edges {
		if inCluster[e.From] && inCluster[e.To] && e.From != e.To {
			adj[e.From] = append(adj[e.From], edgeWeight{to: e.To, weight: e.Weight})
			indegree[e.To]++
		}
	}

	var ready []agent.Ident
	for _, m := range members {
		if indegree[m.ID] == 0 {
			ready = append(ready, m.ID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var order []agent.Ident
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		next := adj[n]
		sort.Slice(next, func(i, j int) bool {
			if next[i].weight != next[j].weight {
				return next[i].weight > next[j].weight
			}
			return next[i].to < next[j].to
		})
		for _, e := range next {
			indegree[e.to]--
			if indegree[e.to] == 0 {
				ready = append(ready, e.to)
			}
		}
	}

	if len(order) != len(members) {
		return nil, fmt.Errorf("taskplanner: SCC condensation %q did not linearize cleanly", clusterID)
	}
	return order, nil
}
