// Package agenttree defines the read-only contract core components use to
// query the Agent tree repository (spec §6). The repository itself is an
// external collaborator (out of scope per spec §1); this package only
// defines the interface and a ready-to-use in-memory implementation for
// tests and local development, grounded on the teacher's in-memory
// registry store pattern (mutex-guarded maps, ctx.Done checks).
package agenttree

import (
	"context"
	"errors"
	"sync"

	"github.com/taskforge/orchestrator/agent"
)

// ErrNotFound indicates the requested node does not exist in the tree.
var ErrNotFound = errors.New("agenttree: node not found")

type (
	// SubgraphNode is one node in an influenced subgraph (spec §6,
	// get_influenced_subgraph_with_scc).
	SubgraphNode struct {
		ID         agent.Ident
		Properties agent.Meta
	}

	// SubgraphEdge is a weighted dependency edge in an influenced subgraph.
	SubgraphEdge struct {
		From   agent.Ident
		To     agent.Ident
		Weight float64
	}

	// Subgraph is the result of an influenced-subgraph query, used by the
	// Task Planner's structural-expansion phase (spec §4.9) to discover
	// strongly-connected clusters that must be planned together.
	Subgraph struct {
		Nodes []SubgraphNode
		Edges []SubgraphEdge
	}

	// Repository is the read-only contract core components use to navigate
	// the Agent tree (spec §6). Implementations must be safe for concurrent
	// use; multiple actors query the tree independently.
	Repository interface {
		// GetChildren returns the direct children of node, or the root layer
		// when node is empty.
		GetChildren(ctx context.Context, node agent.Ident) ([]agent.Ident, error)
		// GetParent returns the parent of node, or "" if node is a root.
		GetParent(ctx context.Context, node agent.Ident) (agent.Ident, error)
		// GetAgentMeta returns the metadata record for node.
		GetAgentMeta(ctx context.Context, node agent.Ident) (agent.Meta, error)
		// IsLeafAgent reports whether node has no children (is bound to a backend).
		IsLeafAgent(ctx context.Context, node agent.Ident) (bool, error)
		// GetRootAgents returns every root-level node id.
		GetRootAgents(ctx context.Context) ([]agent.Ident, error)
		// GetInfluencedSubgraphWithSCC returns the dependency subgraph rooted at
		// root, limited to edges at or above threshold and max_hops away,
		// annotated with strongly-connected component membership via each
		// node's Meta.SCCID.
		GetInfluencedSubgraphWithSCC(ctx context.Context, root agent.Ident, threshold float64, maxHops int) (Subgraph, error)
	}

	// Memory is an in-memory Repository implementation for tests and local
	// development. It is safe for concurrent use.
	Memory struct {
		mu       sync.RWMutex
		nodes    map[agent.Ident]agent.Meta
		parent   map[agent.Ident]agent.Ident
		children map[agent.Ident][]agent.Ident
		roots    []agent.Ident
		edges    []SubgraphEdge
	}
)

// NewMemory constructs an empty in-memory Repository.
func NewMemory() *Memory {
	return &Memory{
		nodes:    make(map[agent.Ident]agent.Meta),
		parent:   make(map[agent.Ident]agent.Ident),
		children: make(map[agent.Ident][]agent.Ident),
	}
}

var _ Repository = (*Memory)(nil)

// AddNode inserts or replaces a node. When parent is empty the node is
// treated as a root.
func (m *Memory) AddNode(meta agent.Meta, parent agent.Ident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[meta.ID] = meta
	if parent == "" {
		m.roots = append(m.roots, meta.ID)
		return
	}
	m.parent[meta.ID] = parent
	m.children[parent] = append(m.children[parent], meta.ID)
}

// AddEdge records a weighted dependency edge used by subgraph queries.
func (m *Memory) AddEdge(from, to agent.Ident, weight float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, SubgraphEdge{From: from, To: to, Weight: weight})
}

func (m *Memory) GetChildren(ctx context.Context, node agent.Ident) ([]agent.Ident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if node == "" {
		out := make([]agent.Ident, len(m.roots))
		copy(out, m.roots)
		return out, nil
	}
	kids := m.children[node]
	out := make([]agent.Ident, len(kids))
	copy(out, kids)
	return out, nil
}

func (m *Memory) GetParent(ctx context.Context, node agent.Ident) (agent.Ident, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parent[node], nil
}

func (m *Memory) GetAgentMeta(ctx context.Context, node agent.Ident) (agent.Meta, error) {
	if err := ctx.Err(); err != nil {
		return agent.Meta{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.nodes[node]
	if !ok {
		return agent.Meta{}, ErrNotFound
	}
	return meta, nil
}

func (m *Memory) IsLeafAgent(ctx context.Context, node agent.Ident) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.children[node]) == 0, nil
}

func (m *Memory) GetRootAgents(ctx context.Context) ([]agent.Ident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]agent.Ident, len(m.roots))
	copy(out, m.roots)
	return out, nil
}

// GetInfluencedSubgraphWithSCC performs a bounded BFS from root over the
// recorded edges, annotating nodes with their Meta. threshold filters edges
// by weight; maxHops bounds traversal depth.
func (m *Memory) GetInfluencedSubgraphWithSCC(ctx context.Context, root agent.Ident, threshold float64, maxHops int) (Subgraph, error) {
	if err := ctx.Err(); err != nil {
		return Subgraph{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type frontierEntry struct {
		id   agent.Ident
		hops int
	}
	visited := map[agent.Ident]bool{root: true}
	var out Subgraph
	if meta, ok := m.nodes[root]; ok {
		out.Nodes = append(out.Nodes, SubgraphNode{ID: root, Properties: meta})
	}
	frontier := []frontierEntry{{id: root, hops: 0}}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur.hops >= maxHops {
			continue
		}
		for _, e := range m.edges {
			if e.From != cur.id || e.Weight < threshold {
				continue
			}
			out.Edges = append(out.Edges, e)
			if visited[e.To] {
				continue
			}
			visited[e.To] = true
			if meta, ok := m.nodes[e.To]; ok {
				out.Nodes = append(out.Nodes, SubgraphNode{ID: e.To, Properties: meta})
			}
			frontier = append(frontier, frontierEntry{id: e.To, hops: cur.hops + 1})
		}
	}
	return out, nil
}
