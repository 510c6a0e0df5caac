// Package contextresolver implements the Context Resolver (spec §4.8):
// given free-text parameter descriptions and the originating Agent node,
// it dereferences each description against the Agent tree and returns a
// Semantic Pointer recording how (and how confidently) it was resolved.
package contextresolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/agenttree"
	"github.com/taskforge/orchestrator/model"
	"github.com/taskforge/orchestrator/orcherr"
	"github.com/taskforge/orchestrator/task"
)

// ambiguityEpsilon bounds how close two candidates' keyword scores must be
// before a match is flagged ambiguous.
const ambiguityEpsilon = 0.05

type (
	// Resolver resolves a dictionary of {param_name -> description}
	// against the Agent tree rooted at an originating node.
	Resolver struct {
		Tree       agenttree.Repository
		Model      model.Client // optional; nil falls back to keyword match
	}

	layerSignature struct {
		parent agent.Ident
	}
)

// New builds a Resolver. Model may be nil to force keyword-only matching.
func New(tree agenttree.Repository, client model.Client) *Resolver {
	return &Resolver{Tree: tree, Model: client}
}

// Resolve dereferences every entry in descriptions against the tree,
// starting the search at originID's parent, and returns one Semantic
// Pointer per parameter.
func (r *Resolver) Resolve(ctx context.Context, originID agent.Ident, descriptions map[string]string) (map[string]task.SemanticPointer, error) {
	out := make(map[string]task.SemanticPointer, len(descriptions))
	for name, desc := range descriptions {
		ptr, err := r.resolveOne(ctx, originID, name, desc)
		if err != nil {
			return nil, err
		}
		out[name] = ptr
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, originID agent.Ident, paramName, description string) (task.SemanticPointer, error) {
	parent, err := r.Tree.GetParent(ctx, originID)
	if err != nil {
		return task.SemanticPointer{}, orcherr.Wrap(orcherr.KindResolution, "lookup origin parent", err)
	}

	visited := make(map[layerSignature]bool)
	chain := []string{}

	for {
		sig := layerSignature{parent: parent}
		if visited[sig] {
			return task.SemanticPointer{}, orcherr.New(orcherr.KindCycle, fmt.Sprintf("context resolver cycle for parameter %q", paramName))
		}
		visited[sig] = true

		var layer []agent.Ident
		if parent.Empty() {
			layer, err = r.Tree.GetRootAgents(ctx)
		} else {
			layer, err = r.Tree.GetChildren(ctx, parent)
		}
		if err != nil {
			return task.SemanticPointer{}, orcherr.Wrap(orcherr.KindResolution, "list candidate layer", err)
		}

		matchID, confidence, ambiguous, err := r.matchLayer(ctx, layer, description)
		if err != nil {
			return task.SemanticPointer{}, err
		}

		if !matchID.Empty() {
			chain = append(chain, matchID.String())
			isLeaf, err := r.Tree.IsLeafAgent(ctx, matchID)
			if err != nil {
				return task.SemanticPointer{}, orcherr.Wrap(orcherr.KindResolution, "check leaf status", err)
			}
			if isLeaf {
				meta, err := r.Tree.GetAgentMeta(ctx, matchID)
				if err != nil {
					return task.SemanticPointer{}, orcherr.Wrap(orcherr.KindResolution, "load matched node metadata", err)
				}
				return task.SemanticPointer{
					ParameterName:       paramName,
					OriginalDescription: description,
					ResolvedDescription: resolvedDescriptor(meta),
					Confidence:          confidence,
					ResolutionChain:     chain,
					Ambiguous:           ambiguous,
				}, nil
			}
			parent = matchID
			continue
		}

		// No match at this layer: bubble up, unless already at the root.
		if parent.Empty() {
			return task.SemanticPointer{}, orcherr.New(orcherr.KindResolution, fmt.Sprintf("unresolved: %q", paramName))
		}
		grandparent, err := r.Tree.GetParent(ctx, parent)
		if err != nil {
			return task.SemanticPointer{}, orcherr.Wrap(orcherr.KindResolution, "bubble up to grandparent", err)
		}
		parent = grandparent
	}
}

// matchLayer asks the LLM to pick exactly one candidate id (or falls back
// to keyword matching when the model is unavailable), validating the
// choice lies within the candidate set.
func (r *Resolver) matchLayer(ctx context.Context, layer []agent.Ident, description string) (agent.Ident, float64, bool, error) {
	if len(layer) == 0 {
		return "", 0, false, nil
	}

	candidates := make(map[string]agent.Meta, len(layer))
	for _, id := range layer {
		meta, err := r.Tree.GetAgentMeta(ctx, id)
		if err != nil {
			return "", 0, false, orcherr.Wrap(orcherr.KindResolution, "load candidate metadata", err)
		}
		candidates[id.String()] = meta
	}

	if r.Model != nil {
		id, conf, err := r.llmMatch(ctx, candidates, description)
		if err == nil {
			return id, conf, false, nil
		}
		// Model call failed: fall through to keyword matching rather
		// than failing the whole resolution.
	}
	return r.keywordMatch(candidates, description)
}

func (r *Resolver) llmMatch(ctx context.Context, candidates map[string]agent.Meta, description string) (agent.Ident, float64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Pick exactly one candidate id that best matches the description, or \"none\".\nDescription: %s\nCandidates:\n", description)
	ids := sortedIDs(candidates)
	for _, id := range ids {
		m := candidates[id]
		fmt.Fprintf(&b, "- id=%s datascope=%s capability=%s description=%s\n", id, m.Datascope, m.Capability, m.Description)
	}
	req := &model.Request{
		ModelClass: model.ModelClassClassifier,
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: "Respond with a JSON object: {\"id\": \"<chosen id or none>\"}."},
			{Role: model.RoleUser, Text: b.String()},
		},
		ResponseSchema: []byte(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := model.CompleteJSON(ctx, r.Model, req, &out); err != nil {
		return "", 0, err
	}
	if out.ID == "" || out.ID == "none" {
		return "", 0, nil
	}
	if _, ok := candidates[out.ID]; !ok {
		return "", 0, fmt.Errorf("contextresolver: model returned id %q outside candidate set", out.ID)
	}
	return agent.Ident(out.ID), 0.9, nil
}

// keywordMatch is the fallback matcher when the LLM is unavailable: a
// pure keyword-count match over the same concatenated text.
func (r *Resolver) keywordMatch(candidates map[string]agent.Meta, description string) (agent.Ident, float64, bool, error) {
	words := keywordSet(description)
	if len(words) == 0 {
		return "", 0, false, nil
	}

	type scored struct {
		id    string
		score float64
	}
	var scores []scored
	for id, m := range candidates {
		text := strings.ToLower(m.Datascope + " " + m.Capability + " " + m.Description)
		count := 0
		for w := range words {
			if strings.Contains(text, w) {
				count++
			}
		}
		if count > 0 {
			scores = append(scores, scored{id: id, score: float64(count) / float64(len(words))})
		}
	}
	if len(scores) == 0 {
		return "", 0, false, nil
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	ambiguous := len(scores) > 1 && (scores[0].score-scores[1].score) <= ambiguityEpsilon
	return agent.Ident(scores[0].id), scores[0].score, ambiguous, nil
}

func keywordSet(description string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(description)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}

func sortedIDs(candidates map[string]agent.Meta) []string {
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func resolvedDescriptor(meta agent.Meta) string {
	if meta.Description != "" {
		return meta.Description
	}
	return meta.Name
}
