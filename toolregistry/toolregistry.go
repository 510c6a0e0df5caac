// Package toolregistry is the capability registry every Execution Worker
// consults: it resolves a capability selector (workflow, http, data_query,
// or a named capability) to a schema used for the preflight missing-
// parameter check (spec §4.4) and, for named capabilities, to the concrete
// executor.
package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Capability is the closed set of built-in Execution Worker call
	// kinds; a selector outside this set is treated as a named
	// capability id.
	Capability string

	// NamedExecutor is a registered capability with its own execution
	// logic, invoked as execute(context, memory) per spec §4.4.
	NamedExecutor interface {
		Execute(ctx context.Context, memory map[string]any) (any, error)
	}

	// Registry holds the parameter schemas used for preflight validation
	// and the named-capability executors. Safe for concurrent use.
	Registry struct {
		mu       sync.RWMutex
		schemas  map[string]*jsonschema.Schema
		named    map[string]NamedExecutor
		compiler *jsonschema.Compiler
	}
)

const (
	CapabilityWorkflow  Capability = "workflow"
	CapabilityHTTP      Capability = "http"
	CapabilityDataQuery Capability = "data_query"
)

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		schemas:  make(map[string]*jsonschema.Schema),
		named:    make(map[string]NamedExecutor),
		compiler: jsonschema.NewCompiler(),
	}
}

// RegisterSchema compiles and stores the parameter schema for a
// capability selector (a built-in Capability value or a named capability
// id). Required fields declared by the schema drive the Execution
// Worker's missing-parameter preflight check.
func (r *Registry) RegisterSchema(selector string, schema json.RawMessage) error {
	if selector == "" {
		return errors.New("toolregistry: selector is required")
	}
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return fmt.Errorf("toolregistry: invalid schema for %q: %w", selector, err)
	}
	url := "mem://" + selector
	if err := r.compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("toolregistry: add schema for %q: %w", selector, err)
	}
	compiled, err := r.compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("toolregistry: compile schema for %q: %w", selector, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[selector] = compiled
	return nil
}

// RegisterNamed registers a named capability's executor.
func (r *Registry) RegisterNamed(name string, exec NamedExecutor) error {
	if name == "" || exec == nil {
		return errors.New("toolregistry: named capability requires a name and executor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = exec
	return nil
}

// Named looks up a registered named-capability executor.
func (r *Registry) Named(name string) (NamedExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.named[name]
	return e, ok
}

// MissingRequired validates params against the selector's registered
// schema and returns the names of any required properties that are
// absent or empty-stringed. A selector with no registered schema reports
// no missing parameters (nothing to enforce).
func (r *Registry) MissingRequired(selector string, params map[string]any) []string {
	r.mu.RLock()
	schema, ok := r.schemas[selector]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	doc := make(map[string]any, len(params))
	for k, v := range params {
		doc[k] = v
	}
	if err := schema.Validate(doc); err == nil {
		return emptyRequiredStrings(schema, doc)
	} else if ve, ok := err.(*jsonschema.ValidationError); ok {
		return collectMissing(ve, doc, schema)
	}
	return nil
}

// PromptFor builds a human-readable prompt for a missing parameter from
// the selector's schema description, falling back to a generic prompt
// when no description is registered.
func (r *Registry) PromptFor(selector, paramName string) string {
	r.mu.RLock()
	schema, ok := r.schemas[selector]
	r.mu.RUnlock()
	if ok {
		if prop, ok := schema.Properties[paramName]; ok && prop.Description != "" {
			return prop.Description
		}
	}
	return fmt.Sprintf("Please provide a value for %q.", paramName)
}

// collectMissing walks a jsonschema.ValidationError tree collecting the
// property names reported as "missing" (required-but-absent), plus any
// required property present as an empty string (treated as missing per
// §4.4's "missing or empty-stringed" rule).
func collectMissing(e *jsonschema.ValidationError, doc map[string]any, schema *jsonschema.Schema) []string {
	seen := make(map[string]bool)
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if kw, ok := e.ErrorKind.(*jsonschema.Required); ok {
			for _, name := range kw.Missing {
				seen[name] = true
			}
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(e)
	for name := range emptyRequiredSet(schema, doc) {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	return names
}

func emptyRequiredStrings(schema *jsonschema.Schema, doc map[string]any) []string {
	set := emptyRequiredSet(schema, doc)
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	return names
}

func emptyRequiredSet(schema *jsonschema.Schema, doc map[string]any) map[string]bool {
	out := make(map[string]bool)
	if schema == nil {
		return out
	}
	for _, name := range schema.Required {
		if v, ok := doc[name]; ok {
			if s, ok := v.(string); ok && s == "" {
				out[name] = true
			}
		}
	}
	return out
}
