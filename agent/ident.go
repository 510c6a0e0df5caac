// Package agent provides strong type identifiers and the read-only data
// model for nodes in the Agent tree. The tree itself lives in an external
// repository (see package agenttree); this package defines only the shapes
// core components exchange when talking about a node.
package agent

// Ident is the strong type for Agent tree node identifiers. Use this type
// instead of bare strings to avoid accidentally mixing node ids with other
// identifier spaces (task ids, tool ids, trace ids).
type Ident string

// String returns the identifier as a plain string.
func (i Ident) String() string { return string(i) }

// Empty reports whether the identifier is unset.
func (i Ident) Empty() bool { return i == "" }

type (
	// WorkflowBinding binds a leaf node to a workflow-platform definition.
	WorkflowBinding struct {
		// DefinitionID identifies the workflow to invoke on the workflow platform.
		DefinitionID string
		// APIKey authenticates the invocation. Empty means fall back to the
		// WORKFLOW_API_KEY environment variable (spec §6).
		APIKey string
		// DiscoverSchema requests that the Execution Worker fetch the workflow's
		// declared input schema before posting the run (spec §4.4, two-phase
		// workflow execution).
		DiscoverSchema bool
	}

	// HTTPBinding binds a leaf node to an HTTP endpoint.
	HTTPBinding struct {
		// Method is one of GET, POST, PUT, DELETE.
		Method string
		// BaseURL is the endpoint's base URL. Empty means fall back to
		// ERP_API_BASE_URL (spec §6).
		BaseURL string
		// Path is the path template, may contain "{param}" placeholders.
		Path string
		// ArgsSchema is the JSON Schema (as raw bytes) describing the declared
		// argument shape. Used for preflight missing-parameter detection.
		ArgsSchema []byte
		// Headers carries static headers to attach to every invocation.
		Headers map[string]string
	}

	// Meta is the read-only metadata the Agent tree repository returns for a
	// node (spec §6, get_agent_meta).
	Meta struct {
		ID          Ident
		Name        string
		Capability  string
		Description string
		Datascope   string
		Workflow    *WorkflowBinding
		HTTP        *HTTPBinding
		SCCID       string
	}
)

// IsLeaf reports whether the node carries a concrete backend binding.
func (m Meta) IsLeaf() bool {
	return m.Workflow != nil || m.HTTP != nil
}

// HasHTTPBinding reports whether an HTTP binding is present and non-empty.
// Per the Leaf Agent backend-selection rule (spec §4.5), HTTP wins over
// workflow when both could in principle be set.
func (m Meta) HasHTTPBinding() bool {
	return m.HTTP != nil && m.HTTP.Method != ""
}
