// Package model defines the provider-agnostic LLM client contract used by
// the Root Agent (intent classification), Task Planner (decomposition),
// and Context Resolver (semantic match). It is a deliberately narrowed
// cousin of a full multimodal chat client: every call this system makes is
// a single-turn completion, optionally constrained to a JSON schema.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// ConversationRole is the role for a message in a single-turn request.
	ConversationRole string

	// Message is one entry of a Request's prompt.
	Message struct {
		Role ConversationRole
		Text string
	}

	// ModelClass selects a model family when Model is unset, letting
	// callers ask for "the cheap classifier model" without naming a
	// concrete provider model id.
	ModelClass string

	// TokenUsage reports token consumption for a call.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Request captures one completion call.
	Request struct {
		Model       string
		ModelClass  ModelClass
		Messages    []Message
		Temperature float32
		MaxTokens   int

		// ResponseSchema, when set, asks the provider to constrain its
		// output to JSON matching this schema. Providers that cannot
		// enforce this natively still receive it as an instruction;
		// callers validate the result themselves via CompleteJSON.
		ResponseSchema json.RawMessage
	}

	// Response is the result of a Complete call.
	Response struct {
		Text  string
		Usage TokenUsage
	}

	// Client is the provider-agnostic model client every component
	// depends on instead of a concrete SDK.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
	}
)

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

const (
	// ModelClassClassifier selects a small/cheap model suited to closed-set
	// classification (Root Agent intent, Context Resolver match).
	ModelClassClassifier ModelClass = "classifier"
	// ModelClassPlanner selects a higher-capability model for decomposition
	// and coordinated multi-node planning.
	ModelClassPlanner ModelClass = "planner"
)

// ErrUnavailable indicates the client could not reach its provider; callers
// fall back to keyword-based heuristics rather than failing the operation
// (Root Agent classification, Context Resolver match).
var ErrUnavailable = errors.New("model: client unavailable")

// CompleteJSON issues req (which must carry a non-nil ResponseSchema) and
// unmarshals the raw response text into out. It does not itself validate
// against the schema; callers that need strict validation run the result
// through jsonschema.Validate first (see
// toolregistry.Registry.MissingRequired for the analogous schema check on
// Execution Worker inputs).
func CompleteJSON(ctx context.Context, c Client, req *Request, out any) error {
	if req.ResponseSchema == nil {
		return errors.New("model: CompleteJSON requires a ResponseSchema")
	}
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(resp.Text), out)
}
