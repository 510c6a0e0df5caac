// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to
// model.Client. It is the default classifier/planner backend: single-turn
// completions only, matching the narrowed contract the orchestrator needs
// for intent classification, plan decomposition, and semantic matching.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskforge/orchestrator/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used here, so
	// tests can substitute a fake in place of *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures model selection defaults.
	Options struct {
		DefaultModel string
		PlannerModel string
		MaxTokens    int
		Temperature  float64
	}

	// Client implements model.Client on top of Anthropic Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		plannerModel string
		maxTokens    int
		temperature  float64
	}
)

// New builds a Client from an Anthropic Messages service and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		plannerModel: opts.PlannerModel,
		maxTokens:    maxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// transport, reading the key directly rather than from the environment.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues a single Messages.New call and returns the concatenated
// text content.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	modelID := req.Model
	if modelID == "" {
		if req.ModelClass == model.ModelClassPlanner && c.plannerModel != "" {
			modelID = c.plannerModel
		} else {
			modelID = c.defaultModel
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Text})
		case model.RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			text += block.Text
		}
	}
	return &model.Response{
		Text: text,
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

var _ model.Client = (*Client)(nil)
