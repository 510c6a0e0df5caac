// Package openai adapts github.com/openai/openai-go to model.Client,
// providing an alternate classifier/planner backend alongside the
// Anthropic adapter so a deployment can pick either provider per
// environment without touching actor code.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/taskforge/orchestrator/model"
)

type (
	// ChatClient captures the subset of the openai-go client used here.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures model selection defaults.
	Options struct {
		DefaultModel string
		PlannerModel string
		Temperature  float64
	}

	// Client implements model.Client via OpenAI Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
		plannerModel string
		temperature  float64
	}
)

// New builds a Client from a Chat Completions service and options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		plannerModel: opts.PlannerModel,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a Client using the default openai-go HTTP
// transport.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(c.Chat.Completions, opts)
}

// Complete issues a single Chat Completions call and returns the first
// choice's message content.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	modelID := req.Model
	if modelID == "" {
		if req.ModelClass == model.ModelClassPlanner && c.plannerModel != "" {
			modelID = c.plannerModel
		} else {
			modelID = c.defaultModel
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(modelID),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			params.Messages = append(params.Messages, sdk.SystemMessage(m.Text))
		case model.RoleAssistant:
			params.Messages = append(params.Messages, sdk.AssistantMessage(m.Text))
		default:
			params.Messages = append(params.Messages, sdk.UserMessage(m.Text))
		}
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat.completions.new: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response had no choices")
	}
	return &model.Response{
		Text: resp.Choices[0].Message.Content,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

var _ model.Client = (*Client)(nil)
