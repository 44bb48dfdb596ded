// Package provider wraps the metered inference backend. The backend is a
// black box: one request in, one response plus a usage report out. Costing of
// the reported usage is the pricing table's job, never the provider's.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/marcellomaugeri/PolyMirror.AI/internal/config"
)

// ErrProviderFailure covers any failed or timed-out provider call. Callers
// must release their reservation when they see it.
var ErrProviderFailure = errors.New("provider request failed")

// Usage is the provider-reported token consumption for one request.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Message is one chat turn of the inbound request payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the cost-bearing request description.
type ChatRequest struct {
	Model    string    `json:"model" binding:"required"`
	Messages []Message `json:"messages" binding:"required"`
}

type Client struct {
	api     openai.Client
	timeout time.Duration
}

func NewClient(cfg config.ProviderConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Client{api: openai.NewClient(opts...), timeout: timeout}, nil
}

// Complete performs one metered chat completion, time-boxed by the configured
// timeout. The raw completion is returned so the handler can relay it to the
// caller unchanged, preserving OpenAI API compatibility.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*openai.ChatCompletion, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			messages[i] = openai.AssistantMessage(msg.Content)
		case "system":
			messages[i] = openai.SystemMessage(msg.Content)
		default:
			messages[i] = openai.UserMessage(msg.Content)
		}
	}

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	return resp, Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
