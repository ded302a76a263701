package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultTimeout is the upper bound for a single completion request.
const DefaultTimeout = 600 * time.Second

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropicClient creates a client for the given model. A zero timeout
// falls back to DefaultTimeout.
func NewAnthropicClient(apiKey, model string, maxTokens int64, timeout time.Duration) *AnthropicClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		timeout:   timeout,
	}
}

// Complete sends prompt as a single user message and concatenates the text
// blocks of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	slog.Debug("sending completion request", "model", string(c.model), "prompt_len", len(prompt))

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", &Error{Err: fmt.Errorf("completion request: %w", err)}
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return "", &Error{Err: fmt.Errorf("empty completion from model %s", c.model)}
	}
	return text, nil
}
