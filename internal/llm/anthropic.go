package llm

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

const (
	defaultAnthropicMaxTokens = 1500
	// anthropicStopRefusal is the stop reason of a reply withheld by the
	// safety classifier.
	anthropicStopRefusal = "refusal"
)

type anthropicClient struct {
	model     string
	maxTokens int
	client    *anthropic.Client
}

func newAnthropicClient(cfg Config) *anthropicClient {
	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &anthropicClient{
		model:     cfg.Model,
		maxTokens: maxTokens,
		client:    anthropic.NewClient(cfg.APIKey, opts...),
	}
}

func (c *anthropicClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	req := anthropic.MessagesRequest{
		Model: anthropic.Model(c.model),
		Messages: []anthropic.Message{
			{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(prompt)},
			},
		},
		MaxTokens: maxTokens,
		System:    opts.System,
	}
	// Anthropic caps temperature at 1.
	if opts.Temperature > 0 {
		temp := min(opts.Temperature, 1)
		req.Temperature = &temp
	}
	if opts.TopP > 0 {
		topP := opts.TopP
		req.TopP = &topP
	}
	if opts.TopK > 0 {
		topK := opts.TopK
		req.TopK = &topK
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		return "", &GenerationError{Provider: ProviderAnthropic, Err: err}
	}
	if string(resp.StopReason) == anthropicStopRefusal {
		return "", fmt.Errorf("anthropic complete: %w", ErrBlocked)
	}

	var b strings.Builder
	for _, content := range resp.Content {
		if content.Type == anthropic.MessagesContentTypeText {
			b.WriteString(content.GetText())
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", &GenerationError{Provider: ProviderAnthropic, Err: fmt.Errorf("%w (stop reason %q)", ErrEmptyReply, resp.StopReason)}
	}
	return text, nil
}
