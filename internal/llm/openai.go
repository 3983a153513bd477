package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openaiClient serves OpenAI and every OpenAI-compatible endpoint, Gemini's
// included.
type openaiClient struct {
	provider  string
	model     string
	maxTokens int
	client    *openai.Client
}

func newOpenAIClient(provider string, cfg Config) *openaiClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &openaiClient{
		provider:  provider,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    openai.NewClientWithConfig(oc),
	}
}

func (c *openaiClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	messages := []openai.ChatCompletionMessage{}
	if opts.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
	})
	if err != nil {
		if isSafetyRefusal(err) {
			return "", fmt.Errorf("%s complete: %w", c.provider, ErrBlocked)
		}
		return "", &GenerationError{Provider: c.provider, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &GenerationError{Provider: c.provider, Err: errors.New("empty response")}
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", fmt.Errorf("%s complete: %w", c.provider, ErrBlocked)
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", &GenerationError{Provider: c.provider, Err: fmt.Errorf("%w (finish reason %q)", ErrEmptyReply, choice.FinishReason)}
	}
	return text, nil
}

// isSafetyRefusal recognises API errors raised for blocked prompts.
func isSafetyRefusal(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "safety") || strings.Contains(msg, "blocked") || strings.Contains(msg, "content_filter")
}
