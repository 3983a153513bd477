// Package llm talks to the generative-language backends that write Joy's
// replies and conversation summaries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBlocked is returned when the backend refuses the prompt or withholds
// the reply for safety reasons.
var ErrBlocked = errors.New("content blocked by safety filter")

// ErrEmptyReply is wrapped by the GenerationError of an answer with no text.
var ErrEmptyReply = errors.New("empty reply")

// GenerationError wraps every other backend failure.
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Options tunes one completion. Zero values leave the backend default.
type Options struct {
	System          string
	Temperature     float32
	MaxOutputTokens int
	TopP            float32
	TopK            int
}

// Client produces a single text completion for a prompt.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Provider names.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderAgent     = "agent"
)

// GeminiOpenAIBaseURL is Gemini's OpenAI-compatible endpoint.
const GeminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// Default model per provider.
var defaultModels = map[string]string{
	ProviderGemini:    "gemini-2.0-flash",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-sonnet-4-5",
	ProviderAgent:     "claude-sonnet-4-5",
}

// Config selects and configures a backend.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	// AgentBackend picks the model family behind the agent runtime:
	// "anthropic" (default) or "openai".
	AgentBackend string
	// Workspace is the agent runtime's project root.
	Workspace    string
	SystemPrompt string
	MaxTokens    int
}

// New builds the client for cfg.Provider.
func New(cfg Config) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderGemini
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s api key is required", provider)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModels[provider]
	}

	switch provider {
	case ProviderGemini:
		if cfg.BaseURL == "" {
			cfg.BaseURL = GeminiOpenAIBaseURL
		}
		return newOpenAIClient(ProviderGemini, cfg), nil
	case ProviderOpenAI:
		return newOpenAIClient(ProviderOpenAI, cfg), nil
	case ProviderAnthropic:
		return newAnthropicClient(cfg), nil
	case ProviderAgent:
		return newAgentClient(cfg, DefaultRuntimeFactory)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
