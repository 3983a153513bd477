package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/google/uuid"
)

// agentMaxIterations keeps the runtime to a single model turn; Joy has no
// tools to call.
const agentMaxIterations = 1

// Runtime interface for agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime interface
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance
type RuntimeFactory func(cfg Config) (Runtime, error)

// DefaultRuntimeFactory creates the agentsdk-go runtime.
func DefaultRuntimeFactory(cfg Config) (Runtime, error) {
	var provider api.ModelFactory
	switch strings.ToLower(cfg.AgentBackend) {
	case ProviderOpenAI:
		provider = &model.OpenAIProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  cfg.SystemPrompt,
		MaxIterations: agentMaxIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// AgentClient completes prompts through the agent runtime. Each call runs in
// a fresh session; conversation memory is supplied in the prompt.
type AgentClient struct {
	runtime Runtime
}

func newAgentClient(cfg Config, factory RuntimeFactory) (*AgentClient, error) {
	rt, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	return &AgentClient{runtime: rt}, nil
}

// NewAgentClient wraps an existing runtime.
func NewAgentClient(rt Runtime) *AgentClient {
	return &AgentClient{runtime: rt}
}

func (c *AgentClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if opts.System != "" {
		prompt = opts.System + "\n\n" + prompt
	}
	resp, err := c.runtime.Run(ctx, api.Request{
		Prompt:    prompt,
		SessionID: "joy-" + uuid.NewString(),
	})
	if err != nil {
		return "", &GenerationError{Provider: ProviderAgent, Err: err}
	}
	if resp == nil || resp.Result == nil {
		return "", &GenerationError{Provider: ProviderAgent, Err: errors.New("empty response")}
	}
	text := strings.TrimSpace(resp.Result.Output)
	if text == "" {
		return "", &GenerationError{Provider: ProviderAgent, Err: ErrEmptyReply}
	}
	return text, nil
}

// Close releases the runtime.
func (c *AgentClient) Close() {
	if c.runtime != nil {
		c.runtime.Close()
	}
}
