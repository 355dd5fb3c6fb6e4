package agent

import (
	"context"
	"fmt"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes a single completion request.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Stream makes a completion request and reports text deltas to onDelta as
	// they arrive. The returned response holds the accumulated result.
	Stream(ctx context.Context, request LLMRequest, onDelta func(string)) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(ctx context.Context, profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory creates the SDK backed providers.
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(ctx context.Context, profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	case "gemini":
		return NewGeminiProvider(ctx, profile.APIKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// toolSchema returns the object schema of a tool, never nil.
func toolSchema(t ToolSpec) map[string]interface{} {
	if t.Parameters != nil {
		return t.Parameters
	}
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func schemaRequired(schema map[string]interface{}) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
