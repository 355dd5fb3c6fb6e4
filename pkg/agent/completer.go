package agent

import (
	"context"
	"strings"
)

// Completer adapts an LLMProvider to single-shot text completion, the shape
// the intent classifier and the session summarizer call.
type Completer struct {
	provider  LLMProvider
	model     string
	maxTokens int
}

// NewCompleter wraps provider for plain text completions against model.
func NewCompleter(provider LLMProvider, model string, maxTokens int) *Completer {
	return &Completer{provider: provider, model: model, maxTokens: maxTokens}
}

// CompleteText sends one user prompt under a system prompt and returns the
// reply text.
func (c *Completer) CompleteText(ctx context.Context, system, prompt string) (string, error) {
	if c.provider == nil {
		return "", ErrNoProvider
	}
	resp, err := c.provider.Call(ctx, LLMRequest{
		Model:        c.model,
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens:    c.maxTokens,
	})
	if err != nil {
		return "", NewProviderError(c.provider.Provider(), err)
	}
	return strings.TrimSpace(resp.Content), nil
}
