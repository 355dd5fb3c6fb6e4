// Package agenttest provides deterministic LLM providers for tests.
package agenttest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
)

// Responder produces the reply to one request.
type Responder func(req agent.LLMRequest) (*agent.LLMResponse, error)

// Provider replays responders in order; once they run out the last one is
// repeated. It is safe for concurrent use.
type Provider struct {
	mu         sync.Mutex
	name       string
	responders []Responder
	calls      []agent.LLMRequest
	delay      time.Duration
}

// New creates a scripted provider.
func New(responders ...Responder) *Provider {
	return &Provider{name: "scripted", responders: responders}
}

// WithDelay makes every call wait d, or until the context ends.
func (p *Provider) WithDelay(d time.Duration) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

// Provider returns the provider name
func (p *Provider) Provider() string { return p.name }

// Call returns the next scripted reply.
func (p *Provider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, req)
	delay := p.delay
	var r Responder
	if len(p.responders) > 0 {
		if idx >= len(p.responders) {
			idx = len(p.responders) - 1
		}
		r = p.responders[idx]
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil {
		return &agent.LLMResponse{}, nil
	}
	return r(req)
}

// Stream returns the next scripted reply, delivering its text word by word.
func (p *Provider) Stream(ctx context.Context, req agent.LLMRequest, onDelta func(string)) (*agent.LLMResponse, error) {
	resp, err := p.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && resp.Content != "" {
		for _, w := range strings.SplitAfter(resp.Content, " ") {
			onDelta(w)
		}
	}
	return resp, nil
}

// Calls returns every request received so far.
func (p *Provider) Calls() []agent.LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.LLMRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of requests received.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Text replies with a final answer.
func Text(content string) Responder {
	return func(agent.LLMRequest) (*agent.LLMResponse, error) {
		return &agent.LLMResponse{Content: content}, nil
	}
}

// ToolUse requests a single tool call.
func ToolUse(name string, args map[string]interface{}) Responder {
	return func(agent.LLMRequest) (*agent.LLMResponse, error) {
		return &agent.LLMResponse{ToolCalls: []agent.ToolCall{{Name: name, Arguments: args}}}, nil
	}
}

// Fail replies with err.
func Fail(err error) Responder {
	return func(agent.LLMRequest) (*agent.LLMResponse, error) {
		return nil, err
	}
}

// LastMessage returns the final message of req.
func LastMessage(req agent.LLMRequest) agent.Message {
	if len(req.Messages) == 0 {
		return agent.Message{}
	}
	return req.Messages[len(req.Messages)-1]
}

// AnswerFromTool calls tool with args on the first turn and, once a tool
// result is the latest message, answers with prefix followed by that result.
func AnswerFromTool(tool string, args map[string]interface{}, prefix string) Responder {
	return func(req agent.LLMRequest) (*agent.LLMResponse, error) {
		last := LastMessage(req)
		if last.Role == agent.RoleTool {
			return &agent.LLMResponse{Content: prefix + last.Content}, nil
		}
		return &agent.LLMResponse{ToolCalls: []agent.ToolCall{{Name: tool, Arguments: args}}}, nil
	}
}
