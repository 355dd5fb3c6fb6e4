package agent

import (
	"context"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/genai"
)

// GeminiProvider implements LLMProvider for Google Gemini
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

// Call makes an API call to Google Gemini
func (p *GeminiProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	contents, config := geminiRequest(request)
	resp, err := p.client.Models.GenerateContent(ctx, request.Model, contents, config)
	if err != nil {
		return nil, NewProviderError(p.Provider(), err)
	}
	out := &LLMResponse{}
	geminiAccumulate(out, resp, nil)
	return out, nil
}

// Stream makes a streaming API call to Google Gemini.
func (p *GeminiProvider) Stream(ctx context.Context, request LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	contents, config := geminiRequest(request)
	out := &LLMResponse{}
	for resp, err := range p.client.Models.GenerateContentStream(ctx, request.Model, contents, config) {
		if err != nil {
			return nil, NewProviderError(p.Provider(), err)
		}
		geminiAccumulate(out, resp, onDelta)
	}
	return out, nil
}

func geminiRequest(request LLMRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	toolNames := make(map[string]string) // tool call ID -> name

	for _, msg := range request.Messages {
		var parts []*genai.Part
		role := "user"

		switch msg.Role {
		case RoleUser:
			parts = append(parts, &genai.Part{Text: msg.Content})
		case RoleAssistant:
			role = "model"
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				toolNames[tc.ID] = tc.Name
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments},
				})
			}
		case RoleTool:
			name := toolNames[msg.ToolCallID]
			if msg.ToolCallID == "" || name == "" {
				role = "model"
				parts = append(parts, &genai.Part{Text: transcriptText(msg)})
				break
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     name,
					Response: map[string]any{"result": msg.Content},
				},
			})
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	config := &genai.GenerateContentConfig{}
	if request.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: request.SystemPrompt}}}
	}
	if request.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(request.Temperature))
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}
	if len(request.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
		for _, tool := range request.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  geminiSchema(toolSchema(tool)),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, config
}

// geminiSchema converts a JSON schema document into the genai subset.
func geminiSchema(doc map[string]interface{}) *genai.Schema {
	s := &genai.Schema{}
	if t, ok := doc["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := doc["description"].(string); ok {
		s.Description = d
	}
	switch enum := doc["enum"].(type) {
	case []string:
		s.Enum = enum
	case []interface{}:
		for _, v := range enum {
			s.Enum = append(s.Enum, fmt.Sprint(v))
		}
	}
	if props, ok := doc["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]interface{}); ok {
				s.Properties[name] = geminiSchema(prop)
			}
		}
	}
	if items, ok := doc["items"].(map[string]interface{}); ok {
		s.Items = geminiSchema(items)
	}
	s.Required = schemaRequired(doc)
	return s
}

func geminiAccumulate(out *LLMResponse, resp *genai.GenerateContentResponse, onDelta func(string)) {
	if resp == nil {
		return
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" && !part.Thought {
				out.Content += part.Text
				if onDelta != nil {
					onDelta(part.Text)
				}
			}
			if fc := part.FunctionCall; fc != nil {
				id := fc.ID
				if id == "" {
					id = "call-" + gonanoid.Must()
				}
				args := fc.Args
				if args == nil {
					args = map[string]interface{}{}
				}
				out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: args})
			}
		}
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &TokenUsage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
}
