package intent

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// llmDefaultConfidence applies when the model omits a confidence.
const llmDefaultConfidence = 0.85

// extractJSON pulls the JSON object out of a model reply. Fenced ```json
// blocks win over bare objects.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```json"); i >= 0 {
		rest := s[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// ParseResponse decodes a model classification reply. Any reply without a JSON
// object carrying a known task_type is ErrMalformedResponse.
func ParseResponse(raw string) (Intent, error) {
	js := extractJSON(raw)
	if !gjson.Valid(js) {
		return Intent{}, fmt.Errorf("%w: not JSON", ErrMalformedResponse)
	}
	doc := gjson.Parse(js)
	if !doc.IsObject() {
		return Intent{}, fmt.Errorf("%w: not an object", ErrMalformedResponse)
	}

	tt := TaskType(strings.ToLower(doc.Get("task_type").String()))
	if !tt.Valid() {
		return Intent{}, fmt.Errorf("%w: unknown task_type %q", ErrMalformedResponse, tt)
	}

	in := Intent{
		TaskType:          tt,
		Complexity:        parseComplexity(doc.Get("complexity").String()),
		IsMultiStep:       doc.Get("is_multi_step").Bool(),
		SurfaceIntent:     doc.Get("surface_intent").String(),
		ReferencesHistory: doc.Get("references_history").Bool(),
		EstimatedSteps:    int(doc.Get("estimated_steps").Int()),
		Source:            SourceLLM,
	}

	in.Confidence = llmDefaultConfidence
	if c := doc.Get("confidence"); c.Type == gjson.Number {
		in.Confidence = clamp01(c.Float())
	}

	for _, t := range doc.Get("suggested_tools").Array() {
		if name := strings.TrimSpace(t.String()); name != "" {
			in.SuggestedTools = append(in.SuggestedTools, name)
		}
	}

	caps := doc.Get("required_capabilities")
	in.Capabilities = Capabilities{
		RAG:      caps.Get("rag").Bool(),
		Tools:    caps.Get("tools").Bool() || len(in.SuggestedTools) > 0,
		Planning: caps.Get("planning").Bool(),
		Memory:   caps.Get("memory").Bool(),
		Skills:   caps.Get("skills").Bool(),
		Web:      caps.Get("web").Bool(),
		Code:     caps.Get("code").Bool(),
	}

	if in.EstimatedSteps <= 0 {
		in.EstimatedSteps = 1
	}
	if in.EstimatedSteps > 1 {
		in.IsMultiStep = true
	}
	return in, nil
}

func parseComplexity(s string) Complexity {
	switch Complexity(strings.ToLower(s)) {
	case ComplexityLow:
		return ComplexityLow
	case ComplexityHigh:
		return ComplexityHigh
	default:
		return ComplexityMedium
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
