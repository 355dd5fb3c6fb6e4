package intent

import "errors"

// TaskType is the coarse kind of work a message asks for.
type TaskType string

const (
	TaskQuery        TaskType = "query"
	TaskAction       TaskType = "action"
	TaskAnalysis     TaskType = "analysis"
	TaskCreation     TaskType = "creation"
	TaskModification TaskType = "modification"
	TaskConversation TaskType = "conversation"
	TaskComplex      TaskType = "complex"
)

var taskTypes = map[TaskType]bool{
	TaskQuery: true, TaskAction: true, TaskAnalysis: true, TaskCreation: true,
	TaskModification: true, TaskConversation: true, TaskComplex: true,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool { return taskTypes[t] }

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Source records which tier produced an intent.
type Source string

const (
	SourceRule    Source = "rule"
	SourceLLM     Source = "llm"
	SourceDefault Source = "default"
)

// Capabilities lists the subsystems a message is expected to need.
type Capabilities struct {
	RAG      bool `json:"rag"`
	Tools    bool `json:"tools"`
	Planning bool `json:"planning"`
	Memory   bool `json:"memory"`
	Skills   bool `json:"skills"`
	Web      bool `json:"web"`
	Code     bool `json:"code"`
}

// Intent is the classification of one message.
type Intent struct {
	TaskType          TaskType     `json:"task_type"`
	Complexity        Complexity   `json:"complexity"`
	IsMultiStep       bool         `json:"is_multi_step"`
	SuggestedTools    []string     `json:"suggested_tools,omitempty"`
	Confidence        float64      `json:"confidence"`
	SurfaceIntent     string       `json:"surface_intent,omitempty"`
	Capabilities      Capabilities `json:"required_capabilities"`
	EstimatedSteps    int          `json:"estimated_steps"`
	ReferencesHistory bool         `json:"references_history"`

	Source         Source `json:"source"`
	MatchedRule    string `json:"matched_rule,omitempty"`
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// Default is the intent used when nothing better is known.
func Default() Intent {
	return Intent{
		TaskType:       TaskConversation,
		Complexity:     ComplexityLow,
		Confidence:     0.0,
		EstimatedSteps: 1,
		Source:         SourceDefault,
	}
}

// Degraded returns the default intent flagged with the reason the fallback failed.
func Degraded(reason string) Intent {
	in := Default()
	in.Degraded = true
	in.DegradedReason = reason
	return in
}

// Turn is the slice of conversation history the classifier looks at.
type Turn struct {
	Role    string
	Content string
}

// Request is the input to Classify.
type Request struct {
	Message        string
	History        []Turn
	AvailableTools []string
}

var (
	// ErrClassificationTimeout is reported (as a degraded reason) when the LLM
	// fallback does not answer in time.
	ErrClassificationTimeout = errors.New("classification timeout")
	// ErrMalformedResponse is returned by ParseResponse for replies that are not
	// a usable JSON classification.
	ErrMalformedResponse = errors.New("malformed classification response")
)
