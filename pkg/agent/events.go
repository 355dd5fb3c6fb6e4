package agent

// EventType tags one streamed unit of a run.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventText       EventType = "text"
	EventError      EventType = "error"
	EventComplete   EventType = "complete"
)

// Event is the wire shape of one execution event.
type Event struct {
	Type     EventType              `json:"type"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Terminal reports whether ev ends its stream.
func (ev Event) Terminal() bool {
	return ev.Type == EventComplete || ev.Type == EventError
}

// Metadata keys set on events.
const (
	MetaIteration           = "iteration"
	MetaIterations          = "iterations"
	MetaToolCalls           = "tool_calls"
	MetaToolCallID          = "tool_call_id"
	MetaTool                = "tool"
	MetaArguments           = "arguments"
	MetaSuccess             = "success"
	MetaDurationMs          = "duration_ms"
	MetaDegraded            = "degraded"
	MetaStepBudgetExhausted = "step_budget_exhausted"
	MetaLatencyMs           = "latency_ms"
	MetaErrorKind           = "error_kind"
	MetaProvider            = "provider"
	MetaState               = "state"
)

// Error kinds carried by error events.
const (
	ErrorKindCancelled        = "cancelled"
	ErrorKindLLMProviderError = "llm_provider_error"
)

// State is a step of the ReAct state machine.
type State string

const (
	StateThinking   State = "THINKING"
	StateActing     State = "ACTING"
	StateObserving  State = "OBSERVING"
	StateResponding State = "RESPONDING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

var transitions = map[State][]State{
	StateThinking:   {StateActing, StateResponding, StateFailed, StateDone},
	StateActing:     {StateObserving, StateFailed, StateDone},
	StateObserving:  {StateThinking, StateResponding, StateFailed, StateDone},
	StateResponding: {StateDone, StateFailed},
}

// CanTransition reports whether the loop may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
