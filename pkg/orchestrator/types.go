package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/contextbuilder"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/toolregistry"
)

var (
	ErrClosed             = errors.New("orchestrator closed")
	ErrInvalidRequest     = errors.New("invalid chat request")
	ErrSessionUnavailable = errors.New("session unavailable")
)

// Metadata keys the orchestrator adds to complete events.
const (
	MetaIntent    = "intent"
	MetaSources   = "sources"
	MetaSessionID = "session_id"
	MetaCached    = "cached"
	MetaPlan      = "plan"
)

// Error kinds for failures that happen before the loop starts.
const (
	ErrorKindInvalidRequest     = "invalid_request"
	ErrorKindSessionUnavailable = "session_unavailable"
)

// ChatOptions tunes one turn. The zero value is valid.
type ChatOptions struct {
	// AllowedPermissions restricts the tools offered to the model.
	AllowedPermissions []toolregistry.Permission
	// TopK overrides the configured number of offered tools.
	TopK int
	// Metadata is merged into the complete event.
	Metadata map[string]interface{}
	// RequestID makes the turn idempotent per session: a repeated id replays
	// the earlier answer instead of running again.
	RequestID string
}

// ToolCall summarizes one tool invocation of a turn.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Result     string                 `json:"result"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"duration_ms"`
}

// Response is the aggregated outcome of a blocking chat call.
type Response struct {
	SessionID  string                    `json:"session_id"`
	Text       string                    `json:"text"`
	ToolCalls  []ToolCall                `json:"tool_calls"`
	Sources    []contextbuilder.Citation `json:"sources"`
	Intent     string                    `json:"intent,omitempty"`
	Iterations int                       `json:"iterations"`
	Degraded   bool                      `json:"degraded"`
	Latency    time.Duration             `json:"-"`
	LatencyMs  int64                     `json:"latency_ms"`
}

// aggregator folds a turn's events into a Response.
type aggregator struct {
	resp     Response
	text     strings.Builder
	start    time.Time
	terminal bool
	err      error
}

func newAggregator(sessionID string, start time.Time) *aggregator {
	return &aggregator{
		resp:  Response{SessionID: sessionID, ToolCalls: []ToolCall{}, Sources: []contextbuilder.Citation{}},
		start: start,
	}
}

func (a *aggregator) add(ev agent.Event) {
	switch ev.Type {
	case agent.EventText:
		a.text.WriteString(ev.Content)
	case agent.EventToolResult:
		tc := ToolCall{Result: ev.Content}
		tc.ID, _ = ev.Metadata[agent.MetaToolCallID].(string)
		tc.Name, _ = ev.Metadata[agent.MetaTool].(string)
		tc.Arguments, _ = ev.Metadata[agent.MetaArguments].(map[string]interface{})
		tc.Success, _ = ev.Metadata[agent.MetaSuccess].(bool)
		tc.DurationMs, _ = ev.Metadata[agent.MetaDurationMs].(int64)
		a.resp.ToolCalls = append(a.resp.ToolCalls, tc)
	case agent.EventComplete:
		a.terminal = true
		if a.text.Len() == 0 {
			a.text.WriteString(ev.Content)
		}
		a.resp.Degraded, _ = ev.Metadata[agent.MetaDegraded].(bool)
		a.resp.Iterations, _ = ev.Metadata[agent.MetaIterations].(int)
		a.resp.Intent, _ = ev.Metadata[MetaIntent].(string)
		if sources, ok := ev.Metadata[MetaSources].([]contextbuilder.Citation); ok {
			a.resp.Sources = sources
		}
	case agent.EventError:
		a.terminal = true
		a.err = eventError(ev)
	}
}

func (a *aggregator) result() (*Response, error) {
	if a.err != nil {
		return nil, a.err
	}
	if !a.terminal {
		return nil, fmt.Errorf("%w: stream ended without a terminal event", agent.ErrCancelled)
	}
	resp := a.resp
	resp.Text = a.text.String()
	resp.Latency = time.Since(a.start)
	resp.LatencyMs = resp.Latency.Milliseconds()
	return &resp, nil
}

// eventError turns a terminal error event back into a typed error.
func eventError(ev agent.Event) error {
	kind, _ := ev.Metadata[agent.MetaErrorKind].(string)
	switch kind {
	case agent.ErrorKindCancelled:
		if ev.Content == agent.ErrCancelled.Error() {
			return agent.ErrCancelled
		}
		return fmt.Errorf("%w: %s", agent.ErrCancelled, ev.Content)
	case agent.ErrorKindLLMProviderError:
		provider, _ := ev.Metadata[agent.MetaProvider].(string)
		return &agent.ProviderError{Provider: provider, Err: errors.New(ev.Content)}
	case ErrorKindInvalidRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, ev.Content)
	default:
		return fmt.Errorf("%w: %s", ErrSessionUnavailable, ev.Content)
	}
}

// errorEventFor maps a turn that never delivered its own terminal event, such
// as a caller sharing a deduplicated turn, back onto the event that turn ended
// with. It is the inverse of eventError.
func errorEventFor(err error) agent.Event {
	var pe *agent.ProviderError
	switch {
	case errors.As(err, &pe):
		ev := errorEvent(agent.ErrorKindLLMProviderError, pe.Err)
		ev.Metadata[agent.MetaProvider] = pe.Provider
		return ev
	case errors.Is(err, ErrInvalidRequest):
		return errorEvent(ErrorKindInvalidRequest, err)
	case errors.Is(err, ErrSessionUnavailable):
		return errorEvent(ErrorKindSessionUnavailable, err)
	case errors.Is(err, agent.ErrCancelled):
		return errorEvent(agent.ErrorKindCancelled, err)
	default:
		return errorEvent(agent.ErrorKindCancelled, fmt.Errorf("%w: %v", agent.ErrCancelled, err))
	}
}

func errorEvent(kind string, err error) agent.Event {
	return agent.Event{
		Type:     agent.EventError,
		Content:  err.Error(),
		Metadata: map[string]interface{}{agent.MetaErrorKind: kind},
	}
}
