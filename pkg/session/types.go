package session

import (
	"errors"
	"time"
)

// Role of a turn's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one conversational entry.
type Turn struct {
	ID        string                 `json:"id,omitempty"`
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Summary   bool                   `json:"summary,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCallRecord is the ledger entry of one tool invocation.
type ToolCallRecord struct {
	ID         string                 `json:"id"`
	ToolName   string                 `json:"tool_name"`
	Arguments  map[string]interface{} `json:"arguments"`
	Result     string                 `json:"result"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	ID          string
	Turns       []Turn
	ToolResults []ToolCallRecord
	Tokens      int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var (
	// ErrSessionCleared is returned when appending to a session that was
	// cleared while a turn was in flight.
	ErrSessionCleared = errors.New("session cleared")
	// ErrCompactionFailed marks a summarization failure that was recovered by
	// falling back to truncation.
	ErrCompactionFailed = errors.New("compaction summarization failed")
	ErrInvalidID        = errors.New("invalid session id")
)

// MetaToolName is the Turn.Metadata key naming the tool a tool turn came from.
const MetaToolName = "tool_name"
