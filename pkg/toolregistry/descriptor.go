package toolregistry

import (
	"context"
	"errors"
	"time"
)

// Permission is the capability class a tool needs.
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionWrite   Permission = "write"
	PermissionExecute Permission = "execute"
)

func (p Permission) valid() bool {
	return p == PermissionRead || p == PermissionWrite || p == PermissionExecute
}

// Category groups related tools.
type Category string

const (
	CategoryGeneral   Category = "general"
	CategoryMath      Category = "math"
	CategoryTime      Category = "time"
	CategoryKnowledge Category = "knowledge"
	CategoryFile      Category = "file"
	CategoryWeb       Category = "web"
)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// InvokeFunc runs a tool with pre-validated arguments.
type InvokeFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// Descriptor is a registered capability.
type Descriptor struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Parameters  []Parameter   `json:"parameters"`
	Category    Category      `json:"category"`
	Permission  Permission    `json:"permission"`
	Keywords    []string      `json:"keywords,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Enabled     bool          `json:"enabled"`
	Invoke      InvokeFunc    `json:"-"`
}

// Result is the outcome of one invocation.
type Result struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Observation is the text fed back to the model for this result.
func (r Result) Observation() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolDisabled     = errors.New("tool disabled")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrToolExecution    = errors.New("tool execution failed")
	ErrToolTimeout      = errors.New("tool timed out")
)

// Stats are per-tool call counters.
type Stats struct {
	Calls         int           `json:"calls"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastCalled    time.Time     `json:"last_called"`
}

// AvgLatency is the mean duration per call.
func (s Stats) AvgLatency() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Calls)
}
