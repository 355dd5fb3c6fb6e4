package planner

import "time"

// Plan is an ordered decomposition of one multi-step request.
type Plan struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Steps       []Step    `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
}

// Step is a single unit of work in a plan.
type Step struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Dependencies []string   `json:"dependencies"` // IDs of steps that must complete first
	Tools        []string   `json:"tools,omitempty"`
	Status       StepStatus `json:"status"`
}

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)
