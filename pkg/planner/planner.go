package planner

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/intent"
)

const defaultMaxSteps = 8

// stepBreak matches the connectives and list markers that separate steps.
var stepBreak = regexp.MustCompile(`(?im)\b(?:and then|after that|afterwards|then|next|finally|first)\b[,:]?|首先|然后|接着|之后|最后|[;；。\n]|^\s*\d+[.)、]\s*`)

// Planner turns multi-step requests into ordered plans. It is rule based and
// safe for concurrent use.
type Planner struct {
	maxSteps int
}

// NewPlanner creates a planner that keeps at most maxSteps steps per plan.
// A non-positive maxSteps selects the default.
func NewPlanner(maxSteps int) *Planner {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Planner{maxSteps: maxSteps}
}

// Needed reports whether in asks for a plan.
func Needed(in intent.Intent) bool {
	return in.IsMultiStep || in.Capabilities.Planning
}

// ForIntent decomposes message into a sequential plan when in asks for one.
// It returns nil when the intent does not need planning or the message holds
// fewer than two steps.
func (p *Planner) ForIntent(in intent.Intent, message string) (*Plan, error) {
	if !Needed(in) {
		return nil, nil
	}
	parts := Split(message)
	if len(parts) < 2 {
		return nil, nil
	}
	if len(parts) > p.maxSteps {
		// fold the tail into the last kept step
		tail := strings.Join(parts[p.maxSteps-1:], "; ")
		parts = append(parts[:p.maxSteps-1], tail)
	}

	steps := make([]Step, len(parts))
	for i, part := range parts {
		steps[i] = Step{ID: fmt.Sprintf("step-%d", i+1), Description: part}
		if i > 0 {
			steps[i].Dependencies = []string{steps[i-1].ID}
		}
		steps[i].Tools = toolsFor(part, in.SuggestedTools)
	}
	return p.GeneratePlan(strings.TrimSpace(message), steps)
}

// Split breaks message at step connectives and drops empty fragments.
func Split(message string) []string {
	raw := stepBreak.Split(message, -1)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.Trim(r, " \t\r\n,，、.")
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

// toolsFor returns the suggested tools whose name appears in the step text.
func toolsFor(step string, suggested []string) []string {
	lower := strings.ToLower(step)
	var out []string
	for _, name := range suggested {
		words := strings.ReplaceAll(name, "_", " ")
		if strings.Contains(lower, name) || strings.Contains(lower, words) {
			out = append(out, name)
		}
	}
	return out
}

// GeneratePlan creates a plan with the given description and steps
func (p *Planner) GeneratePlan(description string, steps []Step) (*Plan, error) {
	if description == "" {
		return nil, fmt.Errorf("plan description cannot be empty")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan must have at least one step")
	}

	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
		if steps[i].Status == "" {
			steps[i].Status = StepStatusPending
		}
	}
	if err := validateSteps(steps); err != nil {
		return nil, fmt.Errorf("invalid steps: %w", err)
	}

	return &Plan{
		ID:          uuid.New().String(),
		Description: description,
		Steps:       steps,
		CreatedAt:   time.Now(),
	}, nil
}

func validateSteps(steps []Step) error {
	ids := make(map[string]bool, len(steps))
	for _, step := range steps {
		if ids[step.ID] {
			return fmt.Errorf("duplicate step ID: %s", step.ID)
		}
		ids[step.ID] = true
	}
	for _, step := range steps {
		for _, dep := range step.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("step %s depends on non-existent step: %s", step.ID, dep)
			}
		}
	}
	if _, err := executionOrder(steps); err != nil {
		return err
	}
	return nil
}

// ExecutionOrder groups the plan's steps into levels; the steps of one
// level only depend on earlier levels.
func (p *Plan) ExecutionOrder() ([][]string, error) {
	return executionOrder(p.Steps)
}

func executionOrder(steps []Step) ([][]string, error) {
	dependents := make(map[string][]string, len(steps))
	inDegree := make(map[string]int, len(steps))
	for _, step := range steps {
		for _, dep := range step.Dependencies {
			dependents[dep] = append(dependents[dep], step.ID)
			inDegree[step.ID]++
		}
	}

	// seed in declaration order so levels are deterministic
	var queue []string
	for _, step := range steps {
		if inDegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	var levels [][]string
	seen := 0
	for len(queue) > 0 {
		levels = append(levels, queue)
		seen += len(queue)
		var next []string
		for _, id := range queue {
			for _, d := range dependents[id] {
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		queue = next
	}
	if seen != len(steps) {
		return nil, fmt.Errorf("circular dependency among plan steps")
	}
	return levels, nil
}

// Render formats the plan as a numbered list for the system block.
func (p *Plan) Render() string {
	if p == nil || len(p.Steps) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Work through this plan in order, one step at a time:\n")
	for i, s := range p.Steps {
		fmt.Fprintf(&sb, "%d. %s", i+1, s.Description)
		if len(s.Tools) > 0 {
			fmt.Fprintf(&sb, " (tools: %s)", strings.Join(s.Tools, ", "))
		}
		if i < len(p.Steps)-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
