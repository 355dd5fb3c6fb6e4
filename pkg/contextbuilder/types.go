package contextbuilder

import (
	"context"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/knowledge"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/session"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/skills"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/workspace"
)

// Source identifies where a block came from.
type Source string

const (
	SourceMessage Source = "message"
	SourceSystem  Source = "system"
	SourceSkill   Source = "skill"
	SourceRAG     Source = "rag"
	SourceFile    Source = "file"
	SourceHistory Source = "history"
)

// Block priorities. History blocks start at PriorityHistory for the newest
// turn and lose one point per step of age, never dropping below 1. Recalled
// history starts at PriorityRecall instead.
const (
	PriorityMessage = 100
	PrioritySystem  = 90
	PrioritySkill   = 80
	PriorityRecall  = 70
	PriorityRAG     = 60
	PriorityFile    = 50
	PriorityHistory = 40
)

const truncationMarker = "...(truncated)"

// Block is one fragment of assembled context.
type Block struct {
	Source    Source
	Label     string
	Content   string
	Tokens    int
	Priority  int
	Truncated bool
	Score     float64

	role  session.Role
	order int
}

// Citation names a knowledge or file source that made it into the prompt.
type Citation struct {
	Source Source  `json:"kind"`
	Ref    string  `json:"source"`
	Score  float64 `json:"score,omitempty"`
}

// Message is one conversational entry passed to the model.
type Message struct {
	Role    session.Role
	Content string
}

// Result is the assembled context.
type Result struct {
	// System is the rendered system, skill, knowledge and file section.
	System string
	// History holds the kept turns, oldest first.
	History []Message
	Message string
	// Prompt is the full rendering: System, History and Message.
	Prompt    string
	Blocks    []Block
	Dropped   []Block
	Tokens    int
	Budget    int
	Citations []Citation
}

// Retriever is the knowledge collaborator.
type Retriever interface {
	Search(ctx context.Context, query string, limit int) ([]knowledge.SearchResult, error)
}

// SkillMatcher is the skill collaborator.
type SkillMatcher interface {
	Match(ctx context.Context, message string) ([]skills.Skill, error)
}

// FileReader is the workspace collaborator; it owns @path parsing.
type FileReader interface {
	ReadReferenced(ctx context.Context, message string) ([]workspace.File, error)
}

// Collaborators are all optional.
type Collaborators struct {
	Retriever Retriever
	Skills    SkillMatcher
	Files     FileReader
}

// Request is the input of one assembly.
type Request struct {
	System  string
	History []session.Turn
	Message string
	// SkipRetrieval suppresses the knowledge collaborator for this turn.
	SkipRetrieval bool
	// RecallHistory ranks history above retrieved and referenced content,
	// for messages that point back at the conversation.
	RecallHistory bool
}
