package session

import (
	"context"
	"fmt"
	"strings"
)

const (
	summarizerSystemPrompt = "You compress conversations. Reply with the summary only."
	summarizerInstruction  = "请将以下对话内容压缩为简洁的摘要，保留关键事实、用户信息、已完成的操作和未解决的问题："

	maxTurnChars       = 500
	maxTranscriptChars = 5000
)

// TextCompleter is the single-shot completion call the LLM summarizer needs.
type TextCompleter interface {
	CompleteText(ctx context.Context, system, prompt string) (string, error)
}

// LLMSummarizer summarizes turns with a language model.
type LLMSummarizer struct {
	completer TextCompleter
}

func NewLLMSummarizer(c TextCompleter) *LLMSummarizer {
	return &LLMSummarizer{completer: c}
}

func (l *LLMSummarizer) Summarize(ctx context.Context, turns []Turn) (string, error) {
	if l.completer == nil {
		return "", fmt.Errorf("no completer configured")
	}
	return l.completer.CompleteText(ctx, summarizerSystemPrompt, buildTranscript(turns))
}

func buildTranscript(turns []Turn) string {
	var b strings.Builder
	b.WriteString(summarizerInstruction)
	b.WriteString("\n\n")
	budget := maxTranscriptChars
	for _, t := range turns {
		line := fmt.Sprintf("%s: %s\n", t.Role, truncateRunes(t.Content, maxTurnChars))
		n := len([]rune(line))
		if n > budget {
			b.WriteString(truncateRunes(line, budget))
			break
		}
		b.WriteString(line)
		budget -= n
	}
	return b.String()
}
