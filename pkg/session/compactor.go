package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/tokens"
)

const (
	defaultPreserveRecent = 4
	defaultThreshold      = 6000
	defaultTimeout        = 30 * time.Second

	maxSummaryRunes   = 1000
	prunedOutputRunes = 500
)

// Mode describes what a compaction did.
type Mode string

const (
	ModeSummary    Mode = "summary"
	ModeTruncation Mode = "truncation"
	ModeNoop       Mode = "noop"
)

// CompactionResult reports one compaction.
type CompactionResult struct {
	OriginalMessages  int
	CompactedMessages int
	OriginalTokens    int
	CompactedTokens   int
	PreservedCount    int
	SummarizedCount   int
	PrunedCount       int
	Mode              Mode
	Fallback          bool
	Summary           string
}

// CompressionRatio is compacted tokens over original tokens.
func (r CompactionResult) CompressionRatio() float64 {
	if r.OriginalTokens == 0 {
		return 1
	}
	return float64(r.CompactedTokens) / float64(r.OriginalTokens)
}

// Summarizer condenses a prefix of turns into one paragraph.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// CompactorConfig configures a Compactor.
type CompactorConfig struct {
	// Summarizer is optional; without one compaction always truncates.
	Summarizer     Summarizer
	PreserveRecent int
	Threshold      int
	Timeout        time.Duration
	Counter        tokens.Counter
	Logger         zerolog.Logger
}

// Compactor replaces old turns of a session with one summary turn.
type Compactor struct {
	summarizer     Summarizer
	preserveRecent int
	threshold      int
	timeout        time.Duration
	counter        tokens.Counter
	logger         zerolog.Logger
}

// NewCompactor creates a Compactor, filling zero values with defaults.
func NewCompactor(cfg CompactorConfig) *Compactor {
	if cfg.PreserveRecent <= 0 {
		cfg.PreserveRecent = defaultPreserveRecent
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.NewEstimator(0)
	}
	observability.EnsureRegistered()
	return &Compactor{
		summarizer:     cfg.Summarizer,
		preserveRecent: cfg.PreserveRecent,
		threshold:      cfg.Threshold,
		timeout:        cfg.Timeout,
		counter:        cfg.Counter,
		logger:         cfg.Logger.With().Str("component", "compactor").Logger(),
	}
}

// ShouldCompact reports whether s exceeds the token threshold and has turns
// beyond the preserved window that were not compacted yet.
func (c *Compactor) ShouldCompact(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.turns)
	return s.tokens > c.threshold && n > c.preserveRecent+1 && n != s.compactedLen
}

// Compact summarizes every turn but the most recent PreserveRecent into one
// summary turn. Without force it only acts above the token threshold. It
// never returns an error: summarization failures degrade to truncation.
func (c *Compactor) Compact(ctx context.Context, s *Session, force bool) CompactionResult {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.compact",
		attribute.String("session_id", s.ID()),
		attribute.Bool("force", force),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger).With().Str("session_id", s.ID()).Logger()

	s.mu.Lock()
	n := len(s.turns)
	noop := CompactionResult{
		OriginalMessages:  n,
		CompactedMessages: n,
		OriginalTokens:    s.tokens,
		CompactedTokens:   s.tokens,
		Mode:              ModeNoop,
	}
	switch {
	case s.cleared, n <= c.preserveRecent, n == s.compactedLen:
		s.mu.Unlock()
		observability.RecordCompaction(string(ModeNoop), 1)
		return noop
	case !force && s.tokens <= c.threshold:
		s.mu.Unlock()
		observability.RecordCompaction(string(ModeNoop), 1)
		return noop
	}
	cut := n - c.preserveRecent
	prefix := append([]Turn(nil), s.turns[:cut]...)
	epoch := s.epoch
	originalTokens := s.tokens
	s.mu.Unlock()

	prefix, pruned := pruneToolOutputs(prefix)

	mode := ModeTruncation
	fallback := false
	summary := ""
	if c.summarizer != nil {
		sumCtx, cancel := context.WithTimeout(ctx, c.timeout)
		text, err := c.summarizer.Summarize(sumCtx, prefix)
		cancel()
		if err == nil && strings.TrimSpace(text) == "" {
			err = errors.New("empty summary")
		}
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrCompactionFailed, err)
			tracing.RecordError(span, err)
			logger.Warn().Err(err).Int("turns_lost_detail", len(prefix)).Msg("Summarization failed, falling back to truncation")
			fallback = true
		} else {
			mode = ModeSummary
			summary = truncateRunes(strings.TrimSpace(text), maxSummaryRunes)
		}
	}
	if summary == "" {
		summary = SimpleSummary(prefix)
	}

	summaryTurn := Turn{
		Role:      RoleAssistant,
		Content:   "[Conversation summary] " + summary,
		Timestamp: time.Now(),
		Summary:   true,
		Metadata:  map[string]interface{}{"summarized_turns": len(prefix)},
	}

	s.mu.Lock()
	if s.cleared || s.epoch != epoch {
		// another compaction or a clear won the race
		s.mu.Unlock()
		logger.Debug().Msg("Session changed during compaction, skipping")
		observability.RecordCompaction(string(ModeNoop), 1)
		return noop
	}
	summaryTurn.ID = fmt.Sprintf("summary-%d", summaryTurn.Timestamp.UnixNano())
	rest := s.turns[cut:]
	turns := make([]Turn, 0, len(rest)+1)
	turns = append(turns, summaryTurn)
	turns = append(turns, rest...)
	s.turns = turns
	s.epoch++
	s.compactedLen = len(turns)
	s.recountLocked()
	s.updatedAt = time.Now()

	result := CompactionResult{
		OriginalMessages:  n,
		CompactedMessages: len(turns),
		OriginalTokens:    originalTokens,
		CompactedTokens:   s.tokens,
		PreservedCount:    len(rest),
		SummarizedCount:   cut,
		PrunedCount:       pruned,
		Mode:              mode,
		Fallback:          fallback,
		Summary:           summary,
	}

	if s.journal != nil {
		if err := s.journal.Rewrite(s.id, turns, s.toolResults); err != nil {
			logger.Error().Err(err).Msg("Failed to rewrite journal after compaction")
		}
	}
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("compaction.mode", string(mode)),
		attribute.Int("compaction.original", result.OriginalMessages),
		attribute.Int("compaction.compacted", result.CompactedMessages),
	)
	observability.RecordCompaction(string(mode), result.CompressionRatio())
	logger.Info().
		Str("mode", string(mode)).
		Bool("fallback", fallback).
		Int("original_messages", result.OriginalMessages).
		Int("compacted_messages", result.CompactedMessages).
		Int("original_tokens", result.OriginalTokens).
		Int("compacted_tokens", result.CompactedTokens).
		Msg("Session compacted")
	return result
}

func pruneToolOutputs(turns []Turn) ([]Turn, int) {
	pruned := 0
	for i := range turns {
		if turns[i].Role != RoleTool {
			continue
		}
		if r := []rune(turns[i].Content); len(r) > prunedOutputRunes {
			turns[i].Content = string(r[:prunedOutputRunes]) + "...(pruned)"
			pruned++
		}
	}
	return turns, pruned
}

// SimpleSummary is the deterministic summary used when no summarizer is
// configured or it fails.
func SimpleSummary(turns []Turn) string {
	var users, assistants, tools int
	var requests []string
	var toolNames []string
	seen := make(map[string]bool)

	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			users++
			if len(requests) < 3 {
				requests = append(requests, truncateRunes(strings.TrimSpace(t.Content), 100))
			}
		case RoleAssistant:
			assistants++
		case RoleTool:
			tools++
			if name, ok := t.Metadata[MetaToolName].(string); ok && !seen[name] {
				seen[name] = true
				toolNames = append(toolNames, name)
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Earlier conversation: %d messages (%d user, %d assistant, %d tool).", len(turns), users, assistants, tools)
	if len(requests) > 0 {
		b.WriteString(" User requests: ")
		b.WriteString(strings.Join(requests, "; "))
		b.WriteString(".")
	}
	if len(toolNames) > 0 {
		b.WriteString(" Tools used: ")
		b.WriteString(strings.Join(toolNames, ", "))
		b.WriteString(".")
	}
	return truncateRunes(b.String(), maxSummaryRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
