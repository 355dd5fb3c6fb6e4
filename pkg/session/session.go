package session

import (
	"context"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/tokens"
)

// Session is the state of one conversation. All methods are safe for
// concurrent use; callers that need several operations to be atomic with
// respect to other turns serialize on the session themselves.
type Session struct {
	mu          sync.Mutex
	id          string
	turns       []Turn
	toolResults []ToolCallRecord
	tokens      int

	// epoch increments on every prefix replacement so a compaction that
	// released the lock can detect a concurrent one.
	epoch        uint64
	compactedLen int
	loaded       bool
	cleared      bool

	createdAt time.Time
	updatedAt time.Time

	journal *Journal
	counter tokens.Counter
	logger  zerolog.Logger
}

func newSession(id string, journal *Journal, counter tokens.Counter, logger zerolog.Logger) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		compactedLen: -1,
		createdAt:    now,
		updatedAt:    now,
		journal:      journal,
		counter:      counter,
		logger:       logger,
	}
}

func (s *Session) ID() string { return s.id }

// Turns returns a copy of the turns in order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// ToolResults returns a copy of the tool call ledger.
func (s *Session) ToolResults() []ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolCallRecord(nil), s.toolResults...)
}

// TokenEstimate is the cumulative token estimate of all turns.
func (s *Session) TokenEstimate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Snapshot copies the whole state under one lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:          s.id,
		Turns:       append([]Turn(nil), s.turns...),
		ToolResults: append([]ToolCallRecord(nil), s.toolResults...),
		Tokens:      s.tokens,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
}

// AppendTurn appends t, filling in its id and timestamp when unset. A journal
// write failure is logged; the in-memory state stays authoritative.
func (s *Session) AppendTurn(ctx context.Context, t Turn) error {
	if t.ID == "" {
		t.ID = gonanoid.Must()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		return ErrSessionCleared
	}

	s.turns = append(s.turns, t)
	s.tokens += s.turnTokens(t)
	s.updatedAt = t.Timestamp

	if s.journal != nil {
		if err := s.journal.AppendTurn(s.id, t); err != nil {
			logger := tracing.LoggerFromContext(ctx, s.logger)
			logger.Error().Err(err).Msg("Failed to journal turn")
		}
	}
	return nil
}

// AppendToolResult appends one ledger record.
func (s *Session) AppendToolResult(ctx context.Context, r ToolCallRecord) error {
	if r.ID == "" {
		r.ID = gonanoid.Must()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		return ErrSessionCleared
	}

	s.toolResults = append(s.toolResults, r)
	s.updatedAt = r.Timestamp

	if s.journal != nil {
		if err := s.journal.AppendToolResult(s.id, r); err != nil {
			logger := tracing.LoggerFromContext(ctx, s.logger)
			logger.Error().Err(err).Msg("Failed to journal tool result")
		}
	}
	return nil
}

func (s *Session) turnTokens(t Turn) int {
	return s.counter.Count(t.Content)
}

func (s *Session) recountLocked() {
	total := 0
	for _, t := range s.turns {
		total += s.turnTokens(t)
	}
	s.tokens = total
}
