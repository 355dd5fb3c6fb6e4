package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/tokens"
)

// Config configures a Store.
type Config struct {
	// Dir enables the JSONL journal when set.
	Dir     string
	Fsync   bool
	Counter tokens.Counter
	Logger  zerolog.Logger
}

// Store maps session ids to sessions. The map lock is only held for lookups
// and inserts; all per-session work happens under the session's own mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	journal  *Journal
	counter  tokens.Counter
	logger   zerolog.Logger
}

// NewStore creates a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Counter == nil {
		cfg.Counter = tokens.NewEstimator(0)
	}
	logger := cfg.Logger.With().Str("component", "session").Logger()

	st := &Store{
		sessions: make(map[string]*Session),
		counter:  cfg.Counter,
		logger:   logger,
	}
	if cfg.Dir != "" {
		j, err := NewJournal(cfg.Dir, cfg.Fsync, logger)
		if err != nil {
			return nil, err
		}
		st.journal = j
	}

	observability.EnsureRegistered()
	logger.Info().Str("dir", cfg.Dir).Bool("journal", st.journal != nil).Msg("Session store initialized")
	return st, nil
}

// Counter is the token counter sessions are measured with.
func (st *Store) Counter() tokens.Counter { return st.counter }

// GetOrCreate returns the session for id, rehydrating it from the journal the
// first time it is seen in this process.
func (st *Store) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()

	if !ok {
		st.mu.Lock()
		if s, ok = st.sessions[id]; !ok {
			s = newSession(id, st.journal, st.counter, st.logger.With().Str("session_id", id).Logger())
			st.sessions[id] = s
		}
		count := len(st.sessions)
		st.mu.Unlock()
		observability.SetActiveSessions(count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s, nil
	}

	if st.journal != nil {
		_, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.load", attribute.String("session_id", id))
		turns, records, err := st.journal.Load(id)
		if err != nil {
			tracing.RecordError(span, err)
			span.End()
			return nil, fmt.Errorf("failed to load session %s: %w", id, err)
		}
		span.SetAttributes(attribute.Int("session.turns", len(turns)))
		span.End()
		s.turns = turns
		s.toolResults = records
		if n := len(turns); n > 0 {
			s.updatedAt = turns[n-1].Timestamp
			if turns[0].Summary {
				// a journal that starts with a summary was written by compaction
				s.compactedLen = n
			}
		}
		s.recountLocked()
	}
	s.loaded = true
	return s, nil
}

// Get returns a session already held in memory.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Clear drops one session from memory and from the journal. An in-flight turn
// still holding the session sees ErrSessionCleared on its next append.
func (st *Store) Clear(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	count := len(st.sessions)
	st.mu.Unlock()
	observability.SetActiveSessions(count)

	if ok {
		s.mu.Lock()
		s.cleared = true
		s.turns = nil
		s.toolResults = nil
		s.tokens = 0
		s.mu.Unlock()
	}
	if st.journal != nil {
		if err := st.journal.Delete(id); err != nil {
			return err
		}
	}

	observability.RecordSessionAudit(ctx, "clear", id)
	logger := tracing.LoggerFromContext(ctx, st.logger)
	logger.Info().Str("session_id", id).Msg("Session cleared")
	return nil
}

// Persistent reports whether sessions are journaled and so survive eviction.
func (st *Store) Persistent() bool { return st.journal != nil }

// Evict forgets an in-memory session without touching its journal. Without
// a journal the session is the only copy and is kept.
func (st *Store) Evict(id string) bool {
	if !st.Persistent() {
		return false
	}
	st.mu.Lock()
	_, ok := st.sessions[id]
	delete(st.sessions, id)
	count := len(st.sessions)
	st.mu.Unlock()
	if ok {
		observability.SetActiveSessions(count)
	}
	return ok
}

// IDs returns the in-memory session ids, sorted.
func (st *Store) IDs() []string {
	st.mu.RLock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Persisted lists the journaled session ids.
func (st *Store) Persisted() ([]string, error) {
	if st.journal == nil {
		return []string{}, nil
	}
	return st.journal.List()
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close releases in-memory sessions.
func (st *Store) Close() error {
	st.mu.Lock()
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	observability.SetActiveSessions(0)
	st.logger.Info().Msg("Session store closed")
	return nil
}
