package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const journalExt = ".jsonl"

type entryKind string

const (
	kindTurn       entryKind = "turn"
	kindToolResult entryKind = "tool_result"
)

// journalEntry is one JSONL line.
type journalEntry struct {
	Kind      entryKind       `json:"kind"`
	SessionID string          `json:"session_id"`
	Turn      *Turn           `json:"turn,omitempty"`
	Record    *ToolCallRecord `json:"record,omitempty"`
}

// Journal persists sessions as one JSONL file each. Writers of the same
// session are serialized by the session mutex, not by the journal.
type Journal struct {
	dir    string
	sync   bool
	logger zerolog.Logger
}

// NewJournal creates dir if needed.
func NewJournal(dir string, fsync bool, logger zerolog.Logger) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Journal{dir: dir, sync: fsync, logger: logger}, nil
}

// ValidateID rejects ids that could escape the journal directory.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: contains '..'", ErrInvalidID)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: contains path separators", ErrInvalidID)
	case strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: contains null bytes", ErrInvalidID)
	}
	return nil
}

func (j *Journal) path(id string) string {
	return filepath.Join(j.dir, id+journalExt)
}

func (j *Journal) appendEntry(e journalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	f, err := os.OpenFile(j.path(e.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if j.sync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync session file: %w", err)
		}
	}
	return nil
}

// AppendTurn persists one turn.
func (j *Journal) AppendTurn(id string, t Turn) error {
	return j.appendEntry(journalEntry{Kind: kindTurn, SessionID: id, Turn: &t})
}

// AppendToolResult persists one ledger record.
func (j *Journal) AppendToolResult(id string, r ToolCallRecord) error {
	return j.appendEntry(journalEntry{Kind: kindToolResult, SessionID: id, Record: &r})
}

// Load reads a session back. Unparseable lines are skipped and counted.
func (j *Journal) Load(id string) ([]Turn, []ToolCallRecord, error) {
	f, err := os.Open(j.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	var (
		turns   []Turn
		records []ToolCallRecord
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			skipped++
			j.logger.Warn().Str("session_id", id).Int("line", line).Err(err).Msg("Skipping unparseable journal line")
			continue
		}
		switch {
		case e.Kind == kindTurn && e.Turn != nil && e.Turn.Role != "":
			turns = append(turns, *e.Turn)
		case e.Kind == kindToolResult && e.Record != nil && e.Record.ToolName != "":
			records = append(records, *e.Record)
		default:
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if skipped > 0 {
		j.logger.Warn().Str("session_id", id).Int("skipped", skipped).Msg("Session journal had invalid entries")
	}
	return turns, records, nil
}

// Rewrite atomically replaces a session's journal with the given state.
func (j *Journal) Rewrite(id string, turns []Turn, records []ToolCallRecord) error {
	target := j.path(id)
	tmp := fmt.Sprintf("%s.%d.tmp", target, time.Now().UnixNano())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}
	for i := range turns {
		if err := enc.Encode(journalEntry{Kind: kindTurn, SessionID: id, Turn: &turns[i]}); err != nil {
			return fail(fmt.Errorf("failed to encode turn: %w", err))
		}
	}
	for i := range records {
		if err := enc.Encode(journalEntry{Kind: kindToolResult, SessionID: id, Record: &records[i]}); err != nil {
			return fail(fmt.Errorf("failed to encode tool result: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("failed to flush temp file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync temp file: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Delete removes a session's journal. Missing files are not an error.
func (j *Journal) Delete(id string) error {
	if err := os.Remove(j.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// List returns the ids of persisted sessions.
func (j *Journal) List() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), journalExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), journalExt))
	}
	return ids, nil
}
