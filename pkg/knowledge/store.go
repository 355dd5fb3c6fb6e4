package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/bmatcuk/doublestar/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/workspace"
)

func init() {
	sqlite_vec.Auto()
}

const (
	defaultPattern   = "**/*.{md,txt}"
	defaultLimit     = 5
	candidateLimit   = 200
	defaultVecWeight = 0.7
)

// SearchResult is one retrieved chunk.
type SearchResult struct {
	ChunkID      string   `json:"chunk_id"`
	Source       string   `json:"source"`
	Content      string   `json:"content"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// Status describes the index.
type Status struct {
	TotalFiles   int        `json:"total_files"`
	TotalChunks  int        `json:"total_chunks"`
	Dirty        bool       `json:"dirty"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	CacheHitRate *float64   `json:"cache_hit_rate,omitempty"`
	FullText     bool       `json:"full_text"`
}

// Config configures a Store.
type Config struct {
	Dir    string
	DBPath string
	// Pattern selects indexed files below Dir.
	Pattern string
	// Embedder enables vector search when set.
	Embedder     Embedder
	VectorWeight float64
	Watch        bool
	Logger       zerolog.Logger
}

// Store is the document index.
type Store struct {
	db           *sql.DB
	dir          string
	pattern      string
	embedder     Embedder
	vectorWeight float64
	watcher      *workspace.Watcher
	logger       zerolog.Logger
	// fts is false when the sqlite3 driver was built without FTS5
	// (the sqlite_fts5 build tag); keyword search then matches substrings.
	fts bool

	syncMu sync.Mutex

	mu           sync.RWMutex
	dirty        bool
	lastSyncTime *time.Time
	cacheHits    int
	cacheMisses  int
}

// New opens the database and, when Watch is set, marks the index dirty on
// every change below Dir. The first search triggers the initial sync.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		return nil, errors.New("knowledge directory is required")
	}
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = defaultPattern
	}
	if cfg.VectorWeight <= 0 || cfg.VectorWeight > 1 {
		cfg.VectorWeight = defaultVecWeight
	}
	dir := workspace.ExpandHome(cfg.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create knowledge directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:           db,
		dir:          dir,
		pattern:      cfg.Pattern,
		embedder:     cfg.Embedder,
		vectorWeight: cfg.VectorWeight,
		logger:       cfg.Logger.With().Str("component", "knowledge").Logger(),
		dirty:        true,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Watch {
		w, err := workspace.NewWatcher(workspace.WatcherConfig{
			Dir:                dir,
			StabilityThreshold: 500 * time.Millisecond,
			OnChange:           func(string) { s.MarkDirty() },
			Logger:             cfg.Logger,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := w.Start(); err != nil {
			w.Stop()
			db.Close()
			return nil, err
		}
		s.watcher = w
	}

	s.logger.Info().Str("dir", dir).Bool("vector", s.embedder != nil).Msg("Knowledge store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`)
	switch {
	case err == nil:
		s.fts = true
	case strings.Contains(err.Error(), "no such module: fts5"):
		s.logger.Warn().Msg("SQLite built without FTS5, keyword search falls back to substring matching")
	default:
		return fmt.Errorf("failed to create fts table: %w", err)
	}

	if s.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.embedder.Dimension())
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

// MarkDirty schedules a sync before the next search.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Sync indexes new and changed files and prunes deleted ones.
func (s *Store) Sync(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerKnowledge, "knowledge.sync")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	start := time.Now()
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	paths, err := doublestar.Glob(os.DirFS(s.dir), s.pattern, doublestar.WithFilesOnly())
	if err != nil {
		tracing.RecordError(span, err)
		s.MarkDirty()
		return fmt.Errorf("failed to list documents: %w", err)
	}
	sort.Strings(paths)

	indexed, skipped, chunks := 0, 0, 0
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			s.MarkDirty()
			return err
		}
		ok, n, err := s.indexFile(ctx, rel)
		if err != nil {
			logger.Warn().Err(err).Str("file", rel).Msg("Failed to index file")
			tracing.RecordError(span, err)
			continue
		}
		if ok {
			indexed++
			chunks += n
		} else {
			skipped++
		}
	}

	pruned, err := s.pruneDeleted(ctx, paths)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted files")
		tracing.RecordError(span, err)
	}

	now := time.Now()
	s.mu.Lock()
	s.lastSyncTime = &now
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("knowledge.files_indexed", indexed), attribute.Int("knowledge.files_pruned", pruned))
	logger.Info().
		Int("files_indexed", indexed).
		Int("files_skipped", skipped).
		Int("chunks_created", chunks).
		Int("files_pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Knowledge sync completed")

	observability.SetKnowledgeChunks(s.Status().TotalChunks)
	return nil
}

func (s *Store) indexFile(ctx context.Context, rel string) (bool, int, error) {
	content, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(rel)))
	if err != nil {
		return false, 0, err
	}
	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])

	var existing string
	err = s.db.QueryRowContext(ctx, "SELECT content_hash FROM files WHERE path = ?", rel).Scan(&existing)
	if err == nil && existing == contentHash {
		return false, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if err := s.deleteFileTx(ctx, tx, rel); err != nil {
		return false, 0, err
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO files (path, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?)",
		rel, contentHash, time.Now().Unix(), len(content),
	)
	if err != nil {
		return false, 0, err
	}
	fileID, _ := res.LastInsertId()

	pieces := chunkContent(string(content))
	for i, c := range pieces {
		chunkID := fmt.Sprintf("%s#%d", rel, i)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (id, file_id, content, start_offset, end_offset) VALUES (?, ?, ?, ?, ?)",
			chunkID, fileID, c.content, c.startOffset, c.endOffset,
		); err != nil {
			return false, 0, err
		}
		if s.fts {
			if _, err := tx.ExecContext(ctx, "INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)", chunkID, c.content); err != nil {
				return false, 0, err
			}
		}
		if s.embedder != nil {
			if err := s.storeEmbedding(ctx, tx, chunkID, c.content); err != nil {
				s.logger.Warn().Err(err).Str("chunk", chunkID).Msg("Failed to store embedding")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(pieces), nil
}

// deleteFileTx removes a file and every index row derived from it. FTS and
// vec0 virtual tables are not covered by the foreign key cascade.
func (s *Store) deleteFileTx(ctx context.Context, tx *sql.Tx, rel string) error {
	rows, err := tx.QueryContext(ctx, "SELECT c.id FROM chunks c JOIN files f ON c.file_id = f.id WHERE f.path = ?", rel)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if s.fts {
			if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE chunk_id = ?", id); err != nil {
				return err
			}
		}
		if s.embedder != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE chunk_id = ?", id); err != nil {
				return err
			}
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE path = ?)", rel); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", rel)
	return err
}

func (s *Store) storeEmbedding(ctx context.Context, tx *sql.Tx, chunkID, content string) error {
	sum := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(sum[:])

	var cached []byte
	var vec []float32
	err := tx.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cached)
	if err == nil {
		s.recordCache(true)
		if err := json.Unmarshal(cached, &vec); err != nil {
			return fmt.Errorf("failed to unmarshal cached embedding: %w", err)
		}
	} else {
		s.recordCache(false)
		vecs, err := s.embedder.Embed(ctx, []string{content})
		if err != nil {
			return err
		}
		vec = vecs[0]
		data, err := json.Marshal(vec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash, data, len(vec), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	data, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO embeddings (chunk_id, embedding) VALUES (?, ?)", chunkID, string(data)); err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

func (s *Store) recordCache(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.cacheHits++
	} else {
		s.cacheMisses++
	}
}

func (s *Store) pruneDeleted(ctx context.Context, existing []string) (int, error) {
	keep := make(map[string]bool, len(existing))
	for _, p := range existing {
		keep[p] = true
	}

	rows, err := s.db.QueryContext(ctx, "SELECT path FROM files")
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[p] {
			stale = append(stale, p)
		}
	}
	rows.Close()

	for _, p := range stale {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		if err := s.deleteFileTx(ctx, tx, p); err != nil {
			tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Status reports index counts.
func (s *Store) Status() Status {
	s.mu.RLock()
	st := Status{Dirty: s.dirty, LastSyncTime: s.lastSyncTime, FullText: s.fts}
	total := s.cacheHits + s.cacheMisses
	if total > 0 {
		rate := float64(s.cacheHits) / float64(total)
		st.CacheHitRate = &rate
	}
	s.mu.RUnlock()

	_ = s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&st.TotalFiles)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&st.TotalChunks)
	return st
}

// Close stops the watcher and closes the database.
func (s *Store) Close() error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.logger.Info().Msg("Knowledge store closed")
	return s.db.Close()
}
