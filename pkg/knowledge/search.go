package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
)

type scoredChunk struct {
	id      string
	vector  *float64
	keyword *float64
	score   float64
}

// Search returns up to limit chunks ranked by the weighted sum of normalized
// vector similarity and keyword relevance. A dirty index is synced first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerKnowledge, "knowledge.search",
		attribute.Int("query.length", len(query)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() { observability.RecordKnowledgeSearch(time.Since(start)) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if dirty {
		if err := s.Sync(ctx); err != nil {
			logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	var (
		wg                    sync.WaitGroup
		vectorHits            map[string]float64
		keywordHits           map[string]float64
		vectorErr, keywordErr error
	)
	if s.embedder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorHits, vectorErr = s.vectorSearch(ctx, query)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		keywordHits, keywordErr = s.keywordSearch(ctx, query)
	}()
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed")
	}
	if keywordErr != nil && (s.embedder == nil || vectorErr != nil) {
		err := fmt.Errorf("knowledge search failed: %w", keywordErr)
		tracing.RecordError(span, err)
		return nil, err
	}

	vw := s.vectorWeight
	if s.embedder == nil || vectorErr != nil {
		vw = 0
	}
	results, err := s.hydrate(ctx, merge(vectorHits, keywordHits, vw), limit)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("knowledge.results", len(results)))
	logger.Debug().Int("results", len(results)).Msg("Knowledge search completed")
	return results, nil
}

// merge normalizes both score sets to [0,1] and combines them.
func merge(vector, keyword map[string]float64, vectorWeight float64) []scoredChunk {
	maxKeyword := 0.0
	for _, v := range keyword {
		if v > maxKeyword {
			maxKeyword = v
		}
	}

	ids := make(map[string]struct{}, len(vector)+len(keyword))
	for id := range vector {
		ids[id] = struct{}{}
	}
	for id := range keyword {
		ids[id] = struct{}{}
	}

	out := make([]scoredChunk, 0, len(ids))
	for id := range ids {
		c := scoredChunk{id: id}
		var nv, nk float64
		if sim, ok := vector[id]; ok {
			nv = (sim + 1) / 2
			c.vector = &nv
		}
		if k, ok := keyword[id]; ok {
			if maxKeyword > 0 {
				nk = k / maxKeyword
			}
			c.keyword = &nk
		}
		c.score = nv*vectorWeight + nk*(1-vectorWeight)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

func (s *Store) hydrate(ctx context.Context, scored []scoredChunk, limit int) ([]SearchResult, error) {
	if len(scored) > limit {
		scored = scored[:limit]
	}
	results := make([]SearchResult, 0, len(scored))
	for _, c := range scored {
		var content, path string
		err := s.db.QueryRowContext(ctx,
			"SELECT c.content, f.path FROM chunks c JOIN files f ON c.file_id = f.id WHERE c.id = ?", c.id,
		).Scan(&content, &path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn().Err(err).Str("chunk_id", c.id).Msg("Failed to fetch chunk")
			continue
		}
		results = append(results, SearchResult{
			ChunkID:      c.id,
			Source:       path,
			Content:      content,
			Score:        c.score,
			VectorScore:  c.vector,
			KeywordScore: c.keyword,
		})
	}
	return results, nil
}

func (s *Store) vectorSearch(ctx context.Context, query string) (map[string]float64, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	data, err := json.Marshal(vecs[0])
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?`, string(data), candidateLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make(map[string]float64)
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		hits[id] = 1 - distance
	}
	return hits, rows.Err()
}

// keywordSearch ranks with FTS5 BM25 and falls back to substring matching for
// scripts the unicode61 tokenizer does not segment, such as CJK, or when the
// driver lacks FTS5 altogether.
func (s *Store) keywordSearch(ctx context.Context, query string) (map[string]float64, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return map[string]float64{}, nil
	}
	if s.fts {
		hits, err := s.bm25(ctx, terms)
		if err != nil || len(hits) > 0 {
			return hits, err
		}
	}
	return s.substringSearch(ctx, terms)
}

func (s *Store) bm25(ctx context.Context, terms []string) (map[string]float64, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?`, strings.Join(quoted, " OR "), candidateLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make(map[string]float64)
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		hits[id] = -score
	}
	return hits, rows.Err()
}

// substringSearch scores a chunk by how many terms it contains. Terms are
// already lower case; lower() folds ASCII only, which is all CJK needs.
func (s *Store) substringSearch(ctx context.Context, terms []string) (map[string]float64, error) {
	if long := significantTerms(terms); len(long) > 0 {
		terms = long
	}
	hits := make(map[string]float64)
	for _, t := range terms {
		rows, err := s.db.QueryContext(ctx, "SELECT id FROM chunks WHERE instr(lower(content), ?) > 0 LIMIT ?", t, candidateLimit)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			hits[id]++
		}
		rows.Close()
	}
	return hits, nil
}

// significantTerms drops one and two letter ASCII words, which match nearly
// every chunk as substrings. Any Han character is at least three bytes.
func significantTerms(terms []string) []string {
	var out []string
	for _, t := range terms {
		if len(t) >= 3 {
			out = append(out, t)
		}
	}
	return out
}

// queryTerms splits on anything that is not a letter or digit. Han runs are
// split into overlapping bigrams so partial phrases still match.
func queryTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}

	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		var latin []rune
		var han []rune
		flush := func() {
			if len(latin) > 0 {
				add(string(latin))
				latin = latin[:0]
			}
			switch {
			case len(han) == 1:
				add(string(han))
			case len(han) > 1:
				for i := 0; i+1 < len(han); i++ {
					add(string(han[i : i+2]))
				}
			}
			han = han[:0]
		}
		for _, r := range f {
			if unicode.Is(unicode.Han, r) {
				if len(latin) > 0 {
					add(string(latin))
					latin = latin[:0]
				}
				han = append(han, r)
				continue
			}
			if len(han) > 0 {
				flush()
			}
			latin = append(latin, r)
		}
		flush()
	}
	return terms
}
