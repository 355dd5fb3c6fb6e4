package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder maps text onto a few keyword axes so similarity is predictable.
type hashEmbedder struct {
	fail bool
}

var axes = []string{"refund", "shipping", "password", "weather"}

func (h *hashEmbedder) Dimension() int { return len(axes) }

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if h.fail {
		return nil, errors.New("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(axes))
		lower := strings.ToLower(t)
		for j, a := range axes {
			if strings.Contains(lower, a) {
				v[j] = 1
			}
		}
		v[len(v)-1] += 0.01
		out[i] = v
	}
	return out, nil
}

func setupTestStore(t *testing.T, files map[string]string, emb Embedder) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	st, err := New(Config{
		Dir:      dir,
		DBPath:   filepath.Join(t.TempDir(), "knowledge.db"),
		Embedder: emb,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, dir
}

var corpus = map[string]string{
	"policy/refunds.md": "# Refunds\nRefund requests are accepted within 30 days of purchase.",
	"policy/shipping.md": "# Shipping\nShipping takes 3-5 business days.",
	"faq.txt":            "To reset your password, open settings.",
	"notes/ignored.json": `{"refund": true}`,
	"cn/公司.md":           "我们公司的客服电话是 400-123-4567。",
}

func TestStore_KeywordSearch(t *testing.T) {
	st, _ := setupTestStore(t, corpus, nil)
	ctx := context.Background()

	t.Run("should find the matching document first", func(t *testing.T) {
		results, err := st.Search(ctx, "how do I get a refund?", 3)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "policy/refunds.md", results[0].Source)
		assert.Nil(t, results[0].VectorScore)
		assert.NotNil(t, results[0].KeywordScore)
	})

	t.Run("should only index matching patterns", func(t *testing.T) {
		status := st.Status()
		assert.Equal(t, 4, status.TotalFiles)
		assert.False(t, status.Dirty)
	})

	t.Run("should match CJK text by substring", func(t *testing.T) {
		results, err := st.Search(ctx, "客服电话", 3)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "cn/公司.md", results[0].Source)
	})

	t.Run("should tolerate FTS syntax characters", func(t *testing.T) {
		_, err := st.Search(ctx, `password" OR (*`, 3)
		assert.NoError(t, err)
	})

	t.Run("should return nothing for empty queries", func(t *testing.T) {
		results, err := st.Search(ctx, "   ", 3)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestStore_SubstringFallback(t *testing.T) {
	st, dir := setupTestStore(t, corpus, nil)
	ctx := context.Background()
	// as if the driver had been built without the sqlite_fts5 tag
	st.fts = false

	t.Run("should rank by matched terms", func(t *testing.T) {
		results, err := st.Search(ctx, "how do I get a refund?", 3)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "policy/refunds.md", results[0].Source)
		assert.False(t, st.Status().FullText)
	})

	t.Run("should follow file changes", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dir, "faq.txt")))
		st.MarkDirty()
		results, err := st.Search(ctx, "password", 3)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestSignificantTerms(t *testing.T) {
	assert.Equal(t, []string{"get", "refund"}, significantTerms([]string{"i", "get", "a", "refund"}))
	assert.Equal(t, []string{"客服"}, significantTerms([]string{"客服", "an"}))
	assert.Empty(t, significantTerms([]string{"a", "is"}))
}

func TestStore_SyncTracksChanges(t *testing.T) {
	st, dir := setupTestStore(t, corpus, nil)
	ctx := context.Background()
	require.NoError(t, st.Sync(ctx))

	require.NoError(t, os.Remove(filepath.Join(dir, "faq.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy/shipping.md"), []byte("Shipping is free on weekends."), 0o644))
	st.MarkDirty()

	results, err := st.Search(ctx, "password", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = st.Search(ctx, "weekends", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "policy/shipping.md", results[0].Source)
	assert.Equal(t, 3, st.Status().TotalFiles)
}

func TestStore_HybridSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("should combine vector and keyword scores", func(t *testing.T) {
		st, _ := setupTestStore(t, corpus, &hashEmbedder{})
		results, err := st.Search(ctx, "refund", 2)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "policy/refunds.md", results[0].Source)
		assert.NotNil(t, results[0].VectorScore)
		assert.NotNil(t, results[0].KeywordScore)
	})

	t.Run("should degrade to keyword search when embedding fails", func(t *testing.T) {
		emb := &hashEmbedder{}
		st, _ := setupTestStore(t, corpus, emb)
		require.NoError(t, st.Sync(ctx))
		emb.fail = true

		results, err := st.Search(ctx, "shipping", 2)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "policy/shipping.md", results[0].Source)
	})
}

func TestChunkContent(t *testing.T) {
	t.Run("should keep short documents whole", func(t *testing.T) {
		chunks := chunkContent("one\ntwo\n")
		require.Len(t, chunks, 1)
		assert.Equal(t, "one\ntwo", chunks[0].content)
	})

	t.Run("should split long documents with overlap and keep the tail", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < 60; i++ {
			b.WriteString(strings.Repeat("a", 39))
			b.WriteString("\n")
		}
		b.WriteString("tail line")
		chunks := chunkContent(b.String())
		require.Greater(t, len(chunks), 2)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c.content), maxChunkBytes+chunkOverlap)
		}
		assert.Contains(t, chunks[len(chunks)-1].content, "tail line")
	})
}

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"reset", "password"}, queryTerms("Reset password?"))
	assert.Equal(t, []string{"客服", "服电", "电话"}, queryTerms("客服电话"))
	assert.Equal(t, []string{"api", "接口"}, queryTerms("API接口"))
	assert.Empty(t, queryTerms("?!"))
}
