package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestWorkspace(t *testing.T, files map[string]string) *Reader {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	r, err := NewReader(Config{Root: root, MaxBytes: 64, MaxFiles: 3, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return r
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "should accept a relative path", path: "a/b.txt"},
		{name: "should accept a cleaned path staying inside", path: "a/../b.txt"},
		{name: "should reject parent traversal", path: "../secret", wantErr: true},
		{name: "should reject absolute paths outside", path: "/etc/passwd", wantErr: true},
		{name: "should reject urls", path: "http://x/y", wantErr: true},
		{name: "should reject empty", path: " ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(root, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got, root))
		})
	}
}

func TestReader_ReadFile(t *testing.T) {
	r := setupTestWorkspace(t, map[string]string{
		"notes.md": "hello",
		"big.txt":  strings.Repeat("z", 100),
	})

	f, err := r.ReadFile("notes.md", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", f.Content)
	assert.False(t, f.Truncated)

	f, err = r.ReadFile("big.txt", 0)
	require.NoError(t, err)
	assert.Len(t, f.Content, 64)
	assert.True(t, f.Truncated)

	_, err = r.ReadFile("../outside", 0)
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = r.ReadFile("missing.md", 0)
	assert.Error(t, err)
}

func TestReferences(t *testing.T) {
	refs := References("compare @a.go and @docs/**/*.md, then @a.go again. mail me@example.com")
	assert.Equal(t, []string{"a.go", "docs/**/*.md"}, refs)
	assert.Empty(t, References("no refs here"))
}

func TestReader_ReadReferenced(t *testing.T) {
	r := setupTestWorkspace(t, map[string]string{
		"a.go":           "package a",
		"docs/one.md":    "one",
		"docs/sub/tw.md": "two",
		"docs/x.txt":     "x",
		"e.md":           "e",
		"f.md":           "f",
	})
	ctx := context.Background()

	t.Run("should expand globs and keep order", func(t *testing.T) {
		files, err := r.ReadReferenced(ctx, "look at @a.go and @docs/**/*.md")
		require.NoError(t, err)
		require.Len(t, files, 3)
		assert.Equal(t, "a.go", files[0].Path)
		assert.Equal(t, "docs/one.md", files[1].Path)
		assert.Equal(t, "docs/sub/tw.md", files[2].Path)
	})

	t.Run("should cap the number of files", func(t *testing.T) {
		files, err := r.ReadReferenced(ctx, "@*.md @a.go @docs/x.txt @docs/one.md")
		require.NoError(t, err)
		assert.Len(t, files, 3)
	})

	t.Run("should skip missing and escaping references", func(t *testing.T) {
		files, err := r.ReadReferenced(ctx, "@missing.go @../../etc/passwd @a.go")
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "a.go", files[0].Path)
	})
}

func TestReader_Persona(t *testing.T) {
	r := setupTestWorkspace(t, map[string]string{
		"AGENTS.md": "  You are agentd.  \n",
		"SOUL.md":   "Be concise.",
	})
	assert.Equal(t, "You are agentd.\n\nBe concise.", r.Persona())

	empty := setupTestWorkspace(t, nil)
	assert.Empty(t, empty.Persona())
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	var hits atomic.Int32
	w, err := NewWatcher(WatcherConfig{
		Dir:                dir,
		StabilityThreshold: 20 * time.Millisecond,
		OnChange:           func(string) { hits.Add(1) },
		Logger:             zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	p := filepath.Join(dir, "skill.md")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(p, []byte("v"), 0o644))
	}

	assert.Eventually(t, func() bool { return hits.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	t.Run("should ignore dotfiles", func(t *testing.T) {
		assert.True(t, ignored("/x/.git"))
		assert.True(t, ignored("/x/.env"))
		assert.False(t, ignored("/x/notes.md"))
	})
}
