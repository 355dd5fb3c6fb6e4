package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/knowledge"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/toolregistry"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/workspace"
)

type stubSearcher struct {
	results []knowledge.SearchResult
	err     error
	query   string
	limit   int
}

func (s *stubSearcher) Search(_ context.Context, query string, limit int) ([]knowledge.SearchResult, error) {
	s.query, s.limit = query, limit
	return s.results, s.err
}

func setupTestRegistry(t *testing.T, opts Options) *toolregistry.Registry {
	t.Helper()
	reg := toolregistry.New(toolregistry.Config{Logger: zerolog.Nop()})
	require.NoError(t, Register(reg, opts))
	return reg
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"2+2", "4"},
		{"2 + 3 * 4", "14"},
		{"(2+3)*4", "20"},
		{"10 / 4", "2.5"},
		{"2^3^2", "512"},
		{"-2^2", "-4"},
		{"7 % 3", "1"},
		{"3×4÷2", "6"},
		{"（1+2）*3", "9"},
		{"0.1+0.2", "0.3"},
		{"2**10", "1024"},
		{"1+1=", "2"},
		{"--3", "3"},
	}
	for _, tt := range tests {
		t.Run("should evaluate "+tt.expr, func(t *testing.T) {
			v, err := Evaluate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, FormatNumber(v))
		})
	}

	errCases := []string{"", "1/0", "5%0", "2+", "(1+2", "abc", "1 2", "1..2"}
	for _, expr := range errCases {
		t.Run("should reject "+expr, func(t *testing.T) {
			_, err := Evaluate(expr)
			assert.Error(t, err)
		})
	}
	_, err := Evaluate("1/0")
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestBuiltins(t *testing.T) {
	t.Run("should register only tools with backing components", func(t *testing.T) {
		reg := setupTestRegistry(t, Options{})
		assert.Equal(t, []string{"calculator", "current_time"}, reg.Names())
	})

	t.Run("should register every tool when configured", func(t *testing.T) {
		ws, err := workspace.NewReader(workspace.Config{Root: t.TempDir(), Logger: zerolog.Nop()})
		require.NoError(t, err)
		reg := setupTestRegistry(t, Options{Workspace: ws, Knowledge: &stubSearcher{}})
		assert.ElementsMatch(t, []string{"calculator", "current_time", "knowledge_search", "read_file"}, reg.Names())
	})
}

func TestCalculatorTool(t *testing.T) {
	reg := setupTestRegistry(t, Options{})
	ctx := context.Background()

	res := reg.Invoke(ctx, "calculator", map[string]interface{}{"expression": "2+2"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "4", res.Output)

	res = reg.Invoke(ctx, "calculator", map[string]interface{}{"expression": "1/0"})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, toolregistry.ErrToolExecution)
	assert.Contains(t, res.Observation(), "division by zero")

	res = reg.Invoke(ctx, "calculator", map[string]interface{}{})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, toolregistry.ErrInvalidArguments)
}

func TestCurrentTimeTool(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	reg := setupTestRegistry(t, Options{Location: time.UTC, Now: func() time.Time { return fixed }})
	ctx := context.Background()

	res := reg.Invoke(ctx, "current_time", map[string]interface{}{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "2024-03-01 08:30:00 UTC (Friday)", res.Output)

	res = reg.Invoke(ctx, "current_time", map[string]interface{}{"timezone": "Asia/Shanghai"})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "2024-03-01 16:30:00")

	res = reg.Invoke(ctx, "current_time", map[string]interface{}{"timezone": "Mars/Olympus"})
	assert.False(t, res.Success)
}

func TestKnowledgeSearchTool(t *testing.T) {
	ctx := context.Background()

	t.Run("should format passages with sources", func(t *testing.T) {
		s := &stubSearcher{results: []knowledge.SearchResult{{Source: "faq.md", Content: "Refunds within 30 days.", Score: 0.9}}}
		reg := setupTestRegistry(t, Options{Knowledge: s})

		res := reg.Invoke(ctx, "knowledge_search", map[string]interface{}{"query": "refund", "limit": float64(2)})
		require.True(t, res.Success, res.Error)
		assert.Contains(t, res.Output, "[1] faq.md")
		assert.Contains(t, res.Output, "Refunds within 30 days.")
		assert.Equal(t, "refund", s.query)
		assert.Equal(t, 2, s.limit)
	})

	t.Run("should report an empty result", func(t *testing.T) {
		reg := setupTestRegistry(t, Options{Knowledge: &stubSearcher{}})
		res := reg.Invoke(ctx, "knowledge_search", map[string]interface{}{"query": "nothing"})
		require.True(t, res.Success)
		assert.Equal(t, "No relevant passages found.", res.Output)
	})

	t.Run("should surface search errors as failures", func(t *testing.T) {
		reg := setupTestRegistry(t, Options{Knowledge: &stubSearcher{err: errors.New("db locked")}})
		res := reg.Invoke(ctx, "knowledge_search", map[string]interface{}{"query": "x"})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "db locked")
	})
}

func TestReadFileTool(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("remember the milk"), 0o644))
	ws, err := workspace.NewReader(workspace.Config{Root: root, Logger: zerolog.Nop()})
	require.NoError(t, err)
	reg := setupTestRegistry(t, Options{Workspace: ws})
	ctx := context.Background()

	res := reg.Invoke(ctx, "read_file", map[string]interface{}{"path": "notes.md"})
	require.True(t, res.Success, res.Error)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.Output), &out))
	assert.Equal(t, "remember the milk", out["content"])
	assert.Equal(t, false, out["truncated"])

	res = reg.Invoke(ctx, "read_file", map[string]interface{}{"path": "../../etc/passwd"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "outside workspace root")
}
