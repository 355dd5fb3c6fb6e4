package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/intent"
)

func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Config{Logger: zerolog.Nop(), DefaultTimeout: time.Second})
}

func echoTool(name, description string) Descriptor {
	return NewTool(name).
		Describe(description).
		Param("text", "string", "text to echo", true).
		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
			return args["text"].(string), nil
		}).
		Build()
}

func TestRegistry_Register(t *testing.T) {
	t.Run("should reject invalid descriptors", func(t *testing.T) {
		reg := setupTestRegistry(t)

		tests := []struct {
			name string
			desc Descriptor
		}{
			{"empty name", echoTool("", "x")},
			{"empty description", echoTool("echo", "")},
			{"nil invoke", NewTool("echo").Describe("x").Build()},
			{"bad param type", NewTool("echo").Describe("x").Param("a", "uuid", "a", true).Invoke(noop).Build()},
			{"bad permission", NewTool("echo").Describe("x").Permission("admin").Invoke(noop).Build()},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Error(t, reg.Register(tt.desc))
			})
		}
	})

	t.Run("should replace on re-registration and keep the original position", func(t *testing.T) {
		reg := setupTestRegistry(t)
		require.NoError(t, reg.Register(echoTool("a", "first a")))
		require.NoError(t, reg.Register(echoTool("b", "b")))
		require.NoError(t, reg.Register(echoTool("a", "second a")))

		list := reg.List()
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].Name)
		assert.Equal(t, "second a", list[0].Description)
		assert.Equal(t, []string{"a", "b"}, reg.Names())
	})

	t.Run("should unregister and toggle tools", func(t *testing.T) {
		reg := setupTestRegistry(t)
		require.NoError(t, reg.Register(echoTool("a", "a")))

		require.NoError(t, reg.Disable("a"))
		assert.Empty(t, reg.Names())
		require.NoError(t, reg.Enable("a"))
		assert.Equal(t, []string{"a"}, reg.Names())

		assert.True(t, reg.Unregister("a"))
		assert.False(t, reg.Unregister("a"))
		assert.ErrorIs(t, reg.Enable("a"), ErrToolNotFound)
	})

	t.Run("should expose the argument schema", func(t *testing.T) {
		reg := setupTestRegistry(t)
		require.NoError(t, reg.Register(echoTool("echo", "echo")))

		doc, ok := reg.Schema("echo")
		require.True(t, ok)
		assert.Equal(t, "object", doc["type"])
		assert.Equal(t, []string{"text"}, doc["required"])
	})
}

func noop(ctx context.Context, args map[string]interface{}) (string, error) { return "", nil }

func TestRegistry_Invoke(t *testing.T) {
	reg := setupTestRegistry(t)
	require.NoError(t, reg.Register(echoTool("echo", "echo text")))
	require.NoError(t, reg.Register(NewTool("fail").Describe("always fails").
		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", errors.New("disk on fire")
		}).Build()))
	require.NoError(t, reg.Register(NewTool("panics").Describe("panics").
		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
			panic("boom")
		}).Build()))
	require.NoError(t, reg.Register(NewTool("slow").Describe("sleeps").Timeout(20*time.Millisecond).
		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}).Build()))
	require.NoError(t, reg.Register(NewTool("big").Describe("large output").
		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
			return strings.Repeat("x", DefaultMaxOutputBytes*2), nil
		}).Build()))

	tests := []struct {
		name    string
		tool    string
		args    map[string]interface{}
		success bool
		errIs   error
	}{
		{"should succeed with valid arguments", "echo", map[string]interface{}{"text": "hi"}, true, nil},
		{"should reject missing arguments", "echo", map[string]interface{}{}, false, ErrInvalidArguments},
		{"should reject wrong argument types", "echo", map[string]interface{}{"text": 3}, false, ErrInvalidArguments},
		{"should reject unknown arguments", "echo", map[string]interface{}{"text": "a", "x": 1}, false, ErrInvalidArguments},
		{"should report tool errors", "fail", nil, false, ErrToolExecution},
		{"should recover panics", "panics", nil, false, ErrToolExecution},
		{"should time out", "slow", nil, false, ErrToolTimeout},
		{"should report unknown tools", "missing", nil, false, ErrToolNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := reg.Invoke(context.Background(), tt.tool, tt.args)
			assert.Equal(t, tt.success, res.Success)
			if tt.errIs != nil {
				assert.ErrorIs(t, res.Err, tt.errIs)
				assert.NotEmpty(t, res.Error)
				assert.True(t, strings.HasPrefix(res.Observation(), "Error: "))
			}
		})
	}

	t.Run("should truncate large output", func(t *testing.T) {
		res := reg.Invoke(context.Background(), "big", nil)
		require.True(t, res.Success)
		assert.True(t, res.Truncated)
		assert.True(t, strings.HasSuffix(res.Output, truncationMarker))
	})

	t.Run("should track call statistics", func(t *testing.T) {
		stats := reg.Stats()
		assert.Equal(t, 4, stats["echo"].Calls)
		assert.Equal(t, 3, stats["echo"].Failures)
		assert.Equal(t, 1, stats["fail"].Failures)
	})
}

func TestRegistry_Select(t *testing.T) {
	reg := setupTestRegistry(t)
	require.NoError(t, reg.Register(NewTool("calculator").Describe("Evaluate an arithmetic expression").
		Category(CategoryMath).Keywords("计算", "math").Invoke(noop).Build()))
	require.NoError(t, reg.Register(NewTool("current_time").Describe("Return the current date and time").
		Category(CategoryTime).Invoke(noop).Build()))
	require.NoError(t, reg.Register(NewTool("write_note").Describe("Write a note to disk").
		Permission(PermissionWrite).Invoke(noop).Build()))
	require.NoError(t, reg.Register(NewTool("shell").Describe("Run a shell command").
		Permission(PermissionExecute).Invoke(noop).Build()))

	t.Run("should rank suggested tools first", func(t *testing.T) {
		got := reg.Select(context.Background(), "2+2?", intent.Intent{SuggestedTools: []string{"calculator"}}, 2)
		require.Len(t, got, 2)
		assert.Equal(t, "calculator", got[0].Name)
	})

	t.Run("should rank by keyword overlap", func(t *testing.T) {
		got := reg.Select(context.Background(), "what is the current time", intent.Intent{}, 1)
		require.Len(t, got, 1)
		assert.Equal(t, "current_time", got[0].Name)
	})

	t.Run("should match cjk keywords", func(t *testing.T) {
		got := reg.Select(context.Background(), "帮我计算一下", intent.Intent{}, 1)
		require.Len(t, got, 1)
		assert.Equal(t, "calculator", got[0].Name)
	})

	t.Run("should break ties by registration order", func(t *testing.T) {
		got := reg.Select(context.Background(), "zzz", intent.Intent{}, 0)
		names := make([]string, len(got))
		for i, d := range got {
			names[i] = d.Name
		}
		assert.Equal(t, []string{"calculator", "current_time", "write_note", "shell"}, names)
	})

	t.Run("should filter by permission before ranking", func(t *testing.T) {
		got := reg.Select(context.Background(), "run a shell command", intent.Intent{}, 0, PermissionRead)
		for _, d := range got {
			assert.Equal(t, PermissionRead, d.Permission)
		}
		assert.Len(t, got, 2)
	})

	t.Run("should skip disabled tools", func(t *testing.T) {
		require.NoError(t, reg.Disable("shell"))
		defer func() { _ = reg.Enable("shell") }()

		got := reg.Select(context.Background(), "run a shell command", intent.Intent{}, 0)
		for _, d := range got {
			assert.NotEqual(t, "shell", d.Name)
		}
	})
}

type fixedScorer map[string]float64

func (f fixedScorer) Score(ctx context.Context, message string, d Descriptor) (float64, error) {
	if s, ok := f[d.Name]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("no score for %s", d.Name)
}

func TestRegistry_SemanticScorer(t *testing.T) {
	reg := New(Config{Logger: zerolog.Nop(), Scorer: fixedScorer{"b": 1}, SemanticWeight: 0.5})
	require.NoError(t, reg.Register(echoTool("a", "alpha")))
	require.NoError(t, reg.Register(echoTool("b", "beta")))

	ranked := reg.Rank(context.Background(), "unrelated words", intent.Intent{})
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].Name)
	assert.InDelta(t, 0.5, ranked[0].Score, 1e-9)
	assert.Zero(t, ranked[1].Score)
}

func TestRegistry_ConcurrentSelectAndRegister(t *testing.T) {
	reg := setupTestRegistry(t)
	require.NoError(t, reg.Register(echoTool("base", "base tool")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(echoTool(fmt.Sprintf("tool_%d", i), "dynamic tool"))
		}(i)
		go func() {
			defer wg.Done()
			got := reg.Select(context.Background(), "base tool", intent.Intent{}, 3)
			assert.NotEmpty(t, got)
		}()
	}
	wg.Wait()
	assert.Len(t, reg.List(), 21)
}

func TestTerms(t *testing.T) {
	terms := Terms("Current_time: 帮我计算 the value")
	for _, want := range []string{"current", "time", "帮我", "我计", "计算", "value"} {
		assert.Contains(t, terms, want)
	}
	assert.NotContains(t, terms, "the")
}
