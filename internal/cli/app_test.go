package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpc123/agenic-chatBot-sub001/internal/config"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent/agenttest"
)

func setupTestApp(t *testing.T, provider *agenttest.Provider, mutate func(*config.Config)) *App {
	t.Helper()
	orig := newProvider
	newProvider = func(*config.Config, zerolog.Logger) (agent.LLMProvider, error) { return provider, nil }
	t.Cleanup(func() { newProvider = orig })

	dataDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Workspace.Root = filepath.Join(dataDir, "workspace")
	cfg.Knowledge.DBPath = filepath.Join(dataDir, "knowledge.db")
	cfg.LLM.Profiles = []config.LLMProfile{{ID: "test", Provider: "openai", APIKey: "sk-test"}}
	if mutate != nil {
		mutate(cfg)
	}

	app, err := NewApp(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, app.Close()) })
	return app
}

func TestNewApp(t *testing.T) {
	t.Run("should register the built-in tools", func(t *testing.T) {
		app := setupTestApp(t, agenttest.New(agenttest.Text("ok")), nil)

		names := app.Tools.Names()
		assert.Contains(t, names, "calculator")
		assert.Contains(t, names, "current_time")
		assert.Contains(t, names, "read_file")
		assert.NotContains(t, names, "knowledge_search")
		assert.Nil(t, app.Knowledge)
	})

	t.Run("should wire enabled collaborators", func(t *testing.T) {
		app := setupTestApp(t, agenttest.New(agenttest.Text("ok")), func(cfg *config.Config) {
			cfg.Knowledge.Enabled = true
			cfg.Knowledge.Dir = filepath.Join(cfg.DataDir, "kb")
			cfg.Knowledge.Watch = false
			cfg.Skills.Enabled = true
			cfg.Skills.Dir = filepath.Join(cfg.DataDir, "skills")
			cfg.Skills.Watch = false
			require.NoError(t, os.MkdirAll(cfg.Skills.Dir, 0o755))
		})

		require.NotNil(t, app.Knowledge)
		require.NotNil(t, app.Skills)
		assert.Contains(t, app.Tools.Names(), "knowledge_search")
	})

	t.Run("should continue without an unavailable knowledge store", func(t *testing.T) {
		app := setupTestApp(t, agenttest.New(agenttest.Text("ok")), func(cfg *config.Config) {
			cfg.Knowledge.Enabled = true
			cfg.Knowledge.Dir = filepath.Join(cfg.DataDir, "kb")
			cfg.Knowledge.DBPath = filepath.Join(cfg.DataDir, "missing", "dir", "knowledge.db")
			cfg.Knowledge.Watch = false
		})
		assert.Nil(t, app.Knowledge)
		assert.NotContains(t, app.Tools.Names(), "knowledge_search")
	})

	t.Run("should fail on an unknown token counter", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Engine.TokenCounter = "words"
		_, err := NewApp(cfg, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestApp_UsesWorkspacePersona(t *testing.T) {
	provider := agenttest.New(agenttest.Text("ahoy"))
	app := setupTestApp(t, provider, func(cfg *config.Config) {
		require.NoError(t, os.MkdirAll(cfg.Workspace.Root, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Workspace.Root, "AGENTS.md"), []byte("You are a pirate."), 0o644))
		cfg.Engine.SystemPrompt = "Be brief."
	})

	resp, err := app.Orchestrator.Chat(context.Background(), "s1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "ahoy", resp.Text)

	system := provider.Calls()[0].SystemPrompt
	assert.Contains(t, system, "You are a pirate.")
	assert.Contains(t, system, "Be brief.")
}

func TestChatOnce(t *testing.T) {
	t.Run("should print the answer", func(t *testing.T) {
		app := setupTestApp(t, agenttest.New(
			agenttest.AnswerFromTool("calculator", map[string]interface{}{"expression": "2+2"}, "The answer is "),
		), nil)

		var out bytes.Buffer
		require.NoError(t, chatOnce(context.Background(), app.Orchestrator, &out, "s1", "2+2?", false))
		assert.Equal(t, "The answer is 4\n", out.String())
	})

	t.Run("should show tool events when verbose", func(t *testing.T) {
		app := setupTestApp(t, agenttest.New(
			agenttest.AnswerFromTool("calculator", map[string]interface{}{"expression": "6*7"}, "= "),
		), nil)

		var out bytes.Buffer
		require.NoError(t, chatOnce(context.Background(), app.Orchestrator, &out, "s1", "6*7?", true))
		assert.Contains(t, out.String(), "[tool] calculator")
		assert.Contains(t, out.String(), "[result]")
		assert.Contains(t, out.String(), "42")
	})

	t.Run("should return provider failures", func(t *testing.T) {
		app := setupTestApp(t, agenttest.New(agenttest.Fail(&agent.ProviderError{Provider: "test", Err: assert.AnError})), func(cfg *config.Config) {
			cfg.LLM.MaxRetries = -1
		})

		var out bytes.Buffer
		err := chatOnce(context.Background(), app.Orchestrator, &out, "s1", "hello", false)
		assert.Error(t, err)
	})
}

func TestChatREPL(t *testing.T) {
	provider := agenttest.New(agenttest.Text("hi there"))
	app := setupTestApp(t, provider, nil)

	in := strings.NewReader("hello\n\n/clear\n/exit\nnever sent\n")
	var out bytes.Buffer
	require.NoError(t, chatREPL(context.Background(), app.Orchestrator, in, &out, "repl", false))

	assert.Contains(t, out.String(), "hi there")
	assert.Contains(t, out.String(), "(conversation cleared)")
	assert.Equal(t, 1, provider.CallCount())
	_, ok := app.Sessions.Get("repl")
	assert.False(t, ok)
}
