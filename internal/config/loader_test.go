package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should load defaults when the file is missing", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Engine.MaxIterations)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("should load json and keep unset defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "agentd.json")
		content := `{
			"data_dir": "` + tmpDir + `",
			"engine": {"max_iterations": 3, "classification_timeout": "2s"},
			"llm": {"profiles": [{"id": "a", "provider": "openai", "api_key": "sk-x", "priority": 1}]}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Engine.MaxIterations)
		assert.Equal(t, 2*time.Second, cfg.Engine.ClassificationTimeout)
		assert.Equal(t, 6000, cfg.Engine.ContextTokenBudget)
		require.Len(t, cfg.LLM.Profiles, 1)
		assert.Equal(t, "openai", cfg.LLM.Profiles[0].Provider)
		assert.Equal(t, filepath.Join(tmpDir, "knowledge.db"), cfg.Knowledge.DBPath)
		assert.Equal(t, filepath.Join(tmpDir, "workspace"), cfg.Workspace.Root)
	})

	t.Run("should load yaml by extension", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "agentd.yaml")
		content := "data_dir: " + tmpDir + "\nengine:\n  tool_top_k: 2\nlogging:\n  level: debug\n"
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Engine.ToolTopK)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("AGENTD_DATA_DIR", tmpDir)
		t.Setenv("AGENTD_ENGINE_MAX_ITERATIONS", "12")
		t.Setenv("AGENTD_GATEWAY_SHARED_SECRET", "from-env")

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, 12, cfg.Engine.MaxIterations)
		assert.Equal(t, "from-env", cfg.Gateway.SharedSecret)
	})

	t.Run("should fail on malformed files", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "agentd.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0o644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	for _, name := range []string{"agentd.json", "agentd.yaml"} {
		t.Run("should round trip "+name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "nested", name)
			loader := NewLoader(configPath)

			cfg := validConfig()
			cfg.DataDir = tmpDir
			cfg.Engine.MaxIterations = 5
			cfg.Engine.LLMTimeout = 90 * time.Second
			require.NoError(t, loader.Save(cfg))

			info, err := os.Stat(configPath)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			loaded, err := loader.Load()
			require.NoError(t, err)
			assert.Equal(t, 5, loaded.Engine.MaxIterations)
			assert.Equal(t, 90*time.Second, loaded.Engine.LLMTimeout)
			assert.Equal(t, "sk-ant-test", loaded.LLM.Profiles[0].APIKey)
		})
	}
}
