package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpc123/agenic-chatBot-sub001/internal/config"
)

func TestInitCommand(t *testing.T) {
	t.Run("should write a loadable default config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentd.yaml")

		out, err := execute(t, "init", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Engine.MaxIterations)
		require.Len(t, cfg.LLM.Profiles, 1)
		assert.Equal(t, "anthropic", cfg.LLM.Profiles[0].Provider)
	})

	t.Run("should refuse to overwrite without force", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentd.json")

		_, err := execute(t, "init", "--config", path)
		require.NoError(t, err)
		_, err = execute(t, "init", "--config", path)
		assert.ErrorContains(t, err, "already exists")

		_, err = execute(t, "init", "--config", path, "--force")
		assert.NoError(t, err)
		initForce = false
	})
}
