package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/agentd"
	cfg.LLM.Profiles = []LLMProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test", Priority: 1},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8, cfg.Engine.MaxIterations)
	assert.Equal(t, 6000, cfg.Engine.ContextTokenBudget)
	assert.Equal(t, 6000, cfg.Engine.AutoCompactThreshold)
	assert.Equal(t, 4, cfg.Engine.PreserveRecentTurns)
	assert.Equal(t, 5*time.Second, cfg.Engine.ClassificationTimeout)
	assert.Equal(t, 60*time.Second, cfg.Engine.LLMTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.ToolTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.SummarizationTimeout)
	assert.Equal(t, 3*time.Second, cfg.Engine.CollaboratorTimeout)
	assert.Equal(t, 0.9, cfg.Engine.IntentConfidenceThreshold)
	assert.Equal(t, 8, cfg.Engine.ToolTopK)
	assert.Equal(t, 8, cfg.Engine.PlanMaxSteps)
	assert.Equal(t, 4, cfg.Engine.CharsPerToken)
	assert.Equal(t, "estimate", cfg.Engine.TokenCounter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Equal(t, 8080, cfg.Gateway.Port)
}

func TestConfigValidate(t *testing.T) {
	t.Run("should accept a valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("should require an llm profile", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "llm.profiles")
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown provider", func(c *Config) { c.LLM.Profiles[0].Provider = "cohere" }, "llm.profiles[0].provider"},
		{"missing api key", func(c *Config) { c.LLM.Profiles[0].APIKey = "" }, "llm.profiles[0].api_key: is required"},
		{"zero iterations", func(c *Config) { c.Engine.MaxIterations = 0 }, "engine.max_iterations"},
		{"threshold above one", func(c *Config) { c.Engine.IntentConfidenceThreshold = 1.5 }, "engine.intent_confidence_threshold"},
		{"unknown counter", func(c *Config) { c.Engine.TokenCounter = "words" }, "engine.token_counter"},
		{"zero timeout", func(c *Config) { c.Engine.ToolTimeout = 0 }, "engine.tool_timeout"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"knowledge without dir", func(c *Config) { c.Knowledge.Enabled = true }, "knowledge.dir: is required"},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
		{"bad schedule", func(c *Config) { c.Session.JanitorSchedule = "every day" }, "session.janitor_schedule"},
		{"duplicate profile", func(c *Config) {
			c.LLM.Profiles = append(c.LLM.Profiles, c.LLM.Profiles[0])
		}, "duplicate id primary"},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.SharedSecret = "hunter2"

	out := cfg.String()
	assert.NotContains(t, out, "sk-ant-test")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"provider": "anthropic"`)
	assert.Equal(t, "sk-ant-test", cfg.LLM.Profiles[0].APIKey, "original is untouched")
}

func TestConfigHelpers(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, cfg.LLM.Model, cfg.ClassifierModel())
	cfg.LLM.ClassifierModel = "small"
	assert.Equal(t, "small", cfg.ClassifierModel())

	assert.Equal(t, 2*time.Second, cfg.SessionQueueWarn())
	assert.Equal(t, "/tmp/agentd/sessions", cfg.SessionDir())
	cfg.Session.Journal = false
	assert.Empty(t, cfg.SessionDir())
}
