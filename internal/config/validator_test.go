package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		baseURL  string
		wantErr  bool
	}{
		{"valid anthropic key", "sk-ant-test123", "anthropic", "", false},
		{"invalid anthropic key", "invalid-key", "anthropic", "", true},
		{"valid openai key", "sk-test123", "openai", "", false},
		{"invalid openai key", "invalid-key", "openai", "", true},
		{"custom base url", "local-key", "openai", "http://localhost:11434/v1", false},
		{"gemini key", "AIzaTest", "gemini", "", false},
		{"empty key", "", "anthropic", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider, tt.baseURL)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("@every 5m"))
	assert.NoError(t, v.ValidateSchedule("*/10 * * * *"))
	assert.Error(t, v.ValidateSchedule("sometimes"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("should collect every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.MaxIterations = 0
		cfg.Logging.Level = "loud"
		cfg.LLM.Profiles[0].APIKey = "not-a-key"

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 3)
	})

	t.Run("should pass a valid config", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})
}
