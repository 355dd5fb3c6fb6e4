package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. AGENTD_ENGINE_MAX_ITERATIONS.
const EnvPrefix = "AGENTD"

// envKeys are the scalar settings that may be set from the environment
// without appearing in the config file.
var envKeys = []string{
	"data_dir",
	"engine.max_iterations",
	"engine.context_token_budget",
	"engine.auto_compact_threshold",
	"engine.preserve_recent_turns",
	"engine.classification_timeout",
	"engine.llm_timeout",
	"engine.tool_timeout",
	"engine.summarization_timeout",
	"engine.collaborator_timeout",
	"engine.intent_confidence_threshold",
	"engine.tool_top_k",
	"engine.plan_max_steps",
	"engine.chars_per_token",
	"engine.token_counter",
	"engine.session_queue_warn_ms",
	"engine.persona",
	"engine.system_prompt",
	"llm.model",
	"llm.classifier_model",
	"llm.temperature",
	"llm.max_tokens",
	"llm.max_retries",
	"llm.streaming",
	"logging.level",
	"logging.file",
	"logging.pretty",
	"tracing.enabled",
	"tracing.sample_ratio",
	"knowledge.enabled",
	"knowledge.dir",
	"knowledge.embeddings.enabled",
	"knowledge.embeddings.api_key",
	"skills.enabled",
	"skills.dir",
	"workspace.root",
	"gateway.host",
	"gateway.port",
	"gateway.shared_secret",
	"gateway.requests_per_minute",
	"session.journal",
	"session.idle_ttl",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, applies environment overrides and fills
// derived paths. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", key, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerived(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDerived(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".agentd")
	}
	if cfg.Knowledge.DBPath == "" {
		cfg.Knowledge.DBPath = filepath.Join(cfg.DataDir, "knowledge.db")
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(cfg.DataDir, "workspace")
	}
	return nil
}

// SessionDir is where the session journal lives.
func (c *Config) SessionDir() string {
	if !c.Session.Journal {
		return ""
	}
	return filepath.Join(c.DataDir, "sessions")
}

// Save writes cfg to the config path, creating the directory if needed.
// The format follows the file extension.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if configType(configPath) == "yaml" {
		var doc map[string]interface{}
		raw, _ := json.Marshal(cfg)
		if err = json.Unmarshal(raw, &doc); err == nil {
			data, err = yaml.Marshal(doc)
		}
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentd", "agentd.json")
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
