package config

import (
	"encoding/json"
	"time"
)

// Config is the agentd process configuration.
type Config struct {
	// DataDir holds the session journal, the knowledge index and logs.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Engine    EngineConfig    `json:"engine" mapstructure:"engine"`
	LLM       LLMConfig       `json:"llm" mapstructure:"llm"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`
	Knowledge KnowledgeConfig `json:"knowledge" mapstructure:"knowledge"`
	Skills    SkillsConfig    `json:"skills" mapstructure:"skills"`
	Workspace WorkspaceConfig `json:"workspace" mapstructure:"workspace"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
}

// EngineConfig holds the knobs of the core turn pipeline.
type EngineConfig struct {
	MaxIterations             int           `json:"max_iterations" mapstructure:"max_iterations" validate:"min=1"`
	ContextTokenBudget        int           `json:"context_token_budget" mapstructure:"context_token_budget" validate:"min=1"`
	AutoCompactThreshold      int           `json:"auto_compact_threshold" mapstructure:"auto_compact_threshold" validate:"min=1"`
	PreserveRecentTurns       int           `json:"preserve_recent_turns" mapstructure:"preserve_recent_turns" validate:"gte=0"`
	ClassificationTimeout     time.Duration `json:"classification_timeout" mapstructure:"classification_timeout" validate:"gt=0"`
	LLMTimeout                time.Duration `json:"llm_timeout" mapstructure:"llm_timeout" validate:"gt=0"`
	ToolTimeout               time.Duration `json:"tool_timeout" mapstructure:"tool_timeout" validate:"gt=0"`
	SummarizationTimeout      time.Duration `json:"summarization_timeout" mapstructure:"summarization_timeout" validate:"gt=0"`
	CollaboratorTimeout       time.Duration `json:"collaborator_timeout" mapstructure:"collaborator_timeout" validate:"gt=0"`
	IntentConfidenceThreshold float64       `json:"intent_confidence_threshold" mapstructure:"intent_confidence_threshold" validate:"gte=0,lte=1"`
	ToolTopK                  int           `json:"tool_top_k" mapstructure:"tool_top_k" validate:"min=1"`
	PlanMaxSteps              int           `json:"plan_max_steps" mapstructure:"plan_max_steps" validate:"min=1"`
	CharsPerToken             int           `json:"chars_per_token" mapstructure:"chars_per_token" validate:"min=1"`
	TokenCounter              string        `json:"token_counter" mapstructure:"token_counter" validate:"oneof=estimate tiktoken"`
	SessionQueueWarnMs        int           `json:"session_queue_warn_ms" mapstructure:"session_queue_warn_ms" validate:"gte=0"`
	// Persona replaces the workspace persona files when set.
	Persona      string `json:"persona,omitempty" mapstructure:"persona"`
	SystemPrompt string `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
}

// LLMConfig selects the providers and sampling parameters.
type LLMConfig struct {
	Profiles []LLMProfile `json:"profiles" mapstructure:"profiles" validate:"required,min=1,dive"`
	Model    string       `json:"model" mapstructure:"model" validate:"required"`
	// ClassifierModel is used for intent fallback and summaries; empty reuses Model.
	ClassifierModel string        `json:"classifier_model,omitempty" mapstructure:"classifier_model"`
	Temperature     float64       `json:"temperature" mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int           `json:"max_tokens" mapstructure:"max_tokens" validate:"min=1,max=200000"`
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryInterval   time.Duration `json:"retry_interval" mapstructure:"retry_interval" validate:"gte=0"`
	Cooldown        time.Duration `json:"cooldown" mapstructure:"cooldown" validate:"gte=0"`
	Streaming       bool          `json:"streaming" mapstructure:"streaming"`
}

// LLMProfile is one set of provider credentials. Lower priority is tried first.
type LLMProfile struct {
	ID       string `json:"id" mapstructure:"id" validate:"required"`
	Provider string `json:"provider" mapstructure:"provider" validate:"required,oneof=anthropic openai gemini"`
	APIKey   string `json:"api_key" mapstructure:"api_key" validate:"required"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// KnowledgeConfig configures the retrieval collaborator.
type KnowledgeConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	Dir          string  `json:"dir" mapstructure:"dir" validate:"required_if=Enabled true"`
	DBPath       string  `json:"db_path" mapstructure:"db_path"`
	Pattern      string  `json:"pattern" mapstructure:"pattern"`
	Watch        bool    `json:"watch" mapstructure:"watch"`
	TopK         int     `json:"top_k" mapstructure:"top_k" validate:"gte=0"`
	MinScore     float64 `json:"min_score" mapstructure:"min_score" validate:"gte=0"`
	VectorWeight float64 `json:"vector_weight" mapstructure:"vector_weight" validate:"gte=0,lte=1"`

	Embeddings EmbeddingsConfig `json:"embeddings" mapstructure:"embeddings"`
}

// EmbeddingsConfig enables vector search through an OpenAI compatible API.
type EmbeddingsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	APIKey  string `json:"api_key" mapstructure:"api_key" validate:"required_if=Enabled true"`
	BaseURL string `json:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
	Model   string `json:"model" mapstructure:"model"`
}

// SkillsConfig configures the skill collaborator.
type SkillsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Dir        string `json:"dir" mapstructure:"dir" validate:"required_if=Enabled true"`
	Pattern    string `json:"pattern" mapstructure:"pattern"`
	MaxMatches int    `json:"max_matches" mapstructure:"max_matches" validate:"gte=0"`
	Watch      bool   `json:"watch" mapstructure:"watch"`
}

// WorkspaceConfig configures @path references and file tools.
type WorkspaceConfig struct {
	Root     string `json:"root" mapstructure:"root"`
	MaxBytes int64  `json:"max_bytes" mapstructure:"max_bytes" validate:"gte=0"`
	MaxFiles int    `json:"max_files" mapstructure:"max_files" validate:"gte=0"`
	// Watch reloads the persona files when they change.
	Watch bool `json:"watch" mapstructure:"watch"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host              string        `json:"host" mapstructure:"host"`
	Port              int           `json:"port" mapstructure:"port" validate:"min=1,max=65535"`
	SharedSecret      string        `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute" validate:"gte=0"`
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent" validate:"gte=0"`
	WriteTimeout      time.Duration `json:"write_timeout" mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// SessionConfig controls persistence and eviction of conversations.
type SessionConfig struct {
	Journal bool `json:"journal" mapstructure:"journal"`
	Fsync   bool `json:"fsync" mapstructure:"fsync"`
	// IdleTTL evicts idle sessions from memory; zero keeps them.
	IdleTTL         time.Duration `json:"idle_ttl" mapstructure:"idle_ttl" validate:"gte=0"`
	JanitorSchedule string        `json:"janitor_schedule" mapstructure:"janitor_schedule"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxIterations:             8,
			ContextTokenBudget:        6000,
			AutoCompactThreshold:      6000,
			PreserveRecentTurns:       4,
			ClassificationTimeout:     5 * time.Second,
			LLMTimeout:                60 * time.Second,
			ToolTimeout:               30 * time.Second,
			SummarizationTimeout:      30 * time.Second,
			CollaboratorTimeout:       3 * time.Second,
			IntentConfidenceThreshold: 0.9,
			ToolTopK:                  8,
			PlanMaxSteps:              8,
			CharsPerToken:             4,
			TokenCounter:              "estimate",
			SessionQueueWarnMs:        2000,
		},
		LLM: LLMConfig{
			Profiles:      []LLMProfile{},
			Model:         "claude-sonnet-4-5",
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxRetries:    2,
			RetryInterval: time.Second,
			Cooldown:      30 * time.Second,
			Streaming:     true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "agentd",
			SampleRatio: 1,
		},
		Knowledge: KnowledgeConfig{
			Pattern:      "**/*.{md,txt}",
			Watch:        true,
			TopK:         4,
			VectorWeight: 0.6,
			Embeddings: EmbeddingsConfig{
				Model: "text-embedding-3-small",
			},
		},
		Skills: SkillsConfig{
			Pattern:    "**/*.md",
			MaxMatches: 3,
			Watch:      true,
		},
		Workspace: WorkspaceConfig{
			MaxBytes: 64 * 1024,
			MaxFiles: 5,
		},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			RequestsPerMinute: 60,
			MaxConcurrent:     4,
			WriteTimeout:      10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Session: SessionConfig{
			Journal:         true,
			IdleTTL:         time.Hour,
			JanitorSchedule: "@every 5m",
		},
	}
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.LLM.Profiles = make([]LLMProfile, len(c.LLM.Profiles))
	for i, p := range c.LLM.Profiles {
		p.APIKey = mask(p.APIKey)
		masked.LLM.Profiles[i] = p
	}
	masked.Knowledge.Embeddings.APIKey = mask(c.Knowledge.Embeddings.APIKey)
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)

	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// ClassifierModel returns the model for auxiliary completions.
func (c *Config) ClassifierModel() string {
	if c.LLM.ClassifierModel != "" {
		return c.LLM.ClassifierModel
	}
	return c.LLM.Model
}

// SessionQueueWarn returns the lane wait after which a turn logs a warning.
func (c *Config) SessionQueueWarn() time.Duration {
	return time.Duration(c.Engine.SessionQueueWarnMs) * time.Millisecond
}
