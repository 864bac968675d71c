// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Agent     AgentConfig     `yaml:"agent"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Tools     ToolsConfig     `yaml:"tools"`
	Security  SecurityConfig  `yaml:"security"`
	Ops       OpsConfig       `yaml:"ops"`
	Notify    NotifyConfig    `yaml:"notify"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Channel   ChannelConfig   `yaml:"channel"`
	Logging   LoggingConfig   `yaml:"logging"`
	Users     []UserConfig    `yaml:"users"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, postgres, sqlite
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite file
}

// LLMConfig points at an OpenAI-compatible provider.
type LLMConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	EmbeddingModel string        `yaml:"embedding_model"`
	Timeout        time.Duration `yaml:"timeout"`
}

// PipelineConfig controls stage workers and the retry policy.
type PipelineConfig struct {
	AutoReply           *bool         `yaml:"auto_reply"`
	MinIntentConfidence float64       `yaml:"min_intent_confidence"`
	Attempts            int           `yaml:"attempts"`
	Backoff             time.Duration `yaml:"backoff"`
	Workers             int           `yaml:"workers"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	Lease               time.Duration `yaml:"lease"`
	SweepSchedule       string        `yaml:"sweep_schedule"`
}

// AgentConfig bounds agent execution.
type AgentConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
	MaxDepth          int `yaml:"max_depth"`
}

// KnowledgeConfig holds retrieval defaults.
type KnowledgeConfig struct {
	TopK      int     `yaml:"top_k"`
	Threshold float64 `yaml:"threshold"`
	CacheSize int     `yaml:"cache_size"`
}

// ToolsConfig holds tool execution defaults.
type ToolsConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// SecurityConfig holds the process-wide secret for tool credentials.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// OpsConfig controls the operational HTTP server.
type OpsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// NotifyConfig configures escalation notices.
type NotifyConfig struct {
	Slack   ChatConfig `yaml:"slack"`
	Discord ChatConfig `yaml:"discord"`
}

// ChatConfig is a bot token plus the channel escalations are posted to.
type ChatConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// KafkaConfig configures the pipeline event stream. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ChannelConfig configures outbound replies for email-sourced tickets.
type ChannelConfig struct {
	RelayURL   string        `yaml:"relay_url"`
	RelayToken string        `yaml:"relay_token"`
	AccountID  string        `yaml:"account_id"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// UserConfig seeds a human operator.
type UserConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
}

// Load reads a YAML config file from path, overlays .env and process
// environment values, and returns a validated Config.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config. The environment is
// not consulted.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) string { return "" })
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and connection settings from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Database.Driver, "SB_DATABASE_DRIVER")
	set(&c.Database.DSN, "SB_DATABASE_DSN")
	set(&c.LLM.APIKey, "OPENAI_API_KEY")
	set(&c.LLM.BaseURL, "OPENAI_BASE_URL")
	set(&c.Security.EncryptionKey, "SB_ENCRYPTION_KEY")
	set(&c.Notify.Slack.Token, "SB_SLACK_TOKEN")
	set(&c.Notify.Discord.Token, "SB_DISCORD_TOKEN")
	set(&c.Channel.RelayToken, "SB_RELAY_TOKEN")
	set(&c.Logging.Level, "SB_LOG_LEVEL")
	if v := getenv("SB_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" && c.Database.DSN == "" {
		c.Database.Path = "switchboard.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "mysql":
			c.Database.Port = 3306
		case "postgres":
			c.Database.Port = 5432
		}
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 120 * time.Second
	}
	if c.Pipeline.AutoReply == nil {
		on := true
		c.Pipeline.AutoReply = &on
	}
	if c.Pipeline.MinIntentConfidence == 0 {
		c.Pipeline.MinIntentConfidence = 0.5
	}
	if c.Pipeline.Attempts == 0 {
		c.Pipeline.Attempts = 3
	}
	if c.Pipeline.Backoff == 0 {
		c.Pipeline.Backoff = 5 * time.Second
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 2
	}
	if c.Pipeline.PollInterval == 0 {
		c.Pipeline.PollInterval = time.Second
	}
	if c.Pipeline.Lease == 0 {
		c.Pipeline.Lease = 10 * time.Minute
	}
	if c.Pipeline.SweepSchedule == "" {
		c.Pipeline.SweepSchedule = "*/5 * * * *"
	}
	if c.Agent.MaxToolIterations == 0 {
		c.Agent.MaxToolIterations = 10
	}
	if c.Agent.MaxDepth == 0 {
		c.Agent.MaxDepth = 3
	}
	if c.Knowledge.TopK == 0 {
		c.Knowledge.TopK = 5
	}
	if c.Knowledge.Threshold == 0 {
		c.Knowledge.Threshold = 0.7
	}
	if c.Knowledge.CacheSize == 0 {
		c.Knowledge.CacheSize = 256
	}
	if c.Tools.DefaultTimeout == 0 {
		c.Tools.DefaultTimeout = 30 * time.Second
	}
	if c.Ops.Port == 0 {
		c.Ops.Port = 8090
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "switchboard-pipeline"
	}
	if c.Channel.Timeout == 0 {
		c.Channel.Timeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Users {
		if c.Users[i].Role == "" {
			c.Users[i].Role = "agent"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite":
	case "mysql", "postgres":
		if c.Database.DSN == "" && c.Database.Name == "" {
			errs = append(errs, "database.name or database.dsn is required for "+c.Database.Driver)
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, postgres, sqlite", c.Database.Driver))
	}
	if c.Pipeline.Attempts < 1 {
		errs = append(errs, "pipeline.attempts must be at least 1")
	}
	if c.Pipeline.MinIntentConfidence < 0 || c.Pipeline.MinIntentConfidence > 1 {
		errs = append(errs, "pipeline.min_intent_confidence must be within [0,1]")
	}
	if c.Knowledge.Threshold < 0 || c.Knowledge.Threshold > 1 {
		errs = append(errs, "knowledge.threshold must be within [0,1]")
	}
	if c.Agent.MaxToolIterations < 1 {
		errs = append(errs, "agent.max_tool_iterations must be at least 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	for i, u := range c.Users {
		if u.Email == "" {
			errs = append(errs, fmt.Sprintf("users[%d].email is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireRuntime checks the settings the pipeline workers cannot start
// without: an LLM API key and the credential encryption key.
func (c *Config) RequireRuntime() error {
	var errs []string
	if c.LLM.APIKey == "" {
		errs = append(errs, "llm.api_key (or OPENAI_API_KEY) is required")
	}
	if c.Security.EncryptionKey == "" {
		errs = append(errs, "security.encryption_key (or SB_ENCRYPTION_KEY) is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AutoReplyEnabled reports the configured auto-reply default.
func (c *Config) AutoReplyEnabled() bool {
	return c.Pipeline.AutoReply != nil && *c.Pipeline.AutoReply
}
