package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel       = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.3
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 18640
	DefaultBufSize     = 100

	// Feedback thresholds. The per-user block threshold and the cross-user
	// learning threshold happen to share a default but are independent knobs.
	DefaultBlockThreshold = 10
	DefaultLearnThreshold = 10

	// Retrieval counts: one passage per corpus feeds generation, two per
	// corpus feed the debug display.
	DefaultRetrieveK      = 1
	DefaultDebugRetrieveK = 2

	DefaultGenerateTimeoutSec   = 120
	DefaultEmbeddingBatchSize   = 250
	DefaultEmbeddingTimeoutMs   = 30000
	DefaultGuidanceRefreshCron  = "0 0 3 * * *"
	DefaultEmbeddingOllamaURL   = "http://127.0.0.1:11434"
	DefaultEmbeddingOllamaModel = "nomic-embed-text"
	DefaultMaxBadExamples       = 5
	DefaultBadExampleExcerptLen = 100
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Corpora  CorporaConfig  `json:"corpora"`
	Feedback FeedbackConfig `json:"feedback"`
	Safety   SafetyConfig   `json:"safety"`
}

type AgentConfig struct {
	Workspace          string  `json:"workspace"`
	Model              string  `json:"model"`
	MaxTokens          int     `json:"maxTokens"`
	Temperature        float64 `json:"temperature"`
	GenerateTimeoutSec int     `json:"generateTimeoutSec"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// CorporaConfig covers the two reference corpora and the embedding backend
// they share.
type CorporaConfig struct {
	DBPath     string          `json:"dbPath,omitempty"`
	RetrieveK  int             `json:"retrieveK,omitempty"`
	DebugK     int             `json:"debugK,omitempty"`
	Embedding  EmbeddingConfig `json:"embedding"`
	PromptPath string          `json:"promptPath,omitempty"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty"` // "ollama" (default) or "api"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type FeedbackConfig struct {
	DBPath         string `json:"dbPath,omitempty"`
	BlockThreshold int    `json:"blockThreshold,omitempty"`
	LearnThreshold int    `json:"learnThreshold,omitempty"`
	RefreshCron    string `json:"refreshCron,omitempty"`
}

type SafetyConfig struct {
	// CrisisKeywords replaces the built-in keyword list when non-empty.
	CrisisKeywords []string `json:"crisisKeywords,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:          filepath.Join(home, ".haven", "workspace"),
			Model:              DefaultModel,
			MaxTokens:          DefaultMaxTokens,
			Temperature:        DefaultTemperature,
			GenerateTimeoutSec: DefaultGenerateTimeoutSec,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{Enabled: true},
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Corpora: CorporaConfig{
			RetrieveK: DefaultRetrieveK,
			DebugK:    DefaultDebugRetrieveK,
			Embedding: EmbeddingConfig{
				Provider:  "ollama",
				Model:     DefaultEmbeddingOllamaModel,
				BatchSize: DefaultEmbeddingBatchSize,
				TimeoutMs: DefaultEmbeddingTimeoutMs,
			},
		},
		Feedback: FeedbackConfig{
			BlockThreshold: DefaultBlockThreshold,
			LearnThreshold: DefaultLearnThreshold,
			RefreshCron:    DefaultGuidanceRefreshCron,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".haven")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// CorporaDBPath resolves the corpus database path, falling back to the
// config-dir default.
func (c *Config) CorporaDBPath() string {
	if c.Corpora.DBPath != "" {
		return c.Corpora.DBPath
	}
	return filepath.Join(ConfigDir(), "data", "corpora.db")
}

// FeedbackDBPath resolves the feedback database path, falling back to the
// config-dir default.
func (c *Config) FeedbackDBPath() string {
	if c.Feedback.DBPath != "" {
		return c.Feedback.DBPath
	}
	return filepath.Join(ConfigDir(), "data", "feedback.db")
}

// PromptTemplatePath resolves the prompt template location inside the
// workspace unless overridden.
func (c *Config) PromptTemplatePath() string {
	if c.Corpora.PromptPath != "" {
		return c.Corpora.PromptPath
	}
	return filepath.Join(c.Agent.Workspace, "templates", "empathetic_prompt.txt")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("HAVEN_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("HAVEN_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("HAVEN_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if url := os.Getenv("HAVEN_EMBEDDING_BASE_URL"); url != "" {
		cfg.Corpora.Embedding.BaseURL = url
	}
	if key := os.Getenv("HAVEN_EMBEDDING_API_KEY"); key != "" {
		cfg.Corpora.Embedding.APIKey = key
	}
	if model := os.Getenv("HAVEN_EMBEDDING_MODEL"); model != "" {
		cfg.Corpora.Embedding.Model = model
	}
	if path := os.Getenv("HAVEN_CORPORA_DB_PATH"); path != "" {
		cfg.Corpora.DBPath = path
	}
	if path := os.Getenv("HAVEN_FEEDBACK_DB_PATH"); path != "" {
		cfg.Feedback.DBPath = path
	}
	if v := os.Getenv("HAVEN_BLOCK_THRESHOLD"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Feedback.BlockThreshold = parsed
		}
	}
	if v := os.Getenv("HAVEN_LEARN_THRESHOLD"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Feedback.LearnThreshold = parsed
		}
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Agent.GenerateTimeoutSec <= 0 {
		cfg.Agent.GenerateTimeoutSec = DefaultGenerateTimeoutSec
	}
	if cfg.Corpora.RetrieveK <= 0 {
		cfg.Corpora.RetrieveK = DefaultRetrieveK
	}
	if cfg.Corpora.DebugK <= 0 {
		cfg.Corpora.DebugK = DefaultDebugRetrieveK
	}
	if cfg.Corpora.Embedding.BatchSize <= 0 {
		cfg.Corpora.Embedding.BatchSize = DefaultEmbeddingBatchSize
	}
	if cfg.Feedback.BlockThreshold <= 0 {
		cfg.Feedback.BlockThreshold = DefaultBlockThreshold
	}
	if cfg.Feedback.LearnThreshold <= 0 {
		cfg.Feedback.LearnThreshold = DefaultLearnThreshold
	}
	if cfg.Feedback.RefreshCron == "" {
		cfg.Feedback.RefreshCron = DefaultGuidanceRefreshCron
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
