package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath      = "config.json"
	DefaultDatabase        = "sqlite3"
	DefaultConversationID  = "test_1"
	DefaultWindowSize      = 10
	DefaultSummaryInterval = 10
	DefaultSystemPrompt    = "You are a game master. Please describe everything in detail as if you are describing an anime scene."

	configPathEnv = "NARRACHAT_CONFIG"
	databaseEnv   = "NARRACHAT_DB"
)

// Task names used to bind completion settings to a component.
const (
	TaskChat        = "chat"
	TaskSummary     = "summary"
	TaskCharacter   = "character"
	TaskEnvironment = "environment"
	TaskStats       = "stats"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Tasks       map[string]TaskConfig     `json:"tasks" yaml:"tasks"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
}

// ProviderConfig describes one completion endpoint. Type selects the client
// implementation (openai, gemini, claude) and defaults to the provider name.
type ProviderConfig struct {
	Type    string `json:"type" yaml:"type"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// TaskConfig binds a completion task to a provider, model and sampling parameters.
type TaskConfig struct {
	Provider    string   `json:"provider" yaml:"provider"`
	Model       string   `json:"model" yaml:"model"`
	Temperature *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
	TopP        *float32 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	// CacheTTLMinutes bounds how long a conversation's message list stays cached.
	CacheTTLMinutes int `json:"cache_ttl_minutes" yaml:"cache_ttl_minutes"`
}

type BasicConfig struct {
	ServerAddress            string `json:"server_address" yaml:"server_address"`
	Database                 string `json:"database" yaml:"database"`
	ConversationID           string `json:"conversation_id" yaml:"conversation_id"`
	SystemPrompt             string `json:"system_prompt" yaml:"system_prompt"`
	WindowSize               int    `json:"window_size" yaml:"window_size"`
	SummaryInterval          int    `json:"summary_interval" yaml:"summary_interval"`
	CompletionTimeoutSeconds int    `json:"completion_timeout_seconds" yaml:"completion_timeout_seconds"`
	CompletionAttempts       int    `json:"completion_attempts" yaml:"completion_attempts"`
	ParallelExtraction       bool   `json:"parallel_extraction" yaml:"parallel_extraction"`
	UpdateEnvironments       bool   `json:"update_environments" yaml:"update_environments"`
	WorkerIdleMinutes        int    `json:"worker_idle_minutes" yaml:"worker_idle_minutes"`
}

// Load reads configuration from the provided path. An empty path falls back to
// $NARRACHAT_CONFIG and then config.json. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path == "" {
		path = DefaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyDefaults()
	if db := strings.TrimSpace(os.Getenv(databaseEnv)); db != "" {
		cfg.BasicConfig.Database = db
	}

	dbCfg, ok := cfg.Databases[cfg.BasicConfig.Database]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", cfg.BasicConfig.Database)
	}
	if dbCfg.DSN != "" && isSQLite(cfg.BasicConfig.Database) && !strings.HasPrefix(dbCfg.DSN, ":memory:") &&
		!strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
		cfg.Databases[cfg.BasicConfig.Database] = dbCfg
	}

	for name, task := range cfg.Tasks {
		if _, ok := cfg.Providers[task.Provider]; !ok {
			return nil, fmt.Errorf("task %s: provider %q not configured", name, task.Provider)
		}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.Database == "" {
		b.Database = DefaultDatabase
	}
	if b.ConversationID == "" {
		b.ConversationID = DefaultConversationID
	}
	if b.SystemPrompt == "" {
		b.SystemPrompt = DefaultSystemPrompt
	}
	if b.WindowSize <= 0 {
		b.WindowSize = DefaultWindowSize
	}
	if b.SummaryInterval <= 0 {
		b.SummaryInterval = DefaultSummaryInterval
	}
	if b.CompletionTimeoutSeconds <= 0 {
		b.CompletionTimeoutSeconds = 120
	}
	if b.CompletionAttempts <= 0 {
		b.CompletionAttempts = 3
	}
	if b.WorkerIdleMinutes <= 0 {
		b.WorkerIdleMinutes = 10
	}
	if c.Redis.CacheTTLMinutes <= 0 {
		c.Redis.CacheTTLMinutes = 30
	}

	for name, p := range c.Providers {
		if p.Type == "" {
			p.Type = name
		}
		if p.APIKey == "" {
			p.APIKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
		}
		c.Providers[name] = p
	}

	if c.Tasks == nil {
		c.Tasks = make(map[string]TaskConfig)
	}
	for name, def := range defaultTasks() {
		task, ok := c.Tasks[name]
		if !ok {
			task = TaskConfig{}
		}
		if task.Provider == "" {
			task.Provider = c.defaultProvider()
		}
		if task.Model == "" {
			if p, ok := c.Providers[task.Provider]; ok && p.Model != "" {
				task.Model = p.Model
			} else {
				task.Model = def.Model
			}
		}
		if task.Temperature == nil {
			task.Temperature = def.Temperature
		}
		if task.MaxTokens <= 0 {
			task.MaxTokens = def.MaxTokens
		}
		if task.TopP == nil {
			task.TopP = def.TopP
		}
		c.Tasks[name] = task
	}
}

// defaultProvider picks the lexically first provider so the choice is stable.
func (c *Config) defaultProvider() string {
	best := ""
	for name := range c.Providers {
		if best == "" || name < best {
			best = name
		}
	}
	return best
}

func defaultTasks() map[string]TaskConfig {
	return map[string]TaskConfig{
		TaskChat:        {Model: "llama3-8b-8192", Temperature: float32Ptr(1), MaxTokens: 1024, TopP: float32Ptr(1)},
		TaskSummary:     {Model: "llama3-8b-8192", Temperature: float32Ptr(0.7), MaxTokens: 1024, TopP: float32Ptr(1)},
		TaskCharacter:   {Model: "gemma2-9b-it", Temperature: float32Ptr(1), MaxTokens: 1024, TopP: float32Ptr(1)},
		TaskEnvironment: {Model: "gemma-7b-it", Temperature: float32Ptr(0.7), MaxTokens: 1024, TopP: float32Ptr(1)},
		TaskStats:       {Model: "gemma2-9b-it", Temperature: float32Ptr(0.7), MaxTokens: 1024, TopP: float32Ptr(1)},
	}
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}

func float32Ptr(v float32) *float32 { return &v }
