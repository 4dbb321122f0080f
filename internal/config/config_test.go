package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "from-env")
	t.Setenv(databaseEnv, "")
	path := writeConfig(t, "config.json", `{
		"providers": {"groq": {"type": "openai", "base_url": "https://api.groq.com/openai/v1"}},
		"databases": {"sqlite3": {"dsn": "data/narrachat.db"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.WindowSize != DefaultWindowSize || cfg.BasicConfig.SummaryInterval != DefaultSummaryInterval {
		t.Fatalf("unexpected window defaults: %+v", cfg.BasicConfig)
	}
	if cfg.BasicConfig.SystemPrompt != DefaultSystemPrompt {
		t.Fatalf("system prompt not defaulted")
	}
	if got := cfg.Providers["groq"].APIKey; got != "from-env" {
		t.Fatalf("expected api key from env, got %q", got)
	}
	chat := cfg.Tasks[TaskChat]
	if chat.Provider != "groq" || chat.Model != "llama3-8b-8192" {
		t.Fatalf("unexpected chat task: %+v", chat)
	}
	if *chat.Temperature != 1 || chat.MaxTokens != 1024 || *chat.TopP != 1 {
		t.Fatalf("unexpected chat sampling: %+v", chat)
	}
	if *cfg.Tasks[TaskSummary].Temperature != 0.7 {
		t.Fatalf("summary temperature should default to 0.7")
	}
	dsn := cfg.Databases["sqlite3"].DSN
	if !filepath.IsAbs(dsn) || filepath.Dir(dsn) != filepath.Join(filepath.Dir(path), "data") {
		t.Fatalf("dsn not resolved relative to config: %s", dsn)
	}
}

func TestLoadYAMLWithDatabaseOverride(t *testing.T) {
	t.Setenv(databaseEnv, "mysql")
	path := writeConfig(t, "config.yaml", `
basic_config:
  window_size: 4
providers:
  openai:
    model: gpt-4o-mini
    api_key: k
tasks:
  stats:
    provider: openai
    temperature: 0.2
databases:
  mysql:
    host: localhost
    port: 3306
    db_name: narrachat
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.Database != "mysql" {
		t.Fatalf("expected env override, got %s", cfg.BasicConfig.Database)
	}
	if cfg.BasicConfig.WindowSize != 4 {
		t.Fatalf("window size not decoded: %d", cfg.BasicConfig.WindowSize)
	}
	stats := cfg.Tasks[TaskStats]
	if stats.Model != "gpt-4o-mini" || *stats.Temperature != 0.2 {
		t.Fatalf("unexpected stats task: %+v", stats)
	}
	if cfg.Providers["openai"].Type != "openai" {
		t.Fatalf("provider type should default to its name")
	}
}

func TestLoadRejectsUnknownDatabaseAndProvider(t *testing.T) {
	t.Setenv(databaseEnv, "")
	path := writeConfig(t, "bad.json", `{"basic_config": {"database": "postgres"}, "databases": {}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing database config error")
	}

	path = writeConfig(t, "bad2.json", `{
		"providers": {"groq": {}},
		"tasks": {"chat": {"provider": "nope"}},
		"databases": {"sqlite3": {"dsn": ":memory:"}}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
