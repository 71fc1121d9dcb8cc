package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Provider.Model != DefaultModel {
		t.Fatalf("expected default model %q, got %q", DefaultModel, cfg.Provider.Model)
	}
	if cfg.Provider.MaxTokens != DefaultMaxTokens {
		t.Fatalf("expected default max tokens %d, got %d", DefaultMaxTokens, cfg.Provider.MaxTokens)
	}
	if cfg.Memory.ContextBudget != DefaultContextBudget {
		t.Fatalf("expected default context budget %d, got %d", DefaultContextBudget, cfg.Memory.ContextBudget)
	}
	if cfg.Memory.StaleAfter != DefaultStaleAfter {
		t.Fatalf("expected default stale-after %q, got %q", DefaultStaleAfter, cfg.Memory.StaleAfter)
	}
	if cfg.Summary.MinMessages != DefaultSummaryMinMessages || cfg.Summary.KeepRecent != DefaultSummaryKeepRecent {
		t.Fatalf("unexpected summary defaults %+v", cfg.Summary)
	}
	if !cfg.Extraction.Enabled {
		t.Fatal("expected extraction enabled by default")
	}
	if cfg.Memory.DBPath == "" || cfg.Memory.BackupDir == "" {
		t.Fatal("expected default paths to be set")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfigFrom(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("loadConfigFrom error: %v", err)
	}
	if cfg.Provider.Model != DefaultModel {
		t.Fatalf("expected defaults when file is missing, got model %q", cfg.Provider.Model)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"provider": {"apiKey": "sk-test", "model": "custom-model"},
		"memory": {"contextBudget": 16000, "staleAfter": "1h"}
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfigFrom(path)
	if err != nil {
		t.Fatalf("loadConfigFrom error: %v", err)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Fatalf("expected api key from file, got %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != "custom-model" {
		t.Fatalf("expected model from file, got %q", cfg.Provider.Model)
	}
	if cfg.Memory.ContextBudget != 16000 {
		t.Fatalf("expected budget from file, got %d", cfg.Memory.ContextBudget)
	}
	if cfg.Memory.StaleAfter != "1h" {
		t.Fatalf("expected stale-after from file, got %q", cfg.Memory.StaleAfter)
	}
	// Untouched sections keep their defaults.
	if cfg.Provider.MaxTokens != DefaultMaxTokens {
		t.Fatalf("expected default max tokens, got %d", cfg.Provider.MaxTokens)
	}
	if cfg.Summary.MinMessages != DefaultSummaryMinMessages {
		t.Fatalf("expected default summary config, got %+v", cfg.Summary)
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadConfigFrom(path); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"provider": {"apiKey": "from-file"}}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("EMBERHEARTH_API_KEY", "from-env")
	t.Setenv("EMBERHEARTH_MODEL", "env-model")
	t.Setenv("EMBERHEARTH_CONTEXT_BUDGET", "32000")

	cfg, err := loadConfigFrom(path)
	if err != nil {
		t.Fatalf("loadConfigFrom error: %v", err)
	}
	if cfg.Provider.APIKey != "from-env" {
		t.Fatalf("expected env to beat file, got %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != "env-model" {
		t.Fatalf("expected model from env, got %q", cfg.Provider.Model)
	}
	if cfg.Memory.ContextBudget != 32000 {
		t.Fatalf("expected budget from env, got %d", cfg.Memory.ContextBudget)
	}
}
