package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultModel          = "gpt-4o-mini"
	DefaultMaxTokens      = 1024
	DefaultContextBudget  = 8000
	DefaultRetrieveLimit  = 5
	DefaultStaleAfter     = "30m"
	DefaultBackupSchedule = "0 4 * * *"
	DefaultSweepSchedule  = "*/10 * * * *"

	DefaultSummaryMinMessages    = 20
	DefaultSummaryTokenThreshold = 1500
	DefaultSummaryMaxBatch       = 30
	DefaultSummaryKeepRecent     = 10

	DefaultExtractionQuietGap = "3m"
	DefaultExtractionTokenCap = 6000
)

type Config struct {
	Provider   ProviderConfig   `json:"provider"`
	Memory     MemoryConfig     `json:"memory"`
	Summary    SummaryConfig    `json:"summary"`
	Extraction ExtractionConfig `json:"extraction"`
}

// ProviderConfig points at an OpenAI-compatible chat-completions endpoint.
type ProviderConfig struct {
	APIKey    string `json:"apiKey" envconfig:"API_KEY"`
	BaseURL   string `json:"baseUrl,omitempty" envconfig:"BASE_URL"`
	Model     string `json:"model" envconfig:"MODEL"`
	MaxTokens int    `json:"maxTokens" envconfig:"MAX_TOKENS"`
}

type MemoryConfig struct {
	DBPath        string `json:"dbPath" envconfig:"DB_PATH"`
	BackupDir     string `json:"backupDir,omitempty" envconfig:"BACKUP_DIR"`
	ContextBudget int    `json:"contextBudget" envconfig:"CONTEXT_BUDGET"`
	RetrieveLimit int    `json:"retrieveLimit" envconfig:"RETRIEVE_LIMIT"`
	// StaleAfter is a time.Duration string; a session idle for this
	// long is superseded on the next message.
	StaleAfter     string `json:"staleAfter" envconfig:"STALE_AFTER"`
	BackupSchedule string `json:"backupSchedule" envconfig:"BACKUP_SCHEDULE"`
	SweepSchedule  string `json:"sweepSchedule" envconfig:"SWEEP_SCHEDULE"`
}

type SummaryConfig struct {
	MinMessages    int `json:"minMessages" envconfig:"SUMMARY_MIN_MESSAGES"`
	TokenThreshold int `json:"tokenThreshold" envconfig:"SUMMARY_TOKEN_THRESHOLD"`
	MaxBatch       int `json:"maxBatch" envconfig:"SUMMARY_MAX_BATCH"`
	KeepRecent     int `json:"keepRecent" envconfig:"SUMMARY_KEEP_RECENT"`
}

type ExtractionConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"EXTRACTION_ENABLED"`
	QuietGap string `json:"quietGap,omitempty" envconfig:"EXTRACTION_QUIET_GAP"`
	TokenCap int    `json:"tokenCap,omitempty" envconfig:"EXTRACTION_TOKEN_CAP"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Memory: MemoryConfig{
			DBPath:         filepath.Join(ConfigDir(), "memory.db"),
			BackupDir:      filepath.Join(ConfigDir(), "backups"),
			ContextBudget:  DefaultContextBudget,
			RetrieveLimit:  DefaultRetrieveLimit,
			StaleAfter:     DefaultStaleAfter,
			BackupSchedule: DefaultBackupSchedule,
			SweepSchedule:  DefaultSweepSchedule,
		},
		Summary: SummaryConfig{
			MinMessages:    DefaultSummaryMinMessages,
			TokenThreshold: DefaultSummaryTokenThreshold,
			MaxBatch:       DefaultSummaryMaxBatch,
			KeepRecent:     DefaultSummaryKeepRecent,
		},
		Extraction: ExtractionConfig{
			Enabled:  true,
			QuietGap: DefaultExtractionQuietGap,
			TokenCap: DefaultExtractionTokenCap,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".emberhearth")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads the JSON config file when present and applies
// EMBERHEARTH_* environment overrides on top.
func LoadConfig() (*Config, error) {
	return loadConfigFrom(ConfigPath())
}

func loadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process("emberhearth", cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	return cfg, nil
}
