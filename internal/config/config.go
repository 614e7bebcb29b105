package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Config holds all runtime configuration parameters
type Config struct {
	ListenAddr          string   `json:"listen_addr"`
	DBPath              string   `json:"db_path"`
	MetricsPath         string   `json:"metrics_path"`
	SettingRef          string   `json:"setting_ref"`
	BootstrapServices   []string `json:"bootstrap_services"`
	MaxDepth            int      `json:"max_depth"`
	MinTrustRatio       float64  `json:"min_trust_ratio"`
	UpdateIntervalMin   int      `json:"update_interval_min"`
	RequestTimeoutMs    int      `json:"request_timeout_ms"`
	TaskPollIntervalMs  int      `json:"task_poll_interval_ms"`
	CoverageTypes       []string `json:"coverage_types"`
	CoverageAgents      []string `json:"coverage_agents"`
}

// LoadConfig reads and validates configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Coverage filters may come from the environment instead of the file
	applyEnvOverrides(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "nanoreg.db"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.log"
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MinTrustRatio == 0 {
		cfg.MinTrustRatio = 1e-6
	}
	if cfg.UpdateIntervalMin == 0 {
		cfg.UpdateIntervalMin = 60
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 5000
	}
	if cfg.TaskPollIntervalMs == 0 {
		cfg.TaskPollIntervalMs = 500
	}
}

// applyEnvOverrides lets the environment restrict crawl coverage. Absence
// means "no restriction".
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NANOREG_COVERAGE_TYPES"); v != "" {
		cfg.CoverageTypes = splitList(v)
	}
	if v := os.Getenv("NANOREG_COVERAGE_AGENTS"); v != "" {
		cfg.CoverageAgents = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if cfg.SettingRef == "" {
		return fmt.Errorf("setting_ref is required")
	}
	if len(cfg.BootstrapServices) == 0 {
		return fmt.Errorf("at least one bootstrap service is required")
	}
	if cfg.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be >= 1")
	}
	if cfg.MinTrustRatio <= 0 {
		return fmt.Errorf("min_trust_ratio must be > 0")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	return nil
}
