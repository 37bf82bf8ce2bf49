// Package config loads PPE's JSON configuration file into a single
// explicit struct. Unlike the original tool's memoized per-key getters,
// every caller is handed the same already-validated *Config value,
// loaded once at startup by cmd/ppe and passed to the supervisor, per
// the design notes on eliminating cached singletons.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// Config mirrors the recognized options table: the external,
// minimal configuration surface loaded once at startup.
type Config struct {
	ConnectionString                string `json:"connection-string" validate:"required"`
	MaxConnections                  int    `json:"max-connections" validate:"min=3"`
	MaxSimultaneousJobs             int    `json:"max-simultaneous-jobs" validate:"min=1"`
	SecondsBetweenUpdates           int    `json:"seconds-between-updates" validate:"min=1"`
	SecondsBetweenCleanups          int    `json:"seconds-between-cleanups" validate:"min=1"`
	SecondsBetweenTaskIssueUpdates  int    `json:"seconds-between-task-issue-updates" validate:"min=1"`
	SecondsBetweenRetries           int    `json:"seconds-between-retries" validate:"min=0"`
	DaysLogsToKeep                  int    `json:"days-logs-to-keep" validate:"min=0"`
	CondaProjectRoot                string `json:"conda-project-root"`
}

var validate = validator.New()

// Load reads and validates the JSON configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return &cfg, nil
}
