// Package config loads the batch CLI's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BankAccount is the transfer destination shown to registrants and
// printed on payment instructions. Display-only; the core never touches
// money movement.
type BankAccount struct {
	Bank       string `yaml:"bank"`
	Branch     string `yaml:"branch"`
	Type       string `yaml:"type"`
	Number     string `yaml:"number"`
	Holder     string `yaml:"holder"`
	HolderKana string `yaml:"holder_kana"`
}

// Config holds everything the meetd binary needs at startup.
type Config struct {
	// DSN is the SQLite data source name, including pragma parameters.
	DSN string `yaml:"dsn"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Defaults applied when creating meets.
	EntryFee            int `yaml:"entry_fee"`
	DefaultHeatCapacity int `yaml:"default_heat_capacity"`

	Bank BankAccount `yaml:"bank"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DSN:                 "trackmeet.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		LogLevel:            "info",
		EntryFee:            2000,
		DefaultHeatCapacity: 40,
	}
}

// Load reads a YAML config file, filling unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DSN == "" {
		cfg.DSN = Default().DSN
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.EntryFee <= 0 {
		cfg.EntryFee = Default().EntryFee
	}
	if cfg.DefaultHeatCapacity <= 0 {
		cfg.DefaultHeatCapacity = Default().DefaultHeatCapacity
	}
	return cfg, nil
}
