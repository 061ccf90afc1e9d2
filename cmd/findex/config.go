package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds all CLI configuration options. Fields left zero fall back to
// defaults; flags override file values.
type Config struct {
	// DB is the SQLite database path. Ignored when Redis is set.
	DB string `json:"db"`

	// Redis is a redis:// URL. When set it takes precedence over DB.
	Redis string `json:"redis,omitempty"`

	// Table is the SQLite bindings table name.
	Table string `json:"table,omitempty"`

	// WordLength is the index word size in bytes.
	WordLength int `json:"word_length,omitempty"` //nolint:tagliatelle // snake_case for config file

	// SeedFile holds the hex-encoded 32-byte master seed.
	SeedFile string `json:"seed_file,omitempty"` //nolint:tagliatelle // snake_case for config file
}

// ConfigFileName is the default config file name.
const ConfigFileName = ".findex.json"

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DB:         "findex.sqlite3",
		Table:      "findex_memory",
		WordLength: 16,
		SeedFile:   "findex.seed",
	}
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults, config file (explicit path, or .findex.json in the working
// directory if present), CLI overrides applied by the caller.
func LoadConfig(workDir, configPath string) (Config, error) {
	cfg := DefaultConfig()

	path := configPath
	mustExist := configPath != ""

	if path == "" {
		path = filepath.Join(workDir, ConfigFileName)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !mustExist {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	fileCfg, err := parseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	return mergeConfig(cfg, fileCfg), nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON.
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, override Config) Config {
	if override.DB != "" {
		base.DB = override.DB
	}

	if override.Redis != "" {
		base.Redis = override.Redis
	}

	if override.Table != "" {
		base.Table = override.Table
	}

	if override.WordLength != 0 {
		base.WordLength = override.WordLength
	}

	if override.SeedFile != "" {
		base.SeedFile = override.SeedFile
	}

	return base
}
