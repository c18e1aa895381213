// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

type Config struct {
	Database struct {
		Path       string `json:"path"`        // defaults to <root>/.tig/db
		InMemory   bool   `json:"in_memory"`   // tests and dry runs
		SyncWrites bool   `json:"sync_writes"`
	} `json:"database"`

	Dirstate struct {
		CacheSize        int `json:"cache_size"`        // decoded states kept in memory
		CompressMinSize  int `json:"compress_min_size"` // bytes
		CompressionLevel int `json:"compression_level"` // 1=fastest, 4=best
	} `json:"dirstate"`

	Guard struct {
		Metrics       bool   `json:"metrics"`
		AbandonPolicy string `json:"abandon_policy"` // log, panic
	} `json:"guard"`

	Environment string `json:"environment"` // development, production
	LogLevel    string `json:"log_level"`   // debug, info, warn, error
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Database.SyncWrites = true
	cfg.Dirstate.CacheSize = 64
	cfg.Dirstate.CompressMinSize = 1024
	cfg.Dirstate.CompressionLevel = 2
	cfg.Guard.Metrics = true
	cfg.Guard.AbandonPolicy = "log"
	cfg.Environment = "production"
	cfg.LogLevel = "warn"
	return &cfg
}

// Path returns the config file selected by TIG_ENV.
func Path() string {
	env := os.Getenv("TIG_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

// Load reads path over the defaults, so a file only needs the keys it changes.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return config, nil
}

// LoadOrDefault is Load, except a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	switch c.Guard.AbandonPolicy {
	case "log", "panic":
	default:
		return fmt.Errorf("unknown guard.abandon_policy %q", c.Guard.AbandonPolicy)
	}
	if c.Dirstate.CacheSize <= 0 {
		return fmt.Errorf("dirstate.cache_size must be positive")
	}
	if c.Dirstate.CompressionLevel < 1 || c.Dirstate.CompressionLevel > 4 {
		return fmt.Errorf("dirstate.compression_level must be between 1 and 4")
	}
	return nil
}
