// Package config loads the startup configuration for the guard daemon.
package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	xerrors "CronoGuard/internal/errors"
	"CronoGuard/pkg/logger"
)

// Config is everything the daemon needs at startup.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Network     NetworkConfig     `json:"network"`
	Facilitator FacilitatorConfig `json:"facilitator"`
	Policy      PolicyConfig      `json:"policy"`
	Storage     StorageConfig     `json:"storage"`
	Audit       AuditConfig       `json:"audit"`
	Logger      logger.Config     `json:"logger"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// NetworkConfig selects the active chain and optionally overrides the bundled
// network definitions with a YAML file.
type NetworkConfig struct {
	Name         string `json:"name"`
	NetworksFile string `json:"networks_file"`
}

// FacilitatorConfig points at the x402 facilitator.
type FacilitatorConfig struct {
	BaseURL string `json:"base_url"`
	PayTo   string `json:"pay_to"`
}

// PolicyConfig carries policy overrides. AmountCap is in base units; zero
// keeps the built-in cap.
type PolicyConfig struct {
	AmountCap int64 `json:"amount_cap"`
}

// StorageConfig selects the keyed store backend and the optional receipt
// archive.
type StorageConfig struct {
	Driver  string        `json:"driver"`
	Redis   RedisConfig   `json:"redis"`
	Archive ArchiveConfig `json:"archive"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// ArchiveConfig enables the MySQL run history when a DSN is set.
type ArchiveConfig struct {
	DSN string `json:"dsn"`
}

// AuditConfig enables the RabbitMQ receipt publisher when a URL is set.
type AuditConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// Load parses the JSON configuration at path and fills in defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "open config file")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "read config file")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "parse config file")
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Network.Name == "" {
		c.Network.Name = "cronos-testnet"
	}
	if c.Network.NetworksFile != "" && !filepath.IsAbs(c.Network.NetworksFile) {
		c.Network.NetworksFile = filepath.Join(baseDir, c.Network.NetworksFile)
	}
	if c.Facilitator.BaseURL == "" {
		c.Facilitator.BaseURL = "http://localhost:4021"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "cronoguard"
	}
	if c.Audit.Queue == "" {
		c.Audit.Queue = "cronoguard.receipts"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
}
