package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardd.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %q", cfg.Server.Address)
	}
	if cfg.Network.Name != "cronos-testnet" {
		t.Fatalf("unexpected network: %q", cfg.Network.Name)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected driver: %q", cfg.Storage.Driver)
	}
	if cfg.Facilitator.BaseURL != "http://localhost:4021" {
		t.Fatalf("unexpected facilitator: %q", cfg.Facilitator.BaseURL)
	}
	if cfg.Audit.Queue != "cronoguard.receipts" {
		t.Fatalf("unexpected audit queue: %q", cfg.Audit.Queue)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
        "server": {"address": ":9090"},
        "network": {"name": "cronos-mainnet", "networks_file": "networks.yaml"},
        "storage": {"driver": "redis", "redis": {"addr": "redis:6379", "db": 2}},
        "policy": {"amount_cap": 5000000}
    }`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":9090" || cfg.Network.Name != "cronos-mainnet" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Storage.Driver != "redis" || cfg.Storage.Redis.Addr != "redis:6379" || cfg.Storage.Redis.DB != 2 {
		t.Fatalf("redis settings not applied: %+v", cfg.Storage)
	}
	if cfg.Policy.AmountCap != 5000000 {
		t.Fatalf("policy cap not applied: %d", cfg.Policy.AmountCap)
	}
	// Relative networks file resolves against the config directory.
	if !filepath.IsAbs(cfg.Network.NetworksFile) {
		t.Fatalf("networks file not resolved: %q", cfg.Network.NetworksFile)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, `{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
