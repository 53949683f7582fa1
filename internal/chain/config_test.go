package chain

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultNetworks(t *testing.T) {
	defs := DefaultNetworks()

	testnet, err := defs.Lookup("cronos-testnet")
	if err != nil {
		t.Fatalf("Lookup testnet: %v", err)
	}
	if testnet.ChainID != 338 || testnet.AssetDecimals != 6 {
		t.Fatalf("unexpected testnet definition: %+v", testnet)
	}

	mainnet, err := defs.Lookup("cronos-mainnet")
	if err != nil {
		t.Fatalf("Lookup mainnet: %v", err)
	}
	if mainnet.ChainID != 25 {
		t.Fatalf("unexpected mainnet definition: %+v", mainnet)
	}

	if _, err := defs.Lookup("base-sepolia"); err == nil {
		t.Fatal("expected error for unknown network")
	}
}

func TestLoadNetworkDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "networks.yaml")
	content := `networks:
  local-devnet:
    chain_id: 31337
    rpc_url: http://localhost:8545
    explorer_tx_base: http://localhost:4000/tx/
    accepted_asset: "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0"
    asset_decimals: 6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	defs, err := LoadNetworkDefinitions(path)
	if err != nil {
		t.Fatalf("LoadNetworkDefinitions: %v", err)
	}
	net, err := defs.Lookup("local-devnet")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if net.ChainID != 31337 || net.RPCURL != "http://localhost:8545" {
		t.Fatalf("unexpected definition: %+v", net)
	}
}

func TestLoadNetworkDefinitionsEmptyPathFallsBack(t *testing.T) {
	defs, err := LoadNetworkDefinitions("")
	if err != nil {
		t.Fatalf("LoadNetworkDefinitions: %v", err)
	}
	if _, err := defs.Lookup("cronos-testnet"); err != nil {
		t.Fatalf("defaults missing testnet: %v", err)
	}
}

func TestLoadNetworkDefinitionsMissingFile(t *testing.T) {
	if _, err := LoadNetworkDefinitions(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
