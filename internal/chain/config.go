package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkDefinitions models the structure of configs/networks.yaml.
type NetworkDefinitions struct {
	Networks map[string]Network `yaml:"networks"`
}

// Network describes a single supported network: where to reach it and which
// stablecoin it settles the agent fee in.
type Network struct {
	ChainID        int64  `yaml:"chain_id"`
	RPCURL         string `yaml:"rpc_url"`
	ExplorerTxBase string `yaml:"explorer_tx_base"`
	AcceptedAsset  string `yaml:"accepted_asset"`
	AssetDecimals  int    `yaml:"asset_decimals"`
	Description    string `yaml:"description"`
}

// DefaultNetworks returns the built-in Cronos definitions, used when no
// networks file is configured.
func DefaultNetworks() NetworkDefinitions {
	return NetworkDefinitions{Networks: map[string]Network{
		"cronos-testnet": {
			ChainID:        338,
			RPCURL:         "https://evm-t3.cronos.org",
			ExplorerTxBase: "https://cronos.org/explorer/testnet3/tx/",
			AcceptedAsset:  "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0",
			AssetDecimals:  6,
			Description:    "Cronos testnet (USDC.e)",
		},
		"cronos-mainnet": {
			ChainID:        25,
			RPCURL:         "https://evm.cronos.org",
			ExplorerTxBase: "https://cronoscan.com/tx/",
			AcceptedAsset:  "0xf951eC28187D9E5Ca673Da8FE6757E6f0Be5F77C",
			AssetDecimals:  6,
			Description:    "Cronos mainnet (USDC.e)",
		},
	}}
}

// LoadNetworkDefinitions parses the YAML file containing network metadata.
// An empty path returns the built-in defaults.
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultNetworks(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("read networks file: %w", err)
	}

	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("parse networks file: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]Network{}
	}
	return defs, nil
}

// Lookup returns the definition for name.
func (d NetworkDefinitions) Lookup(name string) (Network, error) {
	net, ok := d.Networks[name]
	if !ok {
		return Network{}, fmt.Errorf("unknown network %q", name)
	}
	return net, nil
}
