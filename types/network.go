package types

import (
	"fmt"
	"strings"
)

// Network represents the ledger cluster a quote or proof is valid for
type Network string

const (
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet
)

// ParseNetwork accepts the canonical network names as well as the Solana
// cluster names wallets use ("mainnet-beta", "devnet").
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "solana-mainnet", "mainnet-beta", "mainnet":
		return NetworkSolanaMainnet, nil
	case "solana-devnet", "devnet":
		return NetworkSolanaDevnet, nil
	default:
		return "", fmt.Errorf("unsupported network: %q", s)
	}
}

func (n Network) IsSolana() bool {
	return n == NetworkSolanaMainnet || n == NetworkSolanaDevnet
}

func (n Network) IsTestnet() bool {
	return n == NetworkSolanaDevnet
}

// Cluster returns the Solana cluster name used by wallets and explorers.
func (n Network) Cluster() string {
	if n == NetworkSolanaMainnet {
		return "mainnet-beta"
	}
	return "devnet"
}

// ExplorerURL links a transaction signature on the public explorer.
func (n Network) ExplorerURL(signature string) string {
	return fmt.Sprintf("https://explorer.solana.com/tx/%s?cluster=%s", signature, n.Cluster())
}

func (n Network) String() string {
	return string(n)
}

// SupportedItem describes one accepted (version, scheme, network) combination.
type SupportedItem struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedItem `json:"kinds"`
}
