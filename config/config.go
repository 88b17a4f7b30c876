// Package config loads the gate's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-gate/clients"
	"github.com/vitwit/x402-gate/types"
	"github.com/vitwit/x402-gate/utils"
)

const (
	DefaultRecipientWallet = "seFkxFkXEY9JGEpCyPfCWTuPZG9WK6ucf95zvKCfsRX"
	MainnetUSDCMint        = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	DevnetUSDCMint         = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Load reads the environment into a validated X402Config.
func Load() (*types.X402Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with a custom lookup.
func LoadFrom(getenv func(string) string) (*types.X402Config, error) {
	env := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	network, err := types.ParseNetwork(env("SOLANA_CLUSTER", "devnet"))
	if err != nil {
		return nil, types.NewError(types.ErrCodeConfigError, "invalid SOLANA_CLUSTER", err)
	}

	rpcURL := env("SOLANA_DEVNET_RPC", clients.DefaultRPCURL(network))
	mint := DevnetUSDCMint
	if !network.IsTestnet() {
		rpcURL = env("SOLANA_MAINNET_RPC", clients.DefaultRPCURL(network))
		mint = MainnetUSDCMint
	}

	cfg := &types.X402Config{
		Network:         network,
		RPCUrl:          rpcURL,
		RecipientWallet: env("X402_RECIPIENT_WALLET", DefaultRecipientWallet),
		AssetMint:       env("X402_ASSET_MINT", mint),
		AssetDecimals:   6,
		AssetSymbol:     env("X402_ASSET_SYMBOL", "USDC"),
		PriceTablePath:  env("X402_PRICE_TABLE", ""),
		QuoteSecret:     env("X402_QUOTE_SECRET", ""),
		LogLevel:        env("LOG_LEVEL", "info"),
		DBSource:        env("DB_SOURCE", ""),
		KafkaBrokers:    env("KAFKA_BROKERS", ""),
		KafkaTopic:      env("KAFKA_TOPIC", "x402.payments"),
		ListenAddr:      ":" + env("SERVER_PORT", "8080"),
		Providers:       map[string]types.ProviderConfig{},
	}

	if cfg.EnableMetrics, err = strconv.ParseBool(env("ENABLE_METRICS", "true")); err != nil {
		return nil, configError("ENABLE_METRICS", err)
	}
	if cfg.ConfirmTimeout, err = time.ParseDuration(env("X402_CONFIRM_TIMEOUT", "30s")); err != nil {
		return nil, configError("X402_CONFIRM_TIMEOUT", err)
	}
	if cfg.ProviderTimeout, err = time.ParseDuration(env("X402_PROVIDER_TIMEOUT", "60s")); err != nil {
		return nil, configError("X402_PROVIDER_TIMEOUT", err)
	}
	if cfg.QuoteTTL, err = time.ParseDuration(env("X402_QUOTE_TTL", "5m")); err != nil {
		return nil, configError("X402_QUOTE_TTL", err)
	}
	if v := env("X402_FLOOR", ""); v != "" {
		if cfg.FloorMinorUnits, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, configError("X402_FLOOR", err)
		}
	}
	if v := env("X402_TOLERANCE", ""); v != "" {
		if cfg.Tolerance, err = decimal.NewFromString(v); err != nil {
			return nil, configError("X402_TOLERANCE", err)
		}
	}

	for name, key := range map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"google":    "GOOGLE_API_KEY",
	} {
		if apiKey := env(key, ""); apiKey != "" {
			cfg.Providers[name] = types.ProviderConfig{APIKey: apiKey, Timeout: cfg.ProviderTimeout}
		}
	}

	if err := utils.ValidateX402Config(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configError(key string, err error) error {
	return types.NewError(types.ErrCodeConfigError, fmt.Sprintf("invalid %s", key), err)
}
