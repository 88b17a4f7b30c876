package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-gate/pricing"
	"github.com/vitwit/x402-gate/types"
)

var validate = validator.New()

// ParsePriceTable parses a JSON object of operation key to rate. Rates are
// decimal strings or numbers in asset units per million units consumed.
func ParsePriceTable(data []byte) (pricing.Table, error) {
	var table pricing.Table

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&table); err != nil {
		return nil, types.NewError(types.ErrCodeConfigError, "failed to parse price table", err)
	}
	if len(table) == 0 {
		return nil, types.NewError(types.ErrCodeConfigError, "price table is empty", nil)
	}

	for key, rate := range table {
		if err := validate.Struct(&rate); err != nil {
			return nil, types.NewError(types.ErrCodeConfigError, fmt.Sprintf("invalid rate for %q", key), err)
		}
		if rate.Input.IsNegative() || rate.Output.IsNegative() {
			return nil, types.NewError(types.ErrCodeConfigError, fmt.Sprintf("negative rate for %q", key), nil)
		}
	}

	return table, nil
}

// LoadPriceTable reads and parses a price table file.
func LoadPriceTable(path string) (pricing.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrCodeConfigError, "failed to read price table", err)
	}
	return ParsePriceTable(data)
}

// ParseX402Config parses X402Config from JSON
func ParseX402Config(data []byte) (*types.X402Config, error) {
	var config types.X402Config

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, types.NewError(types.ErrCodeConfigError, "failed to parse x402 config", err)
	}
	if err := ValidateX402Config(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateX402Config checks struct tags and the on-chain identifiers.
func ValidateX402Config(config *types.X402Config) error {
	if err := validate.Struct(config); err != nil {
		return types.NewError(types.ErrCodeConfigError, "validation failed", err)
	}
	if err := ValidateSolanaAddress(config.RecipientWallet); err != nil {
		return types.NewError(types.ErrCodeConfigError, "invalid recipient wallet", err)
	}
	if err := ValidateSolanaAddress(config.AssetMint); err != nil {
		return types.NewError(types.ErrCodeConfigError, "invalid asset mint", err)
	}
	if config.Tolerance.IsPositive() && config.Tolerance.GreaterThan(decimalOne) {
		return types.NewError(types.ErrCodeConfigError, "tolerance must not exceed 1", nil)
	}
	if config.SafetyBuffer.IsPositive() && config.SafetyBuffer.LessThan(decimalOne) {
		return types.NewError(types.ErrCodeConfigError, "safety buffer must be at least 1", nil)
	}
	return nil
}
