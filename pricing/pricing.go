// Package pricing converts operation requests into amounts of the payment
// asset's minor units.
package pricing

import (
	"github.com/shopspring/decimal"
)

const (
	// DefaultFloorMinorUnits is the protocol-wide minimum charge (0.01 of a
	// 6-decimal asset).
	DefaultFloorMinorUnits int64 = 10_000

	// DefaultEstimateMinorUnits is quoted for operation keys missing from the table.
	DefaultEstimateMinorUnits int64 = 10_000

	// DefaultAssumedOutputUnits is the output size assumed before a call runs.
	// It matches the max output requested from providers.
	DefaultAssumedOutputUnits int64 = 2000

	DefaultAssetDecimals int32 = 6
)

var (
	DefaultSafetyBuffer = decimal.New(12, -1) // 1.2
	DefaultTolerance    = decimal.New(9, -1)  // 0.9

	perMillion = decimal.NewFromInt(1_000_000)
)

// Rate prices one operation. Input and Output are in asset display units
// (USD for stablecoins) per one million units consumed.
type Rate struct {
	Provider string          `json:"provider" validate:"required"`
	Model    string          `json:"model" validate:"required"`
	Input    decimal.Decimal `json:"input"`
	Output   decimal.Decimal `json:"output"`
}

// ZeroRated reports whether the operation is free and bypasses payment entirely.
func (r Rate) ZeroRated() bool {
	return r.Input.IsZero() && r.Output.IsZero()
}

// Table maps operation keys to their rates.
type Table map[string]Rate

// DefaultTable is the built-in price table.
func DefaultTable() Table {
	return Table{
		"claude-opus-4.1": {Provider: "anthropic", Model: "claude-3-opus-20240229", Input: decimal.NewFromInt(15), Output: decimal.NewFromInt(75)},
		"gpt-4-32k":       {Provider: "openai", Model: "gpt-4-32k", Input: decimal.NewFromInt(60), Output: decimal.NewFromInt(120)},
		"gpt-4.5":         {Provider: "openai", Model: "gpt-4o", Input: decimal.NewFromInt(5), Output: decimal.NewFromInt(15)},
		"o1-pro":          {Provider: "openai", Model: "o1-preview", Input: decimal.NewFromInt(15), Output: decimal.NewFromInt(60)},
		"gemini-2.5-pro":  {Provider: "google", Model: "gemini-2.0-flash-exp", Input: decimal.Zero, Output: decimal.Zero},
	}
}

// Covers reports whether paid is at least required*tolerance.
func Covers(paid, required int64, tolerance decimal.Decimal) bool {
	return decimal.NewFromInt(paid).GreaterThanOrEqual(decimal.NewFromInt(required).Mul(tolerance))
}
