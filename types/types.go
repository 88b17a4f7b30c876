package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	// SchemeExact is an exact-amount, single-transfer scheme.
	SchemeExact PaymentScheme = "exact"
)

// Recipient identifies the account that must receive a payment.
type Recipient struct {
	// Wallet is the owning address.
	Wallet string `json:"wallet"`

	// TokenAccount is the asset-holding sub-account derived from Wallet and the asset mint.
	TokenAccount string `json:"tokenAccount"`
}

// PaymentQuote is issued when a request arrives without a payment proof.
type PaymentQuote struct {
	QuoteID          string    `json:"quoteId"`
	Recipient        Recipient `json:"recipient"`
	AssetID          string    `json:"assetId"`
	AmountMinorUnits int64     `json:"amountMinorUnits"`
	AmountDisplay    string    `json:"amountDisplay"`
	Network          Network   `json:"network"`
	Cluster          string    `json:"cluster"`
	Scheme           string    `json:"scheme"`
	OperationKey     string    `json:"operationKey,omitempty"`
	Message          string    `json:"message,omitempty"`

	// QuoteToken is only set when quote signing is enabled. Clients echo it
	// back so the exact quoted amount is enforced at verification time.
	QuoteToken string     `json:"quoteToken,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// PaymentProof is the artifact a client submits to authorize a call.
type PaymentProof struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network" validate:"required"`
	Payload     ProofPayload `json:"payload"`
}

// ProofPayload carries the fully-signed, not yet submitted transaction.
type ProofPayload struct {
	SignedTransaction string `json:"signedTransaction" validate:"required,base64"`
}

// UnmarshalJSON also accepts the older "serializedTransaction" key.
func (p *ProofPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		SignedTransaction     string `json:"signedTransaction"`
		SerializedTransaction string `json:"serializedTransaction"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.SignedTransaction = raw.SignedTransaction
	if p.SignedTransaction == "" {
		p.SignedTransaction = raw.SerializedTransaction
	}
	return nil
}

// VerificationResult is the outcome of submitting and confirming a proof.
type VerificationResult struct {
	Signature string `json:"signature"`

	// AmountReceivedMinorUnits is derived from the recipient token account's
	// recorded pre/post balances, never from client input.
	AmountReceivedMinorUnits int64 `json:"amountReceivedMinorUnits"`

	// Settled is false only when submission succeeded but confirmation
	// could not be observed within the timeout.
	Settled bool `json:"settled"`

	Payer string `json:"payer,omitempty"`
	Slot  uint64 `json:"slot,omitempty"`
}

// MeteredUsage is produced after the guarded operation runs.
type MeteredUsage struct {
	InputUnits           int64 `json:"inputUnits"`
	OutputUnits          int64 `json:"outputUnits"`
	ActualCostMinorUnits int64 `json:"actualCostMinorUnits"`

	// Reported is false when the provider returned no usage and the
	// heuristic counter was used instead.
	Reported bool `json:"reported"`
}

// Reconciliation compares what was paid against what the call cost.
type Reconciliation struct {
	PaidMinorUnits   int64  `json:"paidMinorUnits"`
	ActualMinorUnits int64  `json:"actualMinorUnits"`
	Currency         string `json:"currency"`
}

// ProviderConfig holds credentials for one metered operation provider.
type ProviderConfig struct {
	APIKey  string        `json:"apiKey"`
	BaseURL string        `json:"baseUrl,omitempty" validate:"omitempty,url"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// X402Config contains global configuration for the payment gate
type X402Config struct {
	Network         Network `json:"network" validate:"required,oneof=solana-mainnet solana-devnet"`
	RPCUrl          string  `json:"rpcUrl" validate:"required,url"`
	RecipientWallet string  `json:"recipientWallet" validate:"required"`
	AssetMint       string  `json:"assetMint" validate:"required"`
	AssetDecimals   int32   `json:"assetDecimals" validate:"gte=0,lte=18"`
	AssetSymbol     string  `json:"assetSymbol,omitempty"`

	// Zero values fall back to the package defaults.
	ConfirmTimeout            time.Duration   `json:"confirmTimeout,omitempty"`
	ProviderTimeout           time.Duration   `json:"providerTimeout,omitempty"`
	FloorMinorUnits           int64           `json:"floorMinorUnits,omitempty" validate:"gte=0"`
	DefaultEstimateMinorUnits int64           `json:"defaultEstimateMinorUnits,omitempty" validate:"gte=0"`
	AssumedOutputUnits        int64           `json:"assumedOutputUnits,omitempty" validate:"gte=0"`
	SafetyBuffer              decimal.Decimal `json:"safetyBuffer,omitempty"`
	Tolerance                 decimal.Decimal `json:"tolerance,omitempty"`
	PriceTablePath            string          `json:"priceTablePath,omitempty"`

	QuoteSecret string        `json:"-"`
	QuoteTTL    time.Duration `json:"quoteTtl,omitempty"`

	Providers map[string]ProviderConfig `json:"providers,omitempty" validate:"dive"`

	LogLevel      string `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics bool   `json:"enableMetrics,omitempty"`
	DBSource      string `json:"-"`
	KafkaBrokers  string `json:"kafkaBrokers,omitempty"`
	KafkaTopic    string `json:"kafkaTopic,omitempty"`
	ListenAddr    string `json:"listenAddr,omitempty"`
}
