// Package x402 wires a pay-per-call gate for metered LLM operations,
// settled with SPL token transfers on Solana.
package x402

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vitwit/x402-gate/clients"
	"github.com/vitwit/x402-gate/events"
	"github.com/vitwit/x402-gate/gate"
	"github.com/vitwit/x402-gate/logger"
	"github.com/vitwit/x402-gate/metering"
	"github.com/vitwit/x402-gate/metrics"
	"github.com/vitwit/x402-gate/pricing"
	"github.com/vitwit/x402-gate/providers"
	"github.com/vitwit/x402-gate/store"
	"github.com/vitwit/x402-gate/types"
	"github.com/vitwit/x402-gate/utils"
	"github.com/vitwit/x402-gate/verification"
)

// X402 is the main struct that holds every wired component
type X402 struct {
	config    *types.X402Config
	recipient types.Recipient
	gate      *gate.Gate
	providers *providers.Registry

	ledger         clients.Ledger
	table          pricing.Table
	extraProviders []providers.Provider
	guard          gate.ReplayGuard
	durableGuard   bool
	retention      time.Duration
	pruneInterval  time.Duration
	publisher      events.Publisher
	closers        []func() error

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
}

// New validates config and builds the gate with its ledger client, receipt
// store, event publisher and providers.
func New(ctx context.Context, config *types.X402Config, opts ...Option) (*X402, error) {
	if config == nil {
		return nil, types.NewError(types.ErrCodeConfigError, "config is required", nil)
	}
	if err := utils.ValidateX402Config(config); err != nil {
		return nil, err
	}

	x := &X402{
		config:  config,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		timeout: config.ConfirmTimeout,
	}
	for _, opt := range opts {
		opt(x)
	}

	if err := x.wire(ctx); err != nil {
		x.Close()
		return nil, err
	}
	return x, nil
}

func (x *X402) wire(ctx context.Context) error {
	cfg := x.config

	recipient, err := clients.ResolveRecipient(cfg.RecipientWallet, cfg.AssetMint)
	if err != nil {
		return types.NewError(types.ErrCodeConfigError, "failed to resolve recipient token account", err)
	}
	x.recipient = recipient

	estimator, err := x.newEstimator()
	if err != nil {
		return err
	}

	if x.ledger == nil {
		client, err := clients.NewSolanaClient(cfg.Network, cfg.RPCUrl, clients.WithLogger(x.logger))
		if err != nil {
			return fmt.Errorf("failed to create Solana client for %s: %w", cfg.Network, err)
		}
		x.ledger = client
	}

	if x.guard == nil {
		if err := x.openReceiptStore(ctx); err != nil {
			return err
		}
	}
	if p, ok := x.guard.(store.Pruner); ok {
		x.closers = append(x.closers, store.StartPruner(p, x.retention, x.pruneInterval, x.logger))
	}

	if x.publisher == nil {
		x.publisher = events.NoopPublisher{}
		if cfg.KafkaBrokers != "" {
			p, err := events.NewKafkaPublisher(events.ParseBrokers(cfg.KafkaBrokers), cfg.KafkaTopic,
				events.WithKafkaLogger(x.logger))
			if err != nil {
				return types.NewError(types.ErrCodeConfigError, "failed to configure kafka publisher", err)
			}
			x.publisher = p
		}
	}
	x.closers = append(x.closers, x.publisher.Close)

	verifier, err := verification.NewVerificationService(x.ledger, cfg.Network, recipient, cfg.AssetMint,
		verification.WithConfirmTimeout(x.timeout),
		verification.WithFloor(estimator.Floor()),
		verification.WithResumeLanded(x.durableGuard),
		verification.WithLogger(x.logger),
		verification.WithMetrics(x.metrics),
	)
	if err != nil {
		return types.NewError(types.ErrCodeConfigError, "failed to create verifier", err)
	}

	x.providers, err = providers.NewRegistry(ctx, cfg.Providers, nil)
	if err != nil {
		return types.NewError(types.ErrCodeConfigError, "failed to create providers", err)
	}
	for _, p := range x.extraProviders {
		x.providers.Register(p)
	}

	runner := metering.NewRunner(estimator, x.providers,
		metering.WithTolerance(cfg.Tolerance),
		metering.WithTimeout(cfg.ProviderTimeout),
		metering.WithProviderTimeouts(providers.Timeouts(cfg.Providers)),
		metering.WithCurrency(cfg.AssetSymbol),
		metering.WithLogger(x.logger),
		metering.WithMetrics(x.metrics),
	)

	gateOpts := []gate.Option{
		gate.WithReplayGuard(x.guard),
		gate.WithPublisher(x.publisher),
		gate.WithLogger(x.logger),
		gate.WithMetrics(x.metrics),
	}
	if cfg.QuoteSecret != "" {
		signer, err := utils.NewQuoteSigner(cfg.QuoteSecret, cfg.QuoteTTL)
		if err != nil {
			return types.NewError(types.ErrCodeConfigError, "failed to create quote signer", err)
		}
		gateOpts = append(gateOpts, gate.WithQuoteSigner(signer))
	}

	x.gate = gate.New(gate.Config{
		Network:     cfg.Network,
		Recipient:   recipient,
		AssetMint:   cfg.AssetMint,
		AssetSymbol: cfg.AssetSymbol,
		Tolerance:   cfg.Tolerance,
	}, estimator, verifier, runner, gateOpts...)

	x.logger.Info("x402 gate ready", map[string]any{
		"network":      cfg.Network.String(),
		"recipient":    recipient.TokenAccount,
		"providers":    x.providers.Names(),
		"durableGuard": x.durableGuard,
		"quoteTokens":  cfg.QuoteSecret != "",
	})
	return nil
}

func (x *X402) newEstimator() (*pricing.Estimator, error) {
	cfg := x.config

	table := x.table
	if table == nil && cfg.PriceTablePath != "" {
		loaded, err := utils.LoadPriceTable(cfg.PriceTablePath)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	if table == nil {
		table = pricing.DefaultTable()
	}

	opts := []pricing.Option{
		pricing.WithSafetyBuffer(cfg.SafetyBuffer),
		pricing.WithFloor(cfg.FloorMinorUnits),
		pricing.WithDefaultEstimate(cfg.DefaultEstimateMinorUnits),
		pricing.WithAssumedOutputUnits(cfg.AssumedOutputUnits),
	}
	if cfg.AssetDecimals > 0 {
		opts = append(opts, pricing.WithAssetDecimals(cfg.AssetDecimals))
	}
	return pricing.NewEstimator(table, opts...), nil
}

// openReceiptStore uses Postgres when DB_SOURCE is configured and an
// in-process store otherwise. Only the Postgres store is durable, so only
// it lets the verifier resume transactions that already landed.
func (x *X402) openReceiptStore(ctx context.Context) error {
	if x.config.DBSource == "" {
		x.guard = store.NewMemoryStore()
		x.durableGuard = false
		return nil
	}

	s, err := store.NewStore(ctx, x.config.DBSource)
	if err != nil {
		return types.NewError(types.ErrCodeConfigError, "failed to open receipt store", err)
	}
	x.closers = append(x.closers, s.Close)
	if err := s.Migrate(ctx); err != nil {
		return types.NewError(types.ErrCodeConfigError, "failed to migrate receipt store", err)
	}
	x.guard = s
	x.durableGuard = true
	return nil
}

// Gate returns the payment state machine.
func (x *X402) Gate() *gate.Gate {
	return x.gate
}

// Config returns the configuration the gate was built from.
func (x *X402) Config() *types.X402Config {
	return x.config
}

// Recipient returns the wallet and token account payments must reach.
func (x *X402) Recipient() types.Recipient {
	return x.recipient
}

// Providers lists the configured operation providers.
func (x *X402) Providers() []string {
	if x.providers == nil {
		return nil
	}
	return x.providers.Names()
}

// Supported returns the single (version, scheme, network) kind this gate accepts.
func (x *X402) Supported() types.SupportedResponse {
	return types.SupportedResponse{
		Kinds: []types.SupportedItem{{
			X402Version: int(types.X402Version1),
			Scheme:      string(types.SchemeExact),
			Network:     x.config.Network.String(),
		}},
	}
}

// Close releases the receipt store, event publisher and ledger client.
func (x *X402) Close() error {
	var errs []error
	for i := len(x.closers) - 1; i >= 0; i-- {
		if err := x.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	x.closers = nil
	if c, ok := x.ledger.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
