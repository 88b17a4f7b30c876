package x402

import (
	"time"

	"github.com/vitwit/x402-gate/clients"
	"github.com/vitwit/x402-gate/events"
	"github.com/vitwit/x402-gate/gate"
	"github.com/vitwit/x402-gate/logger"
	"github.com/vitwit/x402-gate/metrics"
	"github.com/vitwit/x402-gate/pricing"
	"github.com/vitwit/x402-gate/providers"
)

type Option func(*X402)

func WithLogger(l logger.Logger) Option {
	return func(x *X402) {
		x.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *X402) {
		x.metrics = r
	}
}

// WithTimeout overrides the confirmation timeout from the config.
func WithTimeout(t time.Duration) Option {
	return func(x *X402) {
		x.timeout = t
	}
}

// WithLedger replaces the Solana RPC client built from the config.
func WithLedger(l clients.Ledger) Option {
	return func(x *X402) {
		x.ledger = l
	}
}

// WithPriceTable replaces both the built-in table and any table file.
func WithPriceTable(t pricing.Table) Option {
	return func(x *X402) {
		x.table = t
	}
}

// WithProvider registers p in addition to the providers built from API keys.
func WithProvider(p providers.Provider) Option {
	return func(x *X402) {
		x.extraProviders = append(x.extraProviders, p)
	}
}

// WithReplayGuard replaces the receipt store selected from the config.
// durable must only be true if claims survive restarts.
func WithReplayGuard(g gate.ReplayGuard, durable bool) Option {
	return func(x *X402) {
		x.guard = g
		x.durableGuard = durable
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(x *X402) {
		x.publisher = p
	}
}

// WithReceiptRetention sets how long an in-process receipt store keeps
// receipts and how often it prunes them. Zero values use the store defaults.
func WithReceiptRetention(retention, interval time.Duration) Option {
	return func(x *X402) {
		x.retention = retention
		x.pruneInterval = interval
	}
}
