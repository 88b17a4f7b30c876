// Package metering runs a paid operation against its provider and
// reconciles the measured cost with what was paid.
package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-gate/logger"
	"github.com/vitwit/x402-gate/metrics"
	"github.com/vitwit/x402-gate/pricing"
	"github.com/vitwit/x402-gate/providers"
	"github.com/vitwit/x402-gate/types"
)

// ProviderSource resolves a provider by name.
type ProviderSource interface {
	Provider(name string) (providers.Provider, error)
}

// Result is a completed, reconciled call.
type Result struct {
	OperationKey   string               `json:"operationKey"`
	Provider       string               `json:"provider"`
	Model          string               `json:"model"`
	Output         string               `json:"output"`
	Usage          types.MeteredUsage   `json:"usage"`
	Reconciliation types.Reconciliation `json:"reconciliation"`
	CompletedAt    time.Time            `json:"completedAt"`
}

// Runner is the metered call wrapper.
type Runner struct {
	estimator *pricing.Estimator
	providers ProviderSource
	tolerance decimal.Decimal
	timeout   time.Duration
	timeouts  map[string]time.Duration
	currency  string
	logger    logger.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithTolerance sets the fraction of the actual cost a payment must cover.
func WithTolerance(t decimal.Decimal) Option {
	return func(r *Runner) {
		if t.GreaterThan(decimal.Zero) {
			r.tolerance = t
		}
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithProviderTimeouts overrides the call timeout per provider name.
func WithProviderTimeouts(timeouts map[string]time.Duration) Option {
	return func(r *Runner) {
		r.timeouts = timeouts
	}
}

func WithCurrency(symbol string) Option {
	return func(r *Runner) {
		if symbol != "" {
			r.currency = symbol
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

func NewRunner(estimator *pricing.Estimator, source ProviderSource, opts ...Option) *Runner {
	r := &Runner{
		estimator: estimator,
		providers: source,
		tolerance: pricing.DefaultTolerance,
		timeout:   providers.DefaultTimeout,
		currency:  "USDC",
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run invokes the operation exactly once and prices it from measured usage.
// If paidMinorUnits does not cover the actual cost within tolerance, the
// output is withheld and InsufficientPayment is returned even though the
// provider already ran.
func (r *Runner) Run(ctx context.Context, operationKey, input string, paidMinorUnits int64) (*Result, error) {
	rate, ok := r.estimator.Lookup(operationKey)
	if !ok {
		return nil, types.NewError(types.ErrCodeUnknownOperation, fmt.Sprintf("unknown operation %q", operationKey), nil)
	}

	provider, err := r.providers.Provider(rate.Provider)
	if err != nil {
		return nil, types.NewError(types.ErrCodeProviderUnavailable, fmt.Sprintf("provider %s is not configured", rate.Provider), err).
			WithDetail("provider", rate.Provider)
	}

	labels := map[string]string{"operation": operationKey}
	callCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(rate.Provider))
	start := time.Now()
	completion, err := provider.Complete(callCtx, rate.Model, input)
	cancel()
	r.metrics.ObserveLatency("provider_call", time.Since(start), labels)
	if err != nil {
		r.metrics.IncCounter("provider_failed", labels)
		return nil, types.NewError(types.ErrCodeProviderUnavailable, fmt.Sprintf("provider %s failed", rate.Provider), err).
			WithDetail("provider", rate.Provider)
	}

	usage := r.measure(input, completion)
	usage.ActualCostMinorUnits = r.estimator.ActualCost(operationKey, usage.InputUnits, usage.OutputUnits)

	if !pricing.Covers(paidMinorUnits, usage.ActualCostMinorUnits, r.tolerance) {
		r.metrics.IncCounter("reconciliation_failed", labels)
		r.logger.Warn("payment does not cover actual cost", map[string]any{
			"operation":   operationKey,
			"paid":        paidMinorUnits,
			"actual":      usage.ActualCostMinorUnits,
			"inputUnits":  usage.InputUnits,
			"outputUnits": usage.OutputUnits,
		})
		return nil, types.InsufficientPayment(usage.ActualCostMinorUnits, paidMinorUnits).
			WithDetail("stage", "reconciliation").
			WithDetail("inputUnits", usage.InputUnits).
			WithDetail("outputUnits", usage.OutputUnits)
	}

	r.metrics.IncCounter("call_completed", labels)
	return &Result{
		OperationKey: operationKey,
		Provider:     rate.Provider,
		Model:        rate.Model,
		Output:       completion.Content,
		Usage:        usage,
		Reconciliation: types.Reconciliation{
			PaidMinorUnits:   paidMinorUnits,
			ActualMinorUnits: usage.ActualCostMinorUnits,
			Currency:         r.currency,
		},
		CompletedAt: r.now().UTC(),
	}, nil
}

func (r *Runner) timeoutFor(provider string) time.Duration {
	if d, ok := r.timeouts[provider]; ok && d > 0 {
		return d
	}
	return r.timeout
}

// measure prefers provider-reported usage and falls back to the estimation
// heuristic for anything unreported.
func (r *Runner) measure(input string, c *providers.Completion) types.MeteredUsage {
	usage := types.MeteredUsage{
		InputUnits:  c.InputUnits,
		OutputUnits: c.OutputUnits,
		Reported:    c.InputUnits > 0 && c.OutputUnits > 0,
	}
	if usage.InputUnits <= 0 {
		usage.InputUnits = r.estimator.CountUnits(input)
	}
	if usage.OutputUnits <= 0 {
		usage.OutputUnits = r.estimator.CountUnits(c.Content)
	}
	return usage
}
