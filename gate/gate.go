// Package gate is the payment state machine in front of metered operations.
//
// A request without proof is quoted. A request with proof is verified
// against the ledger and then either authorized, rejected or left pending.
// Zero-rated operations skip payment entirely.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-gate/clients"
	"github.com/vitwit/x402-gate/encoding"
	"github.com/vitwit/x402-gate/events"
	"github.com/vitwit/x402-gate/logger"
	"github.com/vitwit/x402-gate/metering"
	"github.com/vitwit/x402-gate/metrics"
	"github.com/vitwit/x402-gate/pricing"
	"github.com/vitwit/x402-gate/store"
	"github.com/vitwit/x402-gate/types"
	"github.com/vitwit/x402-gate/utils"
)

// Verifier settles a payment proof on the ledger. Resume continues a proof
// that was already submitted and left pending.
type Verifier interface {
	Verify(ctx context.Context, proof *types.PaymentProof) (*types.VerificationResult, error)
	Resume(ctx context.Context, proof *types.PaymentProof) (*types.VerificationResult, error)
}

// Meter runs a paid operation and reconciles its cost.
type Meter interface {
	Run(ctx context.Context, operationKey, input string, paidMinorUnits int64) (*metering.Result, error)
}

// ReplayGuard records which transaction signatures have already paid for
// a call. Claim must be atomic.
type ReplayGuard interface {
	Seen(ctx context.Context, signature string) (bool, error)
	Claim(ctx context.Context, r store.Receipt) (bool, error)
	Complete(ctx context.Context, signature string, actualMinorUnits int64) error
}

// PendingTracker is implemented by replay guards that remember proofs left
// pending, so a retry of one is resumed instead of rejected as a replay.
type PendingTracker interface {
	MarkPending(ctx context.Context, signature string) error
	Pending(ctx context.Context, signature string) (bool, error)
}

type State string

const (
	StateQuoted     State = "quoted"
	StateAuthorized State = "authorized"
	StatePending    State = "pending"
	StateFree       State = "free"
)

// Request is one inbound call. Payment is the raw X-Payment header and
// QuoteToken the raw X-Payment-Quote header; both may be empty.
type Request struct {
	OperationKey string
	Input        string
	Payment      string
	QuoteToken   string
}

// Outcome is the non-error result of the gate. Exactly one of Quote,
// Payment or Result is the primary payload depending on State; an
// authorized call carries both Payment and Result.
type Outcome struct {
	State              State
	Quote              *types.PaymentQuote
	Payment            *types.VerificationResult
	RequiredMinorUnits int64
	Result             *metering.Result
}

// Config describes where payments go.
type Config struct {
	Network     types.Network
	Recipient   types.Recipient
	AssetMint   string
	AssetSymbol string
	Tolerance   decimal.Decimal
}

type Gate struct {
	cfg       Config
	estimator *pricing.Estimator
	verifier  Verifier
	meter     Meter
	signer    *utils.QuoteSigner
	guard     ReplayGuard
	publisher events.Publisher
	logger    logger.Logger
	metrics   metrics.Recorder
}

type Option func(*Gate)

// WithQuoteSigner makes quotes carry a signed token that pins the amount
// checked at verification time.
func WithQuoteSigner(s *utils.QuoteSigner) Option {
	return func(g *Gate) {
		g.signer = s
	}
}

// WithReplayGuard rejects proofs whose signature already paid for a call.
func WithReplayGuard(r ReplayGuard) Option {
	return func(g *Gate) {
		g.guard = r
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(g *Gate) {
		g.publisher = p
	}
}

func WithLogger(l logger.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

func New(cfg Config, estimator *pricing.Estimator, verifier Verifier, meter Meter, opts ...Option) *Gate {
	if !cfg.Tolerance.IsPositive() {
		cfg.Tolerance = pricing.DefaultTolerance
	}
	if cfg.AssetSymbol == "" {
		cfg.AssetSymbol = "USDC"
	}

	g := &Gate{
		cfg:       cfg,
		estimator: estimator,
		verifier:  verifier,
		meter:     meter,
		publisher: events.NoopPublisher{},
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Estimator returns the pricing the gate quotes with.
func (g *Gate) Estimator() *pricing.Estimator {
	return g.estimator
}

// Quote prices operationKey for input. Unknown operations get the default
// estimate. Every quoted amount is at least the floor.
func (g *Gate) Quote(ctx context.Context, operationKey, input string) (*types.PaymentQuote, error) {
	return g.quote(ctx, operationKey, g.estimator.EstimateRequest(operationKey, input), utils.HashInput(input))
}

// QuoteAmount quotes an explicit amount, raised to the floor. Its token is
// only honored by Verify, never by Handle, since it prices no input.
func (g *Gate) QuoteAmount(ctx context.Context, operationKey string, amountMinorUnits int64) (*types.PaymentQuote, error) {
	return g.quote(ctx, operationKey, amountMinorUnits, "")
}

func (g *Gate) quote(ctx context.Context, operationKey string, amount int64, inputHash string) (*types.PaymentQuote, error) {
	if floor := g.estimator.Floor(); amount < floor {
		amount = floor
	}

	display := g.estimator.Display(amount)
	q := &types.PaymentQuote{
		QuoteID:          uuid.NewString(),
		Recipient:        g.cfg.Recipient,
		AssetID:          g.cfg.AssetMint,
		AmountMinorUnits: amount,
		AmountDisplay:    display,
		Network:          g.cfg.Network,
		Cluster:          g.cfg.Network.Cluster(),
		Scheme:           string(types.SchemeExact),
		OperationKey:     operationKey,
		Message:          fmt.Sprintf("Send %s %s to the token account", display, g.cfg.AssetSymbol),
	}

	if g.signer != nil {
		claims := utils.QuoteClaims{
			OperationKey:     operationKey,
			AmountMinorUnits: amount,
			Network:          g.cfg.Network.String(),
			Recipient:        g.cfg.Recipient.TokenAccount,
			InputHash:        inputHash,
		}
		claims.ID = q.QuoteID
		token, expires, err := g.signer.Sign(claims)
		if err != nil {
			return nil, types.NewError(types.ErrCodeConfigError, "failed to sign quote", err)
		}
		q.QuoteToken = token
		q.ExpiresAt = &expires
	}

	g.metrics.IncCounter("payment_quoted", g.labels(operationKey))
	e := events.New(events.PaymentQuoted)
	e.Network = g.cfg.Network.String()
	e.OperationKey = operationKey
	e.QuoteID = q.QuoteID
	e.AmountMinorUnits = amount
	g.publish(ctx, e)

	return q, nil
}

// Verify settles the proof in req without running an operation. The
// payment must cover the quote token amount when one is presented, and the
// floor otherwise.
func (g *Gate) Verify(ctx context.Context, req Request) (*Outcome, error) {
	if req.Payment == "" {
		return nil, types.NewError(types.ErrCodeInvalidRequest, "missing X-Payment header", nil)
	}

	payment, required, err := g.authorize(ctx, req, g.estimator.Floor(), false)
	if err != nil {
		return nil, err
	}
	if !payment.Settled {
		return &Outcome{State: StatePending, Payment: payment, RequiredMinorUnits: required}, nil
	}
	return &Outcome{State: StateAuthorized, Payment: payment, RequiredMinorUnits: required}, nil
}

// Handle runs the full state machine for a metered call.
func (g *Gate) Handle(ctx context.Context, req Request) (*Outcome, error) {
	rate, ok := g.estimator.Lookup(req.OperationKey)
	if !ok {
		return nil, g.reject(ctx, req.OperationKey, "", types.NewError(types.ErrCodeUnknownOperation,
			fmt.Sprintf("unknown operation %q", req.OperationKey), nil))
	}

	if rate.ZeroRated() {
		result, err := g.meter.Run(ctx, req.OperationKey, req.Input, 0)
		if err != nil {
			return nil, g.reject(ctx, req.OperationKey, "", err)
		}
		g.metrics.IncCounter("call_free", g.labels(req.OperationKey))
		return &Outcome{State: StateFree, Result: result}, nil
	}

	if req.Payment == "" {
		q, err := g.Quote(ctx, req.OperationKey, req.Input)
		if err != nil {
			return nil, err
		}
		g.logger.Info("quote issued", map[string]any{"operation": req.OperationKey, "amount": q.AmountMinorUnits, "quoteId": q.QuoteID})
		return &Outcome{State: StateQuoted, Quote: q}, nil
	}

	payment, required, err := g.authorize(ctx, req, g.estimator.EstimateRequest(req.OperationKey, req.Input), true)
	if err != nil {
		return nil, err
	}
	if !payment.Settled {
		return &Outcome{State: StatePending, Payment: payment, RequiredMinorUnits: required}, nil
	}

	result, err := g.meter.Run(ctx, req.OperationKey, req.Input, payment.AmountReceivedMinorUnits)
	if err != nil {
		g.complete(ctx, payment.Signature, actualFromError(err))
		return nil, g.reject(ctx, req.OperationKey, payment.Signature, err)
	}
	g.complete(ctx, payment.Signature, result.Usage.ActualCostMinorUnits)

	e := events.New(events.CallCompleted)
	e.Network = g.cfg.Network.String()
	e.OperationKey = req.OperationKey
	e.Signature = payment.Signature
	e.Payer = payment.Payer
	e.AmountMinorUnits = payment.AmountReceivedMinorUnits
	e.RequiredMinorUnits = required
	e.ActualMinorUnits = result.Usage.ActualCostMinorUnits
	g.publish(ctx, e)
	g.logger.Info("call completed", map[string]any{
		"operation": req.OperationKey,
		"signature": payment.Signature,
		"paid":      payment.AmountReceivedMinorUnits,
		"actual":    result.Usage.ActualCostMinorUnits,
	})

	return &Outcome{State: StateAuthorized, Payment: payment, RequiredMinorUnits: required, Result: result}, nil
}

// authorize decodes and settles the proof and checks the received amount
// against required, or against the quote token amount when one is
// presented. With bindInput the token must have priced req.Input. A pending
// result is returned without error.
func (g *Gate) authorize(ctx context.Context, req Request, required int64, bindInput bool) (*types.VerificationResult, int64, error) {
	op := req.OperationKey

	proof, err := encoding.DecodeProof(req.Payment)
	if err != nil {
		return nil, 0, g.reject(ctx, op, "", err)
	}
	network, err := types.ParseNetwork(proof.Network)
	if err != nil || network != g.cfg.Network {
		return nil, 0, g.reject(ctx, op, "", types.NewError(types.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("payment network %q does not match %s", proof.Network, g.cfg.Network), err))
	}

	quoteID := ""
	if req.QuoteToken != "" && g.signer != nil {
		claims, err := g.signer.Parse(req.QuoteToken)
		if err != nil {
			return nil, 0, g.reject(ctx, op, "", types.NewError(types.ErrCodeInvalidQuote, "quote token is invalid or expired", err))
		}
		if (op != "" && claims.OperationKey != op) || claims.Network != g.cfg.Network.String() || claims.Recipient != g.cfg.Recipient.TokenAccount {
			return nil, 0, g.reject(ctx, op, "", types.NewError(types.ErrCodeInvalidQuote, "quote token does not match this request", nil))
		}
		if bindInput && !claims.CoversInput(req.Input) {
			return nil, 0, g.reject(ctx, op, "", types.NewError(types.ErrCodeInvalidQuote, "quote token was not issued for this input", nil))
		}
		required = claims.AmountMinorUnits
		quoteID = claims.ID
	}

	resume := false
	if g.guard != nil {
		tx, err := clients.DecodeTransactionBase64(proof.Payload.SignedTransaction)
		if err != nil {
			return nil, 0, g.reject(ctx, op, "", types.NewError(types.ErrCodeMalformedProof, "payment transaction could not be decoded", err))
		}
		sig := tx.Signature().String()
		seen, err := g.guard.Seen(ctx, sig)
		if err != nil {
			return nil, 0, g.reject(ctx, op, sig, types.NewError(types.ErrCodeLedgerUnavailable, "receipt store unavailable", err))
		}
		if seen {
			return nil, 0, g.reject(ctx, op, sig, types.NewError(types.ErrCodeReplayedProof, "payment has already been used", nil).
				WithDetail("signature", sig))
		}
		if pt, ok := g.guard.(PendingTracker); ok {
			if resume, err = pt.Pending(ctx, sig); err != nil {
				return nil, 0, g.reject(ctx, op, sig, types.NewError(types.ErrCodeLedgerUnavailable, "receipt store unavailable", err))
			}
		}
	}

	g.logger.Debug("verifying payment", map[string]any{"operation": op, "required": required, "quoteId": quoteID, "resume": resume})
	start := time.Now()
	var payment *types.VerificationResult
	if resume {
		payment, err = g.verifier.Resume(ctx, proof)
	} else {
		payment, err = g.verifier.Verify(ctx, proof)
	}
	g.metrics.ObserveLatency("gate_verify", time.Since(start), g.labels(op))
	if err != nil {
		return nil, 0, g.reject(ctx, op, "", err)
	}

	if !payment.Settled {
		g.metrics.IncCounter("payment_pending", g.labels(op))
		g.logger.Info("payment pending", map[string]any{"operation": op, "signature": payment.Signature})
		if pt, ok := g.guard.(PendingTracker); ok {
			if err := pt.MarkPending(ctx, payment.Signature); err != nil {
				g.logger.Warn("failed to mark payment pending", map[string]any{"signature": payment.Signature, "error": err})
			}
		}
		e := events.New(events.PaymentPending)
		e.Network = g.cfg.Network.String()
		e.OperationKey = op
		e.QuoteID = quoteID
		e.Signature = payment.Signature
		e.Payer = payment.Payer
		g.publish(ctx, e)
		return payment, required, nil
	}

	paid := payment.AmountReceivedMinorUnits
	if !pricing.Covers(paid, required, g.cfg.Tolerance) {
		return nil, 0, g.reject(ctx, op, payment.Signature, types.InsufficientPayment(required, paid).
			WithDetail("stage", "verification").
			WithDetail("signature", payment.Signature))
	}

	if g.guard != nil {
		won, err := g.guard.Claim(ctx, store.Receipt{
			Signature:      payment.Signature,
			OperationKey:   op,
			Payer:          payment.Payer,
			Network:        g.cfg.Network.String(),
			PaidMinorUnits: paid,
		})
		if err != nil {
			return nil, 0, g.reject(ctx, op, payment.Signature, types.NewError(types.ErrCodeLedgerUnavailable, "receipt store unavailable", err))
		}
		if !won {
			return nil, 0, g.reject(ctx, op, payment.Signature, types.NewError(types.ErrCodeReplayedProof, "payment has already been used", nil).
				WithDetail("signature", payment.Signature))
		}
	}

	g.metrics.IncCounter("payment_authorized", g.labels(op))
	g.logger.Info("payment authorized", map[string]any{"operation": op, "signature": payment.Signature, "paid": paid, "required": required})
	e := events.New(events.PaymentVerified)
	e.Network = g.cfg.Network.String()
	e.OperationKey = op
	e.QuoteID = quoteID
	e.Signature = payment.Signature
	e.Payer = payment.Payer
	e.AmountMinorUnits = paid
	e.RequiredMinorUnits = required
	g.publish(ctx, e)

	return payment, required, nil
}

func (g *Gate) reject(ctx context.Context, operationKey, signature string, err error) error {
	xe, ok := types.AsX402Error(err)
	if !ok {
		xe = types.NewError(types.ErrCodeInvalidRequest, err.Error(), err)
	}

	g.metrics.IncCounter("payment_rejected", g.labels(operationKey))
	g.logger.Warn("request rejected", map[string]any{
		"operation": operationKey,
		"signature": signature,
		"code":      string(xe.Code),
		"error":     err,
	})

	e := events.New(events.PaymentRejected)
	e.Network = g.cfg.Network.String()
	e.OperationKey = operationKey
	e.Signature = signature
	e.ErrorCode = string(xe.Code)
	e.Error = xe.Message
	if xe.Code == types.ErrCodeInsufficientPayment {
		e.RequiredMinorUnits, _ = xe.Details["requiredMinorUnits"].(int64)
		e.AmountMinorUnits, _ = xe.Details["paidMinorUnits"].(int64)
	}
	g.publish(ctx, e)

	return xe
}

func (g *Gate) complete(ctx context.Context, signature string, actual int64) {
	if g.guard == nil {
		return
	}
	if err := g.guard.Complete(ctx, signature, actual); err != nil {
		g.logger.Warn("failed to record actual cost", map[string]any{"signature": signature, "error": err})
	}
}

func (g *Gate) publish(ctx context.Context, e events.Event) {
	if err := g.publisher.Publish(ctx, e); err != nil {
		g.logger.Warn("failed to publish event", map[string]any{"type": string(e.Type), "error": err})
	}
}

func (g *Gate) labels(operationKey string) map[string]string {
	return map[string]string{"network": g.cfg.Network.String(), "operation": operationKey}
}

func actualFromError(err error) int64 {
	xe, ok := types.AsX402Error(err)
	if !ok || xe.Code != types.ErrCodeInsufficientPayment {
		return 0
	}
	actual, _ := xe.Details["requiredMinorUnits"].(int64)
	return actual
}
