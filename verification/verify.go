// Package verification settles payment proofs against the ledger and
// measures what the expected recipient actually received.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/vitwit/x402-gate/clients"
	"github.com/vitwit/x402-gate/logger"
	"github.com/vitwit/x402-gate/metrics"
	"github.com/vitwit/x402-gate/pricing"
	"github.com/vitwit/x402-gate/types"
)

// DefaultConfirmTimeout bounds how long Verify waits for confirmation.
const DefaultConfirmTimeout = 30 * time.Second

// VerificationService submits proofs to the ledger and verifies payments
type VerificationService struct {
	ledger           clients.Ledger
	network          types.Network
	recipientWallet  solana.PublicKey
	recipientAccount solana.PublicKey
	mint             solana.PublicKey
	floor            int64
	confirmTimeout   time.Duration
	resumeLanded     bool
	logger           logger.Logger
	metrics          metrics.Recorder
}

// Option configures a VerificationService.
type Option func(*VerificationService)

func WithConfirmTimeout(d time.Duration) Option {
	return func(s *VerificationService) {
		if d > 0 {
			s.confirmTimeout = d
		}
	}
}

func WithFloor(minorUnits int64) Option {
	return func(s *VerificationService) {
		if minorUnits > 0 {
			s.floor = minorUnits
		}
	}
}

// WithResumeLanded lets Verify continue with a transaction the ledger has
// already seen instead of rejecting it as a replay. Only enable it when a
// receipt store guarantees each signature is authorized once.
func WithResumeLanded(resume bool) Option {
	return func(s *VerificationService) {
		s.resumeLanded = resume
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *VerificationService) {
		s.metrics = r
	}
}

// NewVerificationService creates a verifier paying into recipient's token account for mint.
func NewVerificationService(ledger clients.Ledger, network types.Network, recipient types.Recipient, mint string, opts ...Option) (*VerificationService, error) {
	wallet, err := solana.PublicKeyFromBase58(recipient.Wallet)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient wallet: %w", err)
	}
	account, err := solana.PublicKeyFromBase58(recipient.TokenAccount)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient token account: %w", err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid asset mint: %w", err)
	}

	s := &VerificationService{
		ledger:           ledger,
		network:          network,
		recipientWallet:  wallet,
		recipientAccount: account,
		mint:             mintKey,
		floor:            pricing.DefaultFloorMinorUnits,
		confirmTimeout:   DefaultConfirmTimeout,
		logger:           logger.NoopLogger{},
		metrics:          metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Verify submits the proof's transaction, waits for settlement and returns
// the amount the recipient token account received. A result with Settled
// false means the transaction was submitted but its settlement could not be
// observed yet.
func (s *VerificationService) Verify(ctx context.Context, proof *types.PaymentProof) (*types.VerificationResult, error) {
	return s.verify(ctx, proof, s.resumeLanded)
}

// Resume is Verify for a proof this process already submitted and saw
// pending. A transaction the ledger knows is awaited, not rejected.
func (s *VerificationService) Resume(ctx context.Context, proof *types.PaymentProof) (*types.VerificationResult, error) {
	return s.verify(ctx, proof, true)
}

func (s *VerificationService) verify(ctx context.Context, proof *types.PaymentProof, resume bool) (*types.VerificationResult, error) {
	start := time.Now()
	labels := map[string]string{"network": s.network.String()}
	defer func() {
		s.metrics.ObserveLatency("verify", time.Since(start), labels)
	}()

	tx, err := clients.DecodeTransactionBase64(proof.Payload.SignedTransaction)
	if err != nil {
		return nil, types.NewError(types.ErrCodeMalformedProof, "payment transaction could not be decoded", err)
	}
	if err := tx.VerifySignatures(); err != nil {
		return nil, types.NewError(types.ErrCodeMalformedProof, "payment transaction is not fully signed", err)
	}

	sig := tx.Signature()
	result := &types.VerificationResult{
		Signature: sig.String(),
		Payer:     tx.FeePayer().String(),
	}
	fields := map[string]any{"signature": result.Signature, "encoding": tx.Encoding.String()}

	landed, err := s.landed(ctx, sig, resume)
	if err != nil {
		return nil, err
	}
	if !landed {
		if err := s.submit(ctx, tx, fields); err != nil {
			s.metrics.IncCounter("submission_failed", labels)
			return nil, err
		}
	}

	status := s.awaitSettlement(ctx, sig, fields)
	if status == nil {
		s.metrics.IncCounter("payment_pending", labels)
		return result, nil
	}
	if status.Failed() {
		s.metrics.IncCounter("transaction_failed", labels)
		return nil, types.NewError(types.ErrCodeTransactionFailed, "transaction executed with an error", nil).
			WithDetail("signature", result.Signature).
			WithDetail("ledgerError", fmt.Sprint(status.Err))
	}
	result.Slot = status.Slot

	amount, err := s.amountReceived(ctx, sig, tx)
	if errors.Is(err, clients.ErrTransactionNotFound) {
		// Visible in status but not yet at confirmed commitment.
		s.logger.Warn("settled transaction not yet retrievable", fields)
		s.metrics.IncCounter("payment_pending", labels)
		return result, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrCodeLedgerUnavailable, "failed to read transaction balances", err).
			WithDetail("signature", result.Signature)
	}

	result.AmountReceivedMinorUnits = amount
	result.Settled = true

	if amount < s.floor {
		s.metrics.IncCounter("insufficient_payment", labels)
		return nil, types.InsufficientPayment(s.floor, amount).WithDetail("signature", result.Signature)
	}

	s.metrics.IncCounter("payment_verified", labels)
	s.logger.Info("payment verified", map[string]any{
		"signature": result.Signature,
		"amount":    amount,
		"slot":      result.Slot,
	})
	return result, nil
}

// landed reports whether the ledger already knows the signature, which
// means the proof has been submitted before.
func (s *VerificationService) landed(ctx context.Context, sig solana.Signature, resume bool) (bool, error) {
	prior, err := s.ledger.GetSignatureStatus(ctx, sig)
	if err != nil {
		return false, types.NewError(types.ErrCodeLedgerUnavailable, "failed to look up transaction status", err)
	}
	if prior == nil {
		return false, nil
	}
	if !resume {
		return false, types.NewError(types.ErrCodeReplayedProof, "transaction has already been submitted to the ledger", nil).
			WithDetail("signature", sig.String())
	}

	s.logger.Info("resuming verification of landed transaction", map[string]any{"signature": sig.String()})
	return true, nil
}

// submit sends tx with preflight enabled, then once more without preflight
// if the node only objected during simulation.
func (s *VerificationService) submit(ctx context.Context, tx *clients.DecodedTransaction, fields map[string]any) error {
	_, err := s.ledger.Submit(ctx, tx, false)
	if err == nil {
		return nil
	}

	if clients.IsPreflightRejection(err) {
		s.logger.Warn("preflight rejected transaction, resubmitting without preflight", withField(fields, "error", err.Error()))
		s.metrics.IncCounter("preflight_fallback", map[string]string{"network": s.network.String()})

		if _, err = s.ledger.Submit(ctx, tx, true); err == nil {
			return nil
		}
	}

	return &types.X402Error{
		Code:    types.ErrCodeSubmissionFailed,
		Message: err.Error(),
		Details: map[string]any{"reason": clients.ClassifySubmitError(err)},
		Err:     err,
	}
}

// awaitSettlement returns nil when settlement could not be observed.
func (s *VerificationService) awaitSettlement(ctx context.Context, sig solana.Signature, fields map[string]any) *clients.TxStatus {
	confirmCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	status, err := s.ledger.AwaitConfirmation(confirmCtx, sig)
	cancel()
	if err == nil {
		return status
	}

	s.logger.Warn("confirmation not observed, querying ledger directly", withField(fields, "error", err.Error()))

	status, err = s.ledger.GetSignatureStatus(ctx, sig)
	if err != nil {
		s.logger.Error("signature status lookup failed", withField(fields, "error", err.Error()))
		return nil
	}
	return status
}

func (s *VerificationService) amountReceived(ctx context.Context, sig solana.Signature, tx *clients.DecodedTransaction) (int64, error) {
	changes, err := s.ledger.GetBalanceChanges(ctx, sig, tx)
	if err != nil {
		return 0, err
	}

	for _, ch := range changes {
		if ch.Account.Equals(s.recipientAccount) {
			return nonNegative(ch.Delta()), nil
		}
	}

	// Entries whose account index could not be resolved are matched by owner and mint.
	for _, ch := range changes {
		if ch.Account.IsZero() && ch.Owner.Equals(s.recipientWallet) && ch.Mint.Equals(s.mint) {
			return nonNegative(ch.Delta()), nil
		}
	}
	return 0, nil
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func withField(fields map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
