package gate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-gate/encoding"
	"github.com/vitwit/x402-gate/events"
	"github.com/vitwit/x402-gate/internal/testutil"
	"github.com/vitwit/x402-gate/metering"
	"github.com/vitwit/x402-gate/pricing"
	"github.com/vitwit/x402-gate/providers"
	"github.com/vitwit/x402-gate/store"
	"github.com/vitwit/x402-gate/types"
	"github.com/vitwit/x402-gate/utils"
	"github.com/vitwit/x402-gate/verification"
)

// "hi" is one input unit: ceil((1*5 + 2000*15) * 1.2) = 36006.
const quotedHi int64 = 36006

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	ledger    *testutil.FakeLedger
	openai    *testutil.FakeProvider
	google    *testutil.FakeProvider
	publisher *recordingPublisher
	gate      *Gate
}

func testTable() pricing.Table {
	return pricing.Table{
		"paid-model": {Provider: "openai", Model: "gpt-4o", Input: decimal.NewFromInt(5), Output: decimal.NewFromInt(15)},
		"free-model": {Provider: "google", Model: "gemini-2.0-flash-exp"},
	}
}

func newFixture(t *testing.T, ledger *testutil.FakeLedger, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		ledger:    ledger,
		openai:    &testutil.FakeProvider{ProviderName: "openai", Content: "hello there", InputUnits: 8, OutputUnits: 400},
		google:    &testutil.FakeProvider{ProviderName: "google", Content: "free answer", InputUnits: 8, OutputUnits: 40},
		publisher: &recordingPublisher{},
	}

	registry, err := providers.NewRegistry(context.Background(), nil, nil)
	require.NoError(t, err)
	registry.Register(f.openai)
	registry.Register(f.google)

	estimator := pricing.NewEstimator(testTable())
	verifier, err := verification.NewVerificationService(ledger, types.NetworkSolanaDevnet, testutil.Recipient(t), testutil.DevnetMint,
		verification.WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	cfg := Config{
		Network:   types.NetworkSolanaDevnet,
		Recipient: testutil.Recipient(t),
		AssetMint: testutil.DevnetMint,
	}
	opts = append([]Option{WithPublisher(f.publisher)}, opts...)
	f.gate = New(cfg, estimator, verifier, metering.NewRunner(estimator, registry), opts...)
	return f
}

func paidRequest(header string) Request {
	return Request{OperationKey: "paid-model", Input: "hi", Payment: header}
}

func TestHandleQuotesWithoutPayment(t *testing.T) {
	f := newFixture(t, &testutil.FakeLedger{})

	out, err := f.gate.Handle(context.Background(), Request{OperationKey: "paid-model", Input: "hi"})
	require.NoError(t, err)
	require.Equal(t, StateQuoted, out.State)

	q := out.Quote
	assert.Equal(t, quotedHi, q.AmountMinorUnits)
	assert.Equal(t, "0.036006", q.AmountDisplay)
	assert.Equal(t, "exact", q.Scheme)
	assert.Equal(t, "devnet", q.Cluster)
	assert.Equal(t, testutil.DevnetMint, q.AssetID)
	assert.Equal(t, testutil.Recipient(t), q.Recipient)
	assert.Empty(t, q.QuoteToken)
	assert.Zero(t, f.ledger.Calls())
	assert.Zero(t, f.openai.Calls())
	assert.Equal(t, []events.Type{events.PaymentQuoted}, f.publisher.kinds())
}

func TestQuoteIsAlwaysAtLeastTheFloor(t *testing.T) {
	f := newFixture(t, &testutil.FakeLedger{})
	ctx := context.Background()

	for _, amount := range []int64{-5, 0, 1, 9_999} {
		q, err := f.gate.QuoteAmount(ctx, "paid-model", amount)
		require.NoError(t, err)
		assert.Equal(t, pricing.DefaultFloorMinorUnits, q.AmountMinorUnits)
	}

	q, err := f.gate.Quote(ctx, "not-in-table", "hi")
	require.NoError(t, err)
	assert.Equal(t, pricing.DefaultEstimateMinorUnits, q.AmountMinorUnits)
}

func TestHandleFreeOperationSkipsPayment(t *testing.T) {
	f := newFixture(t, &testutil.FakeLedger{})

	// A payment header on a free operation is never inspected.
	out, err := f.gate.Handle(context.Background(), Request{OperationKey: "free-model", Input: "hi", Payment: "garbage"})
	require.NoError(t, err)
	assert.Equal(t, StateFree, out.State)
	assert.Zero(t, out.Result.Reconciliation.PaidMinorUnits)
	assert.Zero(t, out.Result.Reconciliation.ActualMinorUnits)
	assert.Equal(t, "free answer", out.Result.Output)
	assert.Zero(t, f.ledger.Calls())
	assert.Equal(t, 1, f.google.Calls())
}

func TestHandleAuthorizesQuotedPayment(t *testing.T) {
	ledger := testutil.NewConfirmingLedger(t, quotedHi)
	f := newFixture(t, ledger)
	payment := testutil.NewPayment(t, uint64(quotedHi), false)

	out, err := f.gate.Handle(context.Background(), paidRequest(payment.Header))
	require.NoError(t, err)
	require.Equal(t, StateAuthorized, out.State)

	assert.Equal(t, quotedHi, out.RequiredMinorUnits)
	assert.Equal(t, payment.Signature.String(), out.Payment.Signature)
	assert.Equal(t, "hello there", out.Result.Output)
	assert.Positive(t, out.Result.Usage.InputUnits)
	assert.Positive(t, out.Result.Usage.OutputUnits)
	assert.LessOrEqual(t, out.Result.Reconciliation.ActualMinorUnits, out.Result.Reconciliation.PaidMinorUnits)
	assert.Equal(t, quotedHi, out.Result.Reconciliation.PaidMinorUnits)
	assert.Equal(t, 1, f.openai.Calls())
	assert.Equal(t, []events.Type{events.PaymentVerified, events.CallCompleted}, f.publisher.kinds())
}

func TestHandleToleranceBoundary(t *testing.T) {
	// 36006 * 0.9 = 32405.4
	tests := []struct {
		paid int64
		ok   bool
	}{
		{paid: 32406, ok: true},
		{paid: 32405, ok: false},
		{paid: 40000, ok: true},
	}

	for _, tt := range tests {
		ledger := testutil.NewConfirmingLedger(t, tt.paid)
		f := newFixture(t, ledger)
		payment := testutil.NewPayment(t, uint64(tt.paid), false)

		out, err := f.gate.Handle(context.Background(), paidRequest(payment.Header))
		if tt.ok {
			require.NoError(t, err, tt.paid)
			assert.Equal(t, StateAuthorized, out.State)
			continue
		}

		require.ErrorIs(t, err, types.ErrInsufficientPayment, tt.paid)
		xe, _ := types.AsX402Error(err)
		assert.Equal(t, quotedHi, xe.Details["requiredMinorUnits"])
		assert.Equal(t, tt.paid, xe.Details["paidMinorUnits"])
		assert.Equal(t, "verification", xe.Details["stage"])
		assert.Zero(t, f.openai.Calls())
	}
}

func TestHandleTransactionFailedNeverRunsOperation(t *testing.T) {
	ledger := testutil.NewConfirmingLedger(t, quotedHi)
	ledger.AwaitStatus = testutil.FailedStatus()
	f := newFixture(t, ledger)
	payment := testutil.NewPayment(t, uint64(quotedHi), false)

	_, err := f.gate.Handle(context.Background(), paidRequest(payment.Header))
	require.ErrorIs(t, err, types.ErrTransactionFailed)
	assert.Zero(t, f.openai.Calls())
	assert.Equal(t, []events.Type{events.PaymentRejected}, f.publisher.kinds())
}

func TestHandlePendingWhenConfirmationTimesOut(t *testing.T) {
	ledger := testutil.NewConfirmingLedger(t, quotedHi)
	ledger.BlockAwait = true
	f := newFixture(t, ledger)
	payment := testutil.NewPayment(t, uint64(quotedHi), false)

	out, err := f.gate.Handle(context.Background(), paidRequest(payment.Header))
	require.NoError(t, err)
	assert.Equal(t, StatePending, out.State)
	assert.False(t, out.Payment.Settled)
	assert.Equal(t, payment.Signature.String(), out.Payment.Signature)
	assert.Nil(t, out.Result)
	assert.Zero(t, f.openai.Calls())
	assert.Equal(t, []events.Type{events.PaymentPending}, f.publisher.kinds())
}

func TestHandleResumesPendingPayment(t *testing.T) {
	ctx := context.Background()
	ledger := testutil.NewConfirmingLedger(t, quotedHi)
	ledger.BlockAwait = true
	guard := store.NewMemoryStore()
	f := newFixture(t, ledger, WithReplayGuard(guard))
	payment := testutil.NewPayment(t, uint64(quotedHi), false)

	out, err := f.gate.Handle(ctx, paidRequest(payment.Header))
	require.NoError(t, err)
	require.Equal(t, StatePending, out.State)
	pending, err := guard.Pending(ctx, payment.Signature.String())
	require.NoError(t, err)
	assert.True(t, pending)

	// The transaction lands after the first request gave up waiting.
	ledger.BlockAwait = false
	ledger.LookupStatus = testutil.ConfirmedStatus()

	out, err = f.gate.Handle(ctx, paidRequest(payment.Header))
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, out.State)
	assert.Equal(t, 1, f.openai.Calls())
	assert.Len(t, ledger.Submits, 1)

	_, err = f.gate.Handle(ctx, paidRequest(payment.Header))
	require.ErrorIs(t, err, types.ErrReplayedProof)
	assert.Equal(t, 1, f.openai.Calls())
}

func TestHandleLandedWithoutPendingMarkIsReplay(t *testing.T) {
	ledger := testutil.NewConfirmingLedger(t, quotedHi)
	ledger.PriorStatus = testutil.ConfirmedStatus()
	f := newFixture(t, ledger, WithReplayGuard(store.NewMemoryStore()))
	payment := testutil.NewPayment(t, uint64(quotedHi), false)

	_, err := f.gate.Handle(context.Background(), paidRequest(payment.Header))
	require.ErrorIs(t, err, types.ErrReplayedProof)
	assert.Zero(t, f.openai.Calls())
	assert.Empty(t, ledger.Submits)
}

func TestHandleRejectsUnderpaymentAfterExecution(t *testing.T) {
	ledger := testutil.NewConfirmingLedger(t, quotedHi)
	guard := store.NewMemoryStore()
	f := newFixture(t, ledger, WithReplayGuard(guard))
	f.openai.InputUnits = 1
	f.openai.OutputUnits = 4000
	payment := testutil.NewPayment(t, uint64(quotedHi), false)

	_, err := f.gate.Handle(context.Background(), paidRequest(payment.Header))
	require.ErrorIs(t, err, types.ErrInsufficientPayment)
	assert.Equal(t, 1, f.openai.Calls())

	xe, _ := types.AsX402Error(err)
	assert.Equal(t, int64(60005), xe.Details["requiredMinorUnits"])
	assert.Equal(t, quotedHi, xe.Details["paidMinorUnits"])

	receipt, err := guard.Get(context.Background(), payment.Signature.String())
	require.NoError(t, err)
	assert.Equal(t, int64(60005), receipt.ActualMinorUnits)
}

func TestHandleRejectsBadProofBeforeLedger(t *testing.T) {
	payment := testutil.NewPayment(t, uint64(quotedHi), false)

	wrongVersion := payment.Proof
	wrongVersion.X402Version = 2
	v2, err := encoding.EncodeProof(wrongVersion)
	require.NoError(t, err)

	wrongScheme := payment.Proof
	wrongScheme.Scheme = "upto"
	upto, err := encoding.EncodeProof(wrongScheme)
	require.NoError(t, err)

	mainnet := payment.Proof
	mainnet.Network = "solana-mainnet"
	onMainnet, err := encoding.EncodeProof(mainnet)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"unsupported version", v2, types.ErrUnsupportedVersion},
		{"unsupported scheme", upto, types.ErrUnsupportedScheme},
		{"malformed", "%%%", types.ErrMalformedProof},
		{"wrong network", onMainnet, types.ErrUnsupportedNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testutil.NewConfirmingLedger(t, quotedHi))
			_, err := f.gate.Handle(context.Background(), paidRequest(tt.header))
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.ledger.Calls())
			assert.Zero(t, f.openai.Calls())
		})
	}
}

func TestHandleUnknownOperation(t *testing.T) {
	f := newFixture(t, &testutil.FakeLedger{})
	_, err := f.gate.Handle(context.Background(), Request{OperationKey: "gpt-9", Input: "hi"})
	assert.ErrorIs(t, err, types.ErrUnknownOperation)
}

func TestQuoteTokenPinsAmount(t *testing.T) {
	signer, err := utils.NewQuoteSigner("test-secret", time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("signed quote carries token", func(t *testing.T) {
		f := newFixture(t, &testutil.FakeLedger{}, WithQuoteSigner(signer))
		q, err := f.gate.Quote(ctx, "paid-model", "hi")
		require.NoError(t, err)
		assert.NotEmpty(t, q.QuoteToken)
		require.NotNil(t, q.ExpiresAt)

		claims, err := signer.Parse(q.QuoteToken)
		require.NoError(t, err)
		assert.Equal(t, q.QuoteID, claims.ID)
		assert.Equal(t, quotedHi, claims.AmountMinorUnits)
	})

	t.Run("token amount replaces recomputation", func(t *testing.T) {
		ledger := testutil.NewConfirmingLedger(t, quotedHi)
		f := newFixture(t, ledger, WithQuoteSigner(signer))
		token, _, err := signer.Sign(utils.QuoteClaims{
			OperationKey:     "paid-model",
			AmountMinorUnits: 50_000,
			Network:          types.NetworkSolanaDevnet.String(),
			Recipient:        testutil.Recipient(t).TokenAccount,
			InputHash:        utils.HashInput("hi"),
		})
		require.NoError(t, err)

		payment := testutil.NewPayment(t, uint64(quotedHi), false)
		req := paidRequest(payment.Header)
		req.QuoteToken = token

		_, err = f.gate.Handle(ctx, req)
		require.ErrorIs(t, err, types.ErrInsufficientPayment)
		xe, _ := types.AsX402Error(err)
		assert.Equal(t, int64(50_000), xe.Details["requiredMinorUnits"])
		assert.Zero(t, f.openai.Calls())
	})

	t.Run("quoted input authorizes the call", func(t *testing.T) {
		f := newFixture(t, testutil.NewConfirmingLedger(t, quotedHi), WithQuoteSigner(signer))
		q, err := f.gate.Quote(ctx, "paid-model", "hi")
		require.NoError(t, err)

		payment := testutil.NewPayment(t, uint64(quotedHi), false)
		req := paidRequest(payment.Header)
		req.QuoteToken = q.QuoteToken

		out, err := f.gate.Handle(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, StateAuthorized, out.State)
		assert.Equal(t, quotedHi, out.RequiredMinorUnits)
	})

	t.Run("explicit amount token cannot pay for a call", func(t *testing.T) {
		floor := pricing.DefaultFloorMinorUnits
		f := newFixture(t, testutil.NewConfirmingLedger(t, floor), WithQuoteSigner(signer))
		q, err := f.gate.QuoteAmount(ctx, "paid-model", floor)
		require.NoError(t, err)

		// The large input prices far above the floor the token pins.
		payment := testutil.NewPayment(t, uint64(floor), false)
		req := Request{OperationKey: "paid-model", Input: strings.Repeat("a", 24_000), Payment: payment.Header, QuoteToken: q.QuoteToken}

		_, err = f.gate.Handle(ctx, req)
		require.ErrorIs(t, err, types.ErrInvalidQuote)
		assert.Zero(t, f.openai.Calls())
		assert.Zero(t, f.ledger.Calls())
	})

	t.Run("token for another input", func(t *testing.T) {
		f := newFixture(t, testutil.NewConfirmingLedger(t, quotedHi), WithQuoteSigner(signer))
		q, err := f.gate.Quote(ctx, "paid-model", "hi")
		require.NoError(t, err)

		payment := testutil.NewPayment(t, uint64(quotedHi), false)
		req := paidRequest(payment.Header)
		req.Input = strings.Repeat("a", 24_000)
		req.QuoteToken = q.QuoteToken

		_, err = f.gate.Handle(ctx, req)
		require.ErrorIs(t, err, types.ErrInvalidQuote)
		assert.Zero(t, f.openai.Calls())
		assert.Zero(t, f.ledger.Calls())
	})

	t.Run("explicit amount token pins verify", func(t *testing.T) {
		f := newFixture(t, testutil.NewConfirmingLedger(t, 20_000), WithQuoteSigner(signer))
		q, err := f.gate.QuoteAmount(ctx, "", 20_000)
		require.NoError(t, err)

		payment := testutil.NewPayment(t, 20_000, false)
		out, err := f.gate.Verify(ctx, Request{Payment: payment.Header, QuoteToken: q.QuoteToken})
		require.NoError(t, err)
		assert.Equal(t, StateAuthorized, out.State)
		assert.Equal(t, int64(20_000), out.RequiredMinorUnits)
	})

	t.Run("invalid token", func(t *testing.T) {
		f := newFixture(t, testutil.NewConfirmingLedger(t, quotedHi), WithQuoteSigner(signer))
		payment := testutil.NewPayment(t, uint64(quotedHi), false)
		req := paidRequest(payment.Header)
		req.QuoteToken = "forged"

		_, err := f.gate.Handle(ctx, req)
		assert.ErrorIs(t, err, types.ErrInvalidQuote)
		assert.Zero(t, f.ledger.Calls())
	})

	t.Run("token for another operation", func(t *testing.T) {
		f := newFixture(t, testutil.NewConfirmingLedger(t, quotedHi), WithQuoteSigner(signer))
		q, err := f.gate.QuoteAmount(ctx, "other-model", 10_000)
		require.NoError(t, err)

		payment := testutil.NewPayment(t, uint64(quotedHi), false)
		req := paidRequest(payment.Header)
		req.QuoteToken = q.QuoteToken

		_, err = f.gate.Handle(ctx, req)
		assert.ErrorIs(t, err, types.ErrInvalidQuote)
		assert.Zero(t, f.ledger.Calls())
	})
}

func TestReplayGuardRejectsSecondUse(t *testing.T) {
	ledger := testutil.NewConfirmingLedger(t, quotedHi)
	guard := store.NewMemoryStore()
	f := newFixture(t, ledger, WithReplayGuard(guard))
	payment := testutil.NewPayment(t, uint64(quotedHi), false)

	_, err := f.gate.Handle(context.Background(), paidRequest(payment.Header))
	require.NoError(t, err)
	calls := ledger.Calls()

	_, err = f.gate.Handle(context.Background(), paidRequest(payment.Header))
	require.ErrorIs(t, err, types.ErrReplayedProof)
	assert.Equal(t, calls, ledger.Calls())
	assert.Equal(t, 1, f.openai.Calls())

	receipt, err := guard.Get(context.Background(), payment.Signature.String())
	require.NoError(t, err)
	assert.Equal(t, quotedHi, receipt.PaidMinorUnits)
	assert.Equal(t, "paid-model", receipt.OperationKey)
}

type losingGuard struct{}

func (losingGuard) Seen(context.Context, string) (bool, error)         { return false, nil }
func (losingGuard) Claim(context.Context, store.Receipt) (bool, error) { return false, nil }
func (losingGuard) Complete(context.Context, string, int64) error      { return nil }

func TestReplayGuardLostClaim(t *testing.T) {
	f := newFixture(t, testutil.NewConfirmingLedger(t, quotedHi), WithReplayGuard(losingGuard{}))
	payment := testutil.NewPayment(t, uint64(quotedHi), false)

	_, err := f.gate.Handle(context.Background(), paidRequest(payment.Header))
	require.ErrorIs(t, err, types.ErrReplayedProof)
	assert.Zero(t, f.openai.Calls())
}

func TestVerifyChecksFloorWithoutOperation(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, testutil.NewConfirmingLedger(t, pricing.DefaultFloorMinorUnits))
	payment := testutil.NewPayment(t, uint64(pricing.DefaultFloorMinorUnits), true)
	out, err := f.gate.Verify(ctx, Request{Payment: payment.Header})
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, out.State)
	assert.Equal(t, pricing.DefaultFloorMinorUnits, out.Payment.AmountReceivedMinorUnits)
	assert.Zero(t, f.openai.Calls())

	f = newFixture(t, testutil.NewConfirmingLedger(t, 9_999))
	payment = testutil.NewPayment(t, 9_999, false)
	_, err = f.gate.Verify(ctx, Request{Payment: payment.Header})
	assert.ErrorIs(t, err, types.ErrInsufficientPayment)

	_, err = f.gate.Verify(ctx, Request{})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}
