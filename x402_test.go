package x402

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-gate/events"
	"github.com/vitwit/x402-gate/internal/testutil"
	"github.com/vitwit/x402-gate/store"
	"github.com/vitwit/x402-gate/types"
)

func testConfig() *types.X402Config {
	return &types.X402Config{
		Network:         types.NetworkSolanaDevnet,
		RPCUrl:          "http://127.0.0.1:8899",
		RecipientWallet: testutil.RecipientWallet,
		AssetMint:       testutil.DevnetMint,
		AssetDecimals:   6,
		AssetSymbol:     "USDC",
	}
}

type closingPublisher struct {
	events.NoopPublisher
	closed bool
}

func (p *closingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	require.ErrorIs(t, err, types.ErrConfigError)

	cfg := testConfig()
	cfg.RecipientWallet = "not-base58!"
	_, err = New(context.Background(), cfg, WithLedger(&testutil.FakeLedger{}))
	require.ErrorIs(t, err, types.ErrConfigError)

	cfg = testConfig()
	cfg.Network = "ethereum"
	_, err = New(context.Background(), cfg, WithLedger(&testutil.FakeLedger{}))
	require.ErrorIs(t, err, types.ErrConfigError)

	cfg = testConfig()
	cfg.PriceTablePath = filepath.Join(t.TempDir(), "missing.json")
	_, err = New(context.Background(), cfg, WithLedger(&testutil.FakeLedger{}))
	require.ErrorIs(t, err, types.ErrConfigError)
}

func TestNewWiresGate(t *testing.T) {
	pub := &closingPublisher{}
	app, err := New(context.Background(), testConfig(),
		WithLedger(&testutil.FakeLedger{}),
		WithProvider(&testutil.FakeProvider{ProviderName: "openai"}),
		WithReplayGuard(store.NewMemoryStore(), false),
		WithPublisher(pub),
	)
	require.NoError(t, err)

	assert.Equal(t, testutil.Recipient(t), app.Recipient())
	assert.Equal(t, []string{"openai"}, app.Providers())
	assert.Equal(t, types.SupportedResponse{Kinds: []types.SupportedItem{
		{X402Version: 1, Scheme: "exact", Network: "solana-devnet"},
	}}, app.Supported())

	// built-in table: gpt-4.5 is 5/15 per million units
	q, err := app.Gate().Quote(context.Background(), "gpt-4.5", "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(36006), q.AmountMinorUnits)
	assert.Equal(t, app.Recipient(), q.Recipient)
	assert.Empty(t, q.QuoteToken)

	require.NoError(t, app.Close())
	assert.True(t, pub.closed)
}

func TestNewLoadsPriceTableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"summarize": {"provider": "openai", "model": "gpt-4o-mini", "input": "0.15", "output": "0.6"}
	}`), 0o600))

	cfg := testConfig()
	cfg.PriceTablePath = path
	app, err := New(context.Background(), cfg, WithLedger(&testutil.FakeLedger{}))
	require.NoError(t, err)
	defer app.Close()

	_, ok := app.Gate().Estimator().Lookup("summarize")
	assert.True(t, ok)
	_, ok = app.Gate().Estimator().Lookup("gpt-4.5")
	assert.False(t, ok)
}

func TestQuoteSecretEnablesTokens(t *testing.T) {
	cfg := testConfig()
	cfg.QuoteSecret = "test-secret"
	app, err := New(context.Background(), cfg, WithLedger(&testutil.FakeLedger{}))
	require.NoError(t, err)
	defer app.Close()

	q, err := app.Gate().Quote(context.Background(), "gpt-4.5", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, q.QuoteToken)
	require.NotNil(t, q.ExpiresAt)
}

func TestNewPrunesInProcessReceipts(t *testing.T) {
	ctx := context.Background()
	guard := store.NewMemoryStore()
	app, err := New(ctx, testConfig(),
		WithLedger(&testutil.FakeLedger{}),
		WithReplayGuard(guard, false),
		WithReceiptRetention(time.Millisecond, 5*time.Millisecond),
	)
	require.NoError(t, err)

	won, err := guard.Claim(ctx, store.Receipt{Signature: "sig-1", OperationKey: "gpt-4.5", PaidMinorUnits: 36006})
	require.NoError(t, err)
	require.True(t, won)

	assert.Eventually(t, func() bool {
		seen, _ := guard.Seen(ctx, "sig-1")
		return !seen
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, app.Close())
}
