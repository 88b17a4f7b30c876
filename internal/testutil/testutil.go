// Package testutil holds fakes and fixtures shared by package tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-gate/clients"
	"github.com/vitwit/x402-gate/encoding"
	"github.com/vitwit/x402-gate/providers"
	"github.com/vitwit/x402-gate/types"
)

const (
	RecipientWallet = "seFkxFkXEY9JGEpCyPfCWTuPZG9WK6ucf95zvKCfsRX"
	DevnetMint      = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Recipient resolves the fixture recipient's token account.
func Recipient(t testing.TB) types.Recipient {
	t.Helper()
	r, err := clients.ResolveRecipient(RecipientWallet, DevnetMint)
	require.NoError(t, err)
	return r
}

// Payment is a signed transfer and the X-Payment header that carries it.
type Payment struct {
	Tx        *solana.Transaction
	Signature solana.Signature
	Proof     types.PaymentProof
	Header    string
}

// NewPayment signs a transfer of amount to the fixture recipient from a fresh payer.
func NewPayment(t testing.TB, amount uint64, versioned bool) *Payment {
	t.Helper()

	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	tx, err := clients.BuildTransferTransaction(clients.TransferParams{
		Payer:     payer,
		Recipient: solana.MustPublicKeyFromBase58(RecipientWallet),
		Mint:      solana.MustPublicKeyFromBase58(DevnetMint),
		Amount:    amount,
		Decimals:  6,
		Versioned: versioned,
	})
	require.NoError(t, err)

	encoded, err := clients.EncodeTransaction(tx)
	require.NoError(t, err)

	proof := types.PaymentProof{
		X402Version: 1,
		Scheme:      "exact",
		Network:     string(types.NetworkSolanaDevnet),
		Payload:     types.ProofPayload{SignedTransaction: encoded},
	}
	header, err := encoding.EncodeProof(proof)
	require.NoError(t, err)

	return &Payment{Tx: tx, Signature: tx.Signatures[0], Proof: proof, Header: header}
}

// ConfirmedStatus is a successful confirmed transaction status.
func ConfirmedStatus() *clients.TxStatus {
	return &clients.TxStatus{Slot: 42, Confirmation: rpc.ConfirmationStatusConfirmed}
}

// FailedStatus is a transaction that landed with an execution error.
func FailedStatus() *clients.TxStatus {
	return &clients.TxStatus{
		Slot:         42,
		Confirmation: rpc.ConfirmationStatusConfirmed,
		Err:          map[string]any{"InstructionError": []any{1, map[string]any{"Custom": 1}}},
	}
}

// FakeLedger is a scriptable clients.Ledger that records every call.
type FakeLedger struct {
	mu sync.Mutex

	// SubmitErrs are returned by successive Submit calls; nil entries succeed.
	SubmitErrs []error

	// PriorStatus is what GetSignatureStatus reports before anything was submitted.
	PriorStatus *clients.TxStatus

	AwaitStatus *clients.TxStatus
	AwaitErr    error

	// BlockAwait makes AwaitConfirmation wait for its context to end.
	BlockAwait bool

	// LookupStatus is what GetSignatureStatus reports after a submission.
	LookupStatus *clients.TxStatus
	LookupErr    error

	Changes    []clients.TokenBalanceChange
	ChangesErr error

	Submits      []bool
	Awaits       int
	Lookups      int
	BalanceReads int
	submitted    bool
}

var _ clients.Ledger = (*FakeLedger)(nil)

// NewConfirmingLedger confirms every transaction and credits the fixture
// recipient with amount.
func NewConfirmingLedger(t testing.TB, amount int64) *FakeLedger {
	l := &FakeLedger{AwaitStatus: ConfirmedStatus()}
	l.Credit(t, amount)
	return l
}

// Credit records amount arriving in the fixture recipient's token account.
func (l *FakeLedger) Credit(t testing.TB, amount int64) {
	t.Helper()
	r := Recipient(t)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.Changes = append(l.Changes, clients.TokenBalanceChange{
		Account: solana.MustPublicKeyFromBase58(r.TokenAccount),
		Owner:   solana.MustPublicKeyFromBase58(r.Wallet),
		Mint:    solana.MustPublicKeyFromBase58(DevnetMint),
		Pre:     1_000,
		Post:    uint64(1_000 + amount),
	})
}

// Calls counts every ledger interaction.
func (l *FakeLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Submits) + l.Awaits + l.Lookups + l.BalanceReads
}

func (l *FakeLedger) Submit(_ context.Context, tx *clients.DecodedTransaction, skipPreflight bool) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := len(l.Submits)
	l.Submits = append(l.Submits, skipPreflight)
	if i < len(l.SubmitErrs) && l.SubmitErrs[i] != nil {
		return solana.Signature{}, l.SubmitErrs[i]
	}
	l.submitted = true
	return tx.Signature(), nil
}

func (l *FakeLedger) AwaitConfirmation(ctx context.Context, _ solana.Signature) (*clients.TxStatus, error) {
	l.mu.Lock()
	l.Awaits++
	block, status, err := l.BlockAwait, l.AwaitStatus, l.AwaitErr
	l.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return status, err
}

func (l *FakeLedger) GetSignatureStatus(context.Context, solana.Signature) (*clients.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.Lookups++
	if !l.submitted {
		return l.PriorStatus, nil
	}
	return l.LookupStatus, l.LookupErr
}

func (l *FakeLedger) GetBalanceChanges(context.Context, solana.Signature, *clients.DecodedTransaction) ([]clients.TokenBalanceChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.BalanceReads++
	return l.Changes, l.ChangesErr
}

// FakeProvider is a scriptable providers.Provider.
type FakeProvider struct {
	mu sync.Mutex

	ProviderName string
	Content      string
	InputUnits   int64
	OutputUnits  int64
	Err          error

	// Block makes Complete wait for its context to end.
	Block bool

	Models []string
	Inputs []string
}

var _ providers.Provider = (*FakeProvider)(nil)

func (p *FakeProvider) Name() string { return p.ProviderName }

func (p *FakeProvider) Complete(ctx context.Context, model, input string) (*providers.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Models = append(p.Models, model)
	p.Inputs = append(p.Inputs, input)
	if p.Block {
		p.mu.Unlock()
		<-ctx.Done()
		p.mu.Lock()
		return nil, ctx.Err()
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return &providers.Completion{Content: p.Content, InputUnits: p.InputUnits, OutputUnits: p.OutputUnits}, nil
}

// Calls returns how many times Complete ran.
func (p *FakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Models)
}
