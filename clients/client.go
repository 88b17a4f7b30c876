package clients

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	// ErrTransactionNotFound is returned when the ledger has no record of a signature.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrUndecodableTransaction is returned when neither transaction encoding parses.
	ErrUndecodableTransaction = errors.New("transaction bytes match no supported encoding")
)

// Ledger is the verifier's view of the blockchain.
type Ledger interface {
	// Submit broadcasts a signed transaction, optionally skipping the node's
	// preflight simulation.
	Submit(ctx context.Context, tx *DecodedTransaction, skipPreflight bool) (solana.Signature, error)

	// AwaitConfirmation blocks until the signature is confirmed, has failed,
	// or ctx is done.
	AwaitConfirmation(ctx context.Context, sig solana.Signature) (*TxStatus, error)

	// GetSignatureStatus looks the signature up directly, including history.
	// It returns nil, nil when the ledger has never seen it.
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*TxStatus, error)

	// GetBalanceChanges returns the token balance changes recorded for a
	// confirmed transaction.
	GetBalanceChanges(ctx context.Context, sig solana.Signature, tx *DecodedTransaction) ([]TokenBalanceChange, error)
}

// RPCClient is the subset of *rpc.Client the Solana ledger binding uses.
type RPCClient interface {
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

var _ RPCClient = (*rpc.Client)(nil)

// TxStatus is a transaction's settlement state as reported by the ledger.
type TxStatus struct {
	Slot         uint64
	Confirmation rpc.ConfirmationStatusType

	// Err is the ledger's execution error, nil on success.
	Err interface{}
}

// Confirmed reports whether the transaction reached confirmed or finalized commitment.
func (s *TxStatus) Confirmed() bool {
	return s.Confirmation == rpc.ConfirmationStatusConfirmed || s.Confirmation == rpc.ConfirmationStatusFinalized
}

// Failed reports whether the transaction landed but executed with an error.
func (s *TxStatus) Failed() bool {
	return s.Err != nil
}

// TokenBalanceChange is one token account's recorded pre/post balance.
type TokenBalanceChange struct {
	Account solana.PublicKey
	Owner   solana.PublicKey
	Mint    solana.PublicKey
	Pre     uint64
	Post    uint64
}

// Delta is Post - Pre, negative for outgoing transfers.
func (c TokenBalanceChange) Delta() int64 {
	return int64(c.Post) - int64(c.Pre)
}
