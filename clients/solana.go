package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/vitwit/x402-gate/logger"
	"github.com/vitwit/x402-gate/types"
)

const defaultPollInterval = time.Second

var maxSupportedTransactionVersion uint64

// SolanaClient binds the Ledger interface to a Solana JSON-RPC node.
type SolanaClient struct {
	network      types.Network
	rpc          RPCClient
	pollInterval time.Duration
	logger       logger.Logger
}

var _ Ledger = (*SolanaClient)(nil)

// SolanaOption configures a SolanaClient.
type SolanaOption func(*SolanaClient)

// WithRPCClient replaces the JSON-RPC client, mostly for tests.
func WithRPCClient(c RPCClient) SolanaOption {
	return func(s *SolanaClient) {
		s.rpc = c
	}
}

// WithPollInterval sets how often AwaitConfirmation polls signature status.
func WithPollInterval(d time.Duration) SolanaOption {
	return func(s *SolanaClient) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithLogger(l logger.Logger) SolanaOption {
	return func(s *SolanaClient) {
		s.logger = l
	}
}

// NewSolanaClient creates a ledger client for network. An empty rpcURL
// selects the public endpoint for the cluster.
func NewSolanaClient(network types.Network, rpcURL string, opts ...SolanaOption) (*SolanaClient, error) {
	if !network.IsSolana() {
		return nil, types.NewError(types.ErrCodeUnsupportedNetwork, fmt.Sprintf("network %s is not a Solana network", network), nil)
	}

	if rpcURL == "" {
		rpcURL = DefaultRPCURL(network)
	}

	c := &SolanaClient{
		network:      network,
		rpc:          rpc.New(rpcURL),
		pollInterval: defaultPollInterval,
		logger:       logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DefaultRPCURL returns the public RPC endpoint for a network.
func DefaultRPCURL(network types.Network) string {
	if network == types.NetworkSolanaMainnet {
		return rpc.MainNetBeta_RPC
	}
	return rpc.DevNet_RPC
}

func (c *SolanaClient) GetNetwork() types.Network { return c.network }

// Submit broadcasts tx with preflight simulation enabled unless skipPreflight is set.
func (c *SolanaClient) Submit(ctx context.Context, tx *DecodedTransaction, skipPreflight bool) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx.Tx, rpc.TransactionOpts{
		SkipPreflight:       skipPreflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}

	c.logger.Debug("transaction submitted", map[string]any{
		"signature":     sig.String(),
		"encoding":      tx.Encoding.String(),
		"skipPreflight": skipPreflight,
	})
	return sig, nil
}

// AwaitConfirmation polls until sig is confirmed or failed. It returns
// ctx.Err() once ctx is done, wrapping the last poll error if there was one.
func (c *SolanaClient) AwaitConfirmation(ctx context.Context, sig solana.Signature) (*TxStatus, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := c.signatureStatus(ctx, sig, false)
		switch {
		case err != nil:
			lastErr = err
		case status != nil && (status.Failed() || status.Confirmed()):
			return status, nil
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last poll error: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetSignatureStatus looks sig up in the ledger's full history.
func (c *SolanaClient) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*TxStatus, error) {
	return c.signatureStatus(ctx, sig, true)
}

func (c *SolanaClient) signatureStatus(ctx context.Context, sig solana.Signature, searchHistory bool) (*TxStatus, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, searchHistory, sig)
	if err != nil {
		return nil, fmt.Errorf("get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}

	v := out.Value[0]
	return &TxStatus{
		Slot:         v.Slot,
		Confirmation: v.ConfirmationStatus,
		Err:          v.Err,
	}, nil
}

// GetBalanceChanges fetches the confirmed transaction and pairs its pre and
// post token balances. Account indexes are resolved against the static keys
// of tx followed by any addresses loaded from lookup tables.
func (c *SolanaClient) GetBalanceChanges(ctx context.Context, sig solana.Signature, tx *DecodedTransaction) ([]TokenBalanceChange, error) {
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxSupportedTransactionVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if out == nil || out.Meta == nil {
		return nil, ErrTransactionNotFound
	}

	keys := make(solana.PublicKeySlice, 0, len(tx.Tx.Message.AccountKeys)+len(out.Meta.LoadedAddresses.Writable)+len(out.Meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Tx.Message.AccountKeys...)
	keys = append(keys, out.Meta.LoadedAddresses.Writable...)
	keys = append(keys, out.Meta.LoadedAddresses.ReadOnly...)

	return pairTokenBalances(keys, out.Meta.PreTokenBalances, out.Meta.PostTokenBalances)
}

func pairTokenBalances(keys solana.PublicKeySlice, pre, post []rpc.TokenBalance) ([]TokenBalanceChange, error) {
	byIndex := make(map[uint16]*TokenBalanceChange)
	var order []uint16

	entry := func(b rpc.TokenBalance) *TokenBalanceChange {
		ch, ok := byIndex[b.AccountIndex]
		if !ok {
			ch = &TokenBalanceChange{Mint: b.Mint}
			if int(b.AccountIndex) < len(keys) {
				ch.Account = keys[b.AccountIndex]
			}
			if b.Owner != nil {
				ch.Owner = *b.Owner
			}
			byIndex[b.AccountIndex] = ch
			order = append(order, b.AccountIndex)
		}
		return ch
	}

	for _, b := range pre {
		amount, err := tokenAmount(b)
		if err != nil {
			return nil, err
		}
		entry(b).Pre = amount
	}
	for _, b := range post {
		amount, err := tokenAmount(b)
		if err != nil {
			return nil, err
		}
		entry(b).Post = amount
	}

	changes := make([]TokenBalanceChange, 0, len(order))
	for _, idx := range order {
		changes = append(changes, *byIndex[idx])
	}
	return changes, nil
}

func tokenAmount(b rpc.TokenBalance) (uint64, error) {
	if b.UiTokenAmount == nil || b.UiTokenAmount.Amount == "" {
		return 0, nil
	}
	amount, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token amount %q at account index %d: %w", b.UiTokenAmount.Amount, b.AccountIndex, err)
	}
	return amount, nil
}

// Close releases the underlying RPC transport when it supports closing.
func (c *SolanaClient) Close() error {
	if closer, ok := c.rpc.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
