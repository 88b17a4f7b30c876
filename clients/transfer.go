package clients

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/vitwit/x402-gate/types"
)

// ResolveRecipient derives the associated token account that receives
// payments in mint for wallet.
func ResolveRecipient(wallet, mint string) (types.Recipient, error) {
	owner, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return types.Recipient{}, fmt.Errorf("invalid recipient wallet %q: %w", wallet, err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return types.Recipient{}, fmt.Errorf("invalid asset mint %q: %w", mint, err)
	}

	ata, _, err := solana.FindAssociatedTokenAddress(owner, mintKey)
	if err != nil {
		return types.Recipient{}, fmt.Errorf("failed to derive recipient token account: %w", err)
	}

	return types.Recipient{Wallet: owner.String(), TokenAccount: ata.String()}, nil
}

// TransferParams describes an SPL token payment built by a paying client.
type TransferParams struct {
	Payer           solana.PrivateKey
	Recipient       solana.PublicKey
	Mint            solana.PublicKey
	Amount          uint64
	Decimals        uint8
	RecentBlockhash solana.Hash

	// Versioned builds a v0 message instead of a legacy one.
	Versioned bool
}

// BuildTransferTransaction builds and fully signs a payment: an idempotent
// creation of the recipient token account followed by a TransferChecked.
// The payer also pays the fees.
func BuildTransferTransaction(p TransferParams) (*solana.Transaction, error) {
	if p.Amount == 0 {
		return nil, errors.New("transfer amount must be greater than 0")
	}

	payer := p.Payer.PublicKey()

	source, _, err := solana.FindAssociatedTokenAddress(payer, p.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to find source token account: %w", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(p.Recipient, p.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to find destination token account: %w", err)
	}

	instructions := []solana.Instruction{
		createIdempotentATAInstruction(payer, destination, p.Recipient, p.Mint),
		token.NewTransferCheckedInstructionBuilder().
			SetAmount(p.Amount).
			SetDecimals(p.Decimals).
			SetSourceAccount(source).
			SetDestinationAccount(destination).
			SetMintAccount(p.Mint).
			SetOwnerAccount(payer).
			Build(),
	}

	tx, err := solana.NewTransaction(instructions, p.RecentBlockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if p.Versioned {
		tx.Message.SetVersion(solana.MessageVersionV0)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &p.Payer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return tx, nil
}

// createIdempotentATAInstruction succeeds whether or not the account exists.
func createIdempotentATAInstruction(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}

	// 1 = CreateIdempotent
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1})
}
