package clients

import (
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const signatureLength = 64

// Encoding tags which wire format a transaction was decoded from.
type Encoding int

const (
	EncodingLegacy Encoding = iota
	EncodingVersioned
)

func (e Encoding) String() string {
	switch e {
	case EncodingLegacy:
		return "legacy"
	case EncodingVersioned:
		return "versioned"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// DecodedTransaction is a signed transaction together with the encoding it
// was parsed from.
type DecodedTransaction struct {
	Encoding Encoding
	Tx       *solana.Transaction
	Raw      []byte
}

// Signature is the transaction id: the fee payer's signature.
func (d *DecodedTransaction) Signature() solana.Signature {
	return d.Tx.Signatures[0]
}

// FeePayer returns the first static account key.
func (d *DecodedTransaction) FeePayer() solana.PublicKey {
	return d.Tx.Message.AccountKeys[0]
}

// VerifySignatures checks every required signer has signed the message.
func (d *DecodedTransaction) VerifySignatures() error {
	return d.Tx.VerifySignatures()
}

type txDecoder struct {
	encoding Encoding
	decode   func(raw []byte) (*solana.Transaction, error)
}

// Legacy is attempted first; versioned is the fallback.
var txDecoders = []txDecoder{
	{encoding: EncodingLegacy, decode: decodeLegacy},
	{encoding: EncodingVersioned, decode: decodeVersioned},
}

// DecodeTransactionBase64 decodes the base64 payload of a payment proof.
func DecodeTransactionBase64(encoded string) (*DecodedTransaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrUndecodableTransaction, err)
	}
	return DecodeTransaction(raw)
}

// DecodeTransaction parses raw transaction bytes, trying each supported
// encoding in turn.
func DecodeTransaction(raw []byte) (*DecodedTransaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", ErrUndecodableTransaction)
	}

	var errs []error
	for _, d := range txDecoders {
		tx, err := d.decode(raw)
		if err == nil && len(tx.Signatures) == 0 {
			err = errors.New("transaction carries no signatures")
		}
		if err == nil && len(tx.Message.AccountKeys) == 0 {
			err = errors.New("transaction has no account keys")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.encoding, err))
			continue
		}

		return &DecodedTransaction{Encoding: d.encoding, Tx: tx, Raw: raw}, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrUndecodableTransaction, errors.Join(errs...))
}

// EncodeTransaction serializes a signed transaction to base64.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(txBytes), nil
}

func decodeLegacy(raw []byte) (*solana.Transaction, error) {
	versioned, err := hasVersionPrefix(raw)
	if err != nil {
		return nil, err
	}
	if versioned {
		return nil, errors.New("message carries a version prefix")
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, err
	}
	if tx.Message.IsVersioned() {
		return nil, errors.New("message is versioned")
	}
	return tx, nil
}

func decodeVersioned(raw []byte) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, err
	}
	if !tx.Message.IsVersioned() {
		return nil, errors.New("message is not versioned")
	}
	return tx, nil
}

// hasVersionPrefix peeks at the first message byte, which has its high bit
// set for versioned messages.
func hasVersionPrefix(raw []byte) (bool, error) {
	dec := bin.NewBinDecoder(raw)

	n, err := dec.ReadCompactU16()
	if err != nil {
		return false, fmt.Errorf("read signature count: %w", err)
	}
	if err := dec.SkipBytes(uint(n * signatureLength)); err != nil {
		return false, fmt.Errorf("skip signatures: %w", err)
	}

	prefix, err := dec.ReadByte()
	if err != nil {
		return false, fmt.Errorf("read message prefix: %w", err)
	}
	return prefix&0x80 != 0, nil
}
