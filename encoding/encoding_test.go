package encoding

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-gate/types"
)

func validProof() types.PaymentProof {
	return types.PaymentProof{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "solana-devnet",
		Payload: types.ProofPayload{
			SignedTransaction: base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}),
		},
	}
}

func header(json string) string {
	return base64.StdEncoding.EncodeToString([]byte(json))
}

func TestEncodeDecodeIdentity(t *testing.T) {
	proof := validProof()

	encoded, err := EncodeProof(proof)
	require.NoError(t, err)

	decoded, err := DecodeProof(encoded)
	require.NoError(t, err)
	assert.Equal(t, proof, *decoded)
}

func TestDecodeProofAcceptsSerializedTransactionKey(t *testing.T) {
	decoded, err := DecodeProof(header(`{"x402Version":1,"scheme":"exact","network":"solana-mainnet","payload":{"serializedTransaction":"AQID"}}`))
	require.NoError(t, err)
	assert.Equal(t, "AQID", decoded.Payload.SignedTransaction)
}

func TestDecodeProofErrors(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{name: "empty", header: "", wantErr: types.ErrMalformedProof},
		{name: "not base64", header: "%%%not-base64", wantErr: types.ErrMalformedProof},
		{name: "not json", header: header("hello"), wantErr: types.ErrMalformedProof},
		{
			name:    "wrong version",
			header:  header(`{"x402Version":2,"scheme":"exact","network":"solana-devnet","payload":{"signedTransaction":"AQID"}}`),
			wantErr: types.ErrUnsupportedVersion,
		},
		{
			name:    "missing version",
			header:  header(`{"scheme":"exact","network":"solana-devnet","payload":{"signedTransaction":"AQID"}}`),
			wantErr: types.ErrUnsupportedVersion,
		},
		{
			name:    "wrong scheme",
			header:  header(`{"x402Version":1,"scheme":"upto","network":"solana-devnet","payload":{"signedTransaction":"AQID"}}`),
			wantErr: types.ErrUnsupportedScheme,
		},
		{
			name:    "missing transaction",
			header:  header(`{"x402Version":1,"scheme":"exact","network":"solana-devnet","payload":{}}`),
			wantErr: types.ErrMalformedProof,
		},
		{
			name:    "transaction not base64",
			header:  header(`{"x402Version":1,"scheme":"exact","network":"solana-devnet","payload":{"signedTransaction":"***"}}`),
			wantErr: types.ErrMalformedProof,
		},
		{
			name:    "missing network",
			header:  header(`{"x402Version":1,"scheme":"exact","payload":{"signedTransaction":"AQID"}}`),
			wantErr: types.ErrMalformedProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeProof(tt.header)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
