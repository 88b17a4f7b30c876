// Package encoding converts payment proofs to and from the X-Payment header form.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-gate/types"
)

var validate = validator.New()

// SupportedSchemes lists the payment schemes DecodeProof accepts.
var SupportedSchemes = []types.PaymentScheme{types.SchemeExact}

// EncodeProof converts a PaymentProof to a base64-encoded JSON string.
func EncodeProof(proof types.PaymentProof) (string, error) {
	proofJSON, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(proofJSON), nil
}

// DecodeProof parses an X-Payment header value. Failures are always typed:
// MALFORMED_PROOF, UNSUPPORTED_VERSION or UNSUPPORTED_SCHEME.
func DecodeProof(encoded string) (*types.PaymentProof, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, types.NewError(types.ErrCodeMalformedProof, "payment header is empty", nil)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.NewError(types.ErrCodeMalformedProof, "payment header is not valid base64", err)
	}

	var proof types.PaymentProof
	if err := json.Unmarshal(decoded, &proof); err != nil {
		return nil, types.NewError(types.ErrCodeMalformedProof, "payment header is not a valid payment proof", err)
	}

	if types.X402Version(proof.X402Version) != types.X402Version1 {
		return nil, types.NewError(types.ErrCodeUnsupportedVersion,
			fmt.Sprintf("unsupported x402 version %d", proof.X402Version), nil).
			WithDetail("supportedVersion", int(types.X402Version1))
	}

	if !schemeSupported(proof.Scheme) {
		return nil, types.NewError(types.ErrCodeUnsupportedScheme,
			fmt.Sprintf("unsupported payment scheme %q", proof.Scheme), nil).
			WithDetail("supportedSchemes", SupportedSchemes)
	}

	if err := validate.Struct(&proof); err != nil {
		return nil, types.NewError(types.ErrCodeMalformedProof, "payment proof failed validation", err)
	}

	return &proof, nil
}

func schemeSupported(scheme string) bool {
	for _, s := range SupportedSchemes {
		if string(s) == scheme {
			return true
		}
	}
	return false
}
