package clients

import (
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Reasons attached to ledger submission failures in logs and metrics.
const (
	ReasonSimulationFailed      = "simulation_failed"
	ReasonBlockhashNotFound     = "blockhash_not_found"
	ReasonAlreadyProcessed      = "already_processed"
	ReasonSignatureVerification = "signature_verification_failed"
	ReasonRPCError              = "rpc_error"
)

// JSON-RPC error codes returned by Solana nodes.
const (
	rpcCodeSimulationFailed      = -32002
	rpcCodeSignatureVerification = -32003
)

// ClassifySubmitError maps an error from sending a transaction to a reason.
func ClassifySubmitError(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.ToLower(err.Error())
	code := 0
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		code = rpcErr.Code
		msg = strings.ToLower(rpcErr.Message) + " " + msg
	}

	switch {
	// Checked first: simulation reports replays with the simulation code too.
	case strings.Contains(msg, "already been processed"):
		return ReasonAlreadyProcessed
	case code == rpcCodeSignatureVerification, strings.Contains(msg, "signature verification"):
		return ReasonSignatureVerification
	case strings.Contains(msg, "blockhash not found"):
		return ReasonBlockhashNotFound
	case code == rpcCodeSimulationFailed, strings.Contains(msg, "simulation failed"):
		return ReasonSimulationFailed
	default:
		return ReasonRPCError
	}
}

// IsPreflightRejection reports whether the node refused the transaction
// during its preflight simulation only, so resending with preflight
// disabled may still land it.
func IsPreflightRejection(err error) bool {
	switch ClassifySubmitError(err) {
	case ReasonSimulationFailed, ReasonBlockhashNotFound:
		return true
	default:
		return false
	}
}
