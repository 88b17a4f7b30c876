package types

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure for programmatic handling.
type ErrorCode string

const (
	ErrCodeMalformedProof      ErrorCode = "MALFORMED_PROOF"
	ErrCodeUnsupportedVersion  ErrorCode = "UNSUPPORTED_VERSION"
	ErrCodeUnsupportedScheme   ErrorCode = "UNSUPPORTED_SCHEME"
	ErrCodeUnsupportedNetwork  ErrorCode = "UNSUPPORTED_NETWORK"
	ErrCodeSubmissionFailed    ErrorCode = "SUBMISSION_FAILED"
	ErrCodeTransactionFailed   ErrorCode = "TRANSACTION_FAILED"
	ErrCodeConfirmationPending ErrorCode = "CONFIRMATION_PENDING"
	ErrCodeInsufficientPayment ErrorCode = "INSUFFICIENT_PAYMENT"
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeUnknownOperation    ErrorCode = "UNKNOWN_OPERATION"
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodeInvalidQuote        ErrorCode = "INVALID_QUOTE"
	ErrCodeReplayedProof       ErrorCode = "REPLAYED_PROOF"
	ErrCodeLedgerUnavailable   ErrorCode = "LEDGER_UNAVAILABLE"
	ErrCodeConfigError         ErrorCode = "CONFIG_ERROR"
)

// X402Error is the structured error returned to clients.
type X402Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

func (e *X402Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *X402Error) Unwrap() error {
	return e.Err
}

// Is matches another X402Error by code so errors.Is works against the
// code-only sentinels below.
func (e *X402Error) Is(target error) bool {
	t, ok := target.(*X402Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns the error with key set in its details.
func (e *X402Error) WithDetail(key string, value any) *X402Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError creates an X402Error wrapping cause.
func NewError(code ErrorCode, message string, cause error) *X402Error {
	return &X402Error{Code: code, Message: message, Err: cause}
}

// InsufficientPayment always carries both the required and the observed amount.
func InsufficientPayment(requiredMinorUnits, paidMinorUnits int64) *X402Error {
	return &X402Error{
		Code:    ErrCodeInsufficientPayment,
		Message: fmt.Sprintf("payment of %d does not cover required %d", paidMinorUnits, requiredMinorUnits),
		Details: map[string]any{
			"requiredMinorUnits": requiredMinorUnits,
			"paidMinorUnits":     paidMinorUnits,
		},
	}
}

// AsX402Error unwraps err into an *X402Error.
func AsX402Error(err error) (*X402Error, bool) {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe, true
	}
	return nil, false
}

// Code-only sentinels for errors.Is checks.
var (
	ErrMalformedProof      = &X402Error{Code: ErrCodeMalformedProof}
	ErrUnsupportedVersion  = &X402Error{Code: ErrCodeUnsupportedVersion}
	ErrUnsupportedScheme   = &X402Error{Code: ErrCodeUnsupportedScheme}
	ErrUnsupportedNetwork  = &X402Error{Code: ErrCodeUnsupportedNetwork}
	ErrSubmissionFailed    = &X402Error{Code: ErrCodeSubmissionFailed}
	ErrTransactionFailed   = &X402Error{Code: ErrCodeTransactionFailed}
	ErrInsufficientPayment = &X402Error{Code: ErrCodeInsufficientPayment}
	ErrProviderUnavailable = &X402Error{Code: ErrCodeProviderUnavailable}
	ErrUnknownOperation    = &X402Error{Code: ErrCodeUnknownOperation}
	ErrInvalidQuote        = &X402Error{Code: ErrCodeInvalidQuote}
	ErrReplayedProof       = &X402Error{Code: ErrCodeReplayedProof}
	ErrLedgerUnavailable   = &X402Error{Code: ErrCodeLedgerUnavailable}
	ErrInvalidRequest      = &X402Error{Code: ErrCodeInvalidRequest}
	ErrConfigError         = &X402Error{Code: ErrCodeConfigError}
)
