package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vitwit/x402-gate/gate"
	"github.com/vitwit/x402-gate/types"
)

// StatusFor maps an error code to its HTTP status.
func StatusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrCodeMalformedProof,
		types.ErrCodeUnsupportedVersion,
		types.ErrCodeUnsupportedScheme,
		types.ErrCodeUnsupportedNetwork,
		types.ErrCodeInvalidRequest,
		types.ErrCodeUnknownOperation,
		types.ErrCodeInvalidQuote:
		return http.StatusBadRequest
	case types.ErrCodeSubmissionFailed,
		types.ErrCodeTransactionFailed,
		types.ErrCodeInsufficientPayment:
		return http.StatusPaymentRequired
	case types.ErrCodeReplayedProof:
		return http.StatusConflict
	case types.ErrCodeLedgerUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	xe, ok := types.AsX402Error(err)
	if !ok {
		s.logger.Error("unhandled error", map[string]any{"path": c.FullPath(), "error": err})
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL",
		})
		return
	}

	details := make(map[string]any, len(xe.Details)+2)
	for k, v := range xe.Details {
		details[k] = v
	}
	if xe.Code == types.ErrCodeInsufficientPayment {
		est := s.gate.Estimator()
		if v, ok := xe.Details["requiredMinorUnits"].(int64); ok {
			details["requiredDisplay"] = est.Display(v)
		}
		if v, ok := xe.Details["paidMinorUnits"].(int64); ok {
			details["paidDisplay"] = est.Display(v)
		}
	}
	if xe.Err != nil {
		details["cause"] = xe.Err.Error()
	}

	body := gin.H{
		"error": xe.Message,
		"code":  xe.Code,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.AbortWithStatusJSON(StatusFor(xe.Code), body)
}

func (s *Server) paymentDetails(p *types.VerificationResult) gin.H {
	return gin.H{
		"signature":     p.Signature,
		"amount":        p.AmountReceivedMinorUnits,
		"amountDisplay": s.gate.Estimator().Display(p.AmountReceivedMinorUnits),
		"recipient":     s.app.Recipient().TokenAccount,
		"payer":         p.Payer,
		"slot":          p.Slot,
		"explorerUrl":   s.network.ExplorerURL(p.Signature),
	}
}

func (s *Server) pendingDetails(p *types.VerificationResult) gin.H {
	return gin.H{
		"signature":   p.Signature,
		"pending":     true,
		"explorerUrl": s.network.ExplorerURL(p.Signature),
	}
}

func (s *Server) callData(out *gate.Outcome) gin.H {
	est := s.gate.Estimator()
	r := out.Result
	paid := r.Reconciliation.PaidMinorUnits
	actual := r.Reconciliation.ActualMinorUnits

	data := gin.H{
		"response":  r.Output,
		"model":     r.Provider + "/" + r.Model,
		"timestamp": r.CompletedAt.Format(time.RFC3339),
		"usage": gin.H{
			"inputTokens":  r.Usage.InputUnits,
			"outputTokens": r.Usage.OutputUnits,
			"totalTokens":  r.Usage.InputUnits + r.Usage.OutputUnits,
			"reported":     r.Usage.Reported,
		},
		"cost": gin.H{
			"estimated":        paid,
			"actual":           actual,
			"estimatedDisplay": est.Display(paid),
			"actualDisplay":    est.Display(actual),
			"currency":         r.Reconciliation.Currency,
		},
	}
	if out.Payment != nil {
		data["payment"] = s.paymentDetails(out.Payment)
	}
	return data
}
