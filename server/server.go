// Package server exposes the gate over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	x402 "github.com/vitwit/x402-gate"
	"github.com/vitwit/x402-gate/gate"
	"github.com/vitwit/x402-gate/logger"
	"github.com/vitwit/x402-gate/types"
)

const (
	PaymentHeader = "X-Payment"
	QuoteHeader   = "X-Payment-Quote"
)

type Server struct {
	app     *x402.X402
	gate    *gate.Gate
	network types.Network
	router  *gin.Engine
	logger  logger.Logger
	metrics http.Handler
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func New(app *x402.X402, opts ...Option) *Server {
	s := &Server{
		app:     app,
		gate:    app.Gate(),
		network: app.Config().Network,
		logger:  logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	api := r.Group("/api")
	api.GET("/x402", s.defaultQuote)
	api.POST("/x402", s.quoteOrVerify)
	api.GET("/x402/supported", s.supported)
	api.POST("/ai", s.meteredCall)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", map[string]any{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down", nil)
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request", map[string]any{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"network":   s.network,
		"providers": s.app.Providers(),
	})
}

func (s *Server) supported(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Supported())
}

// defaultQuote always answers 402 with the floor price.
func (s *Server) defaultQuote(c *gin.Context) {
	q, err := s.gate.QuoteAmount(c.Request.Context(), "", s.gate.Estimator().Floor())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusPaymentRequired, gin.H{"payment": q})
}

type quoteBody struct {
	Amount       *decimal.Decimal `json:"amount"`
	OperationKey string           `json:"operationKey"`
	Model        string           `json:"model"`
	Message      string           `json:"message"`
}

func (s *Server) quoteOrVerify(c *gin.Context) {
	ctx := c.Request.Context()

	if header := c.GetHeader(PaymentHeader); header != "" {
		out, err := s.gate.Verify(ctx, gate.Request{Payment: header, QuoteToken: c.GetHeader(QuoteHeader)})
		if err != nil {
			s.writeError(c, err)
			return
		}
		if out.State == gate.StatePending {
			c.JSON(http.StatusOK, gin.H{
				"data":           "Payment submitted, verification pending",
				"pending":        true,
				"paymentDetails": s.pendingDetails(out.Payment),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data":           "Payment verified successfully",
			"paymentDetails": s.paymentDetails(out.Payment),
		})
		return
	}

	// A missing or unreadable body gets the default quote.
	var body quoteBody
	_ = c.ShouldBindJSON(&body)

	op := body.OperationKey
	if op == "" {
		op = body.Model
	}

	var (
		q   *types.PaymentQuote
		err error
	)
	switch {
	case body.Amount != nil && body.Amount.IsNegative():
		err = types.NewError(types.ErrCodeInvalidRequest, "amount cannot be negative", nil)
	case body.Amount != nil:
		var minor int64
		if minor, err = s.gate.Estimator().ToMinorUnits(*body.Amount); err != nil {
			err = types.NewError(types.ErrCodeInvalidRequest, "amount is out of range", err)
			break
		}
		q, err = s.gate.QuoteAmount(ctx, op, minor)
	default:
		q, err = s.gate.Quote(ctx, op, body.Message)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusPaymentRequired, gin.H{"payment": q})
}

type callBody struct {
	Message string `json:"message" binding:"required"`
	Model   string `json:"model" binding:"required"`
}

func (s *Server) meteredCall(c *gin.Context) {
	var body callBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, types.NewError(types.ErrCodeInvalidRequest, "message and model are required", err))
		return
	}

	out, err := s.gate.Handle(c.Request.Context(), gate.Request{
		OperationKey: body.Model,
		Input:        body.Message,
		Payment:      c.GetHeader(PaymentHeader),
		QuoteToken:   c.GetHeader(QuoteHeader),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	switch out.State {
	case gate.StateQuoted:
		c.JSON(http.StatusPaymentRequired, gin.H{"payment": out.Quote})
	case gate.StatePending:
		c.JSON(http.StatusAccepted, gin.H{
			"pending":        true,
			"message":        "Payment submitted, verification pending. Retry with the same X-Payment header.",
			"paymentDetails": s.pendingDetails(out.Payment),
		})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "data": s.callData(out)})
	}
}
