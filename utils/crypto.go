package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultQuoteTTL is how long a signed quote stays redeemable.
const DefaultQuoteTTL = 5 * time.Minute

var ErrQuoteSecretMissing = errors.New("quote secret not configured")

// QuoteClaims binds a quote to the exact amount it priced. The JWT ID is
// the quote id. InputHash is empty for quotes that priced an explicit
// amount instead of an input.
type QuoteClaims struct {
	OperationKey     string `json:"op"`
	AmountMinorUnits int64  `json:"amt"`
	Network          string `json:"net"`
	Recipient        string `json:"rcp"`
	InputHash        string `json:"ih,omitempty"`
	jwt.RegisteredClaims
}

// HashInput is the InputHash of a priced input.
func HashInput(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// CoversInput reports whether the token priced exactly input.
func (c *QuoteClaims) CoversInput(input string) bool {
	return c.InputHash != "" && c.InputHash == HashInput(input)
}

// QuoteSigner issues and checks HS256 quote tokens.
type QuoteSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewQuoteSigner(secret string, ttl time.Duration) (*QuoteSigner, error) {
	if secret == "" {
		return nil, ErrQuoteSecretMissing
	}
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &QuoteSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the signer's time source.
func (s *QuoteSigner) WithClock(now func() time.Time) *QuoteSigner {
	s.now = now
	return s
}

// Sign fills in the id and validity window and returns the token with its expiry.
func (s *QuoteSigner) Sign(c QuoteClaims) (string, time.Time, error) {
	issued := s.now()
	expires := issued.Add(s.ttl)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.IssuedAt = jwt.NewNumericDate(issued)
	c.ExpiresAt = jwt.NewNumericDate(expires)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign quote: %w", err)
	}
	return token, expires, nil
}

// Parse verifies the signature and expiry of a quote token.
func (s *QuoteSigner) Parse(token string) (*QuoteClaims, error) {
	claims := &QuoteClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse quote: %w", err)
	}
	if claims.AmountMinorUnits <= 0 {
		return nil, errors.New("parse quote: non-positive amount")
	}
	return claims, nil
}
