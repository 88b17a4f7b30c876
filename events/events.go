// Package events publishes payment lifecycle events.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	PaymentQuoted   Type = "payment.quoted"
	PaymentVerified Type = "payment.verified"
	PaymentPending  Type = "payment.pending"
	PaymentRejected Type = "payment.rejected"
	CallCompleted   Type = "call.completed"
)

// Event is one lifecycle record. Amounts are in minor units.
type Event struct {
	ID                 string    `json:"id"`
	Type               Type      `json:"type"`
	Timestamp          time.Time `json:"timestamp"`
	Network            string    `json:"network,omitempty"`
	OperationKey       string    `json:"operationKey,omitempty"`
	QuoteID            string    `json:"quoteId,omitempty"`
	Signature          string    `json:"signature,omitempty"`
	Payer              string    `json:"payer,omitempty"`
	AmountMinorUnits   int64     `json:"amountMinorUnits,omitempty"`
	RequiredMinorUnits int64     `json:"requiredMinorUnits,omitempty"`
	ActualMinorUnits   int64     `json:"actualMinorUnits,omitempty"`
	ErrorCode          string    `json:"errorCode,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// New stamps an event with a fresh ID and the current time.
func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC()}
}

// Key partitions events so one payment's lifecycle stays ordered.
func (e Event) Key() string {
	switch {
	case e.Signature != "":
		return e.Signature
	case e.QuoteID != "":
		return e.QuoteID
	default:
		return e.ID
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }
