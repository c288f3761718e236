package premium

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a purchase audit event
type EventType string

const (
	EventPurchaseSettled   EventType = "purchase.settled"
	EventPurchaseCompleted EventType = "purchase.completed"
	EventPurchaseFailed    EventType = "purchase.failed"
	EventContentPublished  EventType = "content.published"
)

// Event is an audit record of a step that moved money or published content
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Query         string    `json:"query"`
	TransactionID string    `json:"transactionId,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	Items         int       `json:"items,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh id
func NewEvent(eventType EventType, query string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Query:     query,
		Timestamp: at.UTC(),
	}
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) error { return nil }
