package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics the receptor publishes to.
const (
	TopicAccountUpdates = "account-updates"
	TopicConsentEvents  = "consent-events"
)

// timestampLayout is the wire format of occurredAt, millisecond precision
// in UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// SchemaVersion is stamped into every envelope.
const SchemaVersion = "1.0"

// Metadata travels with every event.
type Metadata struct {
	CorrelationID string `json:"correlationId"`
	Source        string `json:"source"`
	Version       string `json:"version"`
}

// Envelope is the published wire form of a domain event.
type Envelope struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	OccurredAt  string          `json:"occurredAt"`
	AggregateID string          `json:"aggregateId"`
	Metadata    Metadata        `json:"metadata"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload. The payload may be nil for pure signals.
func NewEnvelope(eventType, aggregateID, correlationID string, occurredAt time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("events: marshal payload: %w", err)
		}
		raw = b
	}
	return Envelope{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		OccurredAt:  occurredAt.UTC().Format(timestampLayout),
		AggregateID: aggregateID,
		Metadata: Metadata{
			CorrelationID: correlationID,
			Source:        "openfinance-receptor",
			Version:       SchemaVersion,
		},
		Payload: raw,
	}, nil
}
