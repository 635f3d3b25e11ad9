package consent

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a consent lifecycle event.
type EventType string

const (
	EventConsentCreated    EventType = "ConsentCreated"
	EventConsentAuthorised EventType = "ConsentAuthorised"
	EventConsentRejected   EventType = "ConsentRejected"
	EventConsentRevoked    EventType = "ConsentRevoked"
	EventConsentExpired    EventType = "ConsentExpired"
	EventConsentConsumed   EventType = "ConsentConsumed"
)

// Event is a consent lifecycle fact. The event publisher wraps it into the
// wire envelope; the aggregate id keys partition ordering.
type Event struct {
	EventID    string
	Type       EventType
	ConsentID  string
	OccurredAt time.Time
}

func newEvent(t EventType, consentID string, now time.Time) Event {
	return Event{
		EventID:    uuid.NewString(),
		Type:       t,
		ConsentID:  consentID,
		OccurredAt: now.UTC(),
	}
}
