package consent

import "time"

// Action is a lifecycle command applied to a consent.
type Action string

const (
	ActionAuthorise Action = "AUTHORISE"
	ActionReject    Action = "REJECT"
	ActionConsume   Action = "CONSUME"
	ActionRevoke    Action = "REVOKE"
	ActionExpire    Action = "EXPIRE"
)

// transitions is the exhaustive lifecycle table. Statuses absent from the map
// are terminal.
var transitions = map[Status]map[Action]Status{
	StatusAwaitingAuthorisation: {
		ActionAuthorise: StatusAuthorised,
		ActionReject:    StatusRejected,
	},
	StatusAuthorised: {
		ActionConsume: StatusConsumed,
		ActionRevoke:  StatusRevoked,
		ActionExpire:  StatusExpired,
	},
	StatusConsumed: {
		ActionRevoke: StatusRevoked,
	},
}

// targetOf maps an action to the status it intends to reach.
func targetOf(action Action) Status {
	switch action {
	case ActionAuthorise:
		return StatusAuthorised
	case ActionReject:
		return StatusRejected
	case ActionConsume:
		return StatusConsumed
	case ActionRevoke:
		return StatusRevoked
	case ActionExpire:
		return StatusExpired
	}
	return ""
}

// Next resolves the target status for an action, or an error when the
// transition is not in the table.
func Next(current Status, action Action) (Status, error) {
	if action == ActionRevoke && (current == StatusRejected || current == StatusRevoked) {
		return "", ErrAlreadyRejected
	}
	next, ok := transitions[current][action]
	if !ok {
		return "", &InvalidTransitionError{From: current, To: targetOf(action)}
	}
	return next, nil
}

// Apply validates and applies an action. On success it stamps
// StatusUpdatedAt, attaches the rejection reason when the target is
// REJECTED or REVOKED, bumps the aggregate version, and returns exactly one
// domain event named after the target status. On failure the consent is
// left unchanged.
func (c *Consent) Apply(action Action, reason *RejectionReason, now time.Time) (Event, error) {
	next, err := Next(c.Status, action)
	if err != nil {
		return Event{}, err
	}
	c.Status = next
	c.StatusUpdatedAt = now.UTC()
	if next == StatusRejected || next == StatusRevoked {
		c.RejectionReason = reason
	}
	c.Version++
	return newEvent(eventTypeFor(next), c.ConsentID, now), nil
}

func eventTypeFor(s Status) EventType {
	switch s {
	case StatusAuthorised:
		return EventConsentAuthorised
	case StatusRejected:
		return EventConsentRejected
	case StatusRevoked:
		return EventConsentRevoked
	case StatusExpired:
		return EventConsentExpired
	case StatusConsumed:
		return EventConsentConsumed
	default:
		return EventConsentCreated
	}
}
