package consent

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var allActions = []Action{ActionAuthorise, ActionReject, ActionConsume, ActionRevoke, ActionExpire}

func newTestConsent(t *testing.T) *Consent {
	t.Helper()
	c, evt, err := New("client-1", "org-1", "customer-1", []Permission{PermAccountsRead, PermAccountsBalancesRead}, nil, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	require.Equal(t, EventConsentCreated, evt.Type)
	require.Equal(t, StatusAwaitingAuthorisation, c.Status)
	return c
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from   Status
		action Action
		to     Status
		ok     bool
	}{
		{StatusAwaitingAuthorisation, ActionAuthorise, StatusAuthorised, true},
		{StatusAwaitingAuthorisation, ActionReject, StatusRejected, true},
		{StatusAwaitingAuthorisation, ActionConsume, "", false},
		{StatusAwaitingAuthorisation, ActionExpire, "", false},
		{StatusAuthorised, ActionConsume, StatusConsumed, true},
		{StatusAuthorised, ActionRevoke, StatusRevoked, true},
		{StatusAuthorised, ActionExpire, StatusExpired, true},
		{StatusAuthorised, ActionAuthorise, "", false},
		{StatusConsumed, ActionRevoke, StatusRevoked, true},
		{StatusConsumed, ActionAuthorise, "", false},
		{StatusExpired, ActionAuthorise, "", false},
	}
	for _, tc := range cases {
		next, err := Next(tc.from, tc.action)
		if tc.ok {
			require.NoError(t, err, "%s + %s", tc.from, tc.action)
			require.Equal(t, tc.to, next)
		} else {
			require.Error(t, err, "%s + %s", tc.from, tc.action)
		}
	}
}

func TestRevokeOnRejectedConsent(t *testing.T) {
	_, err := Next(StatusRejected, ActionRevoke)
	require.ErrorIs(t, err, ErrAlreadyRejected)
}

func TestRevokeAfterRevokeIsAlreadyRejected(t *testing.T) {
	c := newTestConsent(t)
	_, err := c.Apply(ActionAuthorise, nil, time.Now())
	require.NoError(t, err)
	_, err = c.Apply(ActionRevoke, &RejectionReason{Code: "CUSTOMER_MANUALLY_REVOKED"}, time.Now())
	require.NoError(t, err)

	_, err = c.Apply(ActionRevoke, nil, time.Now())
	require.ErrorIs(t, err, ErrAlreadyRejected)
	require.Equal(t, StatusRevoked, c.Status)
}

func TestInvalidTransitionLeavesConsentUnchanged(t *testing.T) {
	c := newTestConsent(t)
	before := *c
	_, err := c.Apply(ActionConsume, nil, time.Now())
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, StatusAwaitingAuthorisation, invalid.From)
	require.Equal(t, StatusConsumed, invalid.To)
	require.Equal(t, before, *c)
}

func TestApplyStampsStatusAndEmitsEvent(t *testing.T) {
	c := newTestConsent(t)
	at := time.Unix(1700000100, 0).UTC()
	evt, err := c.Apply(ActionAuthorise, nil, at)
	require.NoError(t, err)
	require.Equal(t, StatusAuthorised, c.Status)
	require.Equal(t, at, c.StatusUpdatedAt)
	require.Equal(t, EventConsentAuthorised, evt.Type)
	require.Equal(t, c.ConsentID, evt.ConsentID)
	require.EqualValues(t, 2, c.Version)

	reason := &RejectionReason{Code: "CUSTOMER_MANUALLY_REVOKED"}
	evt, err = c.Apply(ActionRevoke, reason, at.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, c.Status)
	require.Equal(t, reason, c.RejectionReason)
	require.Equal(t, EventConsentRevoked, evt.Type)
}

// Random walks over the action alphabet must either follow the table or leave
// the consent untouched.
func TestTransitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		c := newTestConsent(t)
		for step := 0; step < 12; step++ {
			before := *c
			action := allActions[rng.Intn(len(allActions))]
			evt, err := c.Apply(action, nil, time.Now())
			if err != nil {
				require.Equal(t, before, *c, "rejected action must not mutate")
				var invalid *InvalidTransitionError
				if !errors.As(err, &invalid) {
					require.ErrorIs(t, err, ErrAlreadyRejected)
				}
				continue
			}
			expected, tableErr := Next(before.Status, action)
			require.NoError(t, tableErr)
			require.Equal(t, expected, c.Status)
			require.Equal(t, eventTypeFor(expected), evt.Type)
		}
	}
}

func TestActiveRequiresAuthorisedAndUnexpired(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	c := newTestConsent(t)
	require.False(t, c.Active(now))

	_, err := c.Apply(ActionAuthorise, nil, now)
	require.NoError(t, err)
	require.True(t, c.Active(now))

	c.ExpiresAt = &future
	require.True(t, c.Active(now))
	c.ExpiresAt = &past
	require.False(t, c.Active(now))
}

func TestNewRejectsUnknownPermission(t *testing.T) {
	_, _, err := New("client", "org", "cust", []Permission{"NOT_A_PERMISSION"}, nil, time.Now())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "permissions", verr.Field)
}

func TestNewRejectsEmptyPermissions(t *testing.T) {
	_, _, err := New("client", "org", "cust", nil, nil, time.Now())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNewRejectsPastExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	_, _, err := New("client", "org", "cust", []Permission{PermAccountsRead}, &past, now)
	require.Error(t, err)
}
