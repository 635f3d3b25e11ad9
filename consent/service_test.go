package consent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu         sync.Mutex
	consents   map[string]Consent
	extensions map[string][]*Extension

	updateHook func(c *Consent)
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		consents:   make(map[string]Consent),
		extensions: make(map[string][]*Extension),
	}
}

func (r *memoryRepo) Create(_ context.Context, c *Consent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consents[c.ConsentID] = *c
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id string) (*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := c
	return &copied, nil
}

func (r *memoryRepo) Update(_ context.Context, c *Consent, expectedVersion int64) error {
	if r.updateHook != nil {
		hook := r.updateHook
		r.updateHook = nil
		hook(c)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.consents[c.ConsentID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrConcurrencyConflict
	}
	r.consents[c.ConsentID] = *c
	return nil
}

func (r *memoryRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Consent
	for _, c := range r.consents {
		if c.Status == StatusAuthorised && c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			copied := c
			out = append(out, &copied)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) CreateExtension(_ context.Context, ext *Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[ext.ConsentID] = append(r.extensions[ext.ConsentID], ext)
	return nil
}

func (r *memoryRepo) ListExtensions(_ context.Context, id string, page, pageSize int) ([]*Extension, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.extensions[id]
	total := int64(len(all))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) PublishConsentEvent(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, evt := range s.events {
		out[i] = evt.Type
	}
	return out
}

func TestServiceHappyPath(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	sink := &recordingSink{}
	svc := NewService(repo, WithEventSink(sink))

	expires := time.Now().UTC().Add(365 * 24 * time.Hour)
	c, err := svc.Create(ctx, "client-1", "org-1", "cust-1", []Permission{PermAccountsRead, PermAccountsBalancesRead}, &expires)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingAuthorisation, c.Status)

	c, err = svc.Authorise(ctx, c.ConsentID)
	require.NoError(t, err)
	require.Equal(t, StatusAuthorised, c.Status)

	c, err = svc.Revoke(ctx, c.ConsentID, &RejectionReason{Code: "CUSTOMER_MANUALLY_REVOKED"})
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, c.Status)

	_, err = svc.Revoke(ctx, c.ConsentID, nil)
	require.ErrorIs(t, err, ErrAlreadyRejected)

	require.Equal(t, []EventType{EventConsentCreated, EventConsentAuthorised, EventConsentRevoked}, sink.types())
}

func TestServiceRetriesOnceOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := NewService(repo)

	c, err := svc.Create(ctx, "client-1", "org-1", "cust-1", []Permission{PermAccountsRead}, nil)
	require.NoError(t, err)

	// First update attempt loses the race: another writer bumps the version
	// just before the compare-and-swap.
	repo.updateHook = func(*Consent) {
		repo.mu.Lock()
		stored := repo.consents[c.ConsentID]
		stored.Version++
		repo.consents[c.ConsentID] = stored
		repo.mu.Unlock()
	}

	updated, err := svc.Authorise(ctx, c.ConsentID)
	require.NoError(t, err)
	require.Equal(t, StatusAuthorised, updated.Status)
}

func TestServiceExtendRecordsHistory(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := NewService(repo)

	c, err := svc.Create(ctx, "client-1", "org-1", "cust-1", []Permission{PermAccountsRead}, nil)
	require.NoError(t, err)
	_, err = svc.Authorise(ctx, c.ConsentID)
	require.NoError(t, err)

	newExpiry := time.Now().Add(90 * 24 * time.Hour).UTC()
	extended, err := svc.Extend(ctx, c.ConsentID, newExpiry, "12345678900")
	require.NoError(t, err)
	require.NotNil(t, extended.ExpiresAt)
	require.Equal(t, newExpiry, *extended.ExpiresAt)

	exts, total, err := svc.Extensions(ctx, c.ConsentID, 1, 25)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, exts, 1)
	require.Equal(t, "12345678900", exts[0].LoggedUserDocument)
}

func TestServiceExtendRequiresAuthorised(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := NewService(repo)

	c, err := svc.Create(ctx, "client-1", "org-1", "cust-1", []Permission{PermAccountsRead}, nil)
	require.NoError(t, err)

	_, err = svc.Extend(ctx, c.ConsentID, time.Now().Add(time.Hour), "12345678900")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestServiceExpireSweep(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	sink := &recordingSink{}
	clock := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(repo, WithEventSink(sink), WithClock(func() time.Time { return clock }))

	expires := clock.Add(time.Hour)
	c, err := svc.Create(ctx, "client-1", "org-1", "cust-1", []Permission{PermAccountsRead}, &expires)
	require.NoError(t, err)
	_, err = svc.Authorise(ctx, c.ConsentID)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	expired, err := svc.ExpireSweep(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	got, err := svc.Get(ctx, c.ConsentID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
}
