package consent

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Extension records one accepted extension of a consent's expiry.
type Extension struct {
	ConsentID          string
	PreviousExpiresAt  *time.Time
	ExpiresAt          *time.Time
	LoggedUserDocument string
	RequestedAt        time.Time
}

// Repository persists consent aggregates. Update must compare-and-swap on the
// supplied version and return ErrConcurrencyConflict when the row moved.
type Repository interface {
	Create(ctx context.Context, c *Consent) error
	Get(ctx context.Context, consentID string) (*Consent, error)
	Update(ctx context.Context, c *Consent, expectedVersion int64) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Consent, error)
	CreateExtension(ctx context.Context, ext *Extension) error
	ListExtensions(ctx context.Context, consentID string, page, pageSize int) ([]*Extension, int64, error)
}

// EventSink receives the single event emitted by each accepted transition.
type EventSink interface {
	PublishConsentEvent(ctx context.Context, evt Event) error
}

// Invalidator evicts derived caches after a state change.
type Invalidator interface {
	ConsentChanged(ctx context.Context, consentID, clientID string)
}

// Service coordinates lifecycle transitions over the repository with
// optimistic concurrency. The losing writer of a version race retries once.
type Service struct {
	repo   Repository
	events EventSink
	caches Invalidator
	logger *slog.Logger
	now    func() time.Time
}

// ServiceOption customises the service instance.
type ServiceOption func(*Service)

// WithEventSink supplies the publisher notified on accepted transitions.
func WithEventSink(sink EventSink) ServiceOption {
	return func(s *Service) { s.events = sink }
}

// WithInvalidator supplies the cache-write coordinator.
func WithInvalidator(inv Invalidator) ServiceOption {
	return func(s *Service) { s.caches = inv }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.now = clock }
}

// NewService constructs a consent service over the repository.
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and persists a new consent, emitting ConsentCreated.
func (s *Service) Create(ctx context.Context, clientID, organizationID, customerID string, permissions []Permission, expiresAt *time.Time) (*Consent, error) {
	c, evt, err := New(clientID, organizationID, customerID, permissions, expiresAt, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.emit(ctx, evt, c)
	return c, nil
}

// Get loads a consent by id.
func (s *Service) Get(ctx context.Context, consentID string) (*Consent, error) {
	return s.repo.Get(ctx, consentID)
}

// Authorise moves the consent to AUTHORISED.
func (s *Service) Authorise(ctx context.Context, consentID string) (*Consent, error) {
	return s.transition(ctx, consentID, ActionAuthorise, nil)
}

// Reject moves the consent to REJECTED with the supplied reason.
func (s *Service) Reject(ctx context.Context, consentID string, reason *RejectionReason) (*Consent, error) {
	return s.transition(ctx, consentID, ActionReject, reason)
}

// Revoke moves the consent to REVOKED on behalf of the customer.
func (s *Service) Revoke(ctx context.Context, consentID string, reason *RejectionReason) (*Consent, error) {
	return s.transition(ctx, consentID, ActionRevoke, reason)
}

// Consume marks the consent's permissions as fully exercised.
func (s *Service) Consume(ctx context.Context, consentID string) (*Consent, error) {
	return s.transition(ctx, consentID, ActionConsume, nil)
}

// Expire moves the consent to EXPIRED once its expiry has passed.
func (s *Service) Expire(ctx context.Context, consentID string) (*Consent, error) {
	return s.transition(ctx, consentID, ActionExpire, nil)
}

func (s *Service) transition(ctx context.Context, consentID string, action Action, reason *RejectionReason) (*Consent, error) {
	const attempts = 2
	var lastErr error
	for i := 0; i < attempts; i++ {
		c, err := s.repo.Get(ctx, consentID)
		if err != nil {
			return nil, err
		}
		expected := c.Version
		evt, err := c.Apply(action, reason, s.now())
		if err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, c, expected); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		s.emit(ctx, evt, c)
		return c, nil
	}
	return nil, lastErr
}

// Extend pushes the expiry forward and records the extension.
func (s *Service) Extend(ctx context.Context, consentID string, expiresAt time.Time, loggedUserDocument string) (*Consent, error) {
	now := s.now()
	if !expiresAt.After(now) {
		return nil, &ValidationError{Field: "expirationDateTime", Reason: "must be in the future"}
	}
	const attempts = 2
	var lastErr error
	for i := 0; i < attempts; i++ {
		c, err := s.repo.Get(ctx, consentID)
		if err != nil {
			return nil, err
		}
		if c.Status != StatusAuthorised {
			return nil, &InvalidTransitionError{From: c.Status, To: StatusAuthorised}
		}
		ext := &Extension{
			ConsentID:          c.ConsentID,
			PreviousExpiresAt:  c.ExpiresAt,
			ExpiresAt:          &expiresAt,
			LoggedUserDocument: loggedUserDocument,
			RequestedAt:        now,
		}
		expected := c.Version
		c.ExpiresAt = &expiresAt
		c.Version++
		if err := s.repo.Update(ctx, c, expected); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if err := s.repo.CreateExtension(ctx, ext); err != nil {
			return nil, err
		}
		s.invalidate(ctx, c)
		return c, nil
	}
	return nil, lastErr
}

// Extensions lists the consent's extension history, newest first.
func (s *Service) Extensions(ctx context.Context, consentID string, page, pageSize int) ([]*Extension, int64, error) {
	if _, err := s.repo.Get(ctx, consentID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListExtensions(ctx, consentID, page, pageSize)
}

// ExpireSweep transitions consents whose expiry has passed. It returns the
// number of consents expired.
func (s *Service) ExpireSweep(ctx context.Context, limit int) (int, error) {
	stale, err := s.repo.ListExpired(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, c := range stale {
		if _, err := s.Expire(ctx, c.ConsentID); err != nil {
			s.logger.Warn("consent expiry sweep", "consentId", c.ConsentID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) emit(ctx context.Context, evt Event, c *Consent) {
	if s.events != nil {
		if err := s.events.PublishConsentEvent(ctx, evt); err != nil {
			s.logger.Error("publish consent event", "consentId", c.ConsentID, "type", string(evt.Type), "error", err)
		}
	}
	s.invalidate(ctx, c)
}

func (s *Service) invalidate(ctx context.Context, c *Consent) {
	if s.caches != nil {
		s.caches.ConsentChanged(ctx, c.ConsentID, c.ClientID)
	}
}
