// Package transmitter is the outbound gateway to transmitting institutions.
// Every request runs through a fixed resilience stack: a global rate limiter,
// a per-organization bulkhead, a circuit breaker, and a bounded retry loop,
// with a bearer token minted per organization.
package transmitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	apiFamilyAccounts = "accounts"

	defaultRateLimit      = 1000
	defaultRateWindow     = time.Minute
	defaultRateWait       = 5 * time.Second
	defaultBulkheadSize   = 100
	defaultBulkheadWait   = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBase      = 2 * time.Second
	defaultSlowCall       = 10 * time.Second
	defaultOpenTimeout    = 30 * time.Second
	defaultHalfOpenProbes = 5
	defaultBreakerMinimum = 10
)

type circuitOpenError struct{}

func (circuitOpenError) Error() string { return "transmitter: unavailable: circuit open" }

func (circuitOpenError) Is(target error) bool { return target == ErrUnavailable }

var errCircuitOpen = circuitOpenError{}

// IsCircuitOpen reports whether the failure was a fast rejection by an open
// circuit rather than an actual request failure.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, errCircuitOpen)
}

// errSlowCall marks a successful response that took longer than the slow-call
// threshold. The breaker counts it as a failure; callers still get the body.
var errSlowCall = errors.New("transmitter: slow call")

// TokenSource mints bearer tokens per organization.
type TokenSource interface {
	Token(ctx context.Context, organizationID string) (string, error)
}

// Gate grants one permit per outbound call without blocking. Denial means
// the pipeline has withdrawn outbound capacity.
type Gate interface {
	TryAcquire() bool
	Release()
}

// Client is the gateway. Safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	participants Participants
	tokens       TokenSource
	gate         Gate
	logger       *slog.Logger

	limiter        *rate.Limiter
	rateWait       time.Duration
	bulkheadSize   int64
	bulkheadWait   time.Duration
	requestTimeout time.Duration
	retryAttempts  int
	retryBase      time.Duration
	slowCall       time.Duration
	openTimeout    time.Duration
	sleep          func(context.Context, time.Duration) error

	mu        sync.Mutex
	bulkheads map[string]*semaphore.Weighted
	breakers  map[string]*gobreaker.CircuitBreaker
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient replaces the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGate guards every request with an externally managed permit.
func WithGate(g Gate) Option {
	return func(c *Client) {
		c.gate = g
	}
}

// WithRateLimit sets the global request budget per window.
func WithRateLimit(requests int, window time.Duration) Option {
	return func(c *Client) {
		if requests > 0 && window > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(float64(requests)/window.Seconds()), requests)
		}
	}
}

// WithBulkhead sets the per-organization concurrency ceiling.
func WithBulkhead(permits int, wait time.Duration) Option {
	return func(c *Client) {
		if permits > 0 {
			c.bulkheadSize = int64(permits)
		}
		if wait > 0 {
			c.bulkheadWait = wait
		}
	}
}

// WithRequestTimeout bounds each individual attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithRetry sets the attempt count and backoff base.
func WithRetry(attempts int, base time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.retryAttempts = attempts
		}
		if base > 0 {
			c.retryBase = base
		}
	}
}

// WithBreaker tunes the circuit breaker open duration and slow-call bar.
func WithBreaker(openTimeout, slowCall time.Duration) Option {
	return func(c *Client) {
		if openTimeout > 0 {
			c.openTimeout = openTimeout
		}
		if slowCall > 0 {
			c.slowCall = slowCall
		}
	}
}

// NewClient builds the gateway.
func NewClient(participants Participants, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient:     &http.Client{},
		participants:   participants,
		tokens:         tokens,
		logger:         slog.Default(),
		rateWait:       defaultRateWait,
		bulkheadSize:   defaultBulkheadSize,
		bulkheadWait:   defaultBulkheadWait,
		requestTimeout: defaultRequestTimeout,
		retryAttempts:  defaultRetryAttempts,
		retryBase:      defaultRetryBase,
		slowCall:       defaultSlowCall,
		openTimeout:    defaultOpenTimeout,
		sleep:          sleepContext,
		bulkheads:      make(map[string]*semaphore.Weighted),
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
	}
	c.limiter = rate.NewLimiter(rate.Limit(float64(defaultRateLimit)/defaultRateWindow.Seconds()), defaultRateLimit)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) bulkhead(key string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.bulkheads[key]
	if !ok {
		sem = semaphore.NewWeighted(c.bulkheadSize)
		c.bulkheads[key] = sem
	}
	return sem
}

func (c *Client) breaker(key string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[key]
	if !ok {
		logger := c.logger
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: defaultHalfOpenProbes,
			Interval:    defaultRateWindow,
			Timeout:     c.openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < defaultBreakerMinimum {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
			IsSuccessful: func(err error) bool {
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
		c.breakers[key] = cb
	}
	return cb
}

type request struct {
	organizationID string
	consentID      string
	method         string
	path           string
	query          url.Values
}

// do runs one request through the full stack and decodes a 200 JSON body
// into out.
func (c *Client) do(ctx context.Context, req request, out any) error {
	if c.gate != nil {
		if !c.gate.TryAcquire() {
			return fmt.Errorf("transmitter: permits withdrawn: %w", ErrUnavailable)
		}
		defer c.gate.Release()
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.rateWait)
	err := c.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("transmitter: rate budget exhausted: %w", ErrRateLimited)
	}

	key := req.organizationID + "/" + apiFamilyAccounts
	sem := c.bulkhead(key)
	acquireCtx, cancel := context.WithTimeout(ctx, c.bulkheadWait)
	err = sem.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		return fmt.Errorf("transmitter: bulkhead %s full: %w", key, ErrUnavailable)
	}
	defer sem.Release(1)

	_, err = c.breaker(key).Execute(func() (any, error) {
		return nil, c.attemptWithRetry(ctx, req, out)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return errCircuitOpen
	case errors.Is(err, errSlowCall):
		// Counted against the breaker, but the caller got a full response.
		return nil
	default:
		return err
	}
}

func (c *Client) attemptWithRetry(ctx context.Context, req request, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.retryBase * time.Duration(1<<uint(attempt-1))
			if err := c.sleep(ctx, backoff); err != nil {
				return fmt.Errorf("transmitter: %w", ErrTimeout)
			}
		}
		start := time.Now()
		err := c.attempt(ctx, req, out)
		elapsed := time.Since(start)
		if err == nil {
			if elapsed > c.slowCall {
				return errSlowCall
			}
			return nil
		}
		lastErr = err
		if req.method != http.MethodGet || !retryable(err) {
			return err
		}
		c.logger.Debug("retrying transmitter call",
			"organization", req.organizationID, "path", req.path,
			"attempt", attempt+1, "error", err)
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, req request, out any) error {
	base, err := c.participants.BaseURL(ctx, req.organizationID)
	if err != nil {
		return err
	}
	token, err := c.tokens.Token(ctx, req.organizationID)
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	target := base + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, target, nil)
	if err != nil {
		return &ProtocolError{Detail: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-fapi-interaction-id", uuid.NewString())
	if req.consentID != "" {
		httpReq.Header.Set("consent-id", req.consentID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if attemptCtx.Err() != nil {
			return fmt.Errorf("transmitter: %s %s: %w", req.method, req.path, ErrTimeout)
		}
		return fmt.Errorf("transmitter: %s %s: %v: %w", req.method, req.path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("transmitter: %s %s: %w", req.method, req.path, classifyStatus(resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Detail: fmt.Sprintf("decode %s: %v", req.path, err)}
	}
	return nil
}

// AccountDetails is the transmitter's account resource.
type AccountDetails struct {
	AccountID  string `json:"accountId"`
	Type       string `json:"type"`
	Subtype    string `json:"subtype"`
	Currency   string `json:"currency"`
	CompeCode  string `json:"compeCode"`
	BranchCode string `json:"branchCode"`
	Number     string `json:"number"`
	CheckDigit string `json:"checkDigit"`
}

// BalancePayload is the transmitter's balance resource.
type BalancePayload struct {
	AvailableAmount             string    `json:"availableAmount"`
	BlockedAmount               string    `json:"blockedAmount"`
	AutomaticallyInvestedAmount string    `json:"automaticallyInvestedAmount"`
	Currency                    string    `json:"currency"`
	UpdateDateTime              time.Time `json:"updateDateTime"`
}

// OverdraftLimits is the transmitter's overdraft resource.
type OverdraftLimits struct {
	ContractedAmount string `json:"overdraftContractedLimit"`
	UsedAmount       string `json:"overdraftUsedLimit"`
	Currency         string `json:"currency"`
}

// TransactionPayload is one transmitted transaction.
type TransactionPayload struct {
	TransactionID   string    `json:"transactionId"`
	Type            string    `json:"type"`
	CreditDebitType string    `json:"creditDebitType"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"transactionCurrency"`
	BookingDate     time.Time `json:"transactionDateTime"`
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
	Meta struct {
		TotalPages int `json:"totalPages"`
	} `json:"meta"`
}

// FetchAccountDetails reads the account resource.
func (c *Client) FetchAccountDetails(ctx context.Context, organizationID, consentID, accountID string) (AccountDetails, error) {
	var env dataEnvelope[AccountDetails]
	err := c.do(ctx, request{
		organizationID: organizationID,
		consentID:      consentID,
		method:         http.MethodGet,
		path:           "/accounts/v2/accounts/" + accountID,
	}, &env)
	if err != nil {
		return AccountDetails{}, err
	}
	return env.Data, nil
}

// FetchBalances reads the current balance snapshot.
func (c *Client) FetchBalances(ctx context.Context, organizationID, consentID, accountID string) (BalancePayload, error) {
	var env dataEnvelope[BalancePayload]
	err := c.do(ctx, request{
		organizationID: organizationID,
		consentID:      consentID,
		method:         http.MethodGet,
		path:           "/accounts/v2/accounts/" + accountID + "/balances",
	}, &env)
	if err != nil {
		return BalancePayload{}, err
	}
	return env.Data, nil
}

// FetchOverdraftLimits reads the overdraft resource. Best effort: an open
// circuit yields a nil result without error.
func (c *Client) FetchOverdraftLimits(ctx context.Context, organizationID, consentID, accountID string) (*OverdraftLimits, error) {
	var env dataEnvelope[OverdraftLimits]
	err := c.do(ctx, request{
		organizationID: organizationID,
		consentID:      consentID,
		method:         http.MethodGet,
		path:           "/accounts/v2/accounts/" + accountID + "/overdraft-limits",
	}, &env)
	switch {
	case err == nil:
		return &env.Data, nil
	case IsCircuitOpen(err), errors.Is(err, ErrNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// FetchTransactions reads the booking window page by page. An open circuit
// on the first page yields an empty slice without error.
func (c *Client) FetchTransactions(ctx context.Context, organizationID, consentID, accountID string, from, to time.Time) ([]TransactionPayload, error) {
	var all []TransactionPayload
	page := 1
	for {
		query := url.Values{}
		query.Set("fromBookingDate", from.Format("2006-01-02"))
		query.Set("toBookingDate", to.Format("2006-01-02"))
		query.Set("page", strconv.Itoa(page))
		query.Set("page-size", "200")

		var env dataEnvelope[[]TransactionPayload]
		err := c.do(ctx, request{
			organizationID: organizationID,
			consentID:      consentID,
			method:         http.MethodGet,
			path:           "/accounts/v2/accounts/" + accountID + "/transactions",
			query:          query,
		}, &env)
		if err != nil {
			if IsCircuitOpen(err) && page == 1 {
				c.logger.Warn("transactions fallback on open circuit",
					"organization", organizationID, "account", accountID)
				return nil, nil
			}
			return nil, err
		}
		all = append(all, env.Data...)
		if env.Meta.TotalPages == 0 || page >= env.Meta.TotalPages {
			return all, nil
		}
		page++
	}
}
