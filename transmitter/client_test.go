package transmitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) Token(context.Context, string) (string, error) {
	return string(s), nil
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	dir := NewStaticDirectory(map[string]string{"org-1": srv.URL})
	c := NewClient(dir, staticToken("test-token"), opts...)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, srv
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestFetchAccountDetailsSendsHeaders(t *testing.T) {
	var got http.Header
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		require.Equal(t, "/accounts/v2/accounts/acc-1", r.URL.Path)
		writeEnvelope(w, AccountDetails{AccountID: "acc-1", Type: "CONTA_DEPOSITO_A_VISTA"})
	}))

	details, err := c.FetchAccountDetails(context.Background(), "org-1", "urn:receptor:consent:x", "acc-1")
	require.NoError(t, err)
	require.Equal(t, "acc-1", details.AccountID)
	require.Equal(t, "Bearer test-token", got.Get("Authorization"))
	require.Equal(t, "urn:receptor:consent:x", got.Get("consent-id"))
	require.NotEmpty(t, got.Get("x-fapi-interaction-id"))
}

func TestFreshInteractionIDPerRequest(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("x-fapi-interaction-id")] = true
		mu.Unlock()
		writeEnvelope(w, AccountDetails{AccountID: "acc-1"})
	}))

	for i := 0; i < 3; i++ {
		_, err := c.FetchAccountDetails(context.Background(), "org-1", "consent", "acc-1")
		require.NoError(t, err)
	}
	require.Len(t, seen, 3)
}

func TestStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			var calls atomic.Int64
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
			}))
			_, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
			require.ErrorIs(t, err, tc.want)
			require.EqualValues(t, 1, calls.Load(), "client errors must not be retried")
		})
	}
}

func TestRetryOnTransientServerError(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEnvelope(w, BalancePayload{AvailableAmount: "100.00", Currency: "BRL"})
	}))

	got, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
	require.NoError(t, err)
	require.Equal(t, "100.00", got.AvailableAmount)
	require.EqualValues(t, 3, calls.Load())
}

func TestRetryExhaustionSurfacesLastError(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
	require.ErrorIs(t, err, ErrTransientServer)
	require.EqualValues(t, defaultRetryAttempts, calls.Load())
}

func TestMalformedBodyIsProtocolError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	_, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestCircuitOpensAndReadsFallBackEmpty(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), WithRetry(1, time.Millisecond))

	for i := 0; i < defaultBreakerMinimum; i++ {
		_, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
		require.ErrorIs(t, err, ErrTransientServer)
	}
	before := calls.Load()

	// The circuit is open: calls fail fast without touching the transmitter.
	_, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
	require.ErrorIs(t, err, ErrUnavailable)
	require.True(t, IsCircuitOpen(err))
	require.Equal(t, before, calls.Load())

	// Read endpoints degrade to empty results instead of failing.
	txs, err := c.FetchTransactions(context.Background(), "org-1", "consent", "acc-1",
		time.Now().AddDate(0, 0, -7), time.Now())
	require.NoError(t, err)
	require.Empty(t, txs)

	limits, err := c.FetchOverdraftLimits(context.Background(), "org-1", "consent", "acc-1")
	require.NoError(t, err)
	require.Nil(t, limits)
}

type fakeGate struct {
	allow    bool
	acquired atomic.Int64
	released atomic.Int64
}

func (g *fakeGate) TryAcquire() bool {
	g.acquired.Add(1)
	return g.allow
}

func (g *fakeGate) Release() {
	g.released.Add(1)
}

func TestGateDenialFailsFast(t *testing.T) {
	var calls atomic.Int64
	gate := &fakeGate{allow: false}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, BalancePayload{})
	}), WithGate(gate))

	_, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Zero(t, calls.Load(), "denied calls must not reach the transmitter")
	require.Zero(t, gate.released.Load())
}

func TestGatePermitIsReleased(t *testing.T) {
	gate := &fakeGate{allow: true}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, BalancePayload{AvailableAmount: "10.00", Currency: "BRL"})
	}), WithGate(gate))

	got, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
	require.NoError(t, err)
	require.Equal(t, "10.00", got.AvailableAmount)
	require.EqualValues(t, 1, gate.acquired.Load())
	require.EqualValues(t, 1, gate.released.Load())
}

func TestBulkheadRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeEnvelope(w, BalancePayload{})
	}), WithBulkhead(1, 50*time.Millisecond))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-2")
	require.ErrorIs(t, err, ErrUnavailable)
	require.False(t, IsCircuitOpen(err))

	close(release)
	wg.Wait()
}

func TestTransactionsFollowPages(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		require.Equal(t, "2024-01-01", r.URL.Query().Get("fromBookingDate"))
		payload := []TransactionPayload{{TransactionID: "tx-" + page, Amount: "10.00", Currency: "BRL"}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": payload,
			"meta": map[string]any{"totalPages": 3},
		})
	}))

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	txs, err := c.FetchTransactions(context.Background(), "org-1", "consent", "acc-1", from, to)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	require.Equal(t, "tx-1", txs[0].TransactionID)
	require.Equal(t, "tx-3", txs[2].TransactionID)
}

func TestUnknownOrganization(t *testing.T) {
	dir := NewStaticDirectory(nil)
	c := NewClient(dir, staticToken("t"))
	_, err := c.FetchBalances(context.Background(), "org-missing", "consent", "acc-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionRefusedIsUnavailable(t *testing.T) {
	dir := NewStaticDirectory(map[string]string{"org-1": "http://127.0.0.1:1"})
	c := NewClient(dir, staticToken("t"), WithRetry(1, time.Millisecond))
	_, err := c.FetchBalances(context.Background(), "org-1", "consent", "acc-1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestStaticCredentials(t *testing.T) {
	src := StaticCredentials{"org-1": {ClientID: "id", ClientSecret: "secret", TokenURL: "http://auth/token"}}
	_, err := src.Credentials(context.Background(), "org-1")
	require.NoError(t, err)
	_, err = src.Credentials(context.Background(), "org-2")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, retryable(ErrTransientServer))
	require.True(t, retryable(ErrRateLimited))
	require.True(t, retryable(ErrTimeout))
	require.True(t, retryable(ErrUnavailable))
	require.False(t, retryable(ErrForbidden))
	require.False(t, retryable(ErrNotFound))
	require.False(t, retryable(errors.New("other")))
}
