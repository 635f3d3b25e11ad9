package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsromanox/openfinance-receptor/account"
	"github.com/tsromanox/openfinance-receptor/batch"
	"github.com/tsromanox/openfinance-receptor/events"
	"github.com/tsromanox/openfinance-receptor/perf"
	"github.com/tsromanox/openfinance-receptor/queue"
	"github.com/tsromanox/openfinance-receptor/resource"
	"github.com/tsromanox/openfinance-receptor/storage"
	"github.com/tsromanox/openfinance-receptor/transmitter"
)

type openPermits struct{}

func (openPermits) TryAcquire(resource.Class) bool { return true }
func (openPermits) Release(resource.Class)         {}
func (openPermits) Current(resource.Class) int     { return 100 }

type fakeStore struct {
	mu        sync.Mutex
	pending   []*account.Account
	byConsent map[string][]*account.Account
	saved     map[string]*account.Account
	synced    map[string]time.Time
	history   map[string][]account.Balance
	txs       map[string][]account.Transaction
}

func newFakeStore(accounts ...*account.Account) *fakeStore {
	byConsent := make(map[string][]*account.Account)
	for _, a := range accounts {
		byConsent[a.ConsentID] = append(byConsent[a.ConsentID], a)
	}
	return &fakeStore{
		pending:   accounts,
		byConsent: byConsent,
		saved:     make(map[string]*account.Account),
		synced:    make(map[string]time.Time),
		history:   make(map[string][]account.Balance),
		txs:       make(map[string][]account.Transaction),
	}
}

func (s *fakeStore) FindForUpdate(_ context.Context, _ time.Time, limit int) ([]*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.pending) {
		limit = len(s.pending)
	}
	page := s.pending[:limit]
	s.pending = s.pending[limit:]
	return page, nil
}

func (s *fakeStore) FindByConsent(_ context.Context, consentID string) ([]*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byConsent[consentID], nil
}

func (s *fakeStore) Save(_ context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *a
	s.saved[a.AccountID] = &copied
	return nil
}

func (s *fakeStore) AppendBalance(_ context.Context, accountID string, b account.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[accountID] = append(s.history[accountID], b)
	return nil
}

func (s *fakeStore) InsertTransactions(_ context.Context, txs []account.Transaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		s.txs[tx.AccountID] = append(s.txs[tx.AccountID], tx)
	}
	return len(txs), nil
}

func (s *fakeStore) MarkSynced(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced[accountID] = at
	return nil
}

type fakeGateway struct {
	mu       sync.Mutex
	failFor  map[string]error
	balances map[string]transmitter.BalancePayload
}

func (g *fakeGateway) balanceFor(accountID string) transmitter.BalancePayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.balances[accountID]; ok {
		return b
	}
	return transmitter.BalancePayload{
		AvailableAmount:             "1500.5",
		BlockedAmount:               "0",
		AutomaticallyInvestedAmount: "10",
		Currency:                    "brl",
		UpdateDateTime:              time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func (g *fakeGateway) failure(accountID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failFor[accountID]
}

func (g *fakeGateway) FetchAccountDetails(_ context.Context, _, _, accountID string) (transmitter.AccountDetails, error) {
	if err := g.failure(accountID); err != nil {
		return transmitter.AccountDetails{}, err
	}
	return transmitter.AccountDetails{
		AccountID:  accountID,
		Type:       "CONTA_DEPOSITO_A_VISTA",
		Subtype:    "INDIVIDUAL",
		CompeCode:  "001",
		BranchCode: "6272",
		Number:     "94088392",
		CheckDigit: "4",
	}, nil
}

func (g *fakeGateway) FetchBalances(_ context.Context, _, _, accountID string) (transmitter.BalancePayload, error) {
	if err := g.failure(accountID); err != nil {
		return transmitter.BalancePayload{}, err
	}
	return g.balanceFor(accountID), nil
}

func (g *fakeGateway) FetchOverdraftLimits(_ context.Context, _, _, accountID string) (*transmitter.OverdraftLimits, error) {
	return &transmitter.OverdraftLimits{ContractedAmount: "500.00", UsedAmount: "0.00", Currency: "BRL"}, nil
}

func (g *fakeGateway) FetchTransactions(_ context.Context, _, _, accountID string, _, _ time.Time) ([]transmitter.TransactionPayload, error) {
	return []transmitter.TransactionPayload{{
		TransactionID:   "tx-" + accountID,
		Type:            "PIX",
		CreditDebitType: "CREDITO",
		Amount:          "10",
		Currency:        "BRL",
		BookingDate:     time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}}, nil
}

type fakeLocks struct {
	mu         sync.Mutex
	acquireErr error
	heartbeats int
	released   int
}

func (l *fakeLocks) Acquire(context.Context, string, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquireErr
}

func (l *fakeLocks) Heartbeat(context.Context, string, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.heartbeats++
	return nil
}

func (l *fakeLocks) Release(context.Context, string, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

type recordingSink struct {
	mu        sync.Mutex
	envelopes []events.Envelope
}

func (r *recordingSink) Publish(_ context.Context, _ string, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return nil
}

func (r *recordingSink) byType(eventType string) []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Envelope
	for _, env := range r.envelopes {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

type staticSizer int

func (s staticSizer) BatchSize() int { return int(s) }

func staleAccount(id string) *account.Account {
	synced := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &account.Account{
		ID:             "internal-" + id,
		AccountID:      id,
		ConsentID:      "urn:receptor:consent:" + id,
		ClientID:       "client-1",
		OrganizationID: "org-1",
		Status:         account.StatusActive,
		LastSyncedAt:   &synced,
	}
}

func newTestOrchestrator(store AccountStore, gateway Gateway, locks Locks, sink EventSink, opts ...Option) *Orchestrator {
	processor := batch.NewProcessor(openPermits{})
	monitor := perf.NewMonitor()
	return New(store, gateway, locks, sink, staticSizer(10), processor, monitor, opts...)
}

func TestRunOnceSyncsStaleAccounts(t *testing.T) {
	store := newFakeStore(staleAccount("acc-1"), staleAccount("acc-2"))
	gateway := &fakeGateway{}
	locks := &fakeLocks{}
	sink := &recordingSink{}
	o := newTestOrchestrator(store, gateway, locks, sink)

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 2, summary.Succeeded)
	require.Zero(t, summary.Failed)
	require.NotEmpty(t, summary.ExecutionID)
	require.Len(t, summary.Batches, 1)
	require.Equal(t, 2, summary.Batches[0].Size)
	require.Equal(t, 2, summary.Batches[0].Succeeded)

	require.Len(t, store.synced, 2)
	require.Len(t, store.saved, 2)
	require.Len(t, sink.byType("AccountUpdated"), 2)
	require.Len(t, sink.byType("BatchSyncCompleted"), 1)
	require.GreaterOrEqual(t, locks.heartbeats, 1)
	require.Equal(t, 1, locks.released)
}

func TestRunOnceNormalizesAndMerges(t *testing.T) {
	store := newFakeStore(staleAccount("acc-1"))
	o := newTestOrchestrator(store, &fakeGateway{}, &fakeLocks{}, &recordingSink{})

	_, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	saved := store.saved["acc-1"]
	require.NotNil(t, saved)
	require.Equal(t, "CONTA_DEPOSITO_A_VISTA", saved.Type)
	require.Equal(t, "001", saved.Identification.CompeCode)
	require.NotNil(t, saved.Balance)
	require.Equal(t, "1500.50", saved.Balance.AvailableAmount)
	require.Equal(t, "BRL", saved.Balance.Currency)
	require.NotNil(t, saved.OverdraftLimit)
	require.Equal(t, "500.00", saved.OverdraftLimit.ContractedAmount)

	require.Len(t, store.history["acc-1"], 1)
	require.Len(t, store.txs["acc-1"], 1)
	require.Equal(t, "10.00", store.txs["acc-1"][0].Amount)
}

func TestRunOnceActivatesDiscoveredAccounts(t *testing.T) {
	a := staleAccount("acc-1")
	a.Status = account.StatusDiscovered
	store := newFakeStore(a)
	o := newTestOrchestrator(store, &fakeGateway{}, &fakeLocks{}, &recordingSink{})

	_, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, account.StatusActive, store.saved["acc-1"].Status)
}

func TestRunOnceIsolatesItemFailures(t *testing.T) {
	store := newFakeStore(staleAccount("acc-ok"), staleAccount("acc-bad"))
	gateway := &fakeGateway{failFor: map[string]error{"acc-bad": errors.New("transmitter exploded")}}
	sink := &recordingSink{}
	o := newTestOrchestrator(store, gateway, &fakeLocks{}, sink)

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Batches, 1)
	require.Equal(t, 1, summary.Batches[0].Failed)

	_, ok := store.synced["acc-bad"]
	require.False(t, ok, "failed account must stay due for the next run")
	require.Len(t, sink.byType("AccountUpdated"), 1)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	store := newFakeStore(staleAccount("acc-1"))
	locks := &fakeLocks{acquireErr: storage.ErrLockHeld}
	sink := &recordingSink{}
	o := newTestOrchestrator(store, &fakeGateway{}, locks, sink)

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Processed)
	require.Empty(t, store.synced)
	require.Empty(t, sink.envelopes)
}

func TestRunOnceRecordsPerBatchSummaries(t *testing.T) {
	store := newFakeStore(staleAccount("acc-1"), staleAccount("acc-2"))
	processor := batch.NewProcessor(openPermits{})
	o := New(store, &fakeGateway{}, &fakeLocks{}, &recordingSink{}, staticSizer(1), processor, perf.NewMonitor())

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Len(t, summary.Batches, 2)
	for _, b := range summary.Batches {
		require.Equal(t, 1, b.Size)
		require.Equal(t, 1, b.Succeeded)
		require.Zero(t, b.Failed)
		require.Zero(t, b.Cancelled)
	}
}

func TestRunOnceHousekeeping(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &fakeGateway{}, &fakeLocks{}, &recordingSink{},
		WithHousekeeping(reaperFunc(func() (int64, int64, error) { return 2, 1, nil }),
			sweeperFunc(func(limit int) (int, error) { return 3, nil })))

	_, err := o.RunOnce(context.Background())
	require.NoError(t, err)
}

type reaperFunc func() (int64, int64, error)

func (f reaperFunc) ReapAbandoned(context.Context) (int64, int64, error) { return f() }

type sweeperFunc func(limit int) (int, error)

func (f sweeperFunc) ExpireSweep(_ context.Context, limit int) (int, error) { return f(limit) }

type fakeJobs struct {
	mu        sync.Mutex
	reserved  []queue.Job
	completed []string
	failed    map[string]error
}

func (j *fakeJobs) ReserveBatch(_ context.Context, n int) ([]queue.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n > len(j.reserved) {
		n = len(j.reserved)
	}
	out := j.reserved[:n]
	j.reserved = j.reserved[n:]
	return out, nil
}

func (j *fakeJobs) Complete(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed = append(j.completed, id)
	return nil
}

func (j *fakeJobs) Fail(_ context.Context, id string, cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failed == nil {
		j.failed = make(map[string]error)
	}
	j.failed[id] = cause
	return nil
}

func TestRunOnceDrainsQueuedJobs(t *testing.T) {
	fresh := staleAccount("acc-1")
	store := newFakeStore()
	store.byConsent[fresh.ConsentID] = []*account.Account{fresh}
	jobs := &fakeJobs{reserved: []queue.Job{
		{ID: "job-1", ConsentID: fresh.ConsentID, Kind: "initialSync"},
		{ID: "job-empty", ConsentID: "urn:receptor:consent:none", Kind: "initialSync"},
	}}
	sink := &recordingSink{}
	o := newTestOrchestrator(store, &fakeGateway{}, &fakeLocks{}, sink, WithJobs(jobs))

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 1, summary.Succeeded)
	require.ElementsMatch(t, []string{"job-1", "job-empty"}, jobs.completed)
	require.Contains(t, store.synced, "acc-1")
	require.Len(t, sink.byType("AccountUpdated"), 1)
}

func TestRunOnceFailsJobWhenSyncFails(t *testing.T) {
	fresh := staleAccount("acc-bad")
	store := newFakeStore()
	store.byConsent[fresh.ConsentID] = []*account.Account{fresh}
	jobs := &fakeJobs{reserved: []queue.Job{{ID: "job-1", ConsentID: fresh.ConsentID, Kind: "initialSync"}}}
	gateway := &fakeGateway{failFor: map[string]error{"acc-bad": errors.New("transmitter exploded")}}
	o := newTestOrchestrator(store, gateway, &fakeLocks{}, &recordingSink{}, WithJobs(jobs))

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Empty(t, jobs.completed)
	require.Contains(t, jobs.failed, "job-1")
}

func TestRunOnceHonoursCancellation(t *testing.T) {
	store := newFakeStore(staleAccount("acc-1"))
	sink := &recordingSink{}
	o := newTestOrchestrator(store, &fakeGateway{}, &fakeLocks{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := o.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Processed)
	// Bookkeeping still completes.
	require.Len(t, sink.byType("BatchSyncCompleted"), 1)
}

func TestRunOnceRespectsMaxAccounts(t *testing.T) {
	store := newFakeStore(staleAccount("a"), staleAccount("b"), staleAccount("c"))
	o := newTestOrchestrator(store, &fakeGateway{}, &fakeLocks{}, &recordingSink{},
		WithMaxAccounts(2))

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
}
