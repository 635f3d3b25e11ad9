// Package orchestrator drives the periodic account synchronization run: it
// takes the run lock, pages stale accounts, fans each batch out under the
// resource manager's permits, and publishes the resulting events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tsromanox/openfinance-receptor/account"
	"github.com/tsromanox/openfinance-receptor/batch"
	"github.com/tsromanox/openfinance-receptor/events"
	"github.com/tsromanox/openfinance-receptor/observability"
	"github.com/tsromanox/openfinance-receptor/perf"
	"github.com/tsromanox/openfinance-receptor/queue"
	"github.com/tsromanox/openfinance-receptor/storage"
	"github.com/tsromanox/openfinance-receptor/transmitter"
)

const (
	defaultStaleAfter  = 12 * time.Hour
	defaultMaxAccounts = 1_000_000
	defaultLockName    = "account-sync"
	defaultSchedule    = "0 */12 * * *"
	transactionWindow  = 7 * 24 * time.Hour

	opAccountSync = "accountSync"
)

// AccountStore is the slice of the account repository the run needs.
type AccountStore interface {
	FindForUpdate(ctx context.Context, staleBefore time.Time, limit int) ([]*account.Account, error)
	FindByConsent(ctx context.Context, consentID string) ([]*account.Account, error)
	Save(ctx context.Context, a *account.Account) error
	AppendBalance(ctx context.Context, accountID string, b account.Balance) error
	InsertTransactions(ctx context.Context, txs []account.Transaction) (int, error)
	MarkSynced(ctx context.Context, accountID string, at time.Time) error
}

// Gateway is the transmitter surface the run reads from.
type Gateway interface {
	FetchAccountDetails(ctx context.Context, organizationID, consentID, accountID string) (transmitter.AccountDetails, error)
	FetchBalances(ctx context.Context, organizationID, consentID, accountID string) (transmitter.BalancePayload, error)
	FetchOverdraftLimits(ctx context.Context, organizationID, consentID, accountID string) (*transmitter.OverdraftLimits, error)
	FetchTransactions(ctx context.Context, organizationID, consentID, accountID string, from, to time.Time) ([]transmitter.TransactionPayload, error)
}

// Locks serializes runs across instances.
type Locks interface {
	Acquire(ctx context.Context, name, owner string) error
	Heartbeat(ctx context.Context, name, owner string) error
	Release(ctx context.Context, name, owner string) error
}

// EventSink receives the run's published events.
type EventSink interface {
	Publish(ctx context.Context, topic string, env events.Envelope) error
}

// Sizer reports the adaptive batch size.
type Sizer interface {
	BatchSize() int
}

// JobReaper returns abandoned queue jobs each run.
type JobReaper interface {
	ReapAbandoned(ctx context.Context) (int64, int64, error)
}

// Jobs is the queue surface the run drains. Reserved jobs carry the consent
// whose accounts need an immediate sync ahead of the staleness sweep.
type Jobs interface {
	ReserveBatch(ctx context.Context, n int) ([]queue.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) error
}

// ConsentSweeper expires overdue consents each run.
type ConsentSweeper interface {
	ExpireSweep(ctx context.Context, limit int) (int, error)
}

// BatchSummary is the outcome of one fan-out batch within a run.
type BatchSummary struct {
	Size      int
	Succeeded int
	Failed    int
	Cancelled int
	Duration  time.Duration
}

// Summary is the outcome of one run.
type Summary struct {
	ExecutionID string
	Processed   int
	Succeeded   int
	Failed      int
	Cancelled   int
	Duration    time.Duration
	Batches     []BatchSummary
}

// absorb folds one batch result into the run totals.
func (s *Summary) absorb(size int, r batch.Result) BatchSummary {
	b := BatchSummary{Size: size, Succeeded: r.Successes, Duration: r.ProcessingTime}
	for _, f := range r.Failures {
		if f.Cancelled {
			b.Cancelled++
		} else {
			b.Failed++
		}
	}
	s.Processed += b.Size
	s.Succeeded += b.Succeeded
	s.Failed += b.Failed
	s.Cancelled += b.Cancelled
	s.Batches = append(s.Batches, b)
	return b
}

// Orchestrator owns the sync schedule.
type Orchestrator struct {
	accounts  AccountStore
	gateway   Gateway
	locks     Locks
	sink      EventSink
	sizer     Sizer
	processor *batch.Processor
	monitor   *perf.Monitor
	reaper    JobReaper
	sweeper   ConsentSweeper
	jobs      Jobs
	metrics   *observability.PipelineMetrics
	logger    *slog.Logger
	now       func() time.Time

	lockName    string
	owner       string
	staleAfter  time.Duration
	maxAccounts int
	schedule    string
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithSchedule sets the cron expression of the run.
func WithSchedule(expr string) Option {
	return func(o *Orchestrator) {
		if expr != "" {
			o.schedule = expr
		}
	}
}

// WithStaleAfter sets how old a sync must be before an account is due.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// WithMaxAccounts caps one run's account volume.
func WithMaxAccounts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAccounts = n
		}
	}
}

// WithLockName names the run lock, letting a second orchestrator instance
// run a disjoint schedule.
func WithLockName(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.lockName = name
		}
	}
}

// WithHousekeeping wires the per-run queue reap and consent expiry sweep.
func WithHousekeeping(reaper JobReaper, sweeper ConsentSweeper) Option {
	return func(o *Orchestrator) {
		o.reaper = reaper
		o.sweeper = sweeper
	}
}

// WithJobs wires the on-demand job queue drained ahead of the staleness
// sweep.
func WithJobs(jobs Jobs) Option {
	return func(o *Orchestrator) {
		o.jobs = jobs
	}
}

// New wires the orchestrator.
func New(accounts AccountStore, gateway Gateway, locks Locks, sink EventSink, sizer Sizer, processor *batch.Processor, monitor *perf.Monitor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		accounts:    accounts,
		gateway:     gateway,
		locks:       locks,
		sink:        sink,
		sizer:       sizer,
		processor:   processor,
		monitor:     monitor,
		metrics:     observability.Pipeline(),
		logger:      slog.Default(),
		now:         time.Now,
		lockName:    defaultLockName,
		owner:       uuid.NewString(),
		staleAfter:  defaultStaleAfter,
		maxAccounts: defaultMaxAccounts,
		schedule:    defaultSchedule,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start registers the cron schedule and returns the runner. The caller owns
// the cron lifecycle.
func (o *Orchestrator) Start(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(o.schedule, func() {
		if _, err := o.RunOnce(ctx); err != nil {
			o.logger.Error("sync run failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: schedule %q: %w", o.schedule, err)
	}
	c.Start()
	return c, nil
}

// RunOnce executes one full synchronization run. A run already held by
// another instance is skipped without error.
func (o *Orchestrator) RunOnce(ctx context.Context) (Summary, error) {
	start := o.now()
	summary := Summary{ExecutionID: uuid.NewString()}
	logger := o.logger.With("executionId", summary.ExecutionID, "lock", o.lockName)

	if err := o.locks.Acquire(ctx, o.lockName, o.owner); err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			logger.Info("run lock held elsewhere, skipping")
			return summary, nil
		}
		return summary, fmt.Errorf("orchestrator: acquire lock: %w", err)
	}
	defer func() {
		if err := o.locks.Release(context.WithoutCancel(ctx), o.lockName, o.owner); err != nil {
			logger.Warn("release run lock", "error", err)
		}
	}()

	o.housekeep(ctx, logger)
	o.drainJobs(ctx, &summary, logger)

	staleBefore := o.now().Add(-o.staleAfter)
	for summary.Processed < o.maxAccounts {
		if ctx.Err() != nil {
			logger.Info("run cancelled", "processed", summary.Processed)
			break
		}
		size := o.sizer.BatchSize()
		if remaining := o.maxAccounts - summary.Processed; size > remaining {
			size = remaining
		}
		page, err := o.accounts.FindForUpdate(ctx, staleBefore, size)
		if err != nil {
			return summary, fmt.Errorf("orchestrator: page accounts: %w", err)
		}
		if len(page) == 0 {
			break
		}

		result := batch.Process(ctx, o.processor, page, func(ctx context.Context, a *account.Account) error {
			return o.syncAccount(ctx, a, summary.ExecutionID)
		})
		bs := summary.absorb(len(page), result)
		o.metrics.ObserveBatchDuration(result.ProcessingTime)
		logger.Info("batch complete",
			"size", bs.Size,
			"succeeded", bs.Succeeded,
			"failed", bs.Failed+bs.Cancelled,
			"took", bs.Duration.String())

		if err := o.locks.Heartbeat(ctx, o.lockName, o.owner); err != nil {
			return summary, fmt.Errorf("orchestrator: heartbeat: %w", err)
		}
		// Every item failing means the page will be reselected verbatim;
		// stop instead of spinning on a broken transmitter.
		if result.Successes == 0 {
			break
		}
	}

	summary.Duration = o.now().Sub(start)
	o.publishRunCompleted(ctx, summary)
	logger.Info("run complete",
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"took", summary.Duration.String())
	return summary, nil
}

// drainJobs syncs the accounts of freshly enqueued consents so a new
// authorization is not left waiting for the next staleness sweep.
func (o *Orchestrator) drainJobs(ctx context.Context, summary *Summary, logger *slog.Logger) {
	if o.jobs == nil {
		return
	}
	reserved, err := o.jobs.ReserveBatch(ctx, o.sizer.BatchSize())
	if err != nil {
		logger.Warn("reserve jobs failed", "error", err)
		return
	}
	for _, job := range reserved {
		accounts, err := o.accounts.FindByConsent(ctx, job.ConsentID)
		if err != nil {
			o.failJob(ctx, job.ID, err, logger)
			continue
		}
		if len(accounts) == 0 {
			// Nothing discovered under the consent yet; the job stays done.
			o.completeJob(ctx, job.ID, logger)
			continue
		}
		result := batch.Process(ctx, o.processor, accounts, func(ctx context.Context, a *account.Account) error {
			return o.syncAccount(ctx, a, summary.ExecutionID)
		})
		summary.absorb(len(accounts), result)
		if len(result.Failures) > 0 {
			o.failJob(ctx, job.ID, fmt.Errorf("orchestrator: %d of %d accounts failed", len(result.Failures), len(accounts)), logger)
			continue
		}
		o.completeJob(ctx, job.ID, logger)
	}
	if len(reserved) > 0 {
		logger.Info("job queue drained", "jobs", len(reserved))
	}
}

func (o *Orchestrator) completeJob(ctx context.Context, id string, logger *slog.Logger) {
	if err := o.jobs.Complete(ctx, id); err != nil {
		logger.Warn("complete job", "job", id, "error", err)
	}
}

func (o *Orchestrator) failJob(ctx context.Context, id string, cause error, logger *slog.Logger) {
	if err := o.jobs.Fail(ctx, id, cause); err != nil {
		logger.Warn("fail job", "job", id, "error", err)
	}
}

func (o *Orchestrator) housekeep(ctx context.Context, logger *slog.Logger) {
	if o.reaper != nil {
		requeued, buried, err := o.reaper.ReapAbandoned(ctx)
		if err != nil {
			logger.Warn("queue reap failed", "error", err)
		} else if requeued > 0 || buried > 0 {
			logger.Info("queue reaped", "requeued", requeued, "deadLettered", buried)
		}
	}
	if o.sweeper != nil {
		expired, err := o.sweeper.ExpireSweep(ctx, o.maxAccounts)
		if err != nil {
			logger.Warn("consent expiry sweep failed", "error", err)
		} else if expired > 0 {
			logger.Info("consents expired", "count", expired)
		}
	}
}

// syncAccount refreshes one account: details, balance, and best-effort
// overdraft limits are fetched in one scope, merged, persisted, and the
// recent transaction window ingested.
func (o *Orchestrator) syncAccount(ctx context.Context, a *account.Account, executionID string) error {
	o.monitor.Begin(opAccountSync)
	start := o.now()
	err := o.syncAccountOnce(ctx, a, executionID)
	latency := o.now().Sub(start)
	switch {
	case err == nil:
		o.monitor.End(opAccountSync, perf.OutcomeSuccess, latency)
		o.metrics.RecordAccountSync("success")
	case transmitter.IsCircuitOpen(err), errors.Is(err, transmitter.ErrRateLimited):
		o.monitor.End(opAccountSync, perf.OutcomeRetryable, latency)
		o.metrics.RecordAccountSync("retryable")
	default:
		o.monitor.End(opAccountSync, perf.OutcomeFailure, latency)
		o.metrics.RecordAccountSync("failure")
	}
	return err
}

func (o *Orchestrator) syncAccountOnce(ctx context.Context, a *account.Account, executionID string) error {
	var (
		details transmitter.AccountDetails
		payload transmitter.BalancePayload
		limits  *transmitter.OverdraftLimits
	)
	scope := batch.NewScope(ctx)
	scope.Go(func(ctx context.Context) error {
		var err error
		details, err = o.gateway.FetchAccountDetails(ctx, a.OrganizationID, a.ConsentID, a.AccountID)
		return err
	})
	scope.Go(func(ctx context.Context) error {
		var err error
		payload, err = o.gateway.FetchBalances(ctx, a.OrganizationID, a.ConsentID, a.AccountID)
		return err
	})
	scope.Go(func(ctx context.Context) error {
		var err error
		limits, err = o.gateway.FetchOverdraftLimits(ctx, a.OrganizationID, a.ConsentID, a.AccountID)
		if err != nil {
			// Best effort: the limits block is optional.
			o.logger.Debug("overdraft limits unavailable", "account", a.AccountID, "error", err)
			limits = nil
		}
		return nil
	})
	if err := scope.Wait(); err != nil {
		return fmt.Errorf("orchestrator: fetch account %s: %w", a.AccountID, err)
	}

	balance, err := account.NormalizeBalance(account.Balance{
		AvailableAmount:    payload.AvailableAmount,
		BlockedAmount:      payload.BlockedAmount,
		AutoInvestedAmount: payload.AutomaticallyInvestedAmount,
		Currency:           payload.Currency,
		UpdatedAt:          payload.UpdateDateTime,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: balance for %s: %w", a.AccountID, err)
	}

	merge(a, details, balance, limits)
	if err := o.accounts.Save(ctx, a); err != nil {
		return err
	}
	if err := o.accounts.AppendBalance(ctx, a.AccountID, balance); err != nil {
		return err
	}
	if err := o.ingestTransactions(ctx, a); err != nil {
		return err
	}

	now := o.now().UTC()
	if err := o.accounts.MarkSynced(ctx, a.AccountID, now); err != nil {
		return err
	}
	env, err := events.NewEnvelope("AccountUpdated", a.AccountID, executionID, now, accountUpdatedPayload(a))
	if err != nil {
		return err
	}
	return o.sink.Publish(ctx, events.TopicAccountUpdates, env)
}

func (o *Orchestrator) ingestTransactions(ctx context.Context, a *account.Account) error {
	to := o.now().UTC()
	from := to.Add(-transactionWindow)
	payloads, err := o.gateway.FetchTransactions(ctx, a.OrganizationID, a.ConsentID, a.AccountID, from, to)
	if err != nil {
		return fmt.Errorf("orchestrator: transactions for %s: %w", a.AccountID, err)
	}
	if len(payloads) == 0 {
		return nil
	}
	txs := make([]account.Transaction, 0, len(payloads))
	for _, p := range payloads {
		tx, err := account.NormalizeTransaction(account.Transaction{
			ExternalTransactionID: p.TransactionID,
			AccountID:             a.AccountID,
			Type:                  p.Type,
			CreditDebit:           p.CreditDebitType,
			Amount:                p.Amount,
			Currency:              p.Currency,
			BookedAt:              p.BookingDate,
		})
		if err != nil {
			o.logger.Warn("skipping malformed transaction",
				"account", a.AccountID, "transaction", p.TransactionID, "error", err)
			continue
		}
		txs = append(txs, tx)
	}
	_, err = o.accounts.InsertTransactions(ctx, txs)
	return err
}

// merge folds the fetched payloads into the stored account.
func merge(a *account.Account, details transmitter.AccountDetails, balance account.Balance, limits *transmitter.OverdraftLimits) {
	if details.Type != "" {
		a.Type = details.Type
	}
	if details.Subtype != "" {
		a.Subtype = details.Subtype
	}
	if details.CompeCode != "" {
		a.Identification = account.Identification{
			CompeCode:  details.CompeCode,
			BranchCode: details.BranchCode,
			Number:     details.Number,
			CheckDigit: details.CheckDigit,
		}
	}
	a.Balance = &balance
	if limits != nil {
		a.OverdraftLimit = &account.OverdraftLimit{
			ContractedAmount: limits.ContractedAmount,
			UsedAmount:       limits.UsedAmount,
			Currency:         limits.Currency,
		}
	}
	if a.Status == account.StatusDiscovered {
		a.Status = account.StatusActive
	}
}

func accountUpdatedPayload(a *account.Account) map[string]any {
	payload := map[string]any{
		"accountId": a.AccountID,
		"clientId":  a.ClientID,
		"status":    string(a.Status),
	}
	if a.Balance != nil {
		payload["availableAmount"] = a.Balance.AvailableAmount
		payload["currency"] = a.Balance.Currency
	}
	return payload
}

func (o *Orchestrator) publishRunCompleted(ctx context.Context, summary Summary) {
	env, err := events.NewEnvelope("BatchSyncCompleted", summary.ExecutionID, summary.ExecutionID, o.now(), map[string]any{
		"executionId": summary.ExecutionID,
		"processed":   summary.Processed,
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"cancelled":   summary.Cancelled,
		"batches":     len(summary.Batches),
		"durationMs":  summary.Duration.Milliseconds(),
	})
	if err != nil {
		o.logger.Error("run summary envelope", "error", err)
		return
	}
	if err := o.sink.Publish(context.WithoutCancel(ctx), events.TopicAccountUpdates, env); err != nil {
		o.logger.Error("publish run summary", "error", err)
	}
}
