package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tsromanox/openfinance-receptor/batch"
	"github.com/tsromanox/openfinance-receptor/cache"
	"github.com/tsromanox/openfinance-receptor/config"
	"github.com/tsromanox/openfinance-receptor/consent"
	"github.com/tsromanox/openfinance-receptor/events"
	"github.com/tsromanox/openfinance-receptor/idempotency"
	"github.com/tsromanox/openfinance-receptor/observability/logging"
	telemetry "github.com/tsromanox/openfinance-receptor/observability/otel"
	"github.com/tsromanox/openfinance-receptor/orchestrator"
	"github.com/tsromanox/openfinance-receptor/perf"
	"github.com/tsromanox/openfinance-receptor/queue"
	"github.com/tsromanox/openfinance-receptor/resource"
	"github.com/tsromanox/openfinance-receptor/server"
	"github.com/tsromanox/openfinance-receptor/storage"
	"github.com/tsromanox/openfinance-receptor/transmitter"
)

const lockStaleAfter = 30 * time.Minute

func main() {
	configFile := flag.String("config", "", "Path to the configuration file")
	runNow := flag.Bool("run-now", false, "Execute one synchronization run at startup")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := logging.Setup("receptord", cfg.Environment)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	otlpInsecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			otlpInsecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "receptord",
		Environment: cfg.Environment,
		Endpoint:    otlpEndpoint,
		Insecure:    otlpInsecure,
		Headers:     otlpHeaders,
	})
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := storage.Migrate(db); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	consentRepo := storage.NewConsentRepository(db)
	accountRepo := storage.NewAccountRepository(db)
	locks := storage.NewRunLocks(db, lockStaleAfter)

	jobs, err := queue.New(db)
	if err != nil {
		logger.Error("initialise queue", "error", err)
		os.Exit(1)
	}

	idem, err := idempotency.New(db)
	if err != nil {
		logger.Error("initialise idempotency store", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	defer redisClient.Close()
	coordinator := cache.NewCoordinator(cache.NewLocal(5*time.Minute), redisClient, cache.WithLogger(logging.Component(logger, "cache")))
	go func() {
		if err := coordinator.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("cache invalidation listener stopped", "error", err)
		}
	}()

	monitor := perf.NewMonitor()

	resourceCfg := resource.DefaultConfig()
	resourceCfg.BatchMax = cfg.Sync.BatchSize
	resourceCfg.BatchInitial = cfg.Sync.BatchSize
	resourceCfg.CPUHighWatermark = cfg.Resource.CPUHighWatermark
	resourceCfg.MemHighWatermark = cfg.Resource.MemHighWatermark
	resourceCfg.AdaptationInterval = cfg.Resource.AdaptationInterval.Duration
	resourceCfg.IntervalMin = cfg.Resource.IntervalMin.Duration
	resourceCfg.IntervalMax = cfg.Resource.IntervalMax.Duration
	if limits, ok := resourceCfg.Classes[resource.ClassSync]; ok {
		limits.Initial = cfg.Sync.Parallelism
		resourceCfg.Classes[resource.ClassSync] = limits
	}
	manager, err := resource.NewManager(resourceCfg, monitor, resource.WithLogger(logging.Component(logger, "resource")))
	if err != nil {
		logger.Error("initialise resource manager", "error", err)
		os.Exit(1)
	}
	go manager.Run(ctx)

	var producer events.Producer
	if len(cfg.Broker.Brokers) > 0 {
		producer, err = events.NewKafkaProducer(cfg.Broker.Brokers, cfg.Broker.ClientID)
		if err != nil {
			logger.Error("initialise kafka producer", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no brokers configured, events stay in the outbox")
		producer = noopProducer{}
	}
	publisher, err := events.NewPublisher(producer, db,
		events.WithLogger(logging.Component(logger, "events")),
		events.WithDeliveryPressure(3, func() { manager.Throttle(resource.ClassAPICall) }),
	)
	if err != nil {
		logger.Error("initialise publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()
	go publisher.Run(ctx)

	processor := batch.NewProcessor(manager, batch.WithPerItemTimeout(cfg.Sync.Timeout.Duration))

	credentials := make(transmitter.StaticCredentials, len(cfg.Credentials))
	for org, grant := range cfg.Credentials {
		credentials[org] = transmitter.Credentials{
			ClientID:     grant.ClientID,
			ClientSecret: grant.ClientSecret,
			TokenURL:     grant.TokenURL,
			Scopes:       grant.Scopes,
		}
	}
	gateway := transmitter.NewClient(
		transmitter.NewStaticDirectory(cfg.Participants),
		transmitter.NewTokenProvider(credentials),
		transmitter.WithLogger(logging.Component(logger, "transmitter")),
		transmitter.WithRateLimit(cfg.RateLimiter.Requests, cfg.RateLimiter.Window.Duration),
		transmitter.WithBulkhead(cfg.RateLimiter.Bulkhead, 10*time.Second),
		transmitter.WithRetry(cfg.Retry.Attempts, cfg.Retry.Base.Duration),
		transmitter.WithBreaker(cfg.Circuit.OpenTimeout.Duration, cfg.Circuit.SlowCall.Duration),
		transmitter.WithGate(apiCallGate{manager: manager}),
	)

	consents := consent.NewService(consentRepo,
		consent.WithLogger(logging.Component(logger, "consent")),
		consent.WithEventSink(&consentSink{publisher: publisher, jobs: jobs, logger: logger}),
		consent.WithInvalidator(&cacheInvalidator{coordinator: coordinator, logger: logger}),
	)

	orch := orchestrator.New(accountRepo, gateway, locks, publisher, manager, processor, monitor,
		orchestrator.WithLogger(logging.Component(logger, "orchestrator")),
		orchestrator.WithSchedule(cfg.Sync.Cron),
		orchestrator.WithStaleAfter(cfg.Sync.StaleAfter.Duration),
		orchestrator.WithMaxAccounts(cfg.Sync.MaxAccounts),
		orchestrator.WithHousekeeping(jobs, consents),
		orchestrator.WithJobs(jobs),
	)
	runner, err := orch.Start(ctx)
	if err != nil {
		logger.Error("start sync schedule", "error", err)
		os.Exit(1)
	}
	defer runner.Stop()
	if *runNow {
		go func() {
			if _, err := orch.RunOnce(ctx); err != nil {
				logger.Error("startup sync run failed", "error", err)
			}
		}()
	}

	api := server.New(consents, idem,
		server.WithLogger(logging.Component(logger, "api")),
		server.WithBaseURL(baseURL(cfg.ListenAddress)),
	)
	apiServer := &http.Server{Addr: cfg.ListenAddress, Handler: api.Router()}

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	adminServer := &http.Server{Addr: cfg.AdminAddress, Handler: adminMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("consent API listening", "addr", cfg.ListenAddress)
		errCh <- apiServer.ListenAndServe()
	}()
	go func() {
		logger.Info("admin endpoint listening", "addr", cfg.AdminAddress)
		errCh <- adminServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin shutdown", "error", err)
	}
	logger.Info("receptord stopped")
}

func baseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}

// consentSink wraps lifecycle events into the broker envelope. A consent
// turning AUTHORISED also enqueues its initial sync job.
type consentSink struct {
	publisher *events.Publisher
	jobs      *queue.Queue
	logger    *slog.Logger
}

func (s *consentSink) PublishConsentEvent(ctx context.Context, evt consent.Event) error {
	env, err := events.NewEnvelope(string(evt.Type), evt.ConsentID, evt.EventID, evt.OccurredAt, map[string]string{
		"consentId": evt.ConsentID,
	})
	if err != nil {
		return err
	}
	if evt.Type == consent.EventConsentAuthorised && s.jobs != nil {
		if _, err := s.jobs.Enqueue(ctx, evt.ConsentID, "", "initialSync"); err != nil {
			s.logger.Warn("enqueue initial sync", "consentId", evt.ConsentID, "error", err)
		}
	}
	return s.publisher.Publish(ctx, events.TopicConsentEvents, env)
}

// cacheInvalidator evicts consent-derived cache entries after a transition.
type cacheInvalidator struct {
	coordinator *cache.Coordinator
	logger      *slog.Logger
}

func (c *cacheInvalidator) ConsentChanged(ctx context.Context, consentID, clientID string) {
	keys := []string{cache.ConsentKey(consentID), cache.ConsentsByClient(clientID)}
	if err := c.coordinator.Invalidate(ctx, keys...); err != nil {
		c.logger.Warn("cache invalidation broadcast failed", "consentId", consentID, "error", err)
	}
}

// apiCallGate issues the resource manager's apiCall permits to the gateway.
type apiCallGate struct {
	manager *resource.Manager
}

func (g apiCallGate) TryAcquire() bool { return g.manager.TryAcquire(resource.ClassAPICall) }

func (g apiCallGate) Release() { g.manager.Release(resource.ClassAPICall) }

// noopProducer keeps every event in the outbox when no broker is configured.
type noopProducer struct{}

func (noopProducer) Produce(context.Context, string, string, []byte) error {
	return errors.New("events: no broker configured")
}

func (noopProducer) Close() {}
