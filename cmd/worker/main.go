// Command worker starts a celerity worker process: it consumes task queues,
// runs the delayed and outbox dispatchers, and serves prometheus metrics.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	memorybroker "github.com/fairyhunter13/celerity/internal/adapter/broker/memory"
	"github.com/fairyhunter13/celerity/internal/adapter/broker/redpanda"
	memoryrepo "github.com/fairyhunter13/celerity/internal/adapter/repo/memory"
	"github.com/fairyhunter13/celerity/internal/adapter/repo/postgres"
	redisrepo "github.com/fairyhunter13/celerity/internal/adapter/repo/redis"
	"github.com/fairyhunter13/celerity/internal/breaker"
	"github.com/fairyhunter13/celerity/internal/client"
	"github.com/fairyhunter13/celerity/internal/codec"
	"github.com/fairyhunter13/celerity/internal/config"
	"github.com/fairyhunter13/celerity/internal/dispatcher"
	"github.com/fairyhunter13/celerity/internal/domain"
	"github.com/fairyhunter13/celerity/internal/executor"
	"github.com/fairyhunter13/celerity/internal/filter"
	"github.com/fairyhunter13/celerity/internal/metrics"
	"github.com/fairyhunter13/celerity/internal/observability"
	"github.com/fairyhunter13/celerity/internal/registry"
	"github.com/fairyhunter13/celerity/internal/revocation"
	"github.com/fairyhunter13/celerity/internal/saga"
	"github.com/fairyhunter13/celerity/internal/service/ratelimiter"
	"github.com/fairyhunter13/celerity/internal/signalbus"
	"github.com/fairyhunter13/celerity/internal/tracker"
	"github.com/fairyhunter13/celerity/internal/worker"
)

// stores bundles the persistence ports selected by STORE_BACKEND.
type stores struct {
	backend     domain.ResultBackend
	delayed     domain.DelayedStore
	outbox      domain.OutboxStore
	inbox       domain.InboxStore
	sagas       domain.SagaStore
	dlq         domain.DeadLetterStore
	locks       domain.PartitionLockStore
	tracker     domain.ExecutionTracker
	revocations domain.RevocationStore
	history     domain.HistoricalMetricsStore
}

func memoryStores(ps *stores) {
	ps.backend = memoryrepo.NewResultBackend(nil, 0)
	ps.delayed = memoryrepo.NewDelayedStore(nil)
	ps.outbox = memoryrepo.NewOutboxStore(nil)
	ps.inbox = memoryrepo.NewInboxStore(nil)
	ps.sagas = memoryrepo.NewSagaStore(nil)
	ps.dlq = memoryrepo.NewDeadLetterStore(nil)
	ps.locks = memoryrepo.NewPartitionLockStore(nil)
	ps.tracker = tracker.NewMemoryTracker(nil)
	ps.revocations = memoryrepo.NewRevocationStore(nil)
	ps.history = memoryrepo.NewHistoryStore(nil)
}

func buildStores(ctx context.Context, cfg config.Config, rdb *goredis.Client) (stores, error) {
	var ps stores
	switch strings.ToLower(cfg.StoreBackend) {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return ps, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return ps, err
		}
		ps.backend = postgres.NewResultBackend(pool, nil, cfg.ResultPollInterval)
		ps.delayed = postgres.NewDelayedStore(pool)
		ps.outbox = postgres.NewOutboxStore(pool, nil)
		ps.inbox = postgres.NewInboxStore(pool, nil)
		ps.sagas = postgres.NewSagaStore(pool, nil)
		ps.dlq = postgres.NewDeadLetterStore(pool, nil)
		ps.locks = postgres.NewPartitionLockStore(pool, nil)
		ps.tracker = postgres.NewTrackerStore(pool, nil)
		ps.history = postgres.NewHistoryStore(pool, nil)
		if rdb != nil {
			ps.revocations = redisrepo.NewRevocationStore(rdb, nil)
		} else {
			slog.Warn("redis unavailable, revocations stay process-local")
			ps.revocations = memoryrepo.NewRevocationStore(nil)
		}
	case "redis":
		memoryStores(&ps)
		if rdb == nil {
			return ps, errors.New("op=main.buildStores: STORE_BACKEND=redis but redis is unreachable")
		}
		ps.backend = redisrepo.NewResultBackend(rdb, nil)
		ps.revocations = redisrepo.NewRevocationStore(rdb, nil)
	default:
		memoryStores(&ps)
	}
	return ps, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	obs := observability.Init()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is used by the redis store backend and the shared rate limiter.
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		c := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := c.Ping(ctx).Err(); err != nil {
			slog.Warn("redis ping failed", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
			_ = c.Close()
		} else {
			rdb = c
		}
	}

	ps, err := buildStores(ctx, cfg, rdb)
	if err != nil {
		slog.Error("store setup failed", slog.String("backend", cfg.StoreBackend), slog.Any("error", err))
		os.Exit(1)
	}

	var brk domain.Broker
	switch strings.ToLower(cfg.BrokerBackend) {
	case "redpanda", "kafka":
		b, err := redpanda.New(ctx, redpanda.Config{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     cfg.KafkaGroupID,
			TopicPrefix: "celerity.",
		}, nil)
		if err != nil {
			slog.Error("broker connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer b.Close()
		brk = b
	default:
		b := memorybroker.New(nil)
		defer b.Close()
		brk = b
	}

	var limiter domain.RateLimiter
	if rdb != nil {
		limiter = ratelimiter.NewRedisLimiter(rdb)
	} else {
		limiter = ratelimiter.NewMemoryLimiter(nil)
	}

	bus := signalbus.New(cfg.SignalWorkers, cfg.SignalBatchSize*8)
	bus.Start(ctx)

	revocations := revocation.NewManager(ps.revocations)
	if err := revocations.Start(ctx); err != nil {
		slog.Error("revocation manager start failed", slog.Any("error", err))
		os.Exit(1)
	}

	killSwitch := breaker.NewKillSwitch(breaker.KillSwitchConfig{
		TrackingWindow:      cfg.KillSwitchWindow,
		ActivationThreshold: cfg.KillSwitchSamples,
		TripThreshold:       cfg.KillSwitchTripRate,
	})
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		FailureWindow:    cfg.BreakerFailureWindow,
		OpenDuration:     cfg.BreakerOpenDuration,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
	})

	counters := metrics.New(metrics.Config{
		History:       ps.history,
		Obs:           obs,
		Retention:     cfg.MetricsRetention,
		FlushInterval: cfg.MetricsFlushInterval,
	})
	go counters.Run(ctx)

	jsonCodec := codec.NewJSON()
	reg := registry.New(jsonCodec)

	cl := client.New(client.Config{
		Broker:       brk,
		Delayed:      ps.delayed,
		Outbox:       ps.outbox,
		Backend:      ps.backend,
		Bus:          bus,
		Codec:        jsonCodec,
		DefaultQueue: cfg.Queues[0],
		ResultExpiry: cfg.ResultExpiry,
	})

	sagas := saga.New(saga.Config{
		Store:                   ps.sagas,
		Client:                  cl,
		Bus:                     bus,
		AutoCompensateOnFailure: cfg.SagaAutoCompensate,
		MaxCompensationTries:    cfg.SagaMaxCompensationTries,
	})

	registry.Register(reg, client.ChordUnlockTask,
		client.ChordUnlockHandler(cl, ps.backend, cfg.ResultPollInterval),
		registry.Options{MaxRetries: 100})

	pipeline := filter.NewPipeline(
		&filter.PartitionLockFilter{
			Locks:        ps.locks,
			TTL:          cfg.PartitionLockTTL,
			RequeueDelay: 5 * time.Second,
		},
		&filter.SingleFlightFilter{
			Tracker: ps.tracker,
			Enabled: func(taskName string) (time.Duration, bool) {
				desc, err := reg.Get(taskName)
				if err != nil || !desc.Options.SingleFlight {
					return 0, false
				}
				ttl := desc.Options.SingleFlightTTL
				if ttl <= 0 {
					ttl = cfg.SingleFlightTTL
				}
				return ttl, true
			},
			RequeueDelay: 5 * time.Second,
		},
	)

	hostname, _ := os.Hostname()
	exec := executor.New(executor.Config{
		Registry:    reg,
		Broker:      brk,
		Backend:     ps.backend,
		Delayed:     ps.delayed,
		Inbox:       ps.inbox,
		DLQ:         ps.dlq,
		Revocations: revocations,
		Limiter:     limiter,
		Pipeline:    pipeline,
		Sagas:       sagas,
		Links:       cl,
		Bus:         bus,
		Counters:    counters,
		Breakers:    breakers,
		KillSwitch:  killSwitch,
		RetryPolicy: domain.RetryPolicy{
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   cfg.RetryMultiplier,
			Jitter:       cfg.RetryJitter,
		},
		WorkerID:         hostname,
		ResultExpiry:     cfg.ResultExpiry,
		DLQRetention:     cfg.DLQRetention,
		HideErrorDetails: cfg.HideErrorDetails,
		StoreRetries:     cfg.StoreRetryMaxAttempts,
	})

	delayed := &dispatcher.Delayed{
		Store:         ps.delayed,
		Broker:        brk,
		Obs:           obs,
		MinSleep:      cfg.DispatcherMinSleep,
		MaxSleep:      cfg.DispatcherMaxSleep,
		RetryInterval: cfg.DispatcherRetryInterval,
	}
	go delayed.Run(ctx)

	relay := &dispatcher.OutboxRelay{
		Outbox:          ps.outbox,
		Broker:          brk,
		Obs:             obs,
		BatchSize:       cfg.OutboxBatchSize,
		PollInterval:    cfg.OutboxPollInterval,
		Retention:       cfg.OutboxRetention,
		CleanupInterval: cfg.OutboxCleanupInterval,
	}
	go relay.Run(ctx)

	go tracker.RunSweeper(ctx, ps.tracker, cfg.TrackerSweep)
	go runDLQCleanup(ctx, ps.dlq, obs, cfg.DLQCleanupInterval)

	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: promhttp.Handler()}
	go func() {
		slog.Info("metrics listener started", slog.String("addr", cfg.MetricsListenAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", slog.Any("error", err))
		}
	}()

	w := worker.New(worker.Config{
		Broker:                   brk,
		Executor:                 exec,
		Counters:                 counters,
		KillSwitch:               killSwitch,
		WorkerID:                 hostname,
		Queues:                   cfg.Queues,
		Concurrency:              cfg.EffectiveConcurrency(),
		Prefetch:                 cfg.Prefetch,
		ShutdownTimeout:          cfg.ShutdownTimeout,
		ShutdownProgressInterval: cfg.ShutdownProgressInterval,
		NackOnForcedShutdown:     cfg.NackOnForcedShutdown,
	})
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker loop failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}

// runDLQCleanup prunes expired dead letters and refreshes the depth gauge.
func runDLQCleanup(ctx context.Context, dlq domain.DeadLetterStore, obs *observability.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := dlq.CleanupExpired(ctx); err != nil {
				slog.Warn("dlq cleanup failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Info("dlq cleanup removed expired entries", slog.Int("count", n))
			}
			if depth, err := dlq.GetCount(ctx); err == nil && obs != nil {
				obs.DLQDepth.Set(float64(depth))
			}
		}
	}
}
