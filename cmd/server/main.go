package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hustlex/backend/internal/api"
	"github.com/hustlex/backend/internal/audit"
	"github.com/hustlex/backend/internal/config"
	"github.com/hustlex/backend/internal/database"
	"github.com/hustlex/backend/internal/dlq"
	"github.com/hustlex/backend/internal/idempotency"
	"github.com/hustlex/backend/internal/infra"
	"github.com/hustlex/backend/internal/killswitch"
	"github.com/hustlex/backend/internal/lease"
	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/messaging"
	"github.com/hustlex/backend/internal/metrics"
	"github.com/hustlex/backend/internal/mirror"
	"github.com/hustlex/backend/internal/money"
	"github.com/hustlex/backend/internal/monitoring"
	"github.com/hustlex/backend/internal/outbox"
	"github.com/hustlex/backend/internal/policy"
	"github.com/hustlex/backend/internal/processor"
	"github.com/hustlex/backend/internal/proof"
	"github.com/hustlex/backend/internal/sweeper"
	"github.com/hustlex/backend/internal/temporal"
	"github.com/hustlex/backend/internal/verification"
	"github.com/hustlex/backend/internal/webhook"
	"github.com/hustlex/backend/internal/worker"
	"github.com/hustlex/backend/internal/xp"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := database.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("schema: %v", err)
	}

	// Cache: Redis when reachable, in-process fallback otherwise. Leases and
	// the kill-switch degrade gracefully on an in-process cache.
	var cache infra.Cache
	if redisCache, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Printf("redis unavailable (%v), using in-process cache", err)
		cache = infra.NewMemoryCache()
	} else {
		defer redisCache.Close()
		cache = redisCache
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(registry)

	auditLog := audit.NewPgLog(db)
	kill := killswitch.New(cache, audit.KillSwitchSink{Log: auditLog})

	ledgerStore := ledger.NewPgStore(db)
	mirrorStore := mirror.NewPgStore(db)
	dlqStore := dlq.NewPgStore(db)
	outboxStore := outbox.NewPgStore(db)
	scoreStore := policy.NewPgStore(db)
	proofEngine := proof.NewEngine(proof.NewPgStore(db), scoreStore, cfg.Proof.MaxRequestsPerTask)

	// The processor client is in-process until live credentials are wired in
	// deployment; every call still flows through the mirror.
	proc := processor.NewFake()

	engine := money.NewEngine(money.EngineParams{
		Runner:           money.NewPgRunner(db),
		Mirror:           mirrorStore,
		Processor:        proc,
		Leases:           lease.NewManager(cache, cfg.LeaseTTL()),
		Guard:            temporal.NewGuard(5 * time.Second),
		KillSwitch:       kill,
		Policy:           policy.NewGate(scoreStore),
		XP:               xp.NewPgLedger(db),
		Proofs:           proofEngine,
		DLQ:              dlqStore,
		Observer:         collector,
		ProcessorTimeout: cfg.ProcessorTimeout(),
		ReleaseXP:        int64(cfg.Money.ReleaseXP),
	})

	// Messaging outboxes + delivery workers.
	emailStore := messaging.NewPgEmailStore(db)
	smsStore := messaging.NewPgSMSStore(db)
	suppression := messaging.NewPgSuppression(db)
	emailPool := worker.NewPool(worker.Params{
		Name:        "email",
		Source:      emailStore,
		Handler:     messaging.NewEmailHandler(emailStore, suppression, messaging.NewFakeEmailProvider()),
		DLQ:         dlqStore,
		Concurrency: cfg.Workers.Concurrency,
		MaxAttempts: cfg.Workers.MaxAttempts,
		BackoffBase: time.Duration(cfg.Workers.BaseDelaySec) * time.Second,
	})
	smsPool := worker.NewPool(worker.Params{
		Name:        "sms",
		Source:      smsStore,
		Handler:     messaging.NewSMSHandler(smsStore, suppression, messaging.NewFakeSMSProvider()),
		DLQ:         dlqStore,
		Concurrency: cfg.Workers.Concurrency,
		MaxAttempts: cfg.Workers.MaxAttempts,
		BackoffBase: time.Duration(cfg.Workers.BaseDelaySec) * time.Second,
	})
	go emailPool.Run(ctx)
	go smsPool.Run(ctx)

	// Domain events: fan out through Pub/Sub when configured, otherwise the
	// rows just mark done (consumers poll the table directly in dev).
	domainHandler := func(ctx context.Context, job worker.Job) error { return nil }
	if cfg.Outbox.PubSubProject != "" {
		fanout, err := outbox.NewPubSubFanout(ctx, cfg.Outbox.PubSubProject, cfg.Outbox.PubSubTopic)
		if err != nil {
			log.Fatalf("pubsub: %v", err)
		}
		defer fanout.Close()
		domainHandler = func(ctx context.Context, job worker.Job) error {
			ev := outbox.Event{
				ID:             job.ID,
				EventType:      job.Kind,
				AggregateType:  job.Meta["aggregate_type"],
				AggregateID:    job.Meta["aggregate_id"],
				IdempotencyKey: job.Meta["idempotency_key"],
				Payload:        job.Payload,
			}
			return fanout.Publish(ctx, ev)
		}
	}
	domainPool := worker.NewPool(worker.Params{
		Name:        "domain",
		Source:      worker.NewOutboxSource(outboxStore, "domain"),
		Handler:     domainHandler,
		DLQ:         dlqStore,
		Concurrency: cfg.Workers.Concurrency,
		MaxAttempts: cfg.Workers.MaxAttempts,
	})
	go domainPool.Run(ctx)

	verify := verification.NewService(verification.Params{
		Store:        verification.NewPgStore(db),
		Email:        emailStore,
		SMS:          smsStore,
		Outbox:       outboxStore,
		CodeTTL:      time.Duration(cfg.Verification.CodeTTLMinutes) * time.Minute,
		MaxAttempts:  cfg.Verification.MaxAttempts,
		SendLimit:    cfg.Verification.SendsPerHour,
		SendWindow:   time.Hour,
		IsProduction: cfg.IsProduction(),
	})

	dispatcher := webhook.NewDispatcher(webhook.NewPgStore(db), webhook.NewPgEntitlements(db), cfg.Webhook.SigningSecret)

	monitor := monitoring.New(monitoring.Params{
		Auditor:   ledgerStore,
		DLQ:       dlqStore,
		Outbox:    outboxStore,
		Queues:    []string{"domain"},
		Kill:      kill,
		Collector: collector,
		Limits: monitoring.Thresholds{
			DLQDepth: cfg.Monitoring.DLQDepthAlert,
		},
	})
	go monitor.Run(ctx)

	sw := sweeper.New(sweeper.Params{
		Ledger:     ledgerStore,
		Mirror:     mirrorStore,
		Engine:     engine,
		Processor:  proc,
		Webhooks:   webhook.NewPgStore(db),
		PendingAge: time.Duration(cfg.Sweepers.PendingThresholdMin) * time.Minute,
		Interval:   time.Duration(cfg.Sweepers.IntervalMinutes) * time.Minute,
	})
	go sw.Run(ctx)

	server := api.NewServer(api.Params{
		Engine:      engine,
		Runner:      money.NewPgRunner(db),
		Ledger:      ledgerStore,
		Proofs:      proofEngine,
		Verify:      verify,
		Dispatcher:  dispatcher,
		Kill:        kill,
		Audit:       auditLog,
		Idempotency: idempotency.NewPgStore(db),
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			Registry: registry,
		}),
		IsProduction: cfg.IsProduction(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(":" + cfg.Server.Port) }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	emailPool.Close()
	smsPool.Close()
	domainPool.Close()
	log.Println("server stopped")
}
