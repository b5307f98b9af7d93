// The sweeper binary runs the saga-repair jobs standalone, for deployments
// that schedule them outside the API process (cron / Cloud Scheduler). Pass
// -once for a single pass.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hustlex/backend/internal/config"
	"github.com/hustlex/backend/internal/database"
	"github.com/hustlex/backend/internal/dlq"
	"github.com/hustlex/backend/internal/infra"
	"github.com/hustlex/backend/internal/killswitch"
	"github.com/hustlex/backend/internal/lease"
	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/mirror"
	"github.com/hustlex/backend/internal/money"
	"github.com/hustlex/backend/internal/policy"
	"github.com/hustlex/backend/internal/processor"
	"github.com/hustlex/backend/internal/proof"
	"github.com/hustlex/backend/internal/sweeper"
	"github.com/hustlex/backend/internal/temporal"
	"github.com/hustlex/backend/internal/webhook"
	"github.com/hustlex/backend/internal/xp"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config yaml")
	once := flag.Bool("once", false, "run one sweep and exit")
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

	var cache infra.Cache
	if redisCache, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Printf("redis unavailable (%v), using in-process cache", err)
		cache = infra.NewMemoryCache()
	} else {
		defer redisCache.Close()
		cache = redisCache
	}

	ledgerStore := ledger.NewPgStore(db)
	mirrorStore := mirror.NewPgStore(db)
	scoreStore := policy.NewPgStore(db)
	proc := processor.NewFake()

	// Recovery drives commits through the same engine the API uses.
	engine := money.NewEngine(money.EngineParams{
		Runner:           money.NewPgRunner(db),
		Mirror:           mirrorStore,
		Processor:        proc,
		Leases:           lease.NewManager(cache, cfg.LeaseTTL()),
		Guard:            temporal.NewGuard(5 * time.Second),
		KillSwitch:       killswitch.New(cache, nil),
		Policy:           policy.NewGate(scoreStore),
		XP:               xp.NewPgLedger(db),
		Proofs:           proof.NewEngine(proof.NewPgStore(db), scoreStore, cfg.Proof.MaxRequestsPerTask),
		DLQ:              dlq.NewPgStore(db),
		ProcessorTimeout: cfg.ProcessorTimeout(),
		ReleaseXP:        int64(cfg.Money.ReleaseXP),
	})

	sw := sweeper.New(sweeper.Params{
		Ledger:     ledgerStore,
		Mirror:     mirrorStore,
		Engine:     engine,
		Processor:  proc,
		Webhooks:   webhook.NewPgStore(db),
		PendingAge: time.Duration(cfg.Sweepers.PendingThresholdMin) * time.Minute,
		Interval:   time.Duration(cfg.Sweepers.IntervalMinutes) * time.Minute,
	})

	if *once {
		sw.Sweep(ctx)
		return
	}
	sw.Run(ctx)
}
