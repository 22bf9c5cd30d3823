package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/seasonpass/tracker/internal/app"
	"github.com/seasonpass/tracker/internal/claim"
	"github.com/seasonpass/tracker/internal/config"
	"github.com/seasonpass/tracker/internal/leader"
	"github.com/seasonpass/tracker/internal/ledger"
	"github.com/seasonpass/tracker/internal/nonce"
	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/queue"
	"github.com/seasonpass/tracker/internal/secrets"
)

func main() {
	e, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	var (
		logLevel    = flag.String("log-level", e.LogLevel, "log level: debug|info|warn|error")
		storeDriver = flag.String("store-driver", e.StoreDriver, "store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", e.PostgresDSN, "Postgres DSN (required for postgres)")
		planetsFile = flag.String("planets-file", e.PlanetsFile, "planet registry yaml")
		owner       = flag.String("owner", leader.DefaultOwner(), "unique sweeper instance id")

		kmsKeyID  = flag.String("signer-kms-key-id", e.SignerKMSKeyID, "AWS KMS key id of the claim signer")
		signerKey = flag.String("signer-key", e.SignerKeyRef, "signer private key reference (secret://, env:// or hex) when no kms key is set")

		queueDriver  = flag.String("queue-driver", e.QueueDriver, "queue driver: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", strings.Join(e.QueueBrokers, ","), "comma-separated queue brokers (required for kafka)")
		rescanTopic  = flag.String("rescan-topic", e.RescanTopic, "topic receiving block rescan requests")

		leaseName = flag.String("lease-name", "claim-sweeper", "leader lease name")
		leaseTTL  = flag.Duration("lease-ttl", 90*time.Second, "leader lease ttl")

		retryEvery = flag.Duration("retry-interval", time.Minute, "interval between stuck claim sweeps")
		trackEvery = flag.Duration("track-interval", 30*time.Second, "interval between transaction status polls")
		gapEvery   = flag.Duration("gap-scan-interval", 5*time.Minute, "interval between block gap scans; 0 disables")
		gapWindow  = flag.Int64("gap-scan-window", 1000, "blocks scanned back from the latest applied block")

		stuckAfter   = flag.Duration("stuck-after", 5*time.Minute, "age after which created or invalid claims are staged again")
		maxAttempts  = flag.Int("max-stage-attempts", 30, "stage attempts before a claim is marked unknown")
		trackWorkers = flag.Int("track-concurrency", 10, "concurrent transaction status lookups")
		callTimeout  = flag.Duration("call-timeout", 2*time.Second, "chain rpc call timeout")
		batchLimit   = flag.Int("batch-limit", 100, "claims loaded per sweep")
	)
	flag.Parse()

	log, err := config.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *owner == "" {
		fmt.Fprintln(os.Stderr, "error: --owner is required")
		os.Exit(2)
	}
	if *leaseTTL <= 0 || *retryEvery <= 0 || *trackEvery <= 0 || *gapEvery < 0 || *stuckAfter <= 0 || *callTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: interval and timeout values must be > 0")
		os.Exit(2)
	}
	if *maxAttempts <= 0 || *trackWorkers <= 0 || *batchLimit <= 0 || *gapWindow <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-stage-attempts, --track-concurrency, --batch-limit and --gap-scan-window must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	planets, err := config.LoadPlanets(*planetsFile)
	if err != nil {
		log.Error("load planets", "err", err)
		os.Exit(2)
	}
	res := &secrets.Resolver{}
	chain, err := app.NewChainClient(ctx, e, planets, res)
	if err != nil {
		log.Error("init chain client", "err", err)
		os.Exit(2)
	}
	s, err := app.NewSigner(ctx, *kmsKeyID, *signerKey, res)
	if err != nil {
		log.Error("init signer", "err", err)
		os.Exit(2)
	}

	stores, err := app.OpenStores(ctx, app.StoreConfig{Driver: *storeDriver, PostgresDSN: *postgresDSN}, log)
	if err != nil {
		log.Error("open stores", "err", err)
		os.Exit(2)
	}
	defer stores.Close()

	producer, err := queue.NewProducer(queue.ProducerConfig{Driver: *queueDriver, Brokers: queue.SplitCommaList(*queueBrokers), Kafka: e.Kafka()})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	nonces, err := nonce.NewAllocator(chain, stores.Ledger, s.Address(), *callTimeout)
	if err != nil {
		log.Error("init nonce allocator", "err", err)
		os.Exit(2)
	}
	proc, err := claim.NewProcessor(claim.ProcessorConfig{
		Tx:               planets.TxConfigs(),
		StuckAfter:       *stuckAfter,
		MaxStageAttempts: *maxAttempts,
		TrackConcurrency: *trackWorkers,
		CallTimeout:      *callTimeout,
		BatchLimit:       *batchLimit,
	}, stores.Ledger, nonces, s, chain, log)
	if err != nil {
		log.Error("init claim processor", "err", err)
		os.Exit(2)
	}
	gaps, err := ledger.NewGapScanner(ledger.GapScannerConfig{Topic: *rescanTopic}, stores.Ledger, producer, log)
	if err != nil {
		log.Error("init gap scanner", "err", err)
		os.Exit(2)
	}
	elector, err := leader.NewElector(stores.Leases, *leaseName, *owner, *leaseTTL, log)
	if err != nil {
		log.Error("init leader elector", "err", err)
		os.Exit(2)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Error("init scheduler", "err", err)
		os.Exit(2)
	}

	jobs := []sweepJob{
		{name: "lease-heartbeat", every: *leaseTTL / 3, run: func(ctx context.Context) error {
			_, err := elector.Tick(ctx)
			return err
		}},
		{name: "retry-stuck", every: *retryEvery, run: elector.Guard(func(ctx context.Context) error {
			n, err := proc.RetryStuck(ctx)
			if n > 0 {
				log.Info("stuck claims staged", "count", n, "term", elector.Term())
			}
			return err
		})},
		{name: "track-status", every: *trackEvery, run: elector.Guard(func(ctx context.Context) error {
			n, err := proc.TrackStatus(ctx)
			if n > 0 {
				log.Info("claim statuses updated", "count", n, "term", elector.Term())
			}
			return err
		})},
	}
	if *gapEvery > 0 {
		jobs = append(jobs, sweepJob{name: "gap-scan", every: *gapEvery, run: elector.Guard(func(ctx context.Context) error {
			return scanGaps(ctx, gaps, planets.IDs(), *gapWindow)
		})})
	}
	for _, j := range jobs {
		if err := j.schedule(ctx, sched, log); err != nil {
			log.Error("schedule job", "job", j.name, "err", err)
			os.Exit(2)
		}
	}

	log.Info("claim-sweeper started",
		"owner", *owner,
		"lease", *leaseName,
		"leaseTTL", leaseTTL.String(),
		"planets", strings.Join(planets.IDs(), ","),
		"signer", s.Address(),
		"retryInterval", retryEvery.String(),
		"trackInterval", trackEvery.String(),
		"gapScanInterval", gapEvery.String(),
	)
	sched.Start()

	<-ctx.Done()
	log.Info("shutdown", "reason", ctx.Err())
	if err := sched.Shutdown(); err != nil {
		log.Warn("scheduler shutdown", "err", err)
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := elector.Release(releaseCtx); err != nil {
		log.Warn("release lease", "err", err)
	}
}

type sweepJob struct {
	name  string
	every time.Duration
	run   func(context.Context) error
}

// schedule registers the job to run immediately and then every interval, never
// overlapping itself.
func (j sweepJob) schedule(ctx context.Context, sched gocron.Scheduler, log *slog.Logger) error {
	_, err := sched.NewJob(
		gocron.DurationJob(j.every),
		gocron.NewTask(func() {
			if err := j.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("sweep job failed", "job", j.name, "err", err)
			}
		}),
		gocron.WithName(j.name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	return err
}

// scanGaps requests rescans of missing blocks for every planet and pass type.
func scanGaps(ctx context.Context, g *ledger.GapScanner, planetIDs []string, window int64) error {
	var errs []error
	for _, planet := range planetIDs {
		for _, pt := range []pass.PassType{pass.PassCourage, pass.PassAdventureBoss, pass.PassWorldClear} {
			if _, err := g.ScanRecent(ctx, planet, pt, window); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", planet, pt, err))
			}
		}
	}
	return errors.Join(errs...)
}
