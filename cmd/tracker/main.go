package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seasonpass/tracker/internal/actions"
	"github.com/seasonpass/tracker/internal/app"
	"github.com/seasonpass/tracker/internal/chainrpc"
	"github.com/seasonpass/tracker/internal/config"
	"github.com/seasonpass/tracker/internal/deadletter"
	"github.com/seasonpass/tracker/internal/ledger"
	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/queue"
	"github.com/seasonpass/tracker/internal/secrets"
	"github.com/seasonpass/tracker/internal/worker"
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
		catalogFile = flag.String("catalog-file", "", "optional season and level seed file")
		planetsFile = flag.String("planets-file", e.PlanetsFile, "planet registry yaml")

		passTypes    = flag.String("pass-types", "CouragePass,AdventureBossPass,WorldClearPass", "comma-separated pass types to track")
		actionsTopic = flag.String("actions-topic", "seasonpass.actions.v1", "action batch input topic")

		queueDriver   = flag.String("queue-driver", e.QueueDriver, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", strings.Join(e.QueueBrokers, ","), "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "seasonpass-tracker", "consumer group prefix; the pass type is appended")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "max kafka message size to consume")

		deadDriver = flag.String("dead-letter-driver", app.DeadLetterQueue, "dead letter driver: queue|s3|memory")
		deadTopic  = flag.String("dead-letter-topic", e.DeadTopic, "dead letter topic")

		maxAttempts   = flag.Uint("max-attempts", 3, "attempts per batch before dead lettering")
		handleTimeout = flag.Duration("handle-timeout", 30*time.Second, "per attempt timeout")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "queue message ack timeout")
	)
	flag.Parse()

	log, err := config.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	pts, err := parsePassTypes(*passTypes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --pass-types: %v\n", err)
		os.Exit(2)
	}
	if *maxAttempts == 0 || *handleTimeout <= 0 || *ackTimeout <= 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-attempts, --handle-timeout, --queue-ack-timeout and --queue-max-bytes must be > 0")
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

	stores, err := app.OpenStores(ctx, app.StoreConfig{Driver: *storeDriver, PostgresDSN: *postgresDSN, CatalogFile: *catalogFile}, log)
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

	dead, err := app.NewDeadLetterSink(ctx, app.DeadLetterConfig{
		Driver: *deadDriver,
		Topic:  *deadTopic,
		Bucket: e.DeadLetterBucket,
		Prefix: e.DeadLetterPrefix,
	}, producer)
	if err != nil {
		log.Error("init dead letter sink", "err", err)
		os.Exit(2)
	}

	resolver, err := actions.NewResolver(actions.DefaultResolverConfig(), chain, log)
	if err != nil {
		log.Error("init coefficient resolver", "err", err)
		os.Exit(2)
	}

	kafkaOpts := e.Kafka()
	kafkaOpts.MaxBytes = *queueMaxBytes

	g, gctx := errgroup.WithContext(ctx)
	for _, pt := range pts {
		w, closeFn, err := newPassWorker(gctx, pt, passWorkerConfig{
			topic:         *actionsTopic,
			queueDriver:   *queueDriver,
			brokers:       queue.SplitCommaList(*queueBrokers),
			group:         *queueGroup + "-" + strings.ToLower(string(pt)),
			kafka:         kafkaOpts,
			maxAttempts:   *maxAttempts,
			handleTimeout: *handleTimeout,
			ackTimeout:    *ackTimeout,
		}, stores, resolver, chain, dead, log)
		if err != nil {
			log.Error("init pass worker", "passType", pt, "err", err)
			os.Exit(2)
		}
		defer closeFn()
		g.Go(func() error { return w.Run(gctx) })
	}

	log.Info("tracker started",
		"passTypes", *passTypes,
		"actionsTopic", *actionsTopic,
		"planets", strings.Join(planets.IDs(), ","),
		"storeDriver", *storeDriver,
		"deadLetterDriver", *deadDriver,
		"maxAttempts", *maxAttempts,
	)

	if err := g.Wait(); err != nil {
		log.Error("tracker exited with error", "err", err)
		os.Exit(1)
	}
}

type passWorkerConfig struct {
	topic         string
	queueDriver   string
	brokers       []string
	group         string
	kafka         queue.KafkaOptions
	maxAttempts   uint
	handleTimeout time.Duration
	ackTimeout    time.Duration
}

func newPassWorker(ctx context.Context, pt pass.PassType, cfg passWorkerConfig, stores *app.Stores, resolver *actions.Resolver, chain *chainrpc.Client, dead deadletter.Sink, log *slog.Logger) (*worker.Worker, func(), error) {
	applier, err := ledger.NewApplier(ledger.ApplierConfig{PassType: pt}, stores.Ledger, stores.Catalog, resolver, chain, log)
	if err != nil {
		return nil, nil, err
	}
	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  cfg.queueDriver,
		Brokers: cfg.brokers,
		Group:   cfg.group,
		Topics:  []string{cfg.topic},
		Kafka:   cfg.kafka,
	})
	if err != nil {
		return nil, nil, err
	}
	w, err := worker.New(worker.Config{
		Name:          "tracker-" + string(pt),
		MaxAttempts:   cfg.maxAttempts,
		HandleTimeout: cfg.handleTimeout,
		AckTimeout:    cfg.ackTimeout,
	}, consumer, applyHandler(applier), dead, log)
	if err != nil {
		_ = consumer.Close()
		return nil, nil, err
	}
	return w, func() { _ = consumer.Close() }, nil
}

// applyHandler rejects undecodable batches permanently so they go straight to the dead
// letter sink.
func applyHandler(a *ledger.Applier) worker.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		b, err := actions.DecodeBatch(msg.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", pass.ErrInvalidState, err)
		}
		_, err = a.ApplyBlock(ctx, b)
		return err
	}
}

func parsePassTypes(raw string) ([]pass.PassType, error) {
	var out []pass.PassType
	seen := make(map[pass.PassType]bool)
	for _, s := range queue.SplitCommaList(raw) {
		pt, err := pass.ParsePassType(s)
		if err != nil {
			return nil, err
		}
		if !seen[pt] {
			seen[pt] = true
			out = append(out, pt)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no pass types")
	}
	return out, nil
}
