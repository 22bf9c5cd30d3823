package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/seasonpass/tracker/internal/app"
	"github.com/seasonpass/tracker/internal/claim"
	"github.com/seasonpass/tracker/internal/config"
	"github.com/seasonpass/tracker/internal/nonce"
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
		planetsFile = flag.String("planets-file", e.PlanetsFile, "planet registry yaml")

		kmsKeyID  = flag.String("signer-kms-key-id", e.SignerKMSKeyID, "AWS KMS key id of the claim signer")
		signerKey = flag.String("signer-key", e.SignerKeyRef, "signer private key reference (secret://, env:// or hex) when no kms key is set")

		claimsTopic   = flag.String("claims-topic", e.ClaimsTopic, "claim message input topic")
		queueDriver   = flag.String("queue-driver", e.QueueDriver, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", strings.Join(e.QueueBrokers, ","), "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "seasonpass-claimer", "queue consumer group")
		queueMaxBytes = flag.Int("queue-max-bytes", 1<<20, "max kafka message size to consume")

		deadDriver = flag.String("dead-letter-driver", app.DeadLetterQueue, "dead letter driver: queue|s3|memory")
		deadTopic  = flag.String("dead-letter-topic", e.DeadTopic, "dead letter topic")

		maxInflight   = flag.Int("max-inflight", 4, "concurrent claims in process")
		maxAttempts   = flag.Uint("max-attempts", 3, "attempts per claim message before dead lettering")
		callTimeout   = flag.Duration("call-timeout", 2*time.Second, "chain rpc call timeout while staging")
		nonceTimeout  = flag.Duration("nonce-timeout", 5*time.Second, "chain next-nonce lookup timeout")
		handleTimeout = flag.Duration("handle-timeout", 30*time.Second, "per attempt timeout")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "queue message ack timeout")
	)
	flag.Parse()

	log, err := config.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *maxInflight <= 0 || *maxAttempts == 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-inflight, --max-attempts and --queue-max-bytes must be > 0")
		os.Exit(2)
	}
	if *callTimeout <= 0 || *nonceTimeout <= 0 || *handleTimeout <= 0 || *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeout values must be > 0")
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

	nonces, err := nonce.NewAllocator(chain, stores.Ledger, s.Address(), *nonceTimeout)
	if err != nil {
		log.Error("init nonce allocator", "err", err)
		os.Exit(2)
	}
	proc, err := claim.NewProcessor(claim.ProcessorConfig{
		Tx:          planets.TxConfigs(),
		CallTimeout: *callTimeout,
	}, stores.Ledger, nonces, s, chain, log)
	if err != nil {
		log.Error("init claim processor", "err", err)
		os.Exit(2)
	}

	kafkaOpts := e.Kafka()
	kafkaOpts.MaxBytes = *queueMaxBytes
	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *queueGroup,
		Topics:  []string{*claimsTopic},
		Kafka:   kafkaOpts,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

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

	w, err := worker.New(worker.Config{
		Name:          "claimer",
		MaxAttempts:   *maxAttempts,
		HandleTimeout: *handleTimeout,
		AckTimeout:    *ackTimeout,
		MaxInflight:   *maxInflight,
	}, consumer, processHandler(proc), dead, log)
	if err != nil {
		log.Error("init claimer worker", "err", err)
		os.Exit(2)
	}

	log.Info("claimer started",
		"claimsTopic", *claimsTopic,
		"planets", strings.Join(planets.IDs(), ","),
		"signer", s.Address(),
		"storeDriver", *storeDriver,
		"maxInflight", *maxInflight,
	)

	if err := w.Run(ctx); err != nil {
		log.Error("claimer exited with error", "err", err)
		os.Exit(1)
	}
}

func processHandler(p *claim.Processor) worker.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		m, err := claim.DecodeMessage(msg.Value)
		if err != nil {
			return err
		}
		return p.Process(ctx, m.UUID)
	}
}
