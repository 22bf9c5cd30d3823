package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/seasonpass/tracker/internal/api"
	"github.com/seasonpass/tracker/internal/app"
	"github.com/seasonpass/tracker/internal/claim"
	"github.com/seasonpass/tracker/internal/config"
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
		listenAddr  = flag.String("listen-addr", ":8080", "HTTP listen address")
		storeDriver = flag.String("store-driver", e.StoreDriver, "store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", e.PostgresDSN, "Postgres DSN (required for postgres)")
		catalogFile = flag.String("catalog-file", "", "optional season and level seed file")
		planetsFile = flag.String("planets-file", e.PlanetsFile, "planet registry yaml")
		apiToken    = flag.String("api-token", e.APITokenRef, "bearer token reference guarding write routes (secret://, env:// or literal)")

		claimsTopic  = flag.String("claims-topic", e.ClaimsTopic, "topic receiving committed claims")
		queueDriver  = flag.String("queue-driver", e.QueueDriver, "queue driver: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", strings.Join(e.QueueBrokers, ","), "comma-separated queue brokers (required for kafka)")

		maxInFlight = flag.Int("max-inflight-claims", 50, "per planet staged or invalid claims above which new claims are refused")
		prevWindow  = flag.Duration("prev-claim-window", 7*24*time.Hour, "how long premium rewards of an ended season stay claimable")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 15*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log, err := config.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *maxInFlight <= 0 || *prevWindow <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-inflight-claims and --prev-claim-window must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	planets, err := config.LoadPlanets(*planetsFile)
	if err != nil {
		log.Error("load planets", "err", err)
		os.Exit(2)
	}
	token, err := resolveToken(ctx, &secrets.Resolver{}, *apiToken)
	if err != nil {
		log.Error("resolve api token", "err", err)
		os.Exit(2)
	}
	if token == "" {
		log.Warn("no api token configured; write routes are unauthenticated")
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

	mgr, err := claim.NewManager(claim.ManagerConfig{
		Topic:           *claimsTopic,
		Multipliers:     planets.Multipliers(),
		MaxInFlight:     *maxInFlight,
		PrevClaimWindow: *prevWindow,
	}, stores.Ledger, stores.Catalog, producer, log)
	if err != nil {
		log.Error("init claim manager", "err", err)
		os.Exit(2)
	}

	handler, err := api.NewHandler(api.Config{Token: token}, mgr, log)
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", *listenAddr, "claimsTopic", *claimsTopic, "planets", strings.Join(planets.IDs(), ","))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// resolveToken returns "" when no reference is configured. A reference that resolves to
// an empty value is an error so a missing secret never disables auth.
func resolveToken(ctx context.Context, res *secrets.Resolver, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", nil
	}
	token, err := res.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("api token %q resolved to an empty value", ref)
	}
	return token, nil
}
