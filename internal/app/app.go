// Package app builds the stores, transports and signers shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seasonpass/tracker/internal/catalog"
	pgcatalog "github.com/seasonpass/tracker/internal/catalog/postgres"
	"github.com/seasonpass/tracker/internal/chainrpc"
	"github.com/seasonpass/tracker/internal/claim"
	"github.com/seasonpass/tracker/internal/config"
	"github.com/seasonpass/tracker/internal/deadletter"
	"github.com/seasonpass/tracker/internal/leader"
	pgleader "github.com/seasonpass/tracker/internal/leader/postgres"
	"github.com/seasonpass/tracker/internal/ledger"
	pgledger "github.com/seasonpass/tracker/internal/ledger/postgres"
	"github.com/seasonpass/tracker/internal/nonce"
	"github.com/seasonpass/tracker/internal/queue"
	"github.com/seasonpass/tracker/internal/secrets"
	"github.com/seasonpass/tracker/internal/signer"
)

var ErrInvalidConfig = errors.New("app: invalid config")

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	DeadLetterQueue  = "queue"
	DeadLetterS3     = "s3"
	DeadLetterMemory = "memory"
)

// LedgerStore is the persistence every claim and ledger component shares.
type LedgerStore interface {
	claim.Store
	nonce.Store
}

var (
	_ LedgerStore = (*ledger.MemoryStore)(nil)
	_ LedgerStore = (*pgledger.Store)(nil)
)

type Stores struct {
	Ledger  LedgerStore
	Catalog *catalog.Catalog
	Leases  leader.Store

	pool *pgxpool.Pool
}

func (s *Stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type StoreConfig struct {
	Driver      string
	PostgresDSN string
	// CatalogFile seeds seasons and levels when set.
	CatalogFile string
}

// OpenStores opens every store on one driver and ensures the postgres schema.
func OpenStores(ctx context.Context, cfg StoreConfig, log *slog.Logger) (*Stores, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var seed *config.CatalogSeed
	if cfg.CatalogFile != "" {
		s, err := config.LoadCatalog(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		seed = &s
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case StoreDriverMemory:
		cs := catalog.NewMemoryStore()
		if seed != nil {
			for _, season := range seed.Seasons {
				cs.PutSeason(season)
			}
			for pt, levels := range seed.Levels {
				cs.PutLevels(pt, levels)
			}
		}
		cat, err := catalog.New(cs)
		if err != nil {
			return nil, err
		}
		log.Warn("using in-memory stores; state is lost on exit")
		return &Stores{Ledger: ledger.NewMemoryStore(), Catalog: cat, Leases: leader.NewMemoryStore(nil)}, nil

	case StoreDriverPostgres, "":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidConfig)
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: init pgx pool: %w", err)
		}
		st, err := openPostgres(ctx, pool, seed)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil

	default:
		return nil, fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func openPostgres(ctx context.Context, pool *pgxpool.Pool, seed *config.CatalogSeed) (*Stores, error) {
	ls, err := pgledger.New(pool)
	if err != nil {
		return nil, err
	}
	cs, err := pgcatalog.New(pool)
	if err != nil {
		return nil, err
	}
	leases, err := pgleader.New(pool)
	if err != nil {
		return nil, err
	}
	for _, ensure := range []func(context.Context) error{cs.EnsureSchema, ls.EnsureSchema, leases.EnsureSchema} {
		if err := ensure(ctx); err != nil {
			return nil, err
		}
	}
	if seed != nil {
		for pt, levels := range seed.Levels {
			if err := cs.ReplaceLevels(ctx, pt, levels); err != nil {
				return nil, err
			}
		}
		for _, season := range seed.Seasons {
			if _, err := cs.UpsertSeason(ctx, season); err != nil {
				return nil, err
			}
		}
	}
	cat, err := catalog.New(cs)
	if err != nil {
		return nil, err
	}
	return &Stores{Ledger: ls, Catalog: cat, Leases: leases, pool: pool}, nil
}

type DeadLetterConfig struct {
	Driver string
	Topic  string
	Bucket string
	Prefix string
}

// NewDeadLetterSink returns where exhausted messages go: a queue topic, an s3 archive or
// an in-process archive.
func NewDeadLetterSink(ctx context.Context, cfg DeadLetterConfig, pub queue.Producer) (deadletter.Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DeadLetterQueue, "":
		return deadletter.NewQueueSink(cfg.Topic, pub)
	case DeadLetterS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load aws config: %w", err)
		}
		archive, err := deadletter.NewArchive(deadletter.ArchiveConfig{
			Driver:   deadletter.DriverS3,
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Prefix,
			S3Client: s3.NewFromConfig(awsCfg),
		})
		if err != nil {
			return nil, err
		}
		return deadletter.NewArchiveSink(archive)
	case DeadLetterMemory:
		archive, err := deadletter.NewArchive(deadletter.ArchiveConfig{Driver: deadletter.DriverMemory, Prefix: cfg.Prefix})
		if err != nil {
			return nil, err
		}
		return deadletter.NewArchiveSink(archive)
	default:
		return nil, fmt.Errorf("%w: unsupported dead letter driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// NewSigner prefers a KMS key and falls back to a private key reference.
func NewSigner(ctx context.Context, kmsKeyID, keyRef string, res *secrets.Resolver) (signer.Signer, error) {
	if kmsKeyID = strings.TrimSpace(kmsKeyID); kmsKeyID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load aws config: %w", err)
		}
		return signer.NewKMSSigner(ctx, kms.NewFromConfig(awsCfg), kmsKeyID)
	}
	if strings.TrimSpace(keyRef) == "" {
		return nil, fmt.Errorf("%w: a kms key id or signer key is required", ErrInvalidConfig)
	}
	raw, err := res.Resolve(ctx, keyRef)
	if err != nil {
		return nil, fmt.Errorf("app: resolve signer key: %w", err)
	}
	key, err := signer.ParsePrivateKeyHex(raw)
	if err != nil {
		return nil, err
	}
	return signer.NewLocalSigner(key)
}

// NewChainClient builds the chain RPC client for every planet. A jwt reference enables
// bearer authentication.
func NewChainClient(ctx context.Context, e config.Env, planets config.Planets, res *secrets.Resolver) (*chainrpc.Client, error) {
	opts := []chainrpc.Option{chainrpc.WithTimeout(e.ChainTimeout)}
	if strings.TrimSpace(e.ChainJWTRef) != "" {
		secret, err := res.Resolve(ctx, e.ChainJWTRef)
		if err != nil {
			return nil, fmt.Errorf("app: resolve chain jwt secret: %w", err)
		}
		opts = append(opts, chainrpc.WithJWTSecret([]byte(secret), "seasonpass"))
	}
	return chainrpc.New(planets.Endpoints(), opts...)
}
