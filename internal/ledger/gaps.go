package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/queue"
)

// RescanRequest asks the chain scanner to publish a block batch again.
type RescanRequest struct {
	PlanetID string        `json:"planet_id"`
	PassType pass.PassType `json:"pass_type"`
	Block    int64         `json:"block"`
}

type GapScannerConfig struct {
	Topic string
	// Limit caps the rescans published per Scan.
	Limit int
}

// GapScanner republishes rescan requests for blocks that never reached the ledger.
type GapScanner struct {
	cfg   GapScannerConfig
	store Store
	pub   queue.Producer
	log   *slog.Logger
}

func NewGapScanner(cfg GapScannerConfig, store Store, pub queue.Producer, log *slog.Logger) (*GapScanner, error) {
	if store == nil || pub == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: missing rescan topic", ErrInvalidConfig)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &GapScanner{cfg: cfg, store: store, pub: pub, log: log}, nil
}

// Scan publishes a rescan request for every missing block in [from, to] and returns how
// many were published.
func (g *GapScanner) Scan(ctx context.Context, planetID string, pt pass.PassType, from, to int64) (int, error) {
	if from > to {
		return 0, nil
	}
	missing, err := g.store.MissingBlocks(ctx, planetID, pt, from, to, g.cfg.Limit)
	if err != nil {
		return 0, fmt.Errorf("ledger: missing blocks: %w", err)
	}
	for i, block := range missing {
		payload, err := json.Marshal(RescanRequest{PlanetID: planetID, PassType: pt, Block: block})
		if err != nil {
			return i, err
		}
		if err := g.pub.Publish(ctx, g.cfg.Topic, []byte(planetID), payload); err != nil {
			return i, fmt.Errorf("ledger: publish rescan %d: %w", block, err)
		}
	}
	if len(missing) > 0 {
		g.log.Info("rescans requested", "planetID", planetID, "passType", pt, "from", missing[0], "count", len(missing))
	}
	return len(missing), nil
}

// ScanRecent scans the window blocks ending at the latest reserved block.
func (g *GapScanner) ScanRecent(ctx context.Context, planetID string, pt pass.PassType, window int64) (int, error) {
	latest, ok, err := g.store.LatestBlock(ctx, planetID, pt)
	if err != nil {
		return 0, fmt.Errorf("ledger: latest block: %w", err)
	}
	if !ok || window <= 0 {
		return 0, nil
	}
	from := latest - window + 1
	if from < 0 {
		from = 0
	}
	return g.Scan(ctx, planetID, pt, from, latest)
}
