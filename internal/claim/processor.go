package claim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/signer"
	"github.com/seasonpass/tracker/internal/txbuild"
)

// Chain stages signed transactions and reports their outcome.
type Chain interface {
	Stage(ctx context.Context, planetID string, signedTx []byte) (string, error)
	TxStatus(ctx context.Context, planetID, txID string) (pass.TxStatus, error)
}

type Nonces interface {
	Assign(ctx context.Context, planetID, claimUUID string) (uint64, error)
}

type ProcessorConfig struct {
	// Tx holds the transaction parameters of every planet claims may be paid on.
	Tx map[string]txbuild.Config

	// StuckAfter is the age at which CREATED and INVALID claims are staged again.
	StuckAfter time.Duration
	// MaxStageAttempts marks a claim UNKNOWN once reached.
	MaxStageAttempts int

	TrackConcurrency int
	CallTimeout      time.Duration
	BatchLimit       int

	Now func() time.Time
}

type Processor struct {
	cfg    ProcessorConfig
	store  Store
	nonces Nonces
	signer signer.Signer
	chain  Chain
	log    *slog.Logger
}

func NewProcessor(cfg ProcessorConfig, store Store, nonces Nonces, s signer.Signer, chain Chain, log *slog.Logger) (*Processor, error) {
	if store == nil || nonces == nil || s == nil || chain == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if len(cfg.Tx) == 0 {
		return nil, fmt.Errorf("%w: no planet tx configs", ErrInvalidConfig)
	}
	txCfg := make(map[string]txbuild.Config, len(cfg.Tx))
	for planet, c := range cfg.Tx {
		txCfg[strings.ToLower(planet)] = c
	}
	cfg.Tx = txCfg
	if cfg.StuckAfter == 0 {
		cfg.StuckAfter = 5 * time.Minute
	}
	if cfg.MaxStageAttempts == 0 {
		cfg.MaxStageAttempts = 30
	}
	if cfg.TrackConcurrency == 0 {
		cfg.TrackConcurrency = 10
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = 100
	}
	if cfg.StuckAfter < 0 || cfg.MaxStageAttempts < 0 || cfg.TrackConcurrency < 0 || cfg.CallTimeout < 0 || cfg.BatchLimit < 0 {
		return nil, fmt.Errorf("%w: limits must be > 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{cfg: cfg, store: store, nonces: nonces, signer: s, chain: chain, log: log}, nil
}

// Process assigns a nonce, signs and stages the claim. A claim that already carries a
// signed tx is left alone; the sweep and tracker own it from there.
func (p *Processor) Process(ctx context.Context, claimUUID string) error {
	c, err := p.store.GetClaim(ctx, claimUUID)
	if err != nil {
		return err
	}
	if c.Tx != nil || c.Status.Terminal() {
		p.log.Debug("claim already processed", "uuid", c.UUID, "status", c.Status)
		return nil
	}

	signed, ok, err := p.sign(ctx, c)
	if err != nil || !ok {
		return err
	}
	return p.stage(ctx, c, signed)
}

// sign builds and signs the claim's tx and stores it. ok is false when another worker
// stored a tx first.
func (p *Processor) sign(ctx context.Context, c pass.Claim) ([]byte, bool, error) {
	txCfg, ok := p.cfg.Tx[c.PlanetID]
	if !ok {
		p.fail(ctx, c, "no tx config for planet")
		return nil, false, fmt.Errorf("%w: no tx config for planet %s", pass.ErrInvalidState, c.PlanetID)
	}

	n, err := p.nonces.Assign(ctx, c.PlanetID, c.UUID)
	if err != nil {
		return nil, false, err
	}

	unsigned, err := txbuild.Build(txCfg, n, p.signer.Address(), p.signer.PublicKey(), c)
	if err != nil {
		p.fail(ctx, c, err.Error())
		return nil, false, fmt.Errorf("%w: build tx: %v", pass.ErrInvalidState, err)
	}
	sig, err := p.signer.Sign(ctx, unsigned)
	if err != nil {
		return nil, false, fmt.Errorf("%w: sign: %v", pass.ErrUpstream, err)
	}
	signed, err := txbuild.Attach(unsigned, sig)
	if err != nil {
		p.fail(ctx, c, err.Error())
		return nil, false, fmt.Errorf("%w: attach signature: %v", pass.ErrInvalidState, err)
	}

	txID := txbuild.ID(signed)
	if err := p.store.SetSignedTx(ctx, c.UUID, signed, txID); err != nil {
		if errors.Is(err, pass.ErrConflict) {
			p.log.Warn("claim signed concurrently", "uuid", c.UUID)
			return nil, false, nil
		}
		return nil, false, err
	}
	p.log.Info("claim signed", "uuid", c.UUID, "planetID", c.PlanetID, "nonce", n, "txID", txID)
	return signed, true, nil
}

func (p *Processor) fail(ctx context.Context, c pass.Claim, reason string) {
	p.log.Error("claim cannot be built", "uuid", c.UUID, "planetID", c.PlanetID, "reason", reason)
	if err := p.store.SetStatus(ctx, c.UUID, pass.TxFailToCreate); err != nil {
		p.log.Error("mark claim failed", "uuid", c.UUID, "err", err)
	}
}

func (p *Processor) stage(ctx context.Context, c pass.Claim, signed []byte) error {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	txID, stageErr := p.chain.Stage(cctx, c.PlanetID, signed)
	status := pass.TxStaged
	if stageErr != nil {
		status = pass.TxInvalid
	}
	if err := p.store.RecordStage(ctx, c.UUID, status); err != nil {
		return err
	}
	if stageErr != nil {
		p.log.Warn("stage failed", "uuid", c.UUID, "planetID", c.PlanetID, "attempt", c.StageAttempts+1, "err", stageErr)
		return fmt.Errorf("%w: stage %s: %v", pass.ErrUpstream, c.UUID, stageErr)
	}
	if want := txbuild.ID(signed); txID != want {
		p.log.Warn("node reported different tx id", "uuid", c.UUID, "want", want, "got", txID)
	}
	p.log.Info("claim staged", "uuid", c.UUID, "planetID", c.PlanetID)
	return nil
}

// RetryStuck stages stale CREATED and INVALID claims again, per planet in ascending nonce
// order. A planet's pass stops at its first failure so later nonces are not staged ahead
// of a missing one. It returns how many claims were staged.
func (p *Processor) RetryStuck(ctx context.Context) (int, error) {
	stuck, err := p.store.ListStuck(ctx, p.cfg.Now().Add(-p.cfg.StuckAfter), p.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	var (
		staged  int
		errs    []error
		blocked = make(map[string]bool)
	)
	for _, c := range stuck {
		if err := ctx.Err(); err != nil {
			return staged, err
		}
		if blocked[c.PlanetID] {
			continue
		}
		if c.StageAttempts >= p.cfg.MaxStageAttempts {
			p.log.Error("claim abandoned", "uuid", c.UUID, "planetID", c.PlanetID, "attempts", c.StageAttempts)
			if err := p.store.SetStatus(ctx, c.UUID, pass.TxUnknown); err != nil {
				errs = append(errs, err)
				blocked[c.PlanetID] = true
			}
			continue
		}

		signed := c.Tx
		if signed == nil {
			var ok bool
			signed, ok, err = p.sign(ctx, c)
			if err != nil {
				errs = append(errs, err)
				blocked[c.PlanetID] = true
				continue
			}
			if !ok {
				continue
			}
		}
		if err := p.stage(ctx, c, signed); err != nil {
			errs = append(errs, err)
			blocked[c.PlanetID] = true
			continue
		}
		staged++
	}
	return staged, errors.Join(errs...)
}

// TrackStatus polls the chain for every staged or invalid claim and records changes.
// Transport failures leave the claim as is; an undecodable node answer marks it INVALID.
// It returns how many claims changed status.
func (p *Processor) TrackStatus(ctx context.Context) (int, error) {
	claims, err := p.store.ListTracking(ctx, p.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	var updated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.TrackConcurrency)
	for _, c := range claims {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, p.cfg.CallTimeout)
			defer cancel()

			status, err := p.chain.TxStatus(cctx, c.PlanetID, c.TxID)
			switch {
			case errors.Is(err, pass.ErrMalformed):
				p.log.Warn("tx status unparseable", "uuid", c.UUID, "txID", c.TxID, "err", err)
				status = pass.TxInvalid
			case err != nil:
				p.log.Warn("tx status lookup failed", "uuid", c.UUID, "txID", c.TxID, "err", err)
				return nil
			}
			if status == c.Status || status == pass.TxNone {
				return nil
			}
			// A rejected stage never reached the mempool; leave it for RetryStuck.
			if c.Status == pass.TxInvalid && status == pass.TxNotFound {
				return nil
			}
			if err := p.store.SetStatus(gctx, c.UUID, status); err != nil {
				return err
			}
			updated.Add(1)
			p.log.Info("claim status changed", "uuid", c.UUID, "from", c.Status, "to", status)
			return nil
		})
	}
	err = g.Wait()
	return int(updated.Load()), err
}
