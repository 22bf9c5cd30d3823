package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seasonpass/tracker/internal/ledger"
	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/queue"
	"github.com/seasonpass/tracker/internal/rewards"
)

type ManagerConfig struct {
	// Topic receives a Message for every committed claim.
	Topic string

	// Multipliers scales rewards per planet id. Planets not listed use 1.
	Multipliers map[string]int64

	// MaxInFlight rejects new claims on a planet once this many are staged or invalid.
	MaxInFlight int

	// PrevClaimWindow is how long after a season ends its premium rewards stay claimable.
	PrevClaimWindow time.Duration

	Now func() time.Time
}

type Manager struct {
	cfg     ManagerConfig
	store   Store
	catalog Catalog
	pub     queue.Producer
	log     *slog.Logger
}

func NewManager(cfg ManagerConfig, store Store, cat Catalog, pub queue.Producer, log *slog.Logger) (*Manager, error) {
	if store == nil || cat == nil || pub == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: missing claims topic", ErrInvalidConfig)
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 50
	}
	if cfg.MaxInFlight < 0 {
		return nil, fmt.Errorf("%w: MaxInFlight must be > 0", ErrInvalidConfig)
	}
	if cfg.PrevClaimWindow == 0 {
		cfg.PrevClaimWindow = 7 * 24 * time.Hour
	}
	mult := make(map[string]int64, len(cfg.Multipliers))
	for planet, m := range cfg.Multipliers {
		if m <= 0 {
			return nil, fmt.Errorf("%w: multiplier for %s must be > 0", ErrInvalidConfig, planet)
		}
		mult[strings.ToLower(planet)] = m
	}
	cfg.Multipliers = mult
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{cfg: cfg, store: store, catalog: cat, pub: pub, log: log}, nil
}

type Request struct {
	PlanetID   string
	PassType   pass.PassType
	AgentAddr  string
	AvatarAddr string

	// SeasonIndex selects a season; 0 means the current one.
	SeasonIndex int

	// Force allows claiming from a season that is no longer active.
	Force bool
}

func (r Request) normalize(requireAgent bool) (Request, error) {
	r.PlanetID = strings.ToLower(strings.TrimSpace(r.PlanetID))
	r.AgentAddr = strings.ToLower(strings.TrimSpace(r.AgentAddr))
	r.AvatarAddr = strings.ToLower(strings.TrimSpace(r.AvatarAddr))
	if r.PlanetID == "" || r.AvatarAddr == "" {
		return r, fmt.Errorf("%w: planet and avatar are required", pass.ErrInvalidState)
	}
	if requireAgent && r.AgentAddr == "" {
		return r, fmt.Errorf("%w: agent is required", pass.ErrInvalidState)
	}
	if _, err := pass.ParsePassType(string(r.PassType)); err != nil {
		return r, err
	}
	if r.SeasonIndex < 0 {
		return r, fmt.Errorf("%w: negative season index", pass.ErrInvalidState)
	}
	return r, nil
}

// Result is the outcome of a claim. Claim is nil when nothing was claimable.
type Result struct {
	Claim    *pass.Claim
	Progress pass.Progress
}

// Claim settles every available level of the avatar's progress into a new claim.
func (m *Manager) Claim(ctx context.Context, req Request) (Result, error) {
	req, err := req.normalize(true)
	if err != nil {
		return Result{}, err
	}
	now := m.cfg.Now()

	season, err := m.resolveSeason(ctx, req, now)
	if err != nil {
		return Result{}, err
	}
	if !req.Force && !season.Contains(now) {
		return Result{}, fmt.Errorf("%w: season %d is not active", pass.ErrInvalidState, season.Index)
	}
	return m.settle(ctx, req, season, false)
}

// ClaimPrev pays out premium levels of the previous season while its claim window is open.
func (m *Manager) ClaimPrev(ctx context.Context, req Request) (Result, error) {
	req, err := req.normalize(true)
	if err != nil {
		return Result{}, err
	}
	now := m.cfg.Now()

	season, ok, err := m.catalog.PreviousSeason(ctx, req.PassType, now)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: no previous %s season", pass.ErrNotFound, req.PassType)
	}
	if season.End == nil || now.After(season.End.Add(m.cfg.PrevClaimWindow)) {
		return Result{}, fmt.Errorf("%w: claim window for season %d closed", pass.ErrInvalidState, season.Index)
	}
	return m.settle(ctx, req, season, true)
}

func (m *Manager) resolveSeason(ctx context.Context, req Request, now time.Time) (pass.Season, error) {
	if req.SeasonIndex > 0 {
		return m.catalog.SeasonByIndex(ctx, req.PassType, req.SeasonIndex)
	}
	season, ok, err := m.catalog.CurrentSeason(ctx, req.PassType, now)
	if err != nil {
		return pass.Season{}, err
	}
	if !ok {
		return pass.Season{}, fmt.Errorf("%w: no current %s season", pass.ErrNotFound, req.PassType)
	}
	return season, nil
}

func (m *Manager) settle(ctx context.Context, req Request, season pass.Season, premiumOnly bool) (Result, error) {
	inFlight, err := m.store.CountInFlight(ctx, req.PlanetID)
	if err != nil {
		return Result{}, err
	}
	if inFlight > m.cfg.MaxInFlight {
		return Result{}, fmt.Errorf("%w: %d claims in flight on %s", pass.ErrOverload, inFlight, req.PlanetID)
	}

	ml, repeatExp, err := m.catalog.MaxLevel(ctx, req.PassType)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = m.store.InTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.LockProgress(ctx, req.PlanetID, season.ID, req.AvatarAddr, req.AgentAddr)
		if err != nil {
			return err
		}
		res.Progress = p

		av := rewards.AvailableLevels(p, ml, repeatExp)
		if premiumOnly {
			av = rewards.Available{Premium: av.Premium}
		}
		if av.Empty() {
			return nil
		}

		items, err := rewards.Aggregate(season, av, m.multiplier(req.PlanetID))
		if err != nil {
			return fmt.Errorf("%w: season %d rewards: %v", pass.ErrInvalidState, season.ID, err)
		}
		if len(items) == 0 {
			return nil
		}

		c := pass.Claim{
			UUID:          uuid.NewString(),
			SeasonID:      season.ID,
			PassType:      req.PassType,
			PlanetID:      req.PlanetID,
			AgentAddr:     req.AgentAddr,
			AvatarAddr:    req.AvatarAddr,
			Rewards:       items,
			NormalLevels:  av.Normal,
			PremiumLevels: av.Premium,
			Status:        pass.TxCreated,
		}
		if err := tx.InsertClaim(ctx, c); err != nil {
			return err
		}

		lastNormal := p.LastNormalClaim
		rewards.Settle(&p, ml, repeatExp, av)
		if premiumOnly {
			p.LastNormalClaim = lastNormal
		}
		if err := tx.SaveProgress(ctx, p); err != nil {
			return err
		}
		res.Progress = p
		res.Claim = &c
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Claim == nil {
		return res, nil
	}

	m.log.Info("claim created",
		"uuid", res.Claim.UUID,
		"planetID", req.PlanetID,
		"passType", req.PassType,
		"season", season.Index,
		"avatar", req.AvatarAddr,
		"normal", len(res.Claim.NormalLevels),
		"premium", len(res.Claim.PremiumLevels),
	)

	// The claim is durable at this point; a lost message is recovered by the stuck sweep.
	payload, err := json.Marshal(Message{UUID: res.Claim.UUID})
	if err == nil {
		err = m.pub.Publish(ctx, m.cfg.Topic, []byte(req.PlanetID), payload)
	}
	if err != nil {
		m.log.Warn("publish claim failed", "uuid", res.Claim.UUID, "err", err)
	}
	return res, nil
}

func (m *Manager) multiplier(planetID string) int64 {
	if v, ok := m.cfg.Multipliers[planetID]; ok {
		return v
	}
	return 1
}

type UpgradeRequest struct {
	PlanetID    string
	PassType    pass.PassType
	SeasonIndex int
	AgentAddr   string
	AvatarAddr  string

	// PremiumPlus implies premium and grants the season's instant exp.
	PremiumPlus bool

	// TxID references the purchase that paid for the upgrade.
	TxID string
}

// Upgrade marks progress as premium or premium-plus. Buying a tier the avatar already
// holds is rejected.
func (m *Manager) Upgrade(ctx context.Context, req UpgradeRequest) (pass.Progress, error) {
	base, err := Request{
		PlanetID:    req.PlanetID,
		PassType:    req.PassType,
		AgentAddr:   req.AgentAddr,
		AvatarAddr:  req.AvatarAddr,
		SeasonIndex: req.SeasonIndex,
	}.normalize(true)
	if err != nil {
		return pass.Progress{}, err
	}
	if base.SeasonIndex == 0 {
		return pass.Progress{}, fmt.Errorf("%w: season index is required", pass.ErrInvalidState)
	}
	season, err := m.catalog.SeasonByIndex(ctx, base.PassType, base.SeasonIndex)
	if err != nil {
		return pass.Progress{}, err
	}
	thresholds, err := m.catalog.LevelThresholds(ctx, base.PassType)
	if err != nil {
		return pass.Progress{}, err
	}

	var out pass.Progress
	err = m.store.InTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.LockProgress(ctx, base.PlanetID, season.ID, base.AvatarAddr, base.AgentAddr)
		if err != nil {
			return err
		}
		switch {
		case req.PremiumPlus && p.IsPremiumPlus:
			return fmt.Errorf("%w: already premium plus", pass.ErrInvalidState)
		case !req.PremiumPlus && p.IsPremium:
			return fmt.Errorf("%w: already premium", pass.ErrInvalidState)
		}

		p.IsPremium = true
		if req.PremiumPlus {
			p.IsPremiumPlus = true
			if season.InstantExp > 0 {
				pass.ApplyExp(&p, season.InstantExp, thresholds)
				if err := tx.AppendHistory(ctx, pass.ActionHistory{
					PlanetID:   base.PlanetID,
					SeasonID:   season.ID,
					TxID:       strings.TrimSpace(req.TxID),
					AgentAddr:  base.AgentAddr,
					AvatarAddr: base.AvatarAddr,
					ActionType: pass.ActionPremiumPlus,
					Count:      1,
					Exp:        season.InstantExp,
				}); err != nil {
					return err
				}
			}
		}
		if err := tx.SaveProgress(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return pass.Progress{}, err
	}
	m.log.Info("pass upgraded",
		"planetID", base.PlanetID,
		"passType", base.PassType,
		"season", season.Index,
		"avatar", base.AvatarAddr,
		"premiumPlus", req.PremiumPlus,
	)
	return out, nil
}

type Status struct {
	Season    pass.Season
	Progress  pass.Progress
	Available rewards.Available
}

// Status reports an avatar's progress. Avatars without a record read as zero progress.
func (m *Manager) Status(ctx context.Context, planetID string, pt pass.PassType, seasonIndex int, avatarAddr string) (Status, error) {
	req, err := Request{PlanetID: planetID, PassType: pt, AvatarAddr: avatarAddr, SeasonIndex: seasonIndex}.normalize(false)
	if err != nil {
		return Status{}, err
	}
	season, err := m.resolveSeason(ctx, req, m.cfg.Now())
	if err != nil {
		return Status{}, err
	}
	p, err := m.store.GetProgress(ctx, req.PlanetID, season.ID, req.AvatarAddr)
	if errors.Is(err, pass.ErrNotFound) {
		p = pass.Progress{PlanetID: req.PlanetID, SeasonID: season.ID, AvatarAddr: req.AvatarAddr}
	} else if err != nil {
		return Status{}, err
	}
	ml, repeatExp, err := m.catalog.MaxLevel(ctx, pt)
	if err != nil {
		return Status{}, err
	}
	return Status{Season: season, Progress: p, Available: rewards.AvailableLevels(p, ml, repeatExp)}, nil
}
