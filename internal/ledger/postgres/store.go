package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/seasonpass/tracker/internal/ledger"
	"github.com/seasonpass/tracker/internal/pass"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return nil
}

const progressColumns = `planet_id, season_id, avatar_addr, agent_addr, exp, level, is_premium, is_premium_plus, last_normal_claim, last_premium_claim`

func scanProgress(row pgx.Row) (pass.Progress, error) {
	var p pass.Progress
	err := row.Scan(
		&p.PlanetID,
		&p.SeasonID,
		&p.AvatarAddr,
		&p.AgentAddr,
		&p.Exp,
		&p.Level,
		&p.IsPremium,
		&p.IsPremiumPlus,
		&p.LastNormalClaim,
		&p.LastPremiumClaim,
	)
	return p, err
}

func (s *Store) GetProgress(ctx context.Context, planetID string, seasonID int64, avatarAddr string) (pass.Progress, error) {
	if s == nil || s.pool == nil {
		return pass.Progress{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	p, err := scanProgress(s.pool.QueryRow(ctx, `
		SELECT `+progressColumns+`
		FROM user_seasons
		WHERE planet_id = $1 AND season_id = $2 AND avatar_addr = $3
	`, planetID, seasonID, avatarAddr))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pass.Progress{}, fmt.Errorf("%w: progress %s/%d/%s", pass.ErrNotFound, planetID, seasonID, avatarAddr)
		}
		return pass.Progress{}, fmt.Errorf("ledger/postgres: get progress: %w", err)
	}
	return p, nil
}

func (s *Store) ListHistory(ctx context.Context, planetID string, seasonID int64, avatarAddr string) ([]pass.ActionHistory, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT planet_id, season_id, block_index, tx_id, agent_addr, avatar_addr, action_type, count, exp
		FROM action_history
		WHERE planet_id = $1 AND season_id = $2 AND avatar_addr = $3
		ORDER BY id
	`, planetID, seasonID, avatarAddr)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list history: %w", err)
	}
	defer rows.Close()

	var out []pass.ActionHistory
	for rows.Next() {
		var (
			h   pass.ActionHistory
			typ string
		)
		if err := rows.Scan(&h.PlanetID, &h.SeasonID, &h.BlockIndex, &h.TxID, &h.AgentAddr, &h.AvatarAddr, &typ, &h.Count, &h.Exp); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan history: %w", err)
		}
		h.ActionType = pass.ActionType(typ)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list history: %w", err)
	}
	return out, nil
}

func (s *Store) MissingBlocks(ctx context.Context, planetID string, pt pass.PassType, from, to int64, limit int) ([]int64, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT g.block_index
		FROM generate_series($3::bigint, $4::bigint) AS g(block_index)
		WHERE NOT EXISTS (
			SELECT 1 FROM block_watermarks w
			WHERE w.planet_id = $1 AND w.pass_type = $2 AND w.block_index = g.block_index
		)
		ORDER BY g.block_index
		LIMIT $5
	`, planetID, string(pt), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: missing blocks: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var b int64
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) LatestBlock(ctx context.Context, planetID string, pt pass.PassType) (int64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var latest *int64
	if err := s.pool.QueryRow(ctx, `
		SELECT max(block_index) FROM block_watermarks WHERE planet_id = $1 AND pass_type = $2
	`, planetID, string(pt)).Scan(&latest); err != nil {
		return 0, false, fmt.Errorf("ledger/postgres: latest block: %w", err)
	}
	if latest == nil {
		return 0, false, nil
	}
	return *latest, true, nil
}

func (s *Store) BlockApplied(ctx context.Context, planetID string, pt pass.PassType, block int64) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var applied bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM block_watermarks WHERE planet_id = $1 AND pass_type = $2 AND block_index = $3
		)
	`, planetID, string(pt), block).Scan(&applied); err != nil {
		return false, fmt.Errorf("ledger/postgres: block applied: %w", err)
	}
	return applied, nil
}

func (s *Store) ExploreFloor(ctx context.Context, planetID string, seasonIndex int, avatarAddr string) (int64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return exploreFloor(ctx, s.pool, planetID, seasonIndex, avatarAddr)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func exploreFloor(ctx context.Context, q queryRower, planetID string, seasonIndex int, avatarAddr string) (int64, bool, error) {
	var floor int64
	err := q.QueryRow(ctx, `
		SELECT floor FROM adventure_boss_explore
		WHERE planet_id = $1 AND season_index = $2 AND avatar_addr = $3
	`, planetID, seasonIndex, avatarAddr).Scan(&floor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("ledger/postgres: explore floor: %w", err)
	}
	return floor, true, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ReserveBlock(ctx context.Context, planetID string, pt pass.PassType, block int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO block_watermarks (planet_id, pass_type, block_index)
		VALUES ($1,$2,$3)
		ON CONFLICT DO NOTHING
	`, planetID, string(pt), block)
	if err != nil {
		return false, fmt.Errorf("ledger/postgres: reserve block: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockProgress(ctx context.Context, planetID string, seasonID int64, avatarAddr, agentAddr string) (pass.Progress, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO user_seasons (planet_id, season_id, avatar_addr, agent_addr)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (planet_id, season_id, avatar_addr) DO NOTHING
	`, planetID, seasonID, avatarAddr, agentAddr); err != nil {
		return pass.Progress{}, fmt.Errorf("ledger/postgres: create progress: %w", err)
	}

	p, err := scanProgress(t.tx.QueryRow(ctx, `
		SELECT `+progressColumns+`
		FROM user_seasons
		WHERE planet_id = $1 AND season_id = $2 AND avatar_addr = $3
		FOR UPDATE
	`, planetID, seasonID, avatarAddr))
	if err != nil {
		return pass.Progress{}, fmt.Errorf("ledger/postgres: lock progress: %w", err)
	}
	if p.AgentAddr == "" && agentAddr != "" {
		p.AgentAddr = agentAddr
	}
	return p, nil
}

func (t *pgTx) SaveProgress(ctx context.Context, p pass.Progress) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE user_seasons
		SET agent_addr = $4,
			exp = $5,
			level = $6,
			is_premium = $7,
			is_premium_plus = $8,
			last_normal_claim = $9,
			last_premium_claim = $10,
			updated_at = now()
		WHERE planet_id = $1 AND season_id = $2 AND avatar_addr = $3
	`, p.PlanetID, p.SeasonID, p.AvatarAddr, p.AgentAddr, p.Exp, p.Level, p.IsPremium, p.IsPremiumPlus, p.LastNormalClaim, p.LastPremiumClaim)
	if err != nil {
		return fmt.Errorf("ledger/postgres: save progress: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: progress %s/%d/%s not locked", pass.ErrNotFound, p.PlanetID, p.SeasonID, p.AvatarAddr)
	}
	return nil
}

func (t *pgTx) AppendHistory(ctx context.Context, h pass.ActionHistory) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO action_history (planet_id, season_id, block_index, tx_id, agent_addr, avatar_addr, action_type, count, exp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, h.PlanetID, h.SeasonID, h.BlockIndex, h.TxID, h.AgentAddr, h.AvatarAddr, string(h.ActionType), h.Count, h.Exp)
	if err != nil {
		return fmt.Errorf("ledger/postgres: append history: %w", err)
	}
	return nil
}

func (t *pgTx) ExploreFloor(ctx context.Context, planetID string, seasonIndex int, avatarAddr string) (int64, bool, error) {
	return exploreFloor(ctx, t.tx, planetID, seasonIndex, avatarAddr)
}

func (t *pgTx) SetExploreFloor(ctx context.Context, st pass.ExploreState) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO adventure_boss_explore (planet_id, season_index, avatar_addr, floor)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (planet_id, season_index, avatar_addr) DO UPDATE
		SET floor = EXCLUDED.floor, updated_at = now()
	`, st.PlanetID, st.SeasonIndex, st.AvatarAddr, st.Floor)
	if err != nil {
		return fmt.Errorf("ledger/postgres: set explore floor: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ ledger.Store = (*Store)(nil)
