package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/seasonpass/tracker/internal/catalog"
	"github.com/seasonpass/tracker/internal/pass"
)

var ErrInvalidConfig = errors.New("catalog/postgres: invalid config")

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
		return fmt.Errorf("catalog/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) ListSeasons(ctx context.Context, pt pass.PassType) ([]pass.Season, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, season_index, start_at, end_at, exp_table, reward_list, instant_exp
		FROM seasons
		WHERE pass_type = $1
		ORDER BY id
	`, string(pt))
	if err != nil {
		return nil, fmt.Errorf("catalog/postgres: list seasons: %w", err)
	}
	defer rows.Close()

	var out []pass.Season
	for rows.Next() {
		var (
			season     = pass.Season{PassType: pt}
			start, end *time.Time
			expTable   []byte
			rewardList []byte
		)
		if err := rows.Scan(&season.ID, &season.Index, &start, &end, &expTable, &rewardList, &season.InstantExp); err != nil {
			return nil, fmt.Errorf("catalog/postgres: scan season: %w", err)
		}
		season.Start, season.End = utcPtr(start), utcPtr(end)
		if err := json.Unmarshal(expTable, &season.ExpTable); err != nil {
			return nil, fmt.Errorf("catalog/postgres: season %d exp_table: %w", season.ID, err)
		}
		if err := json.Unmarshal(rewardList, &season.Rewards); err != nil {
			return nil, fmt.Errorf("catalog/postgres: season %d reward_list: %w", season.ID, err)
		}
		out = append(out, season)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog/postgres: list seasons: %w", err)
	}
	return out, nil
}

func (s *Store) ListLevels(ctx context.Context, pt pass.PassType) ([]pass.LevelThreshold, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `SELECT level, exp FROM levels WHERE pass_type = $1 ORDER BY level DESC`, string(pt))
	if err != nil {
		return nil, fmt.Errorf("catalog/postgres: list levels: %w", err)
	}
	defer rows.Close()

	var out []pass.LevelThreshold
	for rows.Next() {
		l := pass.LevelThreshold{PassType: pt}
		if err := rows.Scan(&l.Level, &l.Exp); err != nil {
			return nil, fmt.Errorf("catalog/postgres: scan level: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog/postgres: list levels: %w", err)
	}
	return out, nil
}

// UpsertSeason inserts a season keyed by (pass type, index) and returns its id.
// Existing seasons only have their bounds updated.
func (s *Store) UpsertSeason(ctx context.Context, season pass.Season) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	expTable := season.ExpTable
	if expTable == nil {
		expTable = map[pass.ActionType]int64{}
	}
	rewards := season.Rewards
	if rewards == nil {
		rewards = []pass.LevelReward{}
	}
	expJSON, err := json.Marshal(expTable)
	if err != nil {
		return 0, fmt.Errorf("catalog/postgres: marshal exp table: %w", err)
	}
	rewardJSON, err := json.Marshal(rewards)
	if err != nil {
		return 0, fmt.Errorf("catalog/postgres: marshal rewards: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO seasons (pass_type, season_index, start_at, end_at, exp_table, reward_list, instant_exp)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7)
		ON CONFLICT (pass_type, season_index) DO UPDATE
		SET start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			updated_at = now()
		RETURNING id
	`, string(season.PassType), season.Index, season.Start, season.End, string(expJSON), string(rewardJSON), season.InstantExp).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("catalog/postgres: upsert season: %w", err)
	}
	return id, nil
}

// ReplaceLevels swaps the level table of pt atomically.
func (s *Store) ReplaceLevels(ctx context.Context, pt pass.PassType, levels []pass.LevelThreshold) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("catalog/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM levels WHERE pass_type = $1`, string(pt)); err != nil {
		return fmt.Errorf("catalog/postgres: clear levels: %w", err)
	}
	for _, l := range levels {
		if _, err := tx.Exec(ctx, `INSERT INTO levels (pass_type, level, exp) VALUES ($1,$2,$3)`, string(pt), l.Level, l.Exp); err != nil {
			return fmt.Errorf("catalog/postgres: insert level %d: %w", l.Level, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("catalog/postgres: commit: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ catalog.Store = (*Store)(nil)
