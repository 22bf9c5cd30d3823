package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/seasonpass/tracker/internal/pass"
)

const claimColumns = `uuid, season_id, pass_type, planet_id, agent_addr, avatar_addr, reward_list, normal_levels, premium_levels, nonce, tx, tx_id, tx_status, stage_attempts, created_at, updated_at`

func scanClaim(row pgx.Row) (pass.Claim, error) {
	var (
		c        pass.Claim
		passType string
		rewards  []byte
		normal   []int32
		premium  []int32
		nonce    *int64
		txID     *string
		status   int16
	)
	if err := row.Scan(
		&c.UUID,
		&c.SeasonID,
		&passType,
		&c.PlanetID,
		&c.AgentAddr,
		&c.AvatarAddr,
		&rewards,
		&normal,
		&premium,
		&nonce,
		&c.Tx,
		&txID,
		&status,
		&c.StageAttempts,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return pass.Claim{}, err
	}
	c.PassType = pass.PassType(passType)
	if err := json.Unmarshal(rewards, &c.Rewards); err != nil {
		return pass.Claim{}, fmt.Errorf("claim %s reward_list: %w", c.UUID, err)
	}
	c.NormalLevels = fromInt32s(normal)
	c.PremiumLevels = fromInt32s(premium)
	if nonce != nil {
		n := uint64(*nonce)
		c.Nonce = &n
	}
	if txID != nil {
		c.TxID = *txID
	}
	c.Status = pass.TxStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (t *pgTx) InsertClaim(ctx context.Context, c pass.Claim) error {
	rewards := c.Rewards
	if rewards == nil {
		rewards = []pass.ClaimedReward{}
	}
	rewardJSON, err := json.Marshal(rewards)
	if err != nil {
		return fmt.Errorf("ledger/postgres: marshal rewards: %w", err)
	}
	status := c.Status
	if status == pass.TxNone {
		status = pass.TxCreated
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO claims (
			uuid,
			season_id,
			pass_type,
			planet_id,
			agent_addr,
			avatar_addr,
			reward_list,
			normal_levels,
			premium_levels,
			tx_status,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10,$11,$11)
	`, c.UUID, c.SeasonID, string(c.PassType), c.PlanetID, c.AgentAddr, c.AvatarAddr, string(rewardJSON), toInt32s(c.NormalLevels), toInt32s(c.PremiumLevels), int16(status), createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: claim %s", pass.ErrConflict, c.UUID)
		}
		return fmt.Errorf("ledger/postgres: insert claim: %w", err)
	}
	return nil
}

func (s *Store) GetClaim(ctx context.Context, uuid string) (pass.Claim, error) {
	if s == nil || s.pool == nil {
		return pass.Claim{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	c, err := scanClaim(s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE uuid = $1`, uuid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pass.Claim{}, fmt.Errorf("%w: claim %s", pass.ErrNotFound, uuid)
		}
		return pass.Claim{}, fmt.Errorf("ledger/postgres: get claim: %w", err)
	}
	return c, nil
}

func (s *Store) SetSignedTx(ctx context.Context, uuid string, tx []byte, txID string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE claims
		SET tx = $2, tx_id = $3, tx_status = $4, updated_at = now()
		WHERE uuid = $1 AND tx IS NULL
	`, uuid, tx, txID, int16(pass.TxCreated))
	if err != nil {
		return fmt.Errorf("ledger/postgres: set signed tx: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetClaim(ctx, uuid); err != nil {
		return err
	}
	return fmt.Errorf("%w: claim %s already signed", pass.ErrConflict, uuid)
}

func (s *Store) RecordStage(ctx context.Context, uuid string, status pass.TxStatus) error {
	return s.updateStatus(ctx, uuid, status, `
		UPDATE claims
		SET tx_status = $2, stage_attempts = stage_attempts + 1, updated_at = now()
		WHERE uuid = $1
	`)
}

func (s *Store) SetStatus(ctx context.Context, uuid string, status pass.TxStatus) error {
	return s.updateStatus(ctx, uuid, status, `
		UPDATE claims
		SET tx_status = $2, updated_at = now()
		WHERE uuid = $1
	`)
}

func (s *Store) updateStatus(ctx context.Context, uuid string, status pass.TxStatus, query string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, query, uuid, int16(status))
	if err != nil {
		return fmt.Errorf("ledger/postgres: update claim status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: claim %s", pass.ErrNotFound, uuid)
	}
	return nil
}

func (s *Store) ListStuck(ctx context.Context, before time.Time, limit int) ([]pass.Claim, error) {
	return s.listClaims(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE tx_status IN ($1, $2) AND created_at < $3
		ORDER BY planet_id, nonce ASC NULLS LAST, created_at, uuid
		LIMIT $4
	`, int16(pass.TxCreated), int16(pass.TxInvalid), before, limitOrAll(limit))
}

func (s *Store) ListTracking(ctx context.Context, limit int) ([]pass.Claim, error) {
	return s.listClaims(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE tx_status IN ($1, $2) AND tx_id IS NOT NULL AND tx_id <> ''
		ORDER BY planet_id, nonce ASC NULLS LAST, created_at, uuid
		LIMIT $3
	`, int16(pass.TxStaged), int16(pass.TxInvalid), limitOrAll(limit))
}

func (s *Store) listClaims(ctx context.Context, query string, args ...any) ([]pass.Claim, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list claims: %w", err)
	}
	defer rows.Close()

	var out []pass.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list claims: %w", err)
	}
	return out, nil
}

func (s *Store) CountInFlight(ctx context.Context, planetID string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM claims WHERE planet_id = $1 AND tx_status IN ($2, $3)
	`, planetID, int16(pass.TxStaged), int16(pass.TxInvalid)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: count in flight: %w", err)
	}
	return n, nil
}

// AssignNonce gives the claim a nonce under a per-planet advisory lock. next receives the
// highest nonce already assigned on the planet.
func (s *Store) AssignNonce(ctx context.Context, planetID, uuid string, next func(ctx context.Context, localMax *uint64) (uint64, error)) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('claim_nonce:' || $1))`, planetID); err != nil {
		return 0, fmt.Errorf("ledger/postgres: nonce lock: %w", err)
	}

	var existing *int64
	if err := tx.QueryRow(ctx, `SELECT nonce FROM claims WHERE uuid = $1 FOR UPDATE`, uuid).Scan(&existing); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: claim %s", pass.ErrNotFound, uuid)
		}
		return 0, fmt.Errorf("ledger/postgres: read claim nonce: %w", err)
	}
	if existing != nil {
		return uint64(*existing), nil
	}

	var maxNonce *int64
	if err := tx.QueryRow(ctx, `SELECT max(nonce) FROM claims WHERE planet_id = $1`, planetID).Scan(&maxNonce); err != nil {
		return 0, fmt.Errorf("ledger/postgres: max nonce: %w", err)
	}
	var localMax *uint64
	if maxNonce != nil {
		v := uint64(*maxNonce)
		localMax = &v
	}

	n, err := next(ctx, localMax)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `UPDATE claims SET nonce = $2, updated_at = now() WHERE uuid = $1`, uuid, int64(n)); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: nonce %d on %s", pass.ErrConflict, n, planetID)
		}
		return 0, fmt.Errorf("ledger/postgres: set nonce: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return n, nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func toInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func fromInt32s(in []int32) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
