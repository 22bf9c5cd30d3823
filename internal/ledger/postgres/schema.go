package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS block_watermarks (
	planet_id TEXT NOT NULL,
	pass_type TEXT NOT NULL,
	block_index BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (planet_id, pass_type, block_index),
	CONSTRAINT block_index_nonneg CHECK (block_index >= 0)
);

CREATE TABLE IF NOT EXISTS user_seasons (
	planet_id TEXT NOT NULL,
	season_id BIGINT NOT NULL,
	avatar_addr TEXT NOT NULL,
	agent_addr TEXT NOT NULL DEFAULT '',

	exp BIGINT NOT NULL DEFAULT 0,
	level INTEGER NOT NULL DEFAULT 0,
	is_premium BOOLEAN NOT NULL DEFAULT false,
	is_premium_plus BOOLEAN NOT NULL DEFAULT false,
	last_normal_claim INTEGER NOT NULL DEFAULT 0,
	last_premium_claim INTEGER NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (planet_id, season_id, avatar_addr),
	CONSTRAINT claim_levels_nonneg CHECK (last_normal_claim >= 0 AND last_premium_claim >= 0)
);

CREATE TABLE IF NOT EXISTS action_history (
	id BIGSERIAL PRIMARY KEY,
	planet_id TEXT NOT NULL,
	season_id BIGINT NOT NULL,
	block_index BIGINT NOT NULL,
	tx_id TEXT NOT NULL DEFAULT '',
	agent_addr TEXT NOT NULL DEFAULT '',
	avatar_addr TEXT NOT NULL,
	action_type TEXT NOT NULL,
	count BIGINT NOT NULL,
	exp BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS action_history_avatar_idx ON action_history (planet_id, season_id, avatar_addr);

CREATE TABLE IF NOT EXISTS adventure_boss_explore (
	planet_id TEXT NOT NULL,
	season_index INTEGER NOT NULL,
	avatar_addr TEXT NOT NULL,
	floor BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (planet_id, season_index, avatar_addr)
);

CREATE TABLE IF NOT EXISTS claims (
	uuid TEXT PRIMARY KEY,
	season_id BIGINT NOT NULL,
	pass_type TEXT NOT NULL,
	planet_id TEXT NOT NULL,
	agent_addr TEXT NOT NULL DEFAULT '',
	avatar_addr TEXT NOT NULL,

	reward_list JSONB NOT NULL DEFAULT '[]'::jsonb,
	normal_levels INTEGER[] NOT NULL DEFAULT '{}',
	premium_levels INTEGER[] NOT NULL DEFAULT '{}',

	nonce BIGINT,
	tx BYTEA,
	tx_id TEXT,
	tx_status SMALLINT NOT NULL,
	stage_attempts INTEGER NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	UNIQUE (planet_id, nonce),
	CONSTRAINT nonce_nonneg CHECK (nonce IS NULL OR nonce >= 0),
	CONSTRAINT tx_status_range CHECK (tx_status >= 1 AND tx_status <= 8)
);

CREATE INDEX IF NOT EXISTS claims_status_idx ON claims (tx_status, planet_id, nonce);
`
