package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS seasons (
	id BIGSERIAL PRIMARY KEY,
	pass_type TEXT NOT NULL,
	season_index INTEGER NOT NULL,

	start_at TIMESTAMPTZ,
	end_at TIMESTAMPTZ,

	exp_table JSONB NOT NULL DEFAULT '{}'::jsonb,
	reward_list JSONB NOT NULL DEFAULT '[]'::jsonb,
	instant_exp BIGINT NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	UNIQUE (pass_type, season_index),
	CONSTRAINT seasons_interval CHECK (start_at IS NULL OR end_at IS NULL OR start_at <= end_at),
	CONSTRAINT seasons_instant_exp_nonneg CHECK (instant_exp >= 0)
);

CREATE TABLE IF NOT EXISTS levels (
	pass_type TEXT NOT NULL,
	level INTEGER NOT NULL,
	exp BIGINT NOT NULL,

	PRIMARY KEY (pass_type, level),
	CONSTRAINT levels_exp_nonneg CHECK (exp >= 0)
);
`
