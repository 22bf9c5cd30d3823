package postgres

// term only moves when owner changes; a released lease keeps its row.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS leader_leases (
	name       TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	term       BIGINT NOT NULL DEFAULT 1 CHECK (term > 0),
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
