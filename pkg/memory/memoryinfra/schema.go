package memoryinfra

import (
	"context"

	"github.com/Abraxas-365/recall/pkg/errx"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_units (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL,
	role             TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL,
	embedding_ref    TEXT NOT NULL,
	state            TEXT NOT NULL,
	quality_score    DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	token_count      INTEGER NOT NULL,
	source_cluster   TEXT[] NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL,
	last_reviewed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_units_project_state ON memory_units (project_id, state);
CREATE INDEX IF NOT EXISTS idx_memory_units_project_created ON memory_units (project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_memory_units_state_reviewed ON memory_units (state, last_reviewed_at);
`

// EnsureSchema creates the memory_units table and its indexes if missing.
// Idempotent; the container runs it once at startup.
func (r *PostgresUnitRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return errx.Wrap(err, "failed to ensure memory_units schema", errx.TypeInternal)
	}
	return nil
}
