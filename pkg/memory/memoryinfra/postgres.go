package memoryinfra

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/memory"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresUnitRepository implements memory.UnitRepository on Postgres.
// Multi-unit writes run in a single transaction; per-row state guards turn
// concurrent claims into StaleState instead of lost updates.
type PostgresUnitRepository struct {
	db *sqlx.DB
}

func NewPostgresUnitRepository(db *sqlx.DB) *PostgresUnitRepository {
	return &PostgresUnitRepository{
		db: db,
	}
}

const unitColumns = `
	id, project_id, role, content, embedding_ref, state,
	quality_score, token_count, source_cluster, created_at, last_reviewed_at`

type unitRow struct {
	ID             string         `db:"id"`
	ProjectID      string         `db:"project_id"`
	Role           string         `db:"role"`
	Content        string         `db:"content"`
	EmbeddingRef   string         `db:"embedding_ref"`
	State          string         `db:"state"`
	QualityScore   float64        `db:"quality_score"`
	TokenCount     int            `db:"token_count"`
	SourceCluster  pq.StringArray `db:"source_cluster"`
	CreatedAt      time.Time      `db:"created_at"`
	LastReviewedAt time.Time      `db:"last_reviewed_at"`
}

func toUnitRow(u memory.MemoryUnit) unitRow {
	sources := make(pq.StringArray, len(u.SourceCluster))
	for i, id := range u.SourceCluster {
		sources[i] = id.String()
	}
	return unitRow{
		ID:             u.ID.String(),
		ProjectID:      u.ProjectID.String(),
		Role:           u.Role,
		Content:        u.Content,
		EmbeddingRef:   u.EmbeddingRef,
		State:          string(u.State),
		QualityScore:   u.QualityScore,
		TokenCount:     u.TokenCount,
		SourceCluster:  sources,
		CreatedAt:      u.CreatedAt,
		LastReviewedAt: u.LastReviewedAt,
	}
}

func (row unitRow) toEntity() *memory.MemoryUnit {
	var sources []kernel.UnitID
	if len(row.SourceCluster) > 0 {
		sources = make([]kernel.UnitID, len(row.SourceCluster))
		for i, id := range row.SourceCluster {
			sources[i] = kernel.UnitIDFrom(id)
		}
	}
	return &memory.MemoryUnit{
		ID:             kernel.UnitIDFrom(row.ID),
		ProjectID:      kernel.NewProjectID(row.ProjectID),
		Role:           row.Role,
		Content:        row.Content,
		EmbeddingRef:   row.EmbeddingRef,
		State:          memory.State(row.State),
		QualityScore:   row.QualityScore,
		TokenCount:     row.TokenCount,
		SourceCluster:  sources,
		CreatedAt:      row.CreatedAt,
		LastReviewedAt: row.LastReviewedAt,
	}
}

func idStrings(ids []kernel.UnitID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func toEntities(rows []unitRow) []*memory.MemoryUnit {
	result := make([]*memory.MemoryUnit, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}
	return result
}

// Create inserts a new unit.
func (r *PostgresUnitRepository) Create(ctx context.Context, u memory.MemoryUnit) error {
	query := `
		INSERT INTO memory_units (
			id, project_id, role, content, embedding_ref, state,
			quality_score, token_count, source_cluster, created_at, last_reviewed_at
		) VALUES (
			:id, :project_id, :role, :content, :embedding_ref, :state,
			:quality_score, :token_count, :source_cluster, :created_at, :last_reviewed_at
		)`

	_, err := r.db.NamedExecContext(ctx, query, toUnitRow(u))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errx.Wrap(err, "memory unit id collision", errx.TypeConflict).
				WithDetail("unit_id", u.ID.String())
		}
		return errx.Wrap(err, "failed to create memory unit", errx.TypeInternal).
			WithDetail("unit_id", u.ID.String()).
			WithDetail("project_id", u.ProjectID.String())
	}

	return nil
}

// Get fetches a unit by id.
func (r *PostgresUnitRepository) Get(ctx context.Context, id kernel.UnitID) (*memory.MemoryUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM memory_units WHERE id = $1`

	var row unitRow
	err := r.db.GetContext(ctx, &row, query, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, memory.ErrUnitNotFound().WithDetail("unit_id", id.String())
		}
		return nil, errx.Wrap(err, "failed to get memory unit", errx.TypeInternal).
			WithDetail("unit_id", id.String())
	}

	return row.toEntity(), nil
}

// GetMany fetches the units that still exist; missing ids are omitted.
func (r *PostgresUnitRepository) GetMany(ctx context.Context, ids []kernel.UnitID) ([]*memory.MemoryUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + unitColumns + ` FROM memory_units WHERE id = ANY($1)`

	var rows []unitRow
	err := r.db.SelectContext(ctx, &rows, query, pq.Array(idStrings(ids)))
	if err != nil {
		return nil, errx.Wrap(err, "failed to get memory units", errx.TypeInternal)
	}

	return toEntities(rows), nil
}

// FindByProject lists a project's units, optionally filtered by state and age.
func (r *PostgresUnitRepository) FindByProject(ctx context.Context, projectID kernel.ProjectID, filter memory.UnitFilter) ([]*memory.MemoryUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM memory_units WHERE project_id = $1`
	args := []any{projectID.String()}

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		args = append(args, pq.Array(states))
		query += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	if filter.OlderThan != nil {
		args = append(args, *filter.OlderThan)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	if filter.OrderByAsc {
		query += " ORDER BY created_at ASC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []unitRow
	err := r.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, errx.Wrap(err, "failed to find memory units by project", errx.TypeInternal).
			WithDetail("project_id", projectID.String())
	}

	return toEntities(rows), nil
}

// UpdateState is the compare-and-swap every state transition goes through.
func (r *PostgresUnitRepository) UpdateState(ctx context.Context, id kernel.UnitID, expectedState, newState memory.State, reviewedAt time.Time) error {
	if err := memory.ValidateTransition(expectedState, newState); err != nil {
		return err
	}

	query := `
		UPDATE memory_units
		SET state = $1, last_reviewed_at = $2
		WHERE id = $3 AND state = $4`

	result, err := r.db.ExecContext(ctx, query, string(newState), reviewedAt, id.String(), string(expectedState))
	if err != nil {
		return errx.Wrap(err, "failed to update memory unit state", errx.TypeInternal).
			WithDetail("unit_id", id.String())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rowsAffected > 0 {
		return nil
	}

	var current string
	err = r.db.GetContext(ctx, &current, `SELECT state FROM memory_units WHERE id = $1`, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return memory.ErrUnitNotFound().WithDetail("unit_id", id.String())
		}
		return errx.Wrap(err, "failed to read memory unit state", errx.TypeInternal).
			WithDetail("unit_id", id.String())
	}

	return memory.ErrStaleState().
		WithDetail("unit_id", id.String()).
		WithDetail("expected_state", string(expectedState)).
		WithDetail("current_state", current)
}

// BulkArchive archives every listed unit; any unit no longer archivable
// aborts the batch.
func (r *PostgresUnitRepository) BulkArchive(ctx context.Context, ids []kernel.UnitID, reviewedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin archive transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	query := `
		UPDATE memory_units
		SET state = $1, last_reviewed_at = $2
		WHERE id = ANY($3) AND state IN ($4, $5)`

	result, err := tx.ExecContext(ctx, query,
		string(memory.StateArchived), reviewedAt, pq.Array(idStrings(ids)),
		string(memory.StateQuick), string(memory.StateLongTerm))
	if err != nil {
		return errx.Wrap(err, "failed to bulk archive memory units", errx.TypeInternal)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if int(rowsAffected) != len(ids) {
		return memory.ErrStaleState().
			WithDetail("requested", len(ids)).
			WithDetail("archived", int(rowsAffected))
	}

	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit archive transaction", errx.TypeInternal)
	}

	return nil
}

// CompressCluster inserts the summary and archives its sources in one
// transaction. A source claimed by a concurrent sweep rolls everything back.
func (r *PostgresUnitRepository) CompressCluster(ctx context.Context, summary memory.MemoryUnit, sources []kernel.UnitID, expectedState memory.State, reviewedAt time.Time) error {
	if summary.State != memory.StateLongTerm {
		return memory.ErrInvalidInput().
			WithDetail("reason", "compression summary must be LONG_TERM").
			WithDetail("state", string(summary.State))
	}
	if len(sources) == 0 {
		return memory.ErrInvalidInput().WithDetail("reason", "compression requires source units")
	}
	if err := memory.ValidateTransition(expectedState, memory.StateArchived); err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin compression transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO memory_units (
			id, project_id, role, content, embedding_ref, state,
			quality_score, token_count, source_cluster, created_at, last_reviewed_at
		) VALUES (
			:id, :project_id, :role, :content, :embedding_ref, :state,
			:quality_score, :token_count, :source_cluster, :created_at, :last_reviewed_at
		)`

	if _, err := tx.NamedExecContext(ctx, insert, toUnitRow(summary)); err != nil {
		return errx.Wrap(err, "failed to insert summary unit", errx.TypeInternal).
			WithDetail("unit_id", summary.ID.String())
	}

	archive := `
		UPDATE memory_units
		SET state = $1, last_reviewed_at = $2
		WHERE id = ANY($3) AND state = $4 AND project_id = $5`

	result, err := tx.ExecContext(ctx, archive,
		string(memory.StateArchived), reviewedAt, pq.Array(idStrings(sources)),
		string(expectedState), summary.ProjectID.String())
	if err != nil {
		return errx.Wrap(err, "failed to archive compression sources", errx.TypeInternal)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if int(rowsAffected) != len(sources) {
		return memory.ErrStaleState().
			WithDetail("project_id", summary.ProjectID.String()).
			WithDetail("requested", len(sources)).
			WithDetail("archived", int(rowsAffected))
	}

	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit compression transaction", errx.TypeInternal)
	}

	return nil
}

// CountByState returns per-state unit counts for a project.
func (r *PostgresUnitRepository) CountByState(ctx context.Context, projectID kernel.ProjectID) (memory.StateCounts, error) {
	query := `SELECT state, COUNT(*) AS n FROM memory_units WHERE project_id = $1 GROUP BY state`

	rows := []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, projectID.String()); err != nil {
		return memory.StateCounts{}, errx.Wrap(err, "failed to count memory units", errx.TypeInternal).
			WithDetail("project_id", projectID.String())
	}

	var counts memory.StateCounts
	for _, row := range rows {
		switch memory.State(row.State) {
		case memory.StateQuick:
			counts.Quick = row.N
		case memory.StateLongTerm:
			counts.LongTerm = row.N
		case memory.StateArchived:
			counts.Archived = row.N
		case memory.StateExpired:
			counts.Expired = row.N
		}
	}

	return counts, nil
}

// ListEvictable returns eviction victims in priority order: EXPIRED first
// (oldest last_reviewed_at), then LONG_TERM by ascending quality_score and
// oldest last_reviewed_at, then QUICK oldest first.
func (r *PostgresUnitRepository) ListEvictable(ctx context.Context, projectID kernel.ProjectID, limit int) ([]*memory.MemoryUnit, error) {
	query := `SELECT ` + unitColumns + `
		FROM memory_units
		WHERE project_id = $1 AND state IN ($2, $3, $4)
		ORDER BY
			CASE state WHEN $2 THEN 0 WHEN $3 THEN 1 ELSE 2 END,
			CASE state WHEN $3 THEN quality_score ELSE 0 END ASC,
			last_reviewed_at ASC
		LIMIT $5`

	var rows []unitRow
	err := r.db.SelectContext(ctx, &rows, query,
		projectID.String(), string(memory.StateExpired), string(memory.StateLongTerm), string(memory.StateQuick), limit)
	if err != nil {
		return nil, errx.Wrap(err, "failed to list evictable memory units", errx.TypeInternal).
			WithDetail("project_id", projectID.String())
	}

	return toEntities(rows), nil
}

// ListPurgeable returns terminal units past the retention grace period.
func (r *PostgresUnitRepository) ListPurgeable(ctx context.Context, olderThan time.Time, limit int) ([]*memory.MemoryUnit, error) {
	query := `SELECT ` + unitColumns + `
		FROM memory_units
		WHERE state IN ($1, $2) AND last_reviewed_at < $3
		ORDER BY last_reviewed_at ASC
		LIMIT $4`

	var rows []unitRow
	err := r.db.SelectContext(ctx, &rows, query,
		string(memory.StateExpired), string(memory.StateArchived), olderThan, limit)
	if err != nil {
		return nil, errx.Wrap(err, "failed to list purgeable memory units", errx.TypeInternal)
	}

	return toEntities(rows), nil
}

// DeleteUnits hard-deletes units. Retention cleanup is the only caller.
func (r *PostgresUnitRepository) DeleteUnits(ctx context.Context, ids []kernel.UnitID) error {
	if len(ids) == 0 {
		return nil
	}

	query := `DELETE FROM memory_units WHERE id = ANY($1)`

	if _, err := r.db.ExecContext(ctx, query, pq.Array(idStrings(ids))); err != nil {
		return errx.Wrap(err, "failed to delete memory units", errx.TypeInternal)
	}

	return nil
}

// TouchUnits refreshes last_reviewed_at on retrieval hits.
func (r *PostgresUnitRepository) TouchUnits(ctx context.Context, ids []kernel.UnitID, reviewedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE memory_units SET last_reviewed_at = $1 WHERE id = ANY($2)`

	if _, err := r.db.ExecContext(ctx, query, reviewedAt, pq.Array(idStrings(ids))); err != nil {
		return errx.Wrap(err, "failed to touch memory units", errx.TypeInternal)
	}

	return nil
}

// ListProjects enumerates every project with at least one unit.
func (r *PostgresUnitRepository) ListProjects(ctx context.Context) ([]kernel.ProjectID, error) {
	query := `SELECT DISTINCT project_id FROM memory_units ORDER BY project_id`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, errx.Wrap(err, "failed to list projects", errx.TypeInternal)
	}

	projects := make([]kernel.ProjectID, len(ids))
	for i, id := range ids {
		projects[i] = kernel.NewProjectID(id)
	}

	return projects, nil
}
