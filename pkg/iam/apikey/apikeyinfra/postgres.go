package apikeyinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/iam/apikey"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	secret_hash  TEXT NOT NULL,
	key_prefix   TEXT NOT NULL,
	project_id   TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	scopes       TEXT[] NOT NULL DEFAULT '{}',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at   TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_keys_project ON api_keys (project_id);
`

// PostgresAPIKeyRepository implementación de PostgreSQL para APIKeyRepository
type PostgresAPIKeyRepository struct {
	db *sqlx.DB
}

// NewPostgresAPIKeyRepository crea una nueva instancia del repositorio de API keys
func NewPostgresAPIKeyRepository(db *sqlx.DB) *PostgresAPIKeyRepository {
	return &PostgresAPIKeyRepository{
		db: db,
	}
}

// EnsureSchema crea la tabla api_keys si no existe
func (r *PostgresAPIKeyRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return errx.Wrap(err, "failed to ensure api_keys schema", errx.TypeInternal)
	}
	return nil
}

// apiKeyRow es la proyección de base de datos; pq.StringArray maneja TEXT[]
type apiKeyRow struct {
	ID          string         `db:"id"`
	SecretHash  string         `db:"secret_hash"`
	KeyPrefix   string         `db:"key_prefix"`
	ProjectID   string         `db:"project_id"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Scopes      pq.StringArray `db:"scopes"`
	IsActive    bool           `db:"is_active"`
	ExpiresAt   *time.Time     `db:"expires_at"`
	LastUsedAt  *time.Time     `db:"last_used_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func toRow(k apikey.APIKey) apiKeyRow {
	return apiKeyRow{
		ID:          k.ID.String(),
		SecretHash:  k.SecretHash,
		KeyPrefix:   k.KeyPrefix,
		ProjectID:   k.ProjectID.String(),
		Name:        k.Name,
		Description: k.Description,
		Scopes:      pq.StringArray(k.Scopes),
		IsActive:    k.IsActive,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
		CreatedAt:   k.CreatedAt,
		UpdatedAt:   k.UpdatedAt,
	}
}

func (row apiKeyRow) toEntity() *apikey.APIKey {
	return &apikey.APIKey{
		ID:          kernel.NewAPIKeyID(row.ID),
		SecretHash:  row.SecretHash,
		KeyPrefix:   row.KeyPrefix,
		ProjectID:   kernel.NewProjectID(row.ProjectID),
		Name:        row.Name,
		Description: row.Description,
		Scopes:      []string(row.Scopes),
		IsActive:    row.IsActive,
		ExpiresAt:   row.ExpiresAt,
		LastUsedAt:  row.LastUsedAt,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

// Save inserta una nueva API key
func (r *PostgresAPIKeyRepository) Save(ctx context.Context, k apikey.APIKey) error {
	query := `
		INSERT INTO api_keys (
			id, secret_hash, key_prefix, project_id, name, description,
			scopes, is_active, expires_at, last_used_at, created_at, updated_at
		) VALUES (
			:id, :secret_hash, :key_prefix, :project_id, :name, :description,
			:scopes, :is_active, :expires_at, :last_used_at, :created_at, :updated_at
		)`

	_, err := r.db.NamedExecContext(ctx, query, toRow(k))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errx.Wrap(err, "api key id collision", errx.TypeConflict).
				WithDetail("key_id", k.ID.String())
		}
		return errx.Wrap(err, "failed to save api key", errx.TypeInternal).
			WithDetail("key_id", k.ID.String())
	}

	return nil
}

// FindByID busca una API key por su id
func (r *PostgresAPIKeyRepository) FindByID(ctx context.Context, id kernel.APIKeyID) (*apikey.APIKey, error) {
	query := `
		SELECT
			id, secret_hash, key_prefix, project_id, name, description,
			scopes, is_active, expires_at, last_used_at, created_at, updated_at
		FROM api_keys
		WHERE id = $1`

	var row apiKeyRow
	err := r.db.GetContext(ctx, &row, query, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apikey.ErrAPIKeyNotFound().WithDetail("key_id", id.String())
		}
		return nil, errx.Wrap(err, "failed to find api key by id", errx.TypeInternal).
			WithDetail("key_id", id.String())
	}

	return row.toEntity(), nil
}

// FindAll lista todas las API keys
func (r *PostgresAPIKeyRepository) FindAll(ctx context.Context) ([]*apikey.APIKey, error) {
	query := `
		SELECT
			id, secret_hash, key_prefix, project_id, name, description,
			scopes, is_active, expires_at, last_used_at, created_at, updated_at
		FROM api_keys
		ORDER BY created_at DESC`

	var rows []apiKeyRow
	err := r.db.SelectContext(ctx, &rows, query)
	if err != nil {
		return nil, errx.Wrap(err, "failed to list api keys", errx.TypeInternal)
	}

	result := make([]*apikey.APIKey, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}

	return result, nil
}

// FindByProject lista las API keys vinculadas a un proyecto
func (r *PostgresAPIKeyRepository) FindByProject(ctx context.Context, projectID kernel.ProjectID) ([]*apikey.APIKey, error) {
	query := `
		SELECT
			id, secret_hash, key_prefix, project_id, name, description,
			scopes, is_active, expires_at, last_used_at, created_at, updated_at
		FROM api_keys
		WHERE project_id = $1
		ORDER BY created_at DESC`

	var rows []apiKeyRow
	err := r.db.SelectContext(ctx, &rows, query, projectID.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list api keys by project", errx.TypeInternal).
			WithDetail("project_id", projectID.String())
	}

	result := make([]*apikey.APIKey, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}

	return result, nil
}

// Update actualiza una API key existente
func (r *PostgresAPIKeyRepository) Update(ctx context.Context, k apikey.APIKey) error {
	query := `
		UPDATE api_keys SET
			name = :name,
			description = :description,
			scopes = :scopes,
			is_active = :is_active,
			expires_at = :expires_at,
			last_used_at = :last_used_at,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, toRow(k))
	if err != nil {
		return errx.Wrap(err, "failed to update api key", errx.TypeInternal).
			WithDetail("key_id", k.ID.String())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}

	if rowsAffected == 0 {
		return apikey.ErrAPIKeyNotFound().WithDetail("key_id", k.ID.String())
	}

	return nil
}

// TouchLastUsed actualiza la marca de último uso sin tocar updated_at
func (r *PostgresAPIKeyRepository) TouchLastUsed(ctx context.Context, id kernel.APIKeyID) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id.String()); err != nil {
		return errx.Wrap(err, "failed to touch api key last_used_at", errx.TypeInternal).
			WithDetail("key_id", id.String())
	}

	return nil
}
