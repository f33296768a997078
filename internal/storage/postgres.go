package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qrvio/engage/internal/models"
)

// PostgresRegistry implements Registry using PostgreSQL. Rollup counters are
// embedded as columns on the identities and scopes tables; increments run as
// single atomic UPDATE statements so concurrent events never lose counts to
// application-level read-modify-write.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry creates a new PostgreSQL-backed registry.
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

// Migrate creates the registry tables.
func (r *PostgresRegistry) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS identities (
			id                          TEXT PRIMARY KEY,
			name                        TEXT NOT NULL DEFAULT '',
			total_scans                 BIGINT NOT NULL DEFAULT 0,
			video_views                 BIGINT NOT NULL DEFAULT 0,
			video_completions           BIGINT NOT NULL DEFAULT 0,
			link_clicks                 BIGINT NOT NULL DEFAULT 0,
			social_media_clicks         BIGINT NOT NULL DEFAULT 0,
			document_views              BIGINT NOT NULL DEFAULT 0,
			document_downloads          BIGINT NOT NULL DEFAULT 0,
			ar_experience_starts        BIGINT NOT NULL DEFAULT 0,
			last_scan_at                TIMESTAMPTZ,
			last_video_view_at          TIMESTAMPTZ,
			last_ar_experience_start_at TIMESTAMPTZ,
			created_at                  TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS scopes (
			id                          TEXT NOT NULL,
			identity_id                 TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			name                        TEXT NOT NULL DEFAULT '',
			total_scans                 BIGINT NOT NULL DEFAULT 0,
			video_views                 BIGINT NOT NULL DEFAULT 0,
			video_completions           BIGINT NOT NULL DEFAULT 0,
			link_clicks                 BIGINT NOT NULL DEFAULT 0,
			social_media_clicks         BIGINT NOT NULL DEFAULT 0,
			document_views              BIGINT NOT NULL DEFAULT 0,
			document_downloads          BIGINT NOT NULL DEFAULT 0,
			ar_experience_starts        BIGINT NOT NULL DEFAULT 0,
			last_scan_at                TIMESTAMPTZ,
			last_video_view_at          TIMESTAMPTZ,
			last_ar_experience_start_at TIMESTAMPTZ,
			created_at                  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (identity_id, id)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate registry tables: %w", err)
	}
	return nil
}

const counterColumns = `total_scans, video_views, video_completions, link_clicks,
	social_media_clicks, document_views, document_downloads, ar_experience_starts,
	last_scan_at, last_video_view_at, last_ar_experience_start_at`

func scanCounters(row pgx.Row, id, name *string, c *models.RollupCounters, createdAt *time.Time, extraDst ...interface{}) error {
	dst := append(extraDst,
		id, name,
		&c.TotalScans, &c.VideoViews, &c.VideoCompletions, &c.LinkClicks,
		&c.SocialMediaClicks, &c.DocumentViews, &c.DocumentDownloads, &c.ARExperienceStarts,
		&c.LastScanAt, &c.LastVideoViewAt, &c.LastARExperienceStartAt,
		createdAt,
	)
	return row.Scan(dst...)
}

// =============================================
// Identities
// =============================================

func (r *PostgresRegistry) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, `+counterColumns+`, created_at
		FROM identities WHERE id = $1
	`, id)

	var identity models.Identity
	err := scanCounters(row, &identity.ID, &identity.Name, &identity.Counters, &identity.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return &identity, nil
}

func (r *PostgresRegistry) UpsertIdentity(ctx context.Context, identity *models.Identity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO identities (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, identity.ID, identity.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert identity: %w", err)
	}
	return nil
}

// =============================================
// Scopes
// =============================================

func (r *PostgresRegistry) GetScope(ctx context.Context, identityID, scopeID string) (*models.Scope, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT identity_id, id, name, `+counterColumns+`, created_at
		FROM scopes WHERE identity_id = $1 AND id = $2
	`, identityID, scopeID)

	var scope models.Scope
	err := scanCounters(row, &scope.ID, &scope.Name, &scope.Counters, &scope.CreatedAt, &scope.IdentityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scope: %w", err)
	}
	return &scope, nil
}

func (r *PostgresRegistry) UpsertScope(ctx context.Context, scope *models.Scope) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scopes (identity_id, id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_id, id) DO UPDATE SET name = EXCLUDED.name
	`, scope.IdentityID, scope.ID, scope.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert scope: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) ListScopes(ctx context.Context, identityID string) ([]*models.Scope, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT identity_id, id, name, `+counterColumns+`, created_at
		FROM scopes WHERE identity_id = $1 ORDER BY id
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []*models.Scope
	for rows.Next() {
		var scope models.Scope
		if err := scanCounters(rows, &scope.ID, &scope.Name, &scope.Counters, &scope.CreatedAt, &scope.IdentityID); err != nil {
			return nil, err
		}
		scopes = append(scopes, &scope)
	}
	return scopes, rows.Err()
}

// =============================================
// Counter increments
// =============================================

// IncrementIdentityCounters applies the kind's mapped counter as one atomic
// UPDATE on the identity row. Kinds with no mapped counter are no-ops.
func (r *PostgresRegistry) IncrementIdentityCounters(ctx context.Context, identityID string, kind models.Kind, at time.Time) error {
	m, ok := models.CounterForKind(kind)
	if !ok {
		return nil
	}

	// Column names come from the fixed CounterField table, never from input.
	query := fmt.Sprintf("UPDATE identities SET %s = %s + 1", m.Counter, m.Counter)
	args := []interface{}{identityID}
	if m.Timestamp != "" {
		query += fmt.Sprintf(", %s = $2", m.Timestamp)
		args = append(args, at)
	}
	query += " WHERE id = $1"

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to increment identity counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// IncrementScopeCounters applies the kind's mapped counter against the scope
// row addressed by (identity_id, id), so concurrent writes to sibling scopes
// under the same identity never collide.
func (r *PostgresRegistry) IncrementScopeCounters(ctx context.Context, identityID, scopeID string, kind models.Kind, at time.Time) error {
	m, ok := models.CounterForKind(kind)
	if !ok {
		return nil
	}

	query := fmt.Sprintf("UPDATE scopes SET %s = %s + 1", m.Counter, m.Counter)
	args := []interface{}{identityID, scopeID}
	if m.Timestamp != "" {
		query += fmt.Sprintf(", %s = $3", m.Timestamp)
		args = append(args, at)
	}
	query += " WHERE identity_id = $1 AND id = $2"

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to increment scope counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// =============================================
// Rebuild writes
// =============================================

const setCountersClause = `
	total_scans = $2, video_views = $3, video_completions = $4, link_clicks = $5,
	social_media_clicks = $6, document_views = $7, document_downloads = $8,
	ar_experience_starts = $9, last_scan_at = $10, last_video_view_at = $11,
	last_ar_experience_start_at = $12`

func counterArgs(id string, c models.RollupCounters) []interface{} {
	return []interface{}{
		id,
		c.TotalScans, c.VideoViews, c.VideoCompletions, c.LinkClicks,
		c.SocialMediaClicks, c.DocumentViews, c.DocumentDownloads, c.ARExperienceStarts,
		c.LastScanAt, c.LastVideoViewAt, c.LastARExperienceStartAt,
	}
}

func (r *PostgresRegistry) SetIdentityCounters(ctx context.Context, identityID string, c models.RollupCounters) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE identities SET"+setCountersClause+" WHERE id = $1",
		counterArgs(identityID, c)...)
	if err != nil {
		return fmt.Errorf("failed to set identity counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *PostgresRegistry) SetScopeCounters(ctx context.Context, identityID, scopeID string, c models.RollupCounters) error {
	args := append(counterArgs(scopeID, c), identityID)
	tag, err := r.pool.Exec(ctx,
		"UPDATE scopes SET"+setCountersClause+" WHERE id = $1 AND identity_id = $13",
		args...)
	if err != nil {
		return fmt.Errorf("failed to set scope counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
