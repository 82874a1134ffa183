// Package store persists template snapshots in Postgres with a monotonic
// version per template. The version is the server-side sequencer: a change is
// accepted only when it was made against the current version, so concurrent
// edits cannot silently overwrite each other.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaneah/infyemailer-sub009/pkg/collab"
)

const schema = `
CREATE TABLE IF NOT EXISTS template_snapshots (
	template_id TEXT PRIMARY KEY,
	version     BIGINT NOT NULL DEFAULT 0,
	data        JSONB,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres implements collab.SnapshotStore on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and ensures the snapshot table exists.
func New(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Load returns the latest snapshot and version for a template.
func (p *Postgres) Load(ctx context.Context, templateID string) (json.RawMessage, int64, error) {
	var data []byte
	var version int64
	err := p.pool.QueryRow(ctx,
		`SELECT data, version FROM template_snapshots WHERE template_id = $1`,
		templateID,
	).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, collab.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: load %s: %w", templateID, err)
	}
	return data, version, nil
}

// Save writes a snapshot if and only if baseVersion matches the stored
// version. A baseVersion of 0 may also create the row. Returns the new
// version, or collab.ErrStaleVersion when the compare-and-swap loses.
func (p *Postgres) Save(ctx context.Context, templateID string, data json.RawMessage, baseVersion int64) (int64, error) {
	if baseVersion == 0 {
		var version int64
		err := p.pool.QueryRow(ctx, `
			INSERT INTO template_snapshots (template_id, version, data, updated_at)
			VALUES ($1, 1, $2, now())
			ON CONFLICT (template_id) DO UPDATE
				SET version = template_snapshots.version + 1,
				    data = EXCLUDED.data,
				    updated_at = now()
				WHERE template_snapshots.version = 0
			RETURNING version`,
			templateID, data,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, collab.ErrStaleVersion
		}
		if err != nil {
			return 0, fmt.Errorf("store: save %s: %w", templateID, err)
		}
		return version, nil
	}

	var version int64
	err := p.pool.QueryRow(ctx, `
		UPDATE template_snapshots
		SET version = version + 1, data = $2, updated_at = now()
		WHERE template_id = $1 AND version = $3
		RETURNING version`,
		templateID, data, baseVersion,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, collab.ErrStaleVersion
	}
	if err != nil {
		return 0, fmt.Errorf("store: save %s: %w", templateID, err)
	}
	return version, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
