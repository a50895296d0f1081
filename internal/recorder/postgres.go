package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamepulsehq/relay/pkg/types"
)

// PostgresStore implements Store backed by PostgreSQL, for deployments where
// recordings must outlive the relay host.
//
// Expected schema:
//
//	CREATE TABLE relay_recordings (
//	    id         TEXT PRIMARY KEY,
//	    name       TEXT NOT NULL,
//	    started_at TIMESTAMPTZ NOT NULL,
//	    ended_at   TIMESTAMPTZ,
//	    metadata   JSONB NOT NULL,
//	    events     JSONB NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects using the supplied connection string and verifies
// the connection before returning.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases database resources.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) Save(ctx context.Context, rec types.Recording) error {
	if rec.ID == "" {
		return fmt.Errorf("recorder: recording id is required")
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	const upsert = `
INSERT INTO relay_recordings (id, name, started_at, ended_at, metadata, events)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
   SET name = EXCLUDED.name,
       ended_at = EXCLUDED.ended_at,
       metadata = EXCLUDED.metadata,
       events = EXCLUDED.events;
`
	_, err = p.pool.Exec(ctx, upsert, rec.ID, rec.Name, rec.StartedAt, nullTime(rec.EndedAt), metadata, events)
	if err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, id string) (types.Recording, error) {
	const query = `
SELECT id, name, started_at, ended_at, metadata, events
  FROM relay_recordings
 WHERE id = $1;
`
	rec, err := scanRecording(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Recording{}, ErrRecordingNotFound
		}
		return types.Recording{}, fmt.Errorf("load recording: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]types.Recording, error) {
	const query = `
SELECT id, name, started_at, ended_at, metadata, events
  FROM relay_recordings
 ORDER BY started_at;
`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []types.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM relay_recordings WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordingNotFound
	}
	return nil
}

func scanRecording(row pgx.Row) (types.Recording, error) {
	var rec types.Recording
	var endedAt *time.Time
	var metadata, events []byte
	if err := row.Scan(&rec.ID, &rec.Name, &rec.StartedAt, &endedAt, &metadata, &events); err != nil {
		return types.Recording{}, err
	}
	if endedAt != nil {
		rec.EndedAt = endedAt.UTC()
	}
	rec.StartedAt = rec.StartedAt.UTC()
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return types.Recording{}, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(events, &rec.Events); err != nil {
		return types.Recording{}, fmt.Errorf("decode events: %w", err)
	}
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
