package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a media item has no recorded verdict.
var ErrNotFound = errors.New("no verdict recorded")

// Store keeps the history of verdicts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS media (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			kind TEXT NOT NULL,
			first_seen TIMESTAMPTZ DEFAULT NOW(),
			last_seen TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS verdicts (
			id UUID PRIMARY KEY,
			media_id TEXT NOT NULL REFERENCES media(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			partial BOOLEAN NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			faces INT NOT NULL,
			frames_sampled INT NOT NULL,
			frames_decoded INT NOT NULL,
			stride INT NOT NULL,
			detector BOOLEAN NOT NULL,
			elapsed_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS verdicts_media_id_idx ON verdicts (media_id, created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Settings are the request options stored next to a verdict.
type Settings struct {
	Stride   int
	Detector bool
}

// Record is one stored verdict.
type Record struct {
	ID        uuid.UUID
	MediaID   string
	Path      string
	Kind      types.MediaKind
	Settings  Settings
	Verdict   types.Verdict
	CreatedAt time.Time
}

// RecordVerdict registers the media (refreshing last_seen if known) and stores the verdict.
func (s *Store) RecordVerdict(ctx context.Context, mediaID, path string, settings Settings, v types.Verdict) (uuid.UUID, error) {
	id := uuid.New()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO media (id, path, kind, first_seen, last_seen)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET last_seen = NOW(), path = EXCLUDED.path
	`, mediaID, path, string(v.Kind))
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert media: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO verdicts (
			id, media_id, label, confidence, partial, reason, faces,
			frames_sampled, frames_decoded, stride, detector, elapsed_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, id, mediaID, string(v.Label), v.Confidence, v.Partial, string(v.Reason), v.Faces,
		v.FramesSampled, v.FramesDecoded, settings.Stride, settings.Detector, v.Elapsed.Milliseconds())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert verdict: %w", err)
	}

	return id, tx.Commit(ctx)
}

const selectRecords = `
	SELECT v.id, v.media_id, m.path, m.kind, v.label, v.confidence, v.partial, v.reason, v.faces,
		v.frames_sampled, v.frames_decoded, v.stride, v.detector, v.elapsed_ms, v.created_at
	FROM verdicts v JOIN media m ON m.id = v.media_id`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r                   Record
		kind, label, reason string
		elapsedMs           int64
	)
	err := row.Scan(&r.ID, &r.MediaID, &r.Path, &kind, &label, &r.Verdict.Confidence, &r.Verdict.Partial,
		&reason, &r.Verdict.Faces, &r.Verdict.FramesSampled, &r.Verdict.FramesDecoded,
		&r.Settings.Stride, &r.Settings.Detector, &elapsedMs, &r.CreatedAt)
	if err != nil {
		return Record{}, err
	}
	r.Kind = types.MediaKind(kind)
	r.Verdict.Kind = r.Kind
	r.Verdict.Label = types.Label(label)
	r.Verdict.Reason = types.TruncationReason(reason)
	r.Verdict.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	return r, nil
}

// ListVerdicts returns the most recent verdicts first. limit <= 0 returns all of them.
func (s *Store) ListVerdicts(ctx context.Context, limit int) ([]Record, error) {
	query := selectRecords + ` ORDER BY v.created_at DESC, v.id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestVerdict returns the newest verdict for mediaID, or ErrNotFound.
func (s *Store) LatestVerdict(ctx context.Context, mediaID string) (Record, error) {
	row := s.pool.QueryRow(ctx, selectRecords+` WHERE v.media_id = $1 ORDER BY v.created_at DESC LIMIT 1`, mediaID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// Reset drops all application tables to clear the database state.
// The schema is recreated on the next New.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS verdicts CASCADE;
		DROP TABLE IF EXISTS media CASCADE;
	`)
	return err
}
