package mute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eberran/voicemesh/internal/reliability"
)

// PostgresStore persists mutes in PostgreSQL so they survive restarts
// and are shared across server instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	// The database frequently comes up alongside the server; ride out
	// its startup window.
	err = reliability.Retry(ctx, 5, 200*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_mutes (
			participant_id UUID PRIMARY KEY,
			muted_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_mutes_until ON voice_mutes (until);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var until *time.Time
	if !record.Until.IsZero() {
		until = &record.Until
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_mutes (participant_id, muted_by, reason, until, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (participant_id) DO UPDATE
		 SET muted_by = EXCLUDED.muted_by, reason = EXCLUDED.reason, until = EXCLUDED.until`,
		record.ParticipantID,
		record.MutedBy,
		record.Reason,
		until,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put mute: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, participantID uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT participant_id, muted_by, reason, until, created_at
		 FROM voice_mutes WHERE participant_id=$1`,
		participantID,
	)

	var r Record
	var until *time.Time
	if err := row.Scan(&r.ParticipantID, &r.MutedBy, &r.Reason, &until, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get mute: %w", err)
	}
	if until != nil {
		r.Until = *until
	}
	return &r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, participantID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM voice_mutes WHERE participant_id=$1`, participantID); err != nil {
		return fmt.Errorf("delete mute: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, muted_by, reason, until, created_at FROM voice_mutes ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list mutes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var until *time.Time
		if err := rows.Scan(&r.ParticipantID, &r.MutedBy, &r.Reason, &until, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mute row: %w", err)
		}
		if until != nil {
			r.Until = *until
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mute rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
