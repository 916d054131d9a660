package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists finalized sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			connection_id TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			voice TEXT NOT NULL DEFAULT '',
			locale TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			cached_tokens INT NOT NULL DEFAULT 0,
			total_tokens INT NOT NULL DEFAULT 0,
			milestones JSONB NOT NULL DEFAULT '{}',
			transcript JSONB NOT NULL DEFAULT '[]',
			reconnects INT NOT NULL DEFAULT 0,
			tool_calls INT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_started ON voice_sessions (started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, record SessionRecord) error {
	milestones, err := json.Marshal(record.Milestones)
	if err != nil {
		return fmt.Errorf("encode milestones: %w", err)
	}
	transcript, err := json.Marshal(record.Transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (
			connection_id, remote_id, kind, model, voice, locale, status,
			started_at, ended_at, duration_ms,
			input_tokens, output_tokens, cached_tokens, total_tokens,
			milestones, transcript, reconnects, tool_calls)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		 ON CONFLICT (connection_id) DO UPDATE SET
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			cached_tokens = EXCLUDED.cached_tokens,
			total_tokens = EXCLUDED.total_tokens,
			milestones = EXCLUDED.milestones,
			transcript = EXCLUDED.transcript,
			reconnects = EXCLUDED.reconnects,
			tool_calls = EXCLUDED.tool_calls`,
		record.ConnectionID,
		record.RemoteID,
		record.Kind,
		record.Model,
		record.Voice,
		record.Locale,
		record.Status,
		record.StartedAt,
		record.EndedAt,
		record.DurationMS,
		record.InputTokens,
		record.OutputTokens,
		record.CachedTokens,
		record.TotalTokens,
		milestones,
		transcript,
		record.Reconnects,
		record.ToolCalls,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
