package record

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores call records in a call_records table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, applies pending migrations, and returns the sink.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Persist inserts one call record. Duplicate call ids update the existing row
// so a retried teardown never fails.
func (p *Postgres) Persist(ctx context.Context, rec CallRecord) error {
	if p == nil || p.pool == nil {
		return fmt.Errorf("postgres sink is not connected")
	}

	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	callID := rec.CallID
	if callID == "" {
		// Calls that never received call_details still get recorded.
		callID = "unknown-" + rec.SessionID
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO call_records (call_id, session_id, caller_phone, transcript, duration_seconds, ended_reason, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO UPDATE SET
			transcript = EXCLUDED.transcript,
			duration_seconds = EXCLUDED.duration_seconds,
			ended_reason = EXCLUDED.ended_reason,
			ended_at = EXCLUDED.ended_at`,
		callID, rec.SessionID, nullable(rec.CallerPhone), transcript, rec.DurationSeconds, rec.EndedReason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
