// Package postgres archives closed sessions in PostgreSQL. Schema changes
// ship as embedded goose migrations and run at startup.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/deskbridge/deskbridge/pkg/archive"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements archive.Exporter on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open migrates the schema and opens the pool.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := migrate(dsn); err != nil {
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// migrate runs goose against a short-lived database/sql handle; the pgx
// stdlib driver registers itself for this.
func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// ExportSession writes the session row and bulk-copies its events in one
// transaction.
func (s *Store) ExportSession(ctx context.Context, rec archive.Record) error {
	rows, err := eventRows(rec)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO archived_sessions
			(session_id, agent_id, customer_id, created_at, ended_at, end_reason, event_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.AgentID, rec.CustomerID,
		rec.CreatedAt, rec.EndedAt, rec.EndReason, len(rec.Events))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"archived_events"},
			[]string{"session_id", "seq", "ts_ms", "kind", "speaker", "body", "source", "payload"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy events: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// eventRows flattens a record's events into CopyFrom rows.
func eventRows(rec archive.Record) ([][]any, error) {
	rows := make([][]any, 0, len(rec.Events))
	for _, e := range rec.Events {
		var payload any
		if len(e.Payload) > 0 {
			b, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("event seq %d: %w", e.Seq, err)
			}
			payload = b
		}
		rows = append(rows, []any{
			rec.SessionID,
			int64(e.Seq),
			e.TimestampMS,
			string(e.Kind),
			string(e.Speaker),
			e.Text,
			e.Source,
			payload,
		})
	}
	return rows, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
