package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteDB struct {
	db   *sql.DB
	q    querier
	inTx bool
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// One connection serializes writers, which keeps per-report
	// read-modify-write transactions from interleaving and lets ":memory:"
	// databases survive across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db: db,
		q:  db,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		PRAGMA foreign_keys = ON;
		PRAGMA busy_timeout = 5000;

		CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			submitter_id TEXT NOT NULL,
			district TEXT,
			state TEXT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			description TEXT,
			severity TEXT NOT NULL,
			media TEXT,
			created_at INTEGER NOT NULL,
			lifecycle TEXT NOT NULL,
			channels TEXT NOT NULL,
			overall_status TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			last_evaluated_at INTEGER,
			locked INTEGER NOT NULL DEFAULT 0,
			upvotes INTEGER NOT NULL DEFAULT 0,
			downvotes INTEGER NOT NULL DEFAULT 0,
			municipal_response TEXT,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS votes (
			report_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (report_id, user_id),
			FOREIGN KEY (report_id) REFERENCES reports(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS moderation_actions (
			id TEXT PRIMARY KEY,
			report_id TEXT NOT NULL,
			moderator_id TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (report_id) REFERENCES reports(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS claims (
			report_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trust_scores (
			user_id TEXT PRIMARY KEY,
			score INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trust_events (
			user_id TEXT NOT NULL,
			event_key TEXT NOT NULL,
			delta INTEGER NOT NULL,
			reason TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, event_key)
		);

		CREATE INDEX IF NOT EXISTS idx_reports_pending ON reports(overall_status, locked, created_at);
		CREATE INDEX IF NOT EXISTS idx_reports_kind ON reports(kind);
		CREATE INDEX IF NOT EXISTS idx_moderation_report_id ON moderation_actions(report_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}

	if err := fn(&SQLiteDB{db: s.db, q: tx, inTx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// Ping backs the /readyz endpoint.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
