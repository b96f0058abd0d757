package passstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentflow/internal/domain"
)

// startedLayout is fixed-width so started_at sorts lexically.
const startedLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements domain.PassStore using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	maxRecords int
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string, maxRecords int) (*SQLiteStore, error) {
	const op = "NewSQLiteStore"

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrStore, fmt.Sprintf("open pass db: %v", err))
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, domain.NewDomainError(op, domain.ErrStore, fmt.Sprintf("set WAL mode: %v", err))
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.NewDomainError(op, domain.ErrStore, fmt.Sprintf("migrate pass db: %v", err))
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &SQLiteStore{db: db, maxRecords: maxRecords}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS passes (
			id          TEXT PRIMARY KEY,
			workflow    TEXT NOT NULL,
			pass        INTEGER NOT NULL,
			started_at  TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			failed      INTEGER NOT NULL DEFAULT 0,
			skipped     INTEGER NOT NULL DEFAULT 0,
			steps       TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_passes_workflow_started ON passes (workflow, started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SavePass inserts or replaces rec, then trims the workflow's history to
// the newest maxRecords rows.
func (s *SQLiteStore) SavePass(ctx context.Context, rec domain.PassRecord) error {
	const op = "SQLiteStore.SavePass"

	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrStore, fmt.Sprintf("marshal steps: %v", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO passes (id, workflow, pass, started_at, duration_ns, failed, skipped, steps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Workflow, int64(rec.Pass), rec.StartedAt.UTC().Format(startedLayout),
		int64(rec.Duration), rec.Failed, rec.Skipped, string(steps),
	)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrStore, err.Error())
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM passes WHERE workflow = ? AND id NOT IN (
			SELECT id FROM passes WHERE workflow = ? ORDER BY started_at DESC, id DESC LIMIT ?
		)`,
		rec.Workflow, rec.Workflow, s.maxRecords,
	)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrStore, fmt.Sprintf("trim: %v", err))
	}

	if err := tx.Commit(); err != nil {
		return domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	return nil
}

// ListPasses returns up to limit records, newest first. An empty workflow
// matches every workflow; limit <= 0 means no limit.
func (s *SQLiteStore) ListPasses(ctx context.Context, workflow string, limit int) ([]domain.PassRecord, error) {
	const op = "SQLiteStore.ListPasses"

	query := "SELECT id, workflow, pass, started_at, duration_ns, failed, skipped, steps FROM passes"
	var args []any
	if workflow != "" {
		query += " WHERE workflow = ?"
		args = append(args, workflow)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	defer rows.Close()

	var out []domain.PassRecord
	for rows.Next() {
		rec, err := scanPass(rows)
		if err != nil {
			return nil, domain.NewDomainError(op, domain.ErrStore, err.Error())
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPass(row scanner) (domain.PassRecord, error) {
	var (
		rec                  domain.PassRecord
		pass, durationNS     int64
		startedStr, stepsStr string
	)
	if err := row.Scan(&rec.ID, &rec.Workflow, &pass, &startedStr, &durationNS, &rec.Failed, &rec.Skipped, &stepsStr); err != nil {
		return rec, err
	}
	started, err := time.Parse(startedLayout, startedStr)
	if err != nil {
		return rec, fmt.Errorf("parse started_at: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsStr), &rec.Steps); err != nil {
		return rec, fmt.Errorf("unmarshal steps: %w", err)
	}
	rec.Pass = uint64(pass)
	rec.StartedAt = started
	rec.Duration = time.Duration(durationNS)
	return rec, nil
}
