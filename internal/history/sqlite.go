package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createTable = `
CREATE TABLE IF NOT EXISTS work_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    work_id INTEGER NOT NULL,
    code TEXT NOT NULL,
    title TEXT NOT NULL,
    state TEXT NOT NULL,
    error TEXT,
    downloaded INTEGER DEFAULT 0,
    total INTEGER DEFAULT 0,
    started_at DATETIME,
    finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_work_history_work ON work_history(work_id);`

type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSQLiteStore(dsn string, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open history database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create history table: %w", err)
	}
	return &SQLiteStore{db: db, log: log.With(slog.String("item", "SQLiteHistory"))}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
    INSERT INTO work_history (run_id, work_id, code, title, state, error, downloaded, total, started_at, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.WorkID, r.Code, r.Title, r.State.String(), r.Error, r.Downloaded, r.Total,
		r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("cannot insert history record: %w", err)
	}
	s.log.Debug("Saved", slog.Int("work_id", r.WorkID), slog.String("state", r.State.String()))
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
    SELECT run_id, work_id, code, title, state, error, downloaded, total, started_at, finished_at
    FROM work_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("cannot query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var state string
		var errText sql.NullString
		var started, finished time.Time
		if err := rows.Scan(&r.RunID, &r.WorkID, &r.Code, &r.Title, &state, &errText,
			&r.Downloaded, &r.Total, &started, &finished); err != nil {
			return nil, fmt.Errorf("cannot scan history row: %w", err)
		}
		r.State = parseState(state)
		r.Error = errText.String
		r.StartedAt = started
		r.FinishedAt = finished
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
