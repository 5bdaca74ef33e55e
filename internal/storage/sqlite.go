package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "ghostrun/pkg/logx"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	job_name    TEXT NOT NULL,
	company     TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	exit_code   INTEGER NOT NULL DEFAULT 0,
	err         TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);

CREATE TABLE IF NOT EXISTS experiences (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	at          TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	job_type    TEXT NOT NULL,
	company     TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	cost        REAL NOT NULL DEFAULT 0,
	err         TEXT
);
CREATE INDEX IF NOT EXISTS idx_experiences_company ON experiences(company, seq);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "migrate sqlite schema")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) BeginExecution(ctx context.Context, e Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, job_id, job_name, company, status, started_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, started_at=excluded.started_at`,
		e.ID, e.JobID, e.JobName, e.Company, string(e.Status), formatTime(e.StartedAt),
	)
	return errors.Wrap(err, "insert execution")
}

func (s *sqliteStore) FinishExecution(ctx context.Context, e Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status=?, finished_at=?, duration_ms=?, exit_code=?, err=? WHERE id=?`,
		string(e.Status), nullTime(e.FinishedAt), e.DurationMS, e.ExitCode, nullStr(e.Error), e.ID,
	)
	if err != nil {
		return errors.Wrap(err, "finish execution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Begin was lost (e.g. storage hiccup); keep the record anyway.
		if err := s.BeginExecution(ctx, e); err != nil {
			return err
		}
		return s.FinishExecution(ctx, e)
	}
	return nil
}

func (s *sqliteStore) RecentExecutions(ctx context.Context, limit int) ([]Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, job_name, company, status, started_at, finished_at, duration_ms, exit_code, err
		 FROM executions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query executions")
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e                  Execution
			status, started    string
			finished, errorStr sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobName, &e.Company, &status, &started, &finished, &e.DurationMS, &e.ExitCode, &errorStr); err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		e.Status = ExecutionStatus(status)
		e.StartedAt = parseTime(started)
		if finished.Valid {
			e.FinishedAt = parseTime(finished.String)
		}
		e.Error = errorStr.String
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate executions")
}

func (s *sqliteStore) AppendExperience(ctx context.Context, e Experience) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiences(at, job_id, job_type, company, outcome, duration_ms, cost, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		formatTime(e.At), e.JobID, e.JobType, e.Company, e.Outcome, e.DurationMS, e.Cost, nullStr(e.Error),
	)
	return errors.Wrap(err, "insert experience")
}

func (s *sqliteStore) RecentExperiences(ctx context.Context, company string, limit int) ([]Experience, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, job_id, job_type, company, outcome, duration_ms, cost, err
		 FROM experiences WHERE (? = '' OR company = ?) ORDER BY seq DESC LIMIT ?`,
		company, company, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query experiences")
	}
	defer rows.Close()

	var out []Experience
	for rows.Next() {
		var (
			e        Experience
			at       string
			errorStr sql.NullString
		)
		if err := rows.Scan(&at, &e.JobID, &e.JobType, &e.Company, &e.Outcome, &e.DurationMS, &e.Cost, &errorStr); err != nil {
			return nil, errors.Wrap(err, "scan experience")
		}
		e.At = parseTime(at)
		e.Error = errorStr.String
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate experiences")
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
