package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteTrackerSchema = `
CREATE TABLE IF NOT EXISTS runs(
	id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	config TEXT,
	started_at TEXT NOT NULL,
	finished_at TEXT
);
CREATE TABLE IF NOT EXISTS metrics(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	kind TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	cur_step INTEGER NOT NULL,
	loss REAL NOT NULL,
	recon_loss REAL NOT NULL,
	commit_loss REAL NOT NULL,
	codes_used INTEGER,
	ts TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS watched_params(
	run_id TEXT NOT NULL REFERENCES runs(id),
	name TEXT NOT NULL,
	shape TEXT NOT NULL,
	size INTEGER NOT NULL,
	PRIMARY KEY(run_id, name)
);
CREATE TABLE IF NOT EXISTS param_stats(
	run_id TEXT NOT NULL REFERENCES runs(id),
	step INTEGER NOT NULL,
	name TEXT NOT NULL,
	grad_norm REAL NOT NULL,
	param_norm REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS metrics_run ON metrics(run_id, kind);
`

// trackerTimeFormat keeps timestamps fixed-width so they sort as text.
const trackerTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteTracker stores runs in a local SQLite database, one file for any
// number of runs.
type SQLiteTracker struct {
	db    *sql.DB
	runID string
}

// OpenSQLiteTracker opens (creating if needed) the database at path.
func OpenSQLiteTracker(path string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open tracker db")
	}
	// one writer; the control goroutine is the only caller
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "tracker db pragma")
	}
	if _, err := db.Exec(sqliteTrackerSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create tracker schema")
	}
	return &SQLiteTracker{db: db}, nil
}

// RunID returns the ID passed to Init.
func (s *SQLiteTracker) RunID() string { return s.runID }

func (s *SQLiteTracker) Init(ctx context.Context, run RunInfo) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return errors.Wrap(err, "marshal run config")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO runs(id, project, config, started_at) VALUES(?,?,?,?)",
		run.ID, run.Project, string(cfg), run.Started.UTC().Format(trackerTimeFormat))
	if err != nil {
		return errors.Wrap(err, "insert run")
	}
	s.runID = run.ID
	return nil
}

func (s *SQLiteTracker) Watch(ctx context.Context, params []NamedTensor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin watch")
	}
	defer tx.Rollback()

	for _, p := range params {
		shape, _ := json.Marshal(p.Tensor.shape)
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO watched_params(run_id, name, shape, size) VALUES(?,?,?,?)",
			s.runID, p.Name, string(shape), p.Tensor.Size()); err != nil {
			return errors.Wrapf(err, "watch %s", p.Name)
		}
	}
	return errors.Wrap(tx.Commit(), "commit watch")
}

func (s *SQLiteTracker) Log(ctx context.Context, rec StepRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics(run_id, kind, epoch, cur_step, loss, recon_loss, commit_loss, ts)
		VALUES(?,?,?,?,?,?,?,?)`,
		s.runID, "train", rec.Epoch, rec.CurStep, rec.Loss, rec.ReconLoss, rec.CommitLoss, nowStamp())
	return errors.Wrap(err, "insert step metrics")
}

func (s *SQLiteTracker) LogGrads(ctx context.Context, step int, stats []GradStat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin grad stats")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO param_stats(run_id, step, name, grad_norm, param_norm) VALUES(?,?,?,?,?)")
	if err != nil {
		return errors.Wrap(err, "prepare grad stats")
	}
	defer stmt.Close()

	for _, st := range stats {
		if _, err := stmt.ExecContext(ctx, s.runID, step, st.Name, st.GradNorm, st.ParamNorm); err != nil {
			return errors.Wrapf(err, "insert grad stats for %s", st.Name)
		}
	}
	return errors.Wrap(tx.Commit(), "commit grad stats")
}

func (s *SQLiteTracker) LogEval(ctx context.Context, rec EvalRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics(run_id, kind, epoch, cur_step, loss, recon_loss, commit_loss, codes_used, ts)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		s.runID, "eval", rec.Epoch, rec.Batches, rec.Loss, rec.ReconLoss, rec.CommitLoss, rec.CodesUsed, nowStamp())
	return errors.Wrap(err, "insert eval metrics")
}

// Close marks the run finished and closes the database.
func (s *SQLiteTracker) Close() error {
	if s.runID != "" {
		if _, err := s.db.Exec("UPDATE runs SET finished_at=? WHERE id=?", nowStamp(), s.runID); err != nil {
			s.db.Close()
			return errors.Wrap(err, "finish run")
		}
	}
	return errors.Wrap(s.db.Close(), "close tracker db")
}

// StepRecords returns the train records of runID in logging order.
func (s *SQLiteTracker) StepRecords(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, cur_step, loss, recon_loss, commit_loss FROM metrics
		WHERE run_id=? AND kind='train' ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query metrics")
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var r StepRecord
		if err := rows.Scan(&r.Epoch, &r.CurStep, &r.Loss, &r.ReconLoss, &r.CommitLoss); err != nil {
			return nil, errors.Wrap(err, "scan metrics")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate metrics")
}

// WatchedParams returns the names registered for runID, sorted.
func (s *SQLiteTracker) WatchedParams(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM watched_params WHERE run_id=? ORDER BY name", runID)
	if err != nil {
		return nil, errors.Wrap(err, "query watched params")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errors.Wrap(err, "scan watched params")
		}
		names = append(names, n)
	}
	return names, errors.Wrap(rows.Err(), "iterate watched params")
}

// RunRow is one row of the runs table with its train step count.
type RunRow struct {
	ID       string
	Project  string
	Started  string
	Finished string // "" while the run is open or was killed
	Steps    int
}

// Runs lists every run in the database, newest first.
func (s *SQLiteTracker) Runs(ctx context.Context) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.project, r.started_at, COALESCE(r.finished_at, ''),
			(SELECT COUNT(*) FROM metrics m WHERE m.run_id = r.id AND m.kind = 'train')
		FROM runs r ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.ID, &r.Project, &r.Started, &r.Finished, &r.Steps); err != nil {
			return nil, errors.Wrap(err, "scan runs")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate runs")
}

func nowStamp() string {
	return time.Now().UTC().Format(trackerTimeFormat)
}
