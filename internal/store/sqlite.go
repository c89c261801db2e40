package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/amishk599/jobfeed/internal/model"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps jobs and run ledgers in a SQLite database. Every import
// applies the job upsert, the envelope's outcome marker and the run counters
// in one transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ model.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and migrates
// its schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// modernc sqlite takes pragmas in the DSN.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One writer; transactions serialise on this connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the connection pool so the durable queue can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var v int
	if err := tx.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return err
	}
	if v >= 1 {
		return tx.Commit()
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			external_id      TEXT NOT NULL,
			source_feed      TEXT NOT NULL,
			title            TEXT NOT NULL DEFAULT '',
			company          TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			location         TEXT NOT NULL DEFAULT '',
			raw              TEXT NOT NULL DEFAULT 'null',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			UNIQUE (external_id, source_feed)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs (updated_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id               TEXT PRIMARY KEY,
			feed_identity    TEXT NOT NULL,
			reprocess_job_id TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			planned          INTEGER NOT NULL DEFAULT 0,
			total_fetched    INTEGER NOT NULL DEFAULT 0,
			total_imported   INTEGER NOT NULL DEFAULT 0,
			new_jobs         INTEGER NOT NULL DEFAULT 0,
			updated_jobs     INTEGER NOT NULL DEFAULT 0,
			failed_jobs      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at)`,
		`CREATE TABLE IF NOT EXISTS run_failures (
			seq      INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id   TEXT NOT NULL REFERENCES runs (id),
			reason   TEXT NOT NULL,
			item     TEXT NOT NULL DEFAULT 'null',
			attempt  INTEGER NOT NULL DEFAULT 0,
			retrying INTEGER NOT NULL DEFAULT 0,
			at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_failures_run ON run_failures (run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS run_outcomes (
			run_id      TEXT NOT NULL REFERENCES runs (id),
			envelope_id TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			job_id      TEXT NOT NULL DEFAULT '',
			at          TEXT NOT NULL,
			PRIMARY KEY (run_id, envelope_id)
		)`,
		`PRAGMA user_version = 1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ImportJob upserts item and counts the outcome on the run, once per
// (runID, envelopeID).
func (s *SQLiteStore) ImportJob(ctx context.Context, runID, envelopeID string, item model.CanonicalItem) (model.Outcome, error) {
	raw, err := json.Marshal(item.Raw)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("encoding raw item %s: %w", item.ExternalID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("importing job %s: %w", item.ExternalID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if envelopeID != "" {
		var kind, jobID string
		err := tx.QueryRowContext(ctx,
			`SELECT outcome, job_id FROM run_outcomes WHERE run_id = ? AND envelope_id = ?`,
			runID, envelopeID,
		).Scan(&kind, &jobID)
		switch {
		case err == nil:
			if err := tx.Commit(); err != nil {
				return model.Outcome{}, fmt.Errorf("importing job %s: %w", item.ExternalID, err)
			}
			return model.Outcome{Kind: model.OutcomeKind(kind), JobID: jobID, Replayed: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return model.Outcome{}, fmt.Errorf("checking outcome of envelope %s: %w", envelopeID, err)
		}
	}

	now := s.now().Format(timeLayout)
	var jobID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE external_id = ? AND source_feed = ?`,
		item.ExternalID, item.SourceFeed,
	).Scan(&jobID)

	var kind model.OutcomeKind
	switch {
	case errors.Is(err, sql.ErrNoRows):
		kind = model.OutcomeNew
		jobID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, external_id, source_feed, title, company, description, location, raw, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, item.ExternalID, item.SourceFeed, item.Title, item.Company, item.Description, item.Location, string(raw), now, now,
		)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("inserting job %s: %w", item.ExternalID, err)
		}
	case err != nil:
		return model.Outcome{}, fmt.Errorf("looking up job %s: %w", item.ExternalID, err)
	default:
		kind = model.OutcomeUpdated
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET title = ?, company = ?, description = ?, location = ?, raw = ?, updated_at = ? WHERE id = ?`,
			item.Title, item.Company, item.Description, item.Location, string(raw), now, jobID,
		)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("updating job %s: %w", item.ExternalID, err)
		}
	}

	if envelopeID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_outcomes (run_id, envelope_id, outcome, job_id, at) VALUES (?, ?, ?, ?, ?)`,
			runID, envelopeID, string(kind), jobID, now,
		)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("recording outcome of envelope %s: %w", envelopeID, err)
		}
	}

	counter := "new_jobs"
	if kind == model.OutcomeUpdated {
		counter = "updated_jobs"
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET `+counter+` = `+counter+` + 1, total_imported = total_imported + 1 WHERE id = ?`,
		runID,
	)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("counting %s job on run %s: %w", kind, runID, err)
	}
	if err := requireRow(res, "run", runID); err != nil {
		return model.Outcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Outcome{}, fmt.Errorf("importing job %s: %w", item.ExternalID, err)
	}
	return model.Outcome{Kind: kind, JobID: jobID}, nil
}

// FindJob looks a job up by its dedup key.
func (s *SQLiteStore) FindJob(ctx context.Context, externalID, sourceFeed string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE external_id = ? AND source_feed = ?`,
		externalID, sourceFeed,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("finding job %s from %s: %w", externalID, sourceFeed, err)
	}
	return j, nil
}

// GetJob returns a job by its store id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns one page of jobs, most recently updated first, and the
// total number of matches.
func (s *SQLiteStore) ListJobs(ctx context.Context, q model.JobQuery) ([]model.Job, int, error) {
	where, args := jobFilter(q)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY updated_at DESC, id`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("listing jobs: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, total, nil
}

// CreateRun inserts an empty ledger for feedIdentity.
func (s *SQLiteStore) CreateRun(ctx context.Context, feedIdentity, reprocessJobID string) (*model.Run, error) {
	run := &model.Run{
		ID:             uuid.NewString(),
		FeedIdentity:   feedIdentity,
		ReprocessJobID: reprocessJobID,
		CreatedAt:      s.now(),
		Failures:       []model.Failure{},
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, feed_identity, reprocess_job_id, created_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.FeedIdentity, run.ReprocessJobID, run.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("creating run for %s: %w", feedIdentity, err)
	}
	return run, nil
}

// SetPlanned records the number of fetched items in a single update.
func (s *SQLiteStore) SetPlanned(ctx context.Context, runID string, planned int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET planned = ?, total_fetched = ? WHERE id = ?`,
		planned, planned, runID,
	)
	if err != nil {
		return fmt.Errorf("setting planned on run %s: %w", runID, err)
	}
	return requireRow(res, "run", runID)
}

// RecordFailure appends f to the run's failures. Terminal failures are
// counted once per envelope; an empty envelopeID always counts.
func (s *SQLiteStore) RecordFailure(ctx context.Context, runID, envelopeID string, f model.Failure, terminal bool) error {
	item, err := json.Marshal(f.Item)
	if err != nil {
		return fmt.Errorf("encoding failed item: %w", err)
	}
	at := f.At
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recording failure on run %s: %w", runID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if terminal && envelopeID != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO run_outcomes (run_id, envelope_id, outcome, at) VALUES (?, ?, ?, ?)`,
			runID, envelopeID, string(model.OutcomeFailed), at.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("recording outcome of envelope %s: %w", envelopeID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			// Already terminal; a redelivery must not count twice.
			return tx.Commit()
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_failures (run_id, reason, item, attempt, retrying, at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, f.Reason, string(item), f.Attempt, boolInt(f.Retrying), at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("appending failure to run %s: %w", runID, err)
	}

	if terminal {
		res, err := tx.ExecContext(ctx, `UPDATE runs SET failed_jobs = failed_jobs + 1 WHERE id = ?`, runID)
		if err != nil {
			return fmt.Errorf("counting failure on run %s: %w", runID, err)
		}
		if err := requireRow(res, "run", runID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recording failure on run %s: %w", runID, err)
	}
	return nil
}

// GetRun returns a run with its failures in append order.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	if run.Failures, err = s.failures(ctx, runID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns one page of runs, newest first, and the total count.
func (s *SQLiteStore) ListRuns(ctx context.Context, p model.Page) ([]model.Run, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id`
	var args []any
	if p.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, p.Limit, p.Offset())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}
	runs := []model.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("listing runs: %w", err)
		}
		runs = append(runs, *r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}

	// Failures are loaded after the cursor is closed: the pool has a
	// single connection.
	for i := range runs {
		if runs[i].Failures, err = s.failures(ctx, runs[i].ID); err != nil {
			return nil, 0, err
		}
	}
	return runs, total, nil
}

func (s *SQLiteStore) failures(ctx context.Context, runID string) ([]model.Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, item, attempt, retrying, at FROM run_failures WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading failures of run %s: %w", runID, err)
	}
	defer rows.Close()

	failures := []model.Failure{}
	for rows.Next() {
		var (
			f        model.Failure
			item, at string
			retrying int
		)
		if err := rows.Scan(&f.Reason, &item, &f.Attempt, &retrying, &at); err != nil {
			return nil, fmt.Errorf("loading failures of run %s: %w", runID, err)
		}
		if f.Item, err = decodeRaw(item); err != nil {
			return nil, fmt.Errorf("decoding failed item of run %s: %w", runID, err)
		}
		f.Retrying = retrying != 0
		if f.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parsing failure time of run %s: %w", runID, err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
