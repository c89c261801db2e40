package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amishk599/jobfeed/internal/model"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Envelope states in the queue table.
const (
	statePending = "pending"
	stateActive  = "active"
	stateDead    = "dead"
)

// SQLiteQueue persists envelopes in a SQLite table so queued work survives a
// restart. Workers claim rows with a single UPDATE ... RETURNING; an active
// row whose claim is older than the visibility timeout is handed out again.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	visibility   time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

var _ model.Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue creates the queue table in db if needed.
func NewSQLiteQueue(db *sql.DB, pollInterval, visibility time.Duration, logger *slog.Logger) (*SQLiteQueue, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_envelopes (
			id               TEXT PRIMARY KEY,
			run_id           TEXT NOT NULL,
			feed_identity    TEXT NOT NULL,
			item             TEXT NOT NULL DEFAULT 'null',
			state            TEXT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			max_attempts     INTEGER NOT NULL,
			backoff_type     TEXT NOT NULL DEFAULT '',
			backoff_delay_ms INTEGER NOT NULL DEFAULT 0,
			next_run_at      TEXT NOT NULL,
			claimed_at       TEXT NOT NULL DEFAULT '',
			last_error       TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_envelopes_ready ON queue_envelopes (state, next_run_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("creating queue table: %w", err)
		}
	}
	return &SQLiteQueue{
		db:           db,
		pollInterval: pollInterval,
		visibility:   visibility,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Enqueue stores env as pending. Enqueueing an id twice keeps the first row.
func (q *SQLiteQueue) Enqueue(ctx context.Context, env model.Envelope, policy model.RetryPolicy) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	item, err := json.Marshal(env.Item)
	if err != nil {
		return fmt.Errorf("encoding envelope %s: %w", env.ID, err)
	}
	now := q.now().Format(timeLayout)
	_, err = q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_envelopes
			(id, run_id, feed_identity, item, state, max_attempts, backoff_type, backoff_delay_ms, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.RunID, env.FeedIdentity, string(item), statePending,
		policy.MaxAttempts, policy.Backoff.Type, policy.Backoff.Delay.Milliseconds(), now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing envelope %s: %w: %w", env.ID, model.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue polls until it claims a ready envelope or ctx is done.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*model.Delivery, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (*model.Delivery, error) {
	now := q.now()
	if err := q.buryExpired(ctx, now); err != nil {
		return nil, err
	}

	var (
		d    model.Delivery
		item string
	)
	err := q.db.QueryRowContext(ctx,
		`UPDATE queue_envelopes SET state = ?, attempts = attempts + 1, claimed_at = ?
		 WHERE id = (
			SELECT id FROM queue_envelopes
			WHERE (state = ? AND next_run_at <= ?)
			   OR (state = ? AND claimed_at <= ? AND attempts < max_attempts)
			ORDER BY next_run_at, created_at
			LIMIT 1
		 )
		 RETURNING id, run_id, feed_identity, item, attempts, max_attempts`,
		stateActive, now.Format(timeLayout),
		statePending, now.Format(timeLayout),
		stateActive, now.Add(-q.visibility).Format(timeLayout),
	).Scan(&d.ID, &d.RunID, &d.FeedIdentity, &item, &d.Attempt, &d.MaxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.Contains(err.Error(), "database is locked") {
			// Another writer holds the file; try again on the next tick.
			return nil, nil
		}
		return nil, fmt.Errorf("claiming envelope: %w", err)
	}
	if d.Item, err = decodeItem(item); err != nil {
		return nil, fmt.Errorf("decoding envelope %s: %w", d.ID, err)
	}
	return &d, nil
}

// buryExpired marks dead the expired claims that were already on their last
// attempt, so a crashed worker never earns an envelope an extra delivery.
func (q *SQLiteQueue) buryExpired(ctx context.Context, now time.Time) error {
	rows, err := q.db.QueryContext(ctx,
		`UPDATE queue_envelopes SET state = ?, last_error = ?
		 WHERE state = ? AND claimed_at <= ? AND attempts >= max_attempts
		 RETURNING id, run_id, attempts`,
		stateDead, "claim expired on the last attempt",
		stateActive, now.Add(-q.visibility).Format(timeLayout),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.Contains(err.Error(), "database is locked") {
			return nil
		}
		return fmt.Errorf("burying expired envelopes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, runID string
			attempts  int
		)
		if err := rows.Scan(&id, &runID, &attempts); err != nil {
			return fmt.Errorf("burying expired envelopes: %w", err)
		}
		q.logger.Error("envelope claim expired on its last attempt, marked dead",
			"envelope_id", id,
			"run_id", runID,
			"attempt", attempts,
		)
	}
	return rows.Err()
}

// Ack deletes the envelope.
func (q *SQLiteQueue) Ack(ctx context.Context, d *model.Delivery) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM queue_envelopes WHERE id = ?`, d.ID); err != nil {
		return fmt.Errorf("acking envelope %s: %w", d.ID, err)
	}
	return nil
}

// Nack makes the envelope pending again after its backoff, or marks it dead
// once its attempts are used up.
func (q *SQLiteQueue) Nack(ctx context.Context, d *model.Delivery, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	if d.LastAttempt() {
		if _, err := q.db.ExecContext(ctx,
			`UPDATE queue_envelopes SET state = ?, last_error = ? WHERE id = ?`,
			stateDead, reason, d.ID,
		); err != nil {
			return fmt.Errorf("burying envelope %s: %w", d.ID, err)
		}
		q.logger.Error("envelope exhausted its attempts, marked dead",
			"envelope_id", d.ID,
			"run_id", d.RunID,
			"attempt", d.Attempt,
			"error", cause,
		)
		return nil
	}

	var (
		backoffType string
		delayMS     int64
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT backoff_type, backoff_delay_ms FROM queue_envelopes WHERE id = ?`, d.ID,
	).Scan(&backoffType, &delayMS)
	if err != nil {
		return fmt.Errorf("loading policy of envelope %s: %w", d.ID, err)
	}
	delay := model.Backoff{Type: backoffType, Delay: time.Duration(delayMS) * time.Millisecond}.After(d.Attempt)

	_, err = q.db.ExecContext(ctx,
		`UPDATE queue_envelopes SET state = ?, next_run_at = ?, claimed_at = '', last_error = ? WHERE id = ?`,
		statePending, q.now().Add(delay).Format(timeLayout), reason, d.ID,
	)
	if err != nil {
		return fmt.Errorf("rescheduling envelope %s: %w", d.ID, err)
	}
	q.logger.Warn("envelope failed, scheduling retry",
		"envelope_id", d.ID,
		"run_id", d.RunID,
		"attempt", d.Attempt,
		"delay", delay,
		"error", cause,
	)
	return nil
}

// Dead returns the ids of envelopes that exhausted their attempts.
func (q *SQLiteQueue) Dead(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id FROM queue_envelopes WHERE state = ? ORDER BY created_at`, stateDead)
	if err != nil {
		return nil, fmt.Errorf("listing dead envelopes: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("listing dead envelopes: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func decodeItem(s string) (model.RawItem, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var item model.RawItem
	if err := dec.Decode(&item); err != nil {
		return nil, err
	}
	return item, nil
}
