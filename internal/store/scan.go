package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amishk599/jobfeed/internal/model"
)

const jobColumns = `id, external_id, source_feed, title, company, description, location, raw, created_at, updated_at`

const runColumns = `id, feed_identity, reprocess_job_id, created_at, planned, total_fetched, total_imported, new_jobs, updated_jobs, failed_jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		j                    model.Job
		raw, created, updated string
	)
	err := row.Scan(&j.ID, &j.ExternalID, &j.SourceFeed, &j.Title, &j.Company, &j.Description, &j.Location, &raw, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if j.Raw, err = decodeRaw(raw); err != nil {
		return nil, fmt.Errorf("decoding raw item: %w", err)
	}
	if j.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanRun(row scanner) (*model.Run, error) {
	var (
		r       model.Run
		created string
	)
	err := row.Scan(&r.ID, &r.FeedIdentity, &r.ReprocessJobID, &created,
		&r.Planned, &r.TotalFetched, &r.TotalImported, &r.NewJobs, &r.UpdatedJobs, &r.FailedJobs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, err
	}
	r.Failures = []model.Failure{}
	return &r, nil
}

// decodeRaw keeps numbers as json.Number so large ids survive a round trip.
func decodeRaw(s string) (model.RawItem, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var item model.RawItem
	if err := dec.Decode(&item); err != nil {
		return nil, err
	}
	return item, nil
}

func jobFilter(q model.JobQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	contains := func(col, needle string) string {
		args = append(args, strings.ToLower(needle))
		return `instr(lower(` + col + `), ?) > 0`
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		clauses = append(clauses, `(`+contains("title", s)+` OR `+contains("company", s)+` OR `+contains("location", s)+`)`)
	}
	if s := strings.TrimSpace(q.Title); s != "" {
		clauses = append(clauses, contains("title", s))
	}
	if s := strings.TrimSpace(q.Company); s != "" {
		clauses = append(clauses, contains("company", s))
	}
	if s := strings.TrimSpace(q.Location); s != "" {
		clauses = append(clauses, contains("location", s))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(clauses, ` AND `), args
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
