package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/amishk599/jobfeed/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedFailure struct {
	envelopeID string
	failure    model.Failure
	terminal   bool
}

// fakeStore fails ImportJob with importErr and records failures.
type fakeStore struct {
	mu        sync.Mutex
	importErr error
	imported  []model.CanonicalItem
	failures  []recordedFailure
}

func (s *fakeStore) ImportJob(_ context.Context, _, _ string, item model.CanonicalItem) (model.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.importErr != nil {
		return model.Outcome{}, s.importErr
	}
	s.imported = append(s.imported, item)
	return model.Outcome{Kind: model.OutcomeNew, JobID: "job-" + item.ExternalID}, nil
}

func (s *fakeStore) RecordFailure(_ context.Context, _, envelopeID string, f model.Failure, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, recordedFailure{envelopeID, f, terminal})
	return nil
}

func delivery(item model.RawItem, attempt, max int) *model.Delivery {
	return &model.Delivery{
		Envelope:    model.Envelope{ID: "env-1", RunID: "run-1", FeedIdentity: "https://example.com/feed", Item: item},
		Attempt:     attempt,
		MaxAttempts: max,
	}
}

func TestProcessImportsNormalisedItem(t *testing.T) {
	st := &fakeStore{}
	p := NewProcessor(st, discardLogger())

	err := p.Process(context.Background(), delivery(model.RawItem{"guid": "a1", "job_title": "Engineer"}, 1, 2))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(st.imported) != 1 {
		t.Fatalf("imported %d, want 1", len(st.imported))
	}
	got := st.imported[0]
	if got.ExternalID != "a1" || got.Title != "Engineer" || got.SourceFeed != "https://example.com/feed" {
		t.Errorf("item = %+v", got)
	}
}

func TestProcessMissingIdentityIsTerminal(t *testing.T) {
	st := &fakeStore{}
	p := NewProcessor(st, discardLogger())

	raw := model.RawItem{"title": "No id"}
	if err := p.Process(context.Background(), delivery(raw, 1, 2)); err != nil {
		t.Fatalf("Process returned %v, want nil so the item is not redelivered", err)
	}
	if len(st.imported) != 0 {
		t.Errorf("imported %d, want 0", len(st.imported))
	}
	if len(st.failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(st.failures))
	}
	f := st.failures[0]
	if f.failure.Reason != "missing_external_id" || !f.terminal || f.failure.Item["title"] != "No id" {
		t.Errorf("failure = %+v", f)
	}
}

func TestProcessPersistenceErrorBeforeLastAttempt(t *testing.T) {
	st := &fakeStore{importErr: errors.New("database is locked")}
	p := NewProcessor(st, discardLogger())

	err := p.Process(context.Background(), delivery(model.RawItem{"guid": "a1"}, 1, 2))
	var perr *model.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *PersistenceError", err)
	}
	if len(st.failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(st.failures))
	}
	f := st.failures[0]
	if f.terminal || !f.failure.Retrying || f.failure.Attempt != 1 {
		t.Errorf("failure = %+v, want non-terminal retrying entry", f)
	}
	if f.failure.Reason != "database is locked" {
		t.Errorf("reason = %q", f.failure.Reason)
	}
}

func TestProcessPersistenceErrorOnLastAttempt(t *testing.T) {
	st := &fakeStore{importErr: errors.New("disk full")}
	p := NewProcessor(st, discardLogger())

	err := p.Process(context.Background(), delivery(model.RawItem{"guid": "a1"}, 2, 2))
	if err == nil {
		t.Fatal("expected error")
	}
	f := st.failures[0]
	if !f.terminal || f.failure.Retrying || f.envelopeID != "env-1" {
		t.Errorf("failure = %+v, want terminal", f)
	}
}
