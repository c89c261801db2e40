package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/amishk599/jobfeed/internal/model"
)

const (
	colJobs = "jobs"
	colRuns = "import_runs"
)

// MongoStore keeps jobs and run ledgers in MongoDB. Without multi-document
// transactions, each run document carries the envelope ids it has counted;
// counter updates are conditional on the id being absent.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

var _ model.Store = (*MongoStore)(nil)

type jobDoc struct {
	ID              string    `bson:"_id"`
	ExternalID      string    `bson:"external_id"`
	SourceFeed      string    `bson:"source_feed"`
	Title           string    `bson:"title"`
	Company         string    `bson:"company"`
	Description     string    `bson:"description"`
	Location        string    `bson:"location"`
	Raw             string    `bson:"raw"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
	CreatedEnvelope string    `bson:"created_envelope"`
}

type runDoc struct {
	ID             string       `bson:"_id"`
	FeedIdentity   string       `bson:"feed_identity"`
	ReprocessJobID string       `bson:"reprocess_job_id"`
	CreatedAt      time.Time    `bson:"created_at"`
	Planned        int          `bson:"planned"`
	TotalFetched   int          `bson:"total_fetched"`
	TotalImported  int          `bson:"total_imported"`
	NewJobs        int          `bson:"new_jobs"`
	UpdatedJobs    int          `bson:"updated_jobs"`
	FailedJobs     int          `bson:"failed_jobs"`
	Failures       []failureDoc `bson:"failures"`
	Applied        []string     `bson:"applied"`
	Outcomes       []outcomeDoc `bson:"outcomes"`
}

type failureDoc struct {
	Reason   string    `bson:"reason"`
	Item     string    `bson:"item"`
	At       time.Time `bson:"at"`
	Attempt  int       `bson:"attempt"`
	Retrying bool      `bson:"retrying"`
}

type outcomeDoc struct {
	EnvelopeID string `bson:"envelope_id"`
	Outcome    string `bson:"outcome"`
	JobID      string `bson:"job_id"`
}

// NewMongoStore connects to uri, checks connectivity and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(database),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating mongo indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colJobs: {
			{
				Keys:    bson.D{{Key: "external_id", Value: 1}, {Key: "source_feed", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		},
		colRuns: {
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
	}
	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", col, err)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ImportJob upserts item and counts the outcome on the run, once per
// (runID, envelopeID).
func (s *MongoStore) ImportJob(ctx context.Context, runID, envelopeID string, item model.CanonicalItem) (model.Outcome, error) {
	raw, err := json.Marshal(item.Raw)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("encoding raw item %s: %w", item.ExternalID, err)
	}

	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("importing job %s: %w", item.ExternalID, err)
	}
	if out, ok := run.outcome(envelopeID); ok {
		return out, nil
	}

	doc, err := s.upsertJob(ctx, runID+"/"+envelopeID, item, string(raw))
	if err != nil {
		return model.Outcome{}, err
	}

	kind := model.OutcomeUpdated
	counter := "updated_jobs"
	if doc.CreatedEnvelope == runID+"/"+envelopeID {
		kind = model.OutcomeNew
		counter = "new_jobs"
	}

	filter := bson.M{"_id": runID}
	update := bson.M{"$inc": bson.M{counter: 1, "total_imported": 1}}
	if envelopeID != "" {
		filter["applied"] = bson.M{"$ne": envelopeID}
		update["$push"] = bson.M{
			"applied":  envelopeID,
			"outcomes": outcomeDoc{EnvelopeID: envelopeID, Outcome: string(kind), JobID: doc.ID},
		}
	}
	res, err := s.db.Collection(colRuns).UpdateOne(ctx, filter, update)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("counting %s job on run %s: %w", kind, runID, err)
	}
	if res.MatchedCount == 0 {
		// A concurrent delivery of the same envelope counted first.
		run, err := s.loadRun(ctx, runID)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("importing job %s: %w", item.ExternalID, err)
		}
		if out, ok := run.outcome(envelopeID); ok {
			return out, nil
		}
		return model.Outcome{}, fmt.Errorf("counting job on run %s: %w", runID, model.ErrNotFound)
	}
	return model.Outcome{Kind: kind, JobID: doc.ID}, nil
}

func (s *MongoStore) upsertJob(ctx context.Context, createdBy string, item model.CanonicalItem, raw string) (*jobDoc, error) {
	now := s.now()
	filter := bson.M{"external_id": item.ExternalID, "source_feed": item.SourceFeed}
	update := bson.M{
		"$set": bson.M{
			"title":       item.Title,
			"company":     item.Company,
			"description": item.Description,
			"location":    item.Location,
			"raw":         raw,
			"updated_at":  now,
		},
		"$setOnInsert": bson.M{
			"_id":              uuid.NewString(),
			"created_at":       now,
			"created_envelope": createdBy,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc jobDoc
	err := s.db.Collection(colJobs).FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if isDuplicateKey(err) {
		// Two upserts raced on the unique index; the loser retries as an update.
		err = s.db.Collection(colJobs).FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	}
	if err != nil {
		return nil, fmt.Errorf("upserting job %s: %w", item.ExternalID, err)
	}
	return &doc, nil
}

// FindJob looks a job up by its dedup key.
func (s *MongoStore) FindJob(ctx context.Context, externalID, sourceFeed string) (*model.Job, error) {
	j, err := s.findOneJob(ctx, bson.M{"external_id": externalID, "source_feed": sourceFeed})
	if err != nil {
		return nil, fmt.Errorf("finding job %s from %s: %w", externalID, sourceFeed, err)
	}
	return j, nil
}

// GetJob returns a job by its store id.
func (s *MongoStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.findOneJob(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return j, nil
}

func (s *MongoStore) findOneJob(ctx context.Context, filter bson.M) (*model.Job, error) {
	var doc jobDoc
	err := s.db.Collection(colJobs).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel()
}

// ListJobs returns one page of jobs, most recently updated first, and the
// total number of matches.
func (s *MongoStore) ListJobs(ctx context.Context, q model.JobQuery) ([]model.Job, int, error) {
	filter := mongoJobFilter(q)
	col := s.db.Collection(colJobs)

	total, err := col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit)).SetSkip(int64(q.Offset()))
	}
	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	defer cursor.Close(ctx)

	jobs := []model.Job{}
	for cursor.Next(ctx) {
		var doc jobDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decoding job: %w", err)
		}
		j, err := doc.toModel()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *j)
	}
	if err := cursor.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, int(total), nil
}

func mongoJobFilter(q model.JobQuery) bson.M {
	contains := func(s string) bson.Regex {
		return bson.Regex{Pattern: regexp.QuoteMeta(s), Options: "i"}
	}
	filter := bson.M{}
	if s := strings.TrimSpace(q.Search); s != "" {
		filter["$or"] = bson.A{
			bson.M{"title": contains(s)},
			bson.M{"company": contains(s)},
			bson.M{"location": contains(s)},
		}
	}
	if s := strings.TrimSpace(q.Title); s != "" {
		filter["title"] = contains(s)
	}
	if s := strings.TrimSpace(q.Company); s != "" {
		filter["company"] = contains(s)
	}
	if s := strings.TrimSpace(q.Location); s != "" {
		filter["location"] = contains(s)
	}
	return filter
}

// CreateRun inserts an empty ledger for feedIdentity.
func (s *MongoStore) CreateRun(ctx context.Context, feedIdentity, reprocessJobID string) (*model.Run, error) {
	doc := runDoc{
		ID:             uuid.NewString(),
		FeedIdentity:   feedIdentity,
		ReprocessJobID: reprocessJobID,
		CreatedAt:      s.now(),
		Failures:       []failureDoc{},
		Applied:        []string{},
		Outcomes:       []outcomeDoc{},
	}
	if _, err := s.db.Collection(colRuns).InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("creating run for %s: %w", feedIdentity, err)
	}
	return doc.toModel()
}

// SetPlanned records the number of fetched items in a single update.
func (s *MongoStore) SetPlanned(ctx context.Context, runID string, planned int) error {
	res, err := s.db.Collection(colRuns).UpdateOne(ctx,
		bson.M{"_id": runID},
		bson.M{"$set": bson.M{"planned": planned, "total_fetched": planned}},
	)
	if err != nil {
		return fmt.Errorf("setting planned on run %s: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("run %s: %w", runID, model.ErrNotFound)
	}
	return nil
}

// RecordFailure appends f to the run's failures. Terminal failures are
// counted once per envelope; an empty envelopeID always counts.
func (s *MongoStore) RecordFailure(ctx context.Context, runID, envelopeID string, f model.Failure, terminal bool) error {
	fd, err := toFailureDoc(f, s.now)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": runID}
	push := bson.M{"failures": fd}
	update := bson.M{}
	if terminal {
		update["$inc"] = bson.M{"failed_jobs": 1}
		if envelopeID != "" {
			filter["applied"] = bson.M{"$ne": envelopeID}
			push["applied"] = envelopeID
			push["outcomes"] = outcomeDoc{EnvelopeID: envelopeID, Outcome: string(model.OutcomeFailed)}
		}
	}
	update["$push"] = push

	res, err := s.db.Collection(colRuns).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("recording failure on run %s: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.loadRun(ctx, runID); err != nil {
			return fmt.Errorf("recording failure: %w", err)
		}
		// Envelope already has a terminal outcome.
	}
	return nil
}

// GetRun returns a run with its failures in append order.
func (s *MongoStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	doc, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return doc.toModel()
}

// ListRuns returns one page of runs, newest first, and the total count.
func (s *MongoStore) ListRuns(ctx context.Context, p model.Page) ([]model.Run, int, error) {
	col := s.db.Collection(colRuns)
	total, err := col.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"applied": 0, "outcomes": 0})
	if p.Limit > 0 {
		opts.SetLimit(int64(p.Limit)).SetSkip(int64(p.Offset()))
	}
	cursor, err := col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}
	defer cursor.Close(ctx)

	runs := []model.Run{}
	for cursor.Next(ctx) {
		var doc runDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decoding run: %w", err)
		}
		r, err := doc.toModel()
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *r)
	}
	if err := cursor.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}
	return runs, int(total), nil
}

func (s *MongoStore) loadRun(ctx context.Context, runID string) (*runDoc, error) {
	var doc runDoc
	err := s.db.Collection(colRuns).FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("run %s: %w", runID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return &doc, nil
}

// outcome returns the recorded outcome for envelopeID, if any.
func (d *runDoc) outcome(envelopeID string) (model.Outcome, bool) {
	if envelopeID == "" {
		return model.Outcome{}, false
	}
	for _, o := range d.Outcomes {
		if o.EnvelopeID == envelopeID {
			return model.Outcome{Kind: model.OutcomeKind(o.Outcome), JobID: o.JobID, Replayed: true}, true
		}
	}
	return model.Outcome{}, false
}

func (d *runDoc) toModel() (*model.Run, error) {
	r := &model.Run{
		ID:             d.ID,
		FeedIdentity:   d.FeedIdentity,
		ReprocessJobID: d.ReprocessJobID,
		CreatedAt:      d.CreatedAt.UTC(),
		Planned:        d.Planned,
		TotalFetched:   d.TotalFetched,
		TotalImported:  d.TotalImported,
		NewJobs:        d.NewJobs,
		UpdatedJobs:    d.UpdatedJobs,
		FailedJobs:     d.FailedJobs,
		Failures:       make([]model.Failure, 0, len(d.Failures)),
	}
	for _, fd := range d.Failures {
		item, err := decodeRaw(fd.Item)
		if err != nil {
			return nil, fmt.Errorf("decoding failed item of run %s: %w", d.ID, err)
		}
		r.Failures = append(r.Failures, model.Failure{
			Reason:   fd.Reason,
			Item:     item,
			At:       fd.At.UTC(),
			Attempt:  fd.Attempt,
			Retrying: fd.Retrying,
		})
	}
	return r, nil
}

func (d *jobDoc) toModel() (*model.Job, error) {
	raw, err := decodeRaw(d.Raw)
	if err != nil {
		return nil, fmt.Errorf("decoding raw item of job %s: %w", d.ID, err)
	}
	return &model.Job{
		ID:          d.ID,
		ExternalID:  d.ExternalID,
		SourceFeed:  d.SourceFeed,
		Title:       d.Title,
		Company:     d.Company,
		Description: d.Description,
		Location:    d.Location,
		Raw:         raw,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}, nil
}

func toFailureDoc(f model.Failure, now func() time.Time) (failureDoc, error) {
	item, err := json.Marshal(f.Item)
	if err != nil {
		return failureDoc{}, fmt.Errorf("encoding failed item: %w", err)
	}
	at := f.At
	if at.IsZero() {
		at = now()
	}
	return failureDoc{Reason: f.Reason, Item: string(item), At: at, Attempt: f.Attempt, Retrying: f.Retrying}, nil
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return mongo.IsDuplicateKeyError(err) || strings.Contains(err.Error(), "E11000")
}
