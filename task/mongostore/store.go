// Package mongostore persists Task and ResumptionRecord documents in
// MongoDB, mirroring the client/collection-interface split used by the
// session and run Mongo stores this package was adapted from so tests can
// substitute a fake collection without standing up a server.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/taskforge/orchestrator/task"
)

const (
	defaultTasksCollection = "tasks"
	defaultResumeCollection = "task_resumptions"
	defaultOpTimeout       = 5 * time.Second
	clientName             = "task-mongo"
)

type (
	// Options configures the Mongo client.
	Options struct {
		Client           *mongodriver.Client
		Database         string
		TasksCollection  string
		ResumeCollection string
		Timeout          time.Duration
	}

	// Store implements task.Store against MongoDB.
	Store struct {
		mongo       *mongodriver.Client
		tasks       collection
		resumptions collection
		timeout     time.Duration
	}
)

// New builds a Store and ensures its indexes exist.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	tasksColl := opts.TasksCollection
	if tasksColl == "" {
		tasksColl = defaultTasksCollection
	}
	resumeColl := opts.ResumeCollection
	if resumeColl == "" {
		resumeColl = defaultResumeCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	tasks := mongoCollection{coll: db.Collection(tasksColl)}
	resumptions := mongoCollection{coll: db.Collection(resumeColl)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, tasks, resumptions); err != nil {
		return nil, err
	}

	return &Store{mongo: opts.Client, tasks: tasks, resumptions: resumptions, timeout: timeout}, nil
}

// Name identifies this client for health.Pinger registration.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

var _ health.Pinger = (*Store)(nil)
var _ task.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, t task.Task) error {
	if t.TaskID == "" {
		return errors.New("mongostore: task id is required")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.tasks.InsertOne(ctx, fromTask(t))
	return err
}

func (s *Store) Get(ctx context.Context, taskID string) (task.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc taskDocument
	if err := s.tasks.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return task.Task{}, task.ErrNotFound
		}
		return task.Task{}, err
	}
	return doc.toTask(), nil
}

func (s *Store) Update(ctx context.Context, t task.Task) error {
	t.UpdatedAt = time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.tasks.UpdateOne(ctx, bson.M{"task_id": t.TaskID}, bson.M{"$set": fromTask(t)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, taskID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.tasks.DeleteOne(ctx, bson.M{"task_id": taskID}); err != nil {
		return err
	}
	_, err := s.resumptions.DeleteOne(ctx, bson.M{"task_id": taskID})
	return err
}

func (s *Store) FindByReference(ctx context.Context, userID, naturalLanguage string) (task.Task, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"user_id": userID,
		"status":  bson.M{"$nin": []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled}},
		"utterance": bson.M{"$regex": naturalLanguage, "$options": "i"},
	}
	opts := options.FindOne().SetSort(bson.M{"updated_at": -1})
	var doc taskDocument
	if err := s.tasks.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return task.Task{}, false, nil
		}
		return task.Task{}, false, err
	}
	return doc.toTask(), true, nil
}

func (s *Store) AddComment(ctx context.Context, taskID, text, author string) error {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	t.AddComment(text, author, time.Now().UTC())
	return s.Update(ctx, t)
}

func (s *Store) ListDueLoops(ctx context.Context, asOf time.Time) ([]task.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"type":        bson.M{"$in": []task.Type{task.TypeLoop, task.TypeScheduled, task.TypeDelayed}},
		"loop_paused": false,
		"next_run_time": bson.M{"$lte": asOf},
	}
	cur, err := s.tasks.Find(ctx, filter, options.Find().SetSort(bson.M{"next_run_time": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []task.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toTask())
	}
	return out, cur.Err()
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]task.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID}
	cur, err := s.tasks.Find(ctx, filter, options.Find().SetSort(bson.M{"updated_at": -1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []task.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toTask())
	}
	return out, cur.Err()
}

func (s *Store) SaveResumption(ctx context.Context, r task.ResumptionRecord) error {
	if r.TaskID == "" {
		return errors.New("mongostore: resumption record requires a task id")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"task_id": r.TaskID}
	update := bson.M{"$set": fromResumption(r)}
	_, err := s.resumptions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (s *Store) LoadResumption(ctx context.Context, taskID string) (task.ResumptionRecord, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc resumptionDocument
	if err := s.resumptions.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return task.ResumptionRecord{}, false, nil
		}
		return task.ResumptionRecord{}, false, err
	}
	return doc.toRecord(), true, nil
}

func (s *Store) DeleteResumption(ctx context.Context, taskID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.resumptions.DeleteOne(ctx, bson.M{"task_id": taskID})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, tasks, resumptions collection) error {
	if _, err := tasks.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := resumptions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
