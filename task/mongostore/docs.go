package mongostore

import (
	"context"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/taskforge/orchestrator/task"
)

type (
	taskDocument struct {
		TaskID              string            `bson:"task_id"`
		TraceID             string            `bson:"trace_id"`
		TaskPath            string            `bson:"task_path"`
		Type                task.Type         `bson:"type"`
		Status              task.Status       `bson:"status"`
		UserID              string            `bson:"user_id"`
		Utterance           string            `bson:"utterance"`
		Plan                *planDocument     `bson:"plan,omitempty"`
		Result              any               `bson:"result,omitempty"`
		CorrectedResult     any               `bson:"corrected_result,omitempty"`
		Comments            []commentDocument `bson:"comments,omitempty"`
		OriginalTaskID      string            `bson:"original_task_id,omitempty"`
		ScheduleIntervalSec int64             `bson:"schedule_interval_sec,omitempty"`
		ScheduleCron        string            `bson:"schedule_cron,omitempty"`
		NextRunTime         time.Time         `bson:"next_run_time,omitempty"`
		LastRunTime         time.Time         `bson:"last_run_time,omitempty"`
		LoopPaused          bool              `bson:"loop_paused"`
		OptimizedParameters map[string]any    `bson:"optimized_parameters,omitempty"`
		CreatedAt           time.Time         `bson:"created_at"`
		UpdatedAt           time.Time         `bson:"updated_at"`
	}

	planDocument struct {
		Steps []stepDocument `bson:"steps"`
	}

	stepDocument struct {
		Seq                 int            `bson:"seq"`
		ID                  string         `bson:"id,omitempty"`
		Class               task.ExecutorClass `bson:"class"`
		Executor            string         `bson:"executor"`
		Parameters          map[string]any `bson:"parameters,omitempty"`
		IsParallel          bool           `bson:"is_parallel"`
		ReplicaCount        int            `bson:"replica_count,omitempty"`
		Aggregation         string         `bson:"aggregation,omitempty"`
		OptimizationEnabled bool           `bson:"optimization_enabled,omitempty"`
		UserGoal            string         `bson:"user_goal,omitempty"`
	}

	commentDocument struct {
		Text      string    `bson:"text"`
		Author    string    `bson:"author"`
		CreatedAt time.Time `bson:"created_at"`
	}

	resumptionDocument struct {
		TaskID               string                     `bson:"task_id"`
		WorkerAddress        string                     `bson:"worker_address"`
		OriginalParameters   map[string]any             `bson:"original_parameters,omitempty"`
		Missing              []missingParameterDocument `bson:"missing,omitempty"`
		AncestorAggregators  []string                   `bson:"ancestor_aggregators,omitempty"`
		CreatedAt            time.Time                  `bson:"created_at"`
	}

	missingParameterDocument struct {
		Name   string `bson:"name"`
		Prompt string `bson:"prompt"`
	}
)

func fromTask(t task.Task) taskDocument {
	doc := taskDocument{
		TaskID:              t.TaskID,
		TraceID:             t.TraceID,
		TaskPath:            t.TaskPath,
		Type:                t.Type,
		Status:              t.Status,
		UserID:              t.UserID,
		Utterance:           t.Utterance,
		Result:              t.Result,
		CorrectedResult:     t.CorrectedResult,
		OriginalTaskID:      t.OriginalTaskID,
		ScheduleIntervalSec: t.ScheduleIntervalSec,
		ScheduleCron:        t.ScheduleCron,
		NextRunTime:         t.NextRunTime,
		LastRunTime:         t.LastRunTime,
		LoopPaused:          t.LoopPaused,
		OptimizedParameters: t.OptimizedParameters,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
	if t.Plan != nil {
		steps := make([]stepDocument, len(t.Plan.Steps))
		for i, s := range t.Plan.Steps {
			steps[i] = stepDocument{
				Seq: s.Seq, ID: s.ID, Class: s.Class, Executor: s.Executor,
				Parameters: s.Parameters, IsParallel: s.IsParallel,
				ReplicaCount: s.ReplicaCount, Aggregation: string(s.Aggregation),
				OptimizationEnabled: s.OptimizationEnabled, UserGoal: s.UserGoal,
			}
		}
		doc.Plan = &planDocument{Steps: steps}
	}
	for _, c := range t.Comments {
		doc.Comments = append(doc.Comments, commentDocument{Text: c.Text, Author: c.Author, CreatedAt: c.CreatedAt})
	}
	return doc
}

func (doc taskDocument) toTask() task.Task {
	t := task.Task{
		TaskID:              doc.TaskID,
		TraceID:             doc.TraceID,
		TaskPath:            doc.TaskPath,
		Type:                doc.Type,
		Status:              doc.Status,
		UserID:              doc.UserID,
		Utterance:           doc.Utterance,
		Result:              doc.Result,
		CorrectedResult:     doc.CorrectedResult,
		OriginalTaskID:      doc.OriginalTaskID,
		ScheduleIntervalSec: doc.ScheduleIntervalSec,
		ScheduleCron:        doc.ScheduleCron,
		NextRunTime:         doc.NextRunTime,
		LastRunTime:         doc.LastRunTime,
		LoopPaused:          doc.LoopPaused,
		OptimizedParameters: doc.OptimizedParameters,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
	if doc.Plan != nil {
		steps := make([]task.Step, len(doc.Plan.Steps))
		for i, s := range doc.Plan.Steps {
			steps[i] = task.Step{
				Seq: s.Seq, ID: s.ID, Class: s.Class, Executor: s.Executor,
				Parameters: s.Parameters, IsParallel: s.IsParallel,
				ReplicaCount: s.ReplicaCount, Aggregation: task.AggregationStrategy(s.Aggregation),
				OptimizationEnabled: s.OptimizationEnabled, UserGoal: s.UserGoal,
			}
		}
		t.Plan = &task.Plan{Steps: steps}
	}
	for _, c := range doc.Comments {
		t.Comments = append(t.Comments, task.Comment{Text: c.Text, Author: c.Author, CreatedAt: c.CreatedAt})
	}
	return t
}

func fromResumption(r task.ResumptionRecord) resumptionDocument {
	doc := resumptionDocument{
		TaskID:              r.TaskID,
		WorkerAddress:       r.WorkerAddress,
		OriginalParameters:  r.OriginalParameters,
		AncestorAggregators: r.AncestorAggregators,
		CreatedAt:           r.CreatedAt,
	}
	for _, m := range r.Missing {
		doc.Missing = append(doc.Missing, missingParameterDocument{Name: m.Name, Prompt: m.Prompt})
	}
	return doc
}

func (doc resumptionDocument) toRecord() task.ResumptionRecord {
	r := task.ResumptionRecord{
		TaskID:              doc.TaskID,
		WorkerAddress:       doc.WorkerAddress,
		OriginalParameters:  doc.OriginalParameters,
		AncestorAggregators: doc.AncestorAggregators,
		CreatedAt:           doc.CreatedAt,
	}
	for _, m := range doc.Missing {
		r.Missing = append(r.Missing, task.MissingParameter{Name: m.Name, Prompt: m.Prompt})
	}
	return r
}

// collection narrows *mongodriver.Collection to what Store needs, mirroring
// the teacher's seam for substituting a fake in tests.
type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongodriver.SingleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongodriver.Cursor, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() mongodriver.IndexView
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongodriver.SingleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongodriver.Cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() mongodriver.IndexView {
	return c.coll.Indexes()
}
