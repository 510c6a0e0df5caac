package loopscheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/task"
)

type recordingDispatcher struct {
	fires []Fire
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, fire Fire) error {
	d.fires = append(d.fires, fire)
	return d.err
}

type fakeAcknowledger struct {
	acked, nacked, rejected bool
	nackRequeue             bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error  { f.acked = true; return nil }
func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.nackRequeue = requeue
	return nil
}
func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error { f.rejected = true; return nil }

func TestNextRunUsesFixedIntervalByDefault(t *testing.T) {
	s := New(task.NewMemoryStore(), &recordingDispatcher{}, nil, nil, 5*time.Second)
	now := time.Now()
	tk := &task.Task{ScheduleIntervalSec: 30}

	next := s.nextRun(tk, now)
	assert.WithinDuration(t, now.Add(30*time.Second), next, time.Millisecond)
}

func TestNextRunUsesCronWhenSet(t *testing.T) {
	s := New(task.NewMemoryStore(), &recordingDispatcher{}, nil, nil, 5*time.Second)
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	tk := &task.Task{ScheduleCron: "0 * * * *"}

	next := s.nextRun(tk, now)
	assert.Equal(t, 11, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestNextRunLeavesNextRunTimeOnUnparseableCron(t *testing.T) {
	s := New(task.NewMemoryStore(), &recordingDispatcher{}, nil, nil, 5*time.Second)
	now := time.Now()
	fixed := now.Add(time.Hour)
	tk := &task.Task{ScheduleCron: "not a cron expression", NextRunTime: fixed}

	next := s.nextRun(tk, now)
	assert.Equal(t, fixed, next)
}

func TestNextRunFallsBackToPollInterval(t *testing.T) {
	s := New(task.NewMemoryStore(), &recordingDispatcher{}, nil, nil, 7*time.Second)
	now := time.Now()
	next := s.nextRun(&task.Task{}, now)
	assert.WithinDuration(t, now.Add(7*time.Second), next, time.Millisecond)
}

func TestOverlayOptimizedMergesOverPlanParameters(t *testing.T) {
	tk := &task.Task{
		Plan: &task.Plan{Steps: []task.Step{
			{Parameters: map[string]any{"batch_size": 10.0, "region": "us-east"}},
		}},
		OptimizedParameters: map[string]any{"batch_size": 25.0},
	}

	merged := overlayOptimized(tk)
	assert.Equal(t, 25.0, merged["batch_size"])
	assert.Equal(t, "us-east", merged["region"])
}

func TestFireOneSkipsPausedLoop(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(task.NewMemoryStore(), d, nil, nil, 5*time.Second)
	tk := &task.Task{TaskID: "loop-1", LoopPaused: true}

	err := s.fireOne(context.Background(), tk, time.Now())
	require.NoError(t, err)
	assert.Empty(t, d.fires)
}

func TestFireOneDispatchesAndAdvancesNextRunTime(t *testing.T) {
	store := task.NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Create(context.Background(), task.Task{
		TaskID: "loop-1", Type: task.TypeLoop, ScheduleIntervalSec: 60, CreatedAt: now, UpdatedAt: now,
	}))
	d := &recordingDispatcher{}
	s := New(store, d, nil, nil, 5*time.Second)

	tk, err := store.Get(context.Background(), "loop-1")
	require.NoError(t, err)

	require.NoError(t, s.fireOne(context.Background(), &tk, now))
	require.Len(t, d.fires, 1)
	assert.Equal(t, "loop-1", d.fires[0].Task.TaskID)

	updated, err := store.Get(context.Background(), "loop-1")
	require.NoError(t, err)
	assert.True(t, updated.NextRunTime.After(now))
}

func TestHandleTriggerAcksOnSuccess(t *testing.T) {
	store := task.NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Create(context.Background(), task.Task{
		TaskID: "loop-2", Type: task.TypeLoop, CreatedAt: now, UpdatedAt: now,
	}))
	d := &recordingDispatcher{}
	s := New(store, d, nil, nil, 5*time.Second)
	ack := &fakeAcknowledger{}

	s.handleTrigger(context.Background(), amqp091.Delivery{Acknowledger: ack, Body: []byte("loop-2")})

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Len(t, d.fires, 1)
}

func TestHandleTriggerNacksOnUnknownTask(t *testing.T) {
	store := task.NewMemoryStore()
	d := &recordingDispatcher{}
	s := New(store, d, nil, nil, 5*time.Second)
	ack := &fakeAcknowledger{}

	s.handleTrigger(context.Background(), amqp091.Delivery{Acknowledger: ack, Body: []byte("does-not-exist")})

	assert.True(t, ack.nacked)
	assert.False(t, ack.nackRequeue)
	assert.False(t, ack.acked)
}

func TestHandleTriggerNacksOnDispatchFailure(t *testing.T) {
	store := task.NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Create(context.Background(), task.Task{
		TaskID: "loop-3", Type: task.TypeLoop, CreatedAt: now, UpdatedAt: now,
	}))
	d := &recordingDispatcher{err: assert.AnError}
	s := New(store, d, nil, nil, 5*time.Second)
	ack := &fakeAcknowledger{}

	s.handleTrigger(context.Background(), amqp091.Delivery{Acknowledger: ack, Body: []byte("loop-3")})

	assert.True(t, ack.nacked)
	assert.False(t, ack.acked)
}
