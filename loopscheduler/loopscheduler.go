// Package loopscheduler implements the Loop Scheduler (spec §4.6): it
// fires LOOP/SCHEDULED tasks on their configured cadence — either a fixed
// interval, a cron expression, or an external rabbitmq_trigger message —
// and overlays any OptimizedParameters the Optimizer has learned onto the
// fired run's plan parameters before dispatch.
package loopscheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/robfig/cron/v3"

	"github.com/taskforge/orchestrator/eventbus"
	"github.com/taskforge/orchestrator/task"
	"github.com/taskforge/orchestrator/telemetry"
)

type (
	// Fire is what the scheduler hands to its Dispatch callback when a
	// loop task comes due.
	Fire struct {
		Task *task.Task
		// Parameters carries Task.OptimizedParameters already overlaid
		// onto the original plan parameters, ready for a fresh
		// Task-Group Aggregator run.
		Parameters map[string]any
	}

	// Dispatcher starts a new run for a fired loop task. Implementations
	// typically start a fresh Root Agent / Task-Group Aggregator workflow
	// seeded with fire.Parameters.
	Dispatcher interface {
		Dispatch(ctx context.Context, fire Fire) error
	}

	// Scheduler polls task.Store for due LOOP/SCHEDULED tasks on a
	// fixed tick, plus an amqp091-go consumer for rabbitmq_trigger-bound
	// loop tasks that fire on an external message rather than a clock.
	Scheduler struct {
		Store      task.Store
		Dispatcher Dispatcher
		Bus        *eventbus.Bus
		Logger     telemetry.Logger

		// PollInterval is how often ListDueLoops is checked for
		// clock-driven (interval/cron) loop tasks.
		PollInterval time.Duration

		// AMQPChannel, when set, is consumed for rabbitmq_trigger
		// messages; nil disables trigger-driven firing.
		AMQPChannel *amqp091.Channel
		TriggerQueue string

		cronParser cron.Parser
	}
)

const defaultPollInterval = 5 * time.Second

// New builds a Scheduler. pollInterval <= 0 uses defaultPollInterval.
func New(store task.Store, dispatcher Dispatcher, bus *eventbus.Bus, logger telemetry.Logger, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{
		Store:        store,
		Dispatcher:   dispatcher,
		Bus:          bus,
		Logger:       logger,
		PollInterval: pollInterval,
		cronParser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Run blocks, polling for due loop tasks and consuming rabbitmq_trigger
// messages (if AMQPChannel is set), until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	var deliveries <-chan amqp091.Delivery
	if s.AMQPChannel != nil && s.TriggerQueue != "" {
		var err error
		deliveries, err = s.AMQPChannel.Consume(s.TriggerQueue, "loopscheduler", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("loopscheduler: consume trigger queue: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.fireDue(ctx); err != nil {
				s.Logger.Error(ctx, "loopscheduler: poll failed", "error", err.Error())
			}
		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			s.handleTrigger(ctx, d)
		}
	}
}

// fireDue loads every LOOP/SCHEDULED task due at or before now, fires
// each, and advances its NextRunTime.
func (s *Scheduler) fireDue(ctx context.Context) error {
	now := time.Now()
	due, err := s.Store.ListDueLoops(ctx, now)
	if err != nil {
		return fmt.Errorf("list due loops: %w", err)
	}
	for _, t := range due {
		t := t
		if err := s.fireOne(ctx, &t, now); err != nil {
			s.Logger.Error(ctx, "loopscheduler: fire failed", "task_id", t.TaskID, "error", err.Error())
		}
	}
	return nil
}

func (s *Scheduler) fireOne(ctx context.Context, t *task.Task, now time.Time) error {
	if t.LoopPaused {
		return nil
	}

	params := overlayOptimized(t)
	if err := s.Dispatcher.Dispatch(ctx, Fire{Task: t, Parameters: params}); err != nil {
		return err
	}

	t.LastRunTime = now
	if t.Type == task.TypeDelayed {
		// A DELAYED task fires exactly once; pausing it rather than
		// computing a next run keeps it out of future ListDueLoops
		// results without deleting its record.
		t.LoopPaused = true
	} else if next := s.nextRun(t, now); next.After(now) {
		t.NextRunTime = next
	} else {
		// No usable next fire time (an unparseable cron expression):
		// pause the loop instead of leaving it due on every poll tick.
		t.LoopPaused = true
	}
	if err := s.Store.Update(ctx, *t); err != nil {
		return fmt.Errorf("persist next run time: %w", err)
	}
	if s.Bus != nil {
		s.Bus.Publish(ctx, eventbus.Event{Type: eventbus.EventLoopFired, TaskID: t.TaskID, TraceID: t.TraceID})
	}
	return nil
}

// TriggerNow fires t immediately without disturbing its existing
// NextRunTime/LastRunTime cadence — trigger_loop_task's on-demand fire,
// distinct from a scheduled poll-driven fire.
func (s *Scheduler) TriggerNow(ctx context.Context, taskID string) error {
	t, err := s.Store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loopscheduler: load task for trigger: %w", err)
	}
	params := overlayOptimized(&t)
	if err := s.Dispatcher.Dispatch(ctx, Fire{Task: &t, Parameters: params}); err != nil {
		return err
	}
	if s.Bus != nil {
		s.Bus.Publish(ctx, eventbus.Event{Type: eventbus.EventLoopFired, TaskID: t.TaskID, TraceID: t.TraceID})
	}
	return nil
}

// UpdateInterval changes t's fixed-interval cadence and recomputes its
// next fire time from now, implementing modify_loop_interval.
func (s *Scheduler) UpdateInterval(ctx context.Context, taskID string, intervalSec int64) error {
	t, err := s.Store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loopscheduler: load task for interval update: %w", err)
	}
	t.ScheduleIntervalSec = intervalSec
	t.NextRunTime = s.nextRun(&t, time.Now())
	return s.Store.Update(ctx, t)
}

// SetPaused flips a loop task's LoopPaused flag, implementing
// pause_loop/resume_loop. ListDueLoops already excludes paused tasks, so
// this alone is enough to stop or resume the cadence.
func (s *Scheduler) SetPaused(ctx context.Context, taskID string, paused bool) error {
	t, err := s.Store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loopscheduler: load task for pause: %w", err)
	}
	t.LoopPaused = paused
	return s.Store.Update(ctx, t)
}

// CancelLoop stops t's cadence for good by pausing it; the caller (the
// Root Agent) is responsible for transitioning the Task's own status to
// CANCELLED.
func (s *Scheduler) CancelLoop(ctx context.Context, taskID string) error {
	t, err := s.Store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loopscheduler: load task for cancel: %w", err)
	}
	t.LoopPaused = true
	return s.Store.Update(ctx, t)
}

// ApplyOptimization records the Optimizer's converged best parameters on
// t so the next fire's overlayOptimized picks them up. Best-effort: a
// failed Get/Update is swallowed rather than propagated, matching the
// non-blocking nature of Optimizer feedback.
func (s *Scheduler) ApplyOptimization(ctx context.Context, taskID string, params map[string]any) {
	t, err := s.Store.Get(ctx, taskID)
	if err != nil {
		return
	}
	t.OptimizedParameters = params
	_ = s.Store.Update(ctx, t)
}

// nextRun computes the next scheduled fire time from either a cron
// expression or a fixed interval; an unparseable cron expression returns
// t.NextRunTime unchanged, and fireOne then pauses the loop rather than
// firing it on every poll tick.
func (s *Scheduler) nextRun(t *task.Task, now time.Time) time.Time {
	if t.ScheduleCron != "" {
		sched, err := s.cronParser.Parse(t.ScheduleCron)
		if err != nil {
			return t.NextRunTime
		}
		return sched.Next(now)
	}
	if t.ScheduleIntervalSec > 0 {
		return now.Add(time.Duration(t.ScheduleIntervalSec) * time.Second)
	}
	return now.Add(s.PollInterval)
}

// handleTrigger fires the loop task named by the trigger message's
// task_id body, acking on success and nacking without requeue on
// failure (per the Message Queue Listener's ack/nack-without-requeue
// convention for poison-message safety).
func (s *Scheduler) handleTrigger(ctx context.Context, d amqp091.Delivery) {
	taskID := string(d.Body)
	t, err := s.Store.Get(ctx, taskID)
	if err != nil {
		s.Logger.Warn(ctx, "loopscheduler: unknown trigger task", "task_id", taskID, "error", err.Error())
		_ = d.Nack(false, false)
		return
	}
	if err := s.fireOne(ctx, &t, time.Now()); err != nil {
		s.Logger.Error(ctx, "loopscheduler: triggered fire failed", "task_id", taskID, "error", err.Error())
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// overlayOptimized merges a loop task's learned OptimizedParameters over
// its plan's step-0 parameters, preferring the Optimizer's choices while
// leaving any parameter it never touched at its original value.
func overlayOptimized(t *task.Task) map[string]any {
	out := make(map[string]any)
	if t.Plan != nil && len(t.Plan.Steps) > 0 {
		for k, v := range t.Plan.Steps[0].Parameters {
			out[k] = v
		}
	}
	for k, v := range t.OptimizedParameters {
		out[k] = v
	}
	return out
}
