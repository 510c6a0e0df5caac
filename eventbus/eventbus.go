// Package eventbus implements the Event Bus (spec §4.10): a fan-out
// publisher for task lifecycle events. Unlike the teacher's hooks.Bus,
// which is synchronous and fail-fast (the first subscriber error aborts
// delivery to the rest), this bus is fire-and-forget: Publish never
// blocks the caller on a slow subscriber and a subscriber's error never
// propagates back to the publishing actor — spec §4.10 requires that no
// actor's progress can ever depend on an observer.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/taskforge/orchestrator/telemetry"
)

type (
	// EventType is the closed set of task lifecycle events this bus
	// carries.
	EventType string

	// Event is one published occurrence. Fields beyond TaskID/Type are
	// populated as applicable to that type and zero-valued otherwise.
	Event struct {
		Type      EventType
		TaskID    string
		TraceID   string
		Status    string
		StepID    string
		Timestamp int64
		Detail    map[string]any
	}

	// Subscriber reacts to published events. Unlike hooks.Subscriber, it
	// has no error return: a subscriber that fails should log internally,
	// never signal the bus.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event)
	}

	// SubscriberFunc adapts a plain function to Subscriber.
	SubscriberFunc func(ctx context.Context, event Event)

	// Subscription represents an active registration; Close unregisters.
	Subscription interface {
		Close()
	}

	// Bus publishes task lifecycle events to every registered subscriber
	// without blocking the publisher and without letting a subscriber's
	// panic or slowness affect it.
	Bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		logger      telemetry.Logger
	}

	subscription struct {
		bus  *Bus
		once sync.Once
	}
)

const (
	EventTaskCreated   EventType = "task.created"
	EventTaskScheduled EventType = "task.scheduled"
	EventTaskRunning   EventType = "task.running"
	EventTaskPaused    EventType = "task.paused"
	EventTaskResumed   EventType = "task.resumed"
	EventTaskNeedInput EventType = "task.need_input"
	EventStepStarted   EventType = "task.step_started"
	EventStepCompleted EventType = "task.step_completed"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventLoopFired     EventType = "task.loop_fired"
	EventOptimized     EventType = "task.optimized"
)

func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) { f(ctx, event) }

// New builds an empty Bus. logger may be nil, in which case a no-op
// logger absorbs the per-subscriber recovery notices.
func New(logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{subscribers: make(map[*subscription]Subscriber), logger: logger}
}

// Register adds sub to the bus and returns a Subscription handle used to
// unregister it.
func (b *Bus) Register(sub Subscriber) Subscription {
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s
}

// Publish delivers event to a snapshot of the currently registered
// subscribers, each in its own goroutine, and returns immediately without
// waiting for any of them. A subscriber panic is recovered and logged,
// never surfaced to the caller.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub := sub
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn(ctx, "eventbus: subscriber panicked", "panic", r, "event_type", string(event.Type), "task_id", event.TaskID)
				}
			}()
			sub.HandleEvent(ctx, event)
		}()
	}
}

// Close unregisters the subscriber. Idempotent.
func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
}
