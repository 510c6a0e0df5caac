// Package mqlistener implements the Message Queue Listener (spec §4.11):
// the amqp091-go consumer that translates inbound START_TASK/RESUME_TASK
// queue messages into Root Agent requests, deduplicating redelivered
// messages against a redis-backed window before dispatch.
package mqlistener

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/taskforge/orchestrator/rootagent"
	"github.com/taskforge/orchestrator/telemetry"
)

type (
	// MessageKind is the closed set of inbound queue message kinds this
	// listener translates.
	MessageKind string

	// Envelope is the wire shape of every message on the queue.
	Envelope struct {
		Kind        MessageKind    `json:"kind"`
		MessageID   string         `json:"message_id"`
		UserID      string         `json:"user_id"`
		TraceID     string         `json:"trace_id"`
		TaskPath    string         `json:"task_path"`
		TaskID      string         `json:"task_id"`
		Utterance   string         `json:"utterance"`
		Notes       string         `json:"notes"`
		RequestedBy string         `json:"requested_by"`
		// Parameters carries a RESUME_TASK envelope's answer to a
		// NEED_INPUT task's missing parameters.
		Parameters map[string]any `json:"parameters,omitempty"`
	}

	// RootAgentRouter resolves the Root Agent responsible for a message's
	// TaskPath. A deployment with more than one Agent-tree root routes by
	// path prefix; single-root deployments can return the same Agent for
	// everything.
	RootAgentRouter interface {
		RouteFor(taskPath string) (*rootagent.Agent, error)
	}

	// Listener consumes envelopes from an AMQP queue, dedupes them
	// against redis, and dispatches to the routed Root Agent.
	Listener struct {
		Channel *amqp091.Channel
		Queue   string
		Router  RootAgentRouter
		Dedup   *redis.Client
		Logger  telemetry.Logger

		// DedupWindow bounds how long a message_id is remembered; a
		// redelivery older than this is treated as new rather than
		// risking an unbounded dedup set.
		DedupWindow time.Duration

		// Dispatch is invoked once an envelope has passed dedup and been
		// routed; it is the seam that actually starts/signals a workflow
		// execution (kept injectable so this package stays free of the
		// engine wiring).
		Dispatch func(ctx context.Context, agent *rootagent.Agent, env Envelope) error
	}
)

const (
	KindStartTask  MessageKind = "START_TASK"
	KindResumeTask MessageKind = "RESUME_TASK"
)

const defaultDedupWindow = 24 * time.Hour

// New builds a Listener. dedupWindow <= 0 uses defaultDedupWindow.
func New(ch *amqp091.Channel, queue string, router RootAgentRouter, dedup *redis.Client, logger telemetry.Logger, dedupWindow time.Duration, dispatch func(ctx context.Context, agent *rootagent.Agent, env Envelope) error) *Listener {
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Listener{Channel: ch, Queue: queue, Router: router, Dedup: dedup, Logger: logger, DedupWindow: dedupWindow, Dispatch: dispatch}
}

// Run consumes the queue until ctx is cancelled, acking every message it
// successfully dispatches (including ones it drops as duplicates) and
// nacking without requeue any it cannot parse or route — a poison
// message is never requeued, since a redelivery would only dedup-drop
// again.
func (l *Listener) Run(ctx context.Context) error {
	deliveries, err := l.Channel.Consume(l.Queue, "mqlistener", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("mqlistener: consume queue %q: %w", l.Queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			l.handle(ctx, d)
		}
	}
}

func (l *Listener) handle(ctx context.Context, d amqp091.Delivery) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		l.Logger.Error(ctx, "mqlistener: malformed envelope", "error", err.Error())
		_ = d.Nack(false, false)
		return
	}

	if dup, err := l.isDuplicate(ctx, env.MessageID); err != nil {
		l.Logger.Warn(ctx, "mqlistener: dedup check failed, processing anyway", "message_id", env.MessageID, "error", err.Error())
	} else if dup {
		_ = d.Ack(false)
		return
	}

	agentTarget, err := l.Router.RouteFor(env.TaskPath)
	if err != nil {
		l.Logger.Error(ctx, "mqlistener: no root agent for task path", "task_path", env.TaskPath, "error", err.Error())
		_ = d.Nack(false, false)
		return
	}

	if err := l.Dispatch(ctx, agentTarget, env); err != nil {
		l.Logger.Error(ctx, "mqlistener: dispatch failed", "message_id", env.MessageID, "error", err.Error())
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// isDuplicate reports whether messageID has been seen within the dedup
// window, recording it if not. A nil Dedup client disables deduplication
// (every message is treated as new).
func (l *Listener) isDuplicate(ctx context.Context, messageID string) (bool, error) {
	if l.Dedup == nil || messageID == "" {
		return false, nil
	}
	key := "mqlistener:seen:" + messageID
	set, err := l.Dedup.SetNX(ctx, key, 1, l.DedupWindow).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
