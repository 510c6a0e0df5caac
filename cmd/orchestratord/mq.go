package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/taskforge/orchestrator/config"
	"github.com/taskforge/orchestrator/engine"
	"github.com/taskforge/orchestrator/mqlistener"
	"github.com/taskforge/orchestrator/rootagent"
)

// singleRootRouter routes every inbound envelope to the one Root Agent
// this process hosts; a multi-root deployment would key off TaskPath
// instead.
type singleRootRouter struct {
	agent *rootagent.Agent
}

func (r singleRootRouter) RouteFor(taskPath string) (*rootagent.Agent, error) {
	return r.agent, nil
}

// startMessageQueue dials RabbitMQ and redis and starts the Message Queue
// Listener as a background goroutine. Absent a reachable broker this
// returns an error describing why it is disabled rather than blocking
// process startup — the orchestrator is still usable via direct
// engine.StartWorkflow calls without a queue.
func startMessageQueue(ctx context.Context, cfg config.Config, eng engine.Engine, root *rootagent.Agent) error {
	if cfg.RabbitMQURL == "" {
		return fmt.Errorf("no RABBITMQ_URL configured")
	}
	conn, err := amqp091.Dial(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	var dedup *redis.Client
	if cfg.RedisURL != "" {
		dedup = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	}

	dispatch := func(ctx context.Context, a *rootagent.Agent, env mqlistener.Envelope) error {
		return dispatchEnvelope(ctx, eng, a, env)
	}
	listener := mqlistener.New(ch, cfg.QueueName, singleRootRouter{agent: root}, dedup, nil, 0, dispatch)
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Printf("mqlistener: stopped: %v\n", err)
		}
	}()
	return nil
}

// dispatchEnvelope translates a queue envelope into a workflow start
// (START_TASK) or a full Root Agent Handle call (every other kind,
// including RESUME_TASK, whose answer is carried in Parameters),
// synchronously within the consumer goroutine (the listener acks only
// after this returns).
func dispatchEnvelope(ctx context.Context, eng engine.Engine, a *rootagent.Agent, env mqlistener.Envelope) error {
	req := rootagent.Request{
		UserID:     env.UserID,
		TraceID:    env.TraceID,
		TaskPath:   env.TaskPath,
		Utterance:  env.Utterance,
		TaskID:     env.TaskID,
		Parameters: env.Parameters,
	}

	if env.Kind == mqlistener.KindStartTask {
		// The started workflow's id becomes this task's TaskID, so a
		// later RESUME_TASK/pause_task/cancel_task envelope addressing
		// the same task_id can find it via engine.GetWorkflowHandle.
		presetID := req.TaskID
		if presetID == "" {
			presetID = uuid.NewString()
		}
		req.TaskID = ""
		req.PresetTaskID = presetID
		_, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
			ID:        presetID,
			Workflow:  rootWorkflowName,
			TaskQueue: rootTaskQueue,
			Input:     req,
		})
		return err
	}

	_, err := a.Handle(ctx, req)
	return err
}
