// Command orchestratord wires every core actor (Root Agent, Task Planner,
// Context Resolver, Task-Group Aggregator, Parallel Aggregator, Execution
// Worker, Leaf Agent, Optimizer, Event Bus, Loop Scheduler, Message Queue
// Listener) into a single running process, following the teacher's
// cmd/demo wiring pattern: build the engine, register the root workflow
// (no activities are registered), then drive it through a client.
package main

import (
	"context"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/agenttree"
	"github.com/taskforge/orchestrator/config"
	"github.com/taskforge/orchestrator/contextresolver"
	"github.com/taskforge/orchestrator/engine"
	"github.com/taskforge/orchestrator/engine/inmem"
	"github.com/taskforge/orchestrator/eventbus"
	"github.com/taskforge/orchestrator/execworker"
	"github.com/taskforge/orchestrator/leafagent"
	"github.com/taskforge/orchestrator/loopscheduler"
	"github.com/taskforge/orchestrator/memory"
	"github.com/taskforge/orchestrator/model"
	"github.com/taskforge/orchestrator/model/anthropic"
	"github.com/taskforge/orchestrator/optimizer"
	"github.com/taskforge/orchestrator/rootagent"
	"github.com/taskforge/orchestrator/task"
	"github.com/taskforge/orchestrator/taskgroup"
	"github.com/taskforge/orchestrator/taskplanner"
	"github.com/taskforge/orchestrator/toolregistry"
)

const (
	rootWorkflowName = "orchestrator.root"
	rootTaskQueue    = "orchestrator.root.queue"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("ORCHESTRATORD_CONFIG"))
	if err != nil {
		return err
	}

	tree := agenttree.NewMemory()
	rootID := seedDemoTree(tree)

	var modelClient model.Client
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		modelClient, err = anthropic.NewFromAPIKey(apiKey, anthropic.Options{DefaultModel: "claude-3-5-haiku-latest", PlannerModel: "claude-3-5-sonnet-latest"})
		if err != nil {
			return err
		}
	}

	store := task.NewMemoryStore()
	bus := eventbus.New(nil)
	resolver := contextresolver.New(tree, modelClient)
	registry := toolregistry.New()
	optStore := optimizer.NewMemoryStore()
	opt := optimizer.New(optStore, cfg.OptimizationFeedbackWindow, 0)

	worker := execworker.New(registry, nil, nil, nil)
	leaf := leafagent.New(tree, resolver, worker, "orchestratord-local")
	dispatcher := newStepDispatcher(tree, leaf, worker, opt)

	planner := taskplanner.New(tree, modelClient)
	historySource := memory.TaskSource{Store: store}

	root := rootagent.New(rootID, modelClient, planner, store, bus, historySource, func() taskgroup.StepDispatcher { return dispatcher })

	eng := inmem.New()
	if err := registerWorkflow(ctx, eng, root); err != nil {
		return err
	}

	sched := loopscheduler.New(store, loopDispatcher{eng: eng}, bus, nil, cfg.LoopDefaultInterval)

	root.Engine = eng
	root.Optimizer = opt
	root.Loop = sched
	root.WorkflowName = rootWorkflowName
	root.TaskQueue = rootTaskQueue
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("loopscheduler: stopped: %v", err)
		}
	}()

	if err := startMessageQueue(ctx, cfg, eng, root); err != nil {
		log.Printf("mqlistener: disabled: %v", err)
	}

	log.Printf("orchestratord: root agent %q ready on queue %q", rootID, rootTaskQueue)
	<-ctx.Done()
	return nil
}

// registerWorkflow binds the Root Agent's new-task handling to the engine
// as a single workflow definition, following cmd/demo's pattern of a thin
// WorkflowFunc delegating straight into the runtime/agent layer.
func registerWorkflow(ctx context.Context, eng engine.Engine, root *rootagent.Agent) error {
	handler := func(wfCtx engine.WorkflowContext, input any) (any, error) {
		req, ok := input.(rootagent.Request)
		if !ok {
			return nil, nil
		}
		return root.HandleNewTask(wfCtx, req)
	}
	return eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: rootWorkflowName, TaskQueue: rootTaskQueue, Handler: handler})
}

// loopDispatcher starts a fresh root-workflow execution seeded with a
// fired loop task's optimized parameters (spec §4.6).
type loopDispatcher struct {
	eng engine.Engine
}

func (d loopDispatcher) Dispatch(ctx context.Context, fire loopscheduler.Fire) error {
	req := rootagent.Request{
		UserID:     fire.Task.UserID,
		TraceID:    fire.Task.TraceID,
		TaskPath:   fire.Task.TaskPath,
		Utterance:  fire.Task.Utterance,
		Parameters: fire.Parameters,
		LoopTaskID: fire.Task.TaskID,
	}
	// Each fire is a fresh ONE_TIME run, so it needs its own workflow id —
	// reusing fire.Task.TaskID would collide with the loop task's own
	// record and with every other fire of the same loop.
	_, err := d.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        fire.Task.TaskID + "-" + uuid.NewString(),
		Workflow:  rootWorkflowName,
		TaskQueue: rootTaskQueue,
		Input:     req,
	})
	return err
}

// seedDemoTree populates a tiny single-root Agent tree so the process has
// something to classify and plan against out of the box; a real
// deployment replaces this with the gRPC-backed Agent tree client (spec
// §6) instead of the in-memory Repository.
func seedDemoTree(tree *agenttree.Memory) agent.Ident {
	const root agent.Ident = "orchestrator.root"
	tree.AddNode(agent.Meta{ID: root, Name: "root", Description: "task intake root"}, "")
	return root
}
