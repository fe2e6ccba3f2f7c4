package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/coilworks/coil/internal/agent"
	"github.com/coilworks/coil/internal/bus"
	"github.com/coilworks/coil/pkg/messages"
	"github.com/coilworks/coil/pkg/models"
)

// Task is one step in an orchestration plan. DependsOn is recorded in the
// task result for traceability but does not gate execution; tasks run in
// plan order regardless.
type Task struct {
	Name      string                 `json:"name"`
	AgentName string                 `json:"agent_name"`
	DependsOn []string               `json:"depends_on,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// TaskResult summarizes one executed task.
type TaskResult struct {
	Task      string    `json:"task"`
	AgentName string    `json:"agent_name"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Artifacts int       `json:"artifacts"`
	DependsOn []string  `json:"depends_on,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// Agent is a composite agent that walks a fixed task plan, delegating
// each step to a registered sub-agent. A failed task is reported and
// skipped past, not fatal: later tasks still run, and the orchestration
// itself succeeds as long as the plan was walked to the end.
type Agent struct {
	name     string
	plan     []Task
	registry *agent.Registry
	bus      *bus.Bus
}

// New creates an orchestrator agent over the given plan. bus may be nil.
func New(name string, plan []Task, registry *agent.Registry, b *bus.Bus) *Agent {
	return &Agent{name: name, plan: plan, registry: registry, bus: b}
}

func (o *Agent) Name() string            { return o.name }
func (o *Agent) NeedsContext() bool      { return false }
func (o *Agent) ContextTaskType() string { return "" }

// Run executes every task in plan order. Each sub-agent receives the
// orchestration context merged with its task context. The returned
// artifacts are the sub-agents' outputs plus a summary artifact with the
// per-task results.
func (o *Agent) Run(ctx context.Context, execCtx map[string]interface{}) ([]*models.Artifact, error) {
	if len(o.plan) == 0 {
		return nil, fmt.Errorf("orchestrator %s has an empty plan", o.name)
	}

	var all []*models.Artifact
	results := make([]TaskResult, 0, len(o.plan))

	for _, task := range o.plan {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		result := TaskResult{
			Task:      task.Name,
			AgentName: task.AgentName,
			DependsOn: task.DependsOn,
			StartedAt: time.Now(),
		}
		o.notify("task_started", task, "")

		artifacts, err := o.runTask(ctx, task, execCtx)
		result.Duration = time.Since(result.StartedAt).String()
		if err != nil {
			result.Error = err.Error()
			log.Printf("[Orchestrator] Task %s (%s) failed, continuing: %v", task.Name, task.AgentName, err)
			o.notify("task_failed", task, err.Error())
		} else {
			result.Success = true
			result.Artifacts = len(artifacts)
			all = append(all, artifacts...)
			o.notify("task_completed", task, "")
		}
		results = append(results, result)
	}

	summary := &models.Artifact{
		Type:  "orchestration_summary",
		Title: fmt.Sprintf("%s task results", o.name),
		Metadata: map[string]interface{}{
			"tasks":   len(results),
			"results": results,
		},
		Content: summarize(results),
	}
	return append(all, summary), nil
}

func (o *Agent) runTask(ctx context.Context, task Task, execCtx map[string]interface{}) ([]*models.Artifact, error) {
	sub, err := o.registry.Get(task.AgentName)
	if err != nil {
		return nil, err
	}

	taskCtx := make(map[string]interface{}, len(execCtx)+len(task.Context))
	for k, v := range execCtx {
		taskCtx[k] = v
	}
	for k, v := range task.Context {
		taskCtx[k] = v
	}
	return sub.Run(ctx, taskCtx)
}

func (o *Agent) notify(action string, task Task, errMsg string) {
	if o.bus == nil {
		return
	}
	payload, err := messages.MarshalPayload(map[string]interface{}{
		"task":  task.Name,
		"agent": task.AgentName,
		"error": errMsg,
	})
	if err != nil {
		return
	}
	if err := o.bus.Notify(context.Background(), o.name, messages.Broadcast, action, payload); err != nil {
		log.Printf("[Orchestrator] Failed to publish %s for task %s: %v", action, task.Name, err)
	}
}

func summarize(results []TaskResult) string {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	return fmt.Sprintf("%d/%d tasks succeeded", succeeded, len(results))
}
