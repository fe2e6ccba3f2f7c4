package loop

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/coilworks/coil/internal/autofix"
	"github.com/coilworks/coil/internal/evaluation"
	"github.com/coilworks/coil/internal/jobs"
	"github.com/coilworks/coil/internal/metrics"
	"github.com/coilworks/coil/internal/queue"
	"github.com/coilworks/coil/internal/runner"
	"github.com/coilworks/coil/internal/telemetry"
	"github.com/coilworks/coil/pkg/models"
)

// DefaultMaxIterations bounds the fix cycle when project settings do not
// say otherwise.
const DefaultMaxIterations = 3

// Store is the persistence surface the controller needs.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	UpdateRunClosedLoop(ctx context.Context, runID string, status models.ClosedLoopStatus) error
	ListArtifacts(ctx context.Context, runID string) ([]*models.Artifact, error)
	GetEvaluationByRunID(ctx context.Context, runID string) (*models.EvaluationResult, error)
}

// Evaluator scores a run's output.
type Evaluator interface {
	EvaluateAgentRun(ctx context.Context, input evaluation.Input) (*models.EvaluationResult, error)
}

// FixAgent rewrites a low-scoring output.
type FixAgent interface {
	AttemptAutoFix(ctx context.Context, input autofix.Input) (*autofix.Result, error)
}

// AgentRunner re-executes an agent for a fix iteration.
type AgentRunner interface {
	RunAgentWithPersistence(ctx context.Context, agentName string, opts runner.RunOptions) (*models.Run, error)
}

// Controller drives the evaluate -> fix -> re-run cycle. It is a state
// machine over Run.ClosedLoopStatus, advanced by two job types on the
// queue: each job performs one step and enqueues the next, so the
// sequence for one run chain is strictly sequential while independent
// runs proceed concurrently.
type Controller struct {
	store         Store
	evaluator     Evaluator
	fixer         FixAgent
	runner        AgentRunner
	queue         queue.Queue
	settings      runner.SettingsProvider
	raterModels   []string
	maxIterations int
	metrics       *metrics.Metrics
}

// Config tunes the controller.
type Config struct {
	RaterModels []string

	// MaxIterations bounds the fix cycle for projects whose settings do
	// not override it. Zero means DefaultMaxIterations.
	MaxIterations int
}

// New creates a closed-loop controller. settings and metrics may be nil.
func New(store Store, evaluator Evaluator, fixer FixAgent, r AgentRunner, q queue.Queue, settings runner.SettingsProvider, cfg Config, m *metrics.Metrics) *Controller {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Controller{
		store:         store,
		evaluator:     evaluator,
		fixer:         fixer,
		runner:        r,
		queue:         q,
		settings:      settings,
		raterModels:   cfg.RaterModels,
		maxIterations: cfg.MaxIterations,
		metrics:       m,
	}
}

// Start registers the controller's job handlers on their queues.
func (c *Controller) Start(concurrency int) error {
	if err := c.queue.Process(jobs.QueueEvaluations, concurrency, c.HandleEvaluateRun); err != nil {
		return fmt.Errorf("failed to register evaluation handler: %w", err)
	}
	if err := c.queue.Process(jobs.QueueFixes, concurrency, c.HandleAutoFix); err != nil {
		return fmt.Errorf("failed to register fix handler: %w", err)
	}
	return nil
}

// HandleEvaluateRun evaluates one finished run and decides the next
// state: completed when the score clears the bar, a queued fix when it
// does not and iterations remain, max_iterations_reached otherwise. Any
// error marks the run's closed loop failed and is rethrown so the
// queue's retry policy applies.
func (c *Controller) HandleEvaluateRun(ctx context.Context, job *queue.Job) error {
	var payload jobs.EvaluateRunPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	run, err := c.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return err
	}

	if err := c.evaluateRun(ctx, run); err != nil {
		c.failLoop(ctx, run)
		return err
	}
	return nil
}

func (c *Controller) evaluateRun(ctx context.Context, run *models.Run) error {
	if err := c.store.UpdateRunClosedLoop(ctx, run.ID, models.ClosedLoopInProgress); err != nil {
		return err
	}

	output, err := c.runOutput(ctx, run)
	if err != nil {
		return err
	}

	eval, err := c.evaluator.EvaluateAgentRun(ctx, evaluation.Input{
		RunID:    run.ID,
		TaskType: contextString(run, "task_type"),
		Prompt:   contextString(run, "prompt"),
		Output:   output,
		Models:   c.raterModels,
	})
	if err != nil {
		return err
	}

	if !eval.NeedsFix {
		log.Printf("[Loop] Run %s scored %.2f, loop completed", run.ID, eval.Overall)
		c.recordOutcome(run.AgentName, "completed")
		return c.store.UpdateRunClosedLoop(ctx, run.ID, models.ClosedLoopCompleted)
	}

	maxIterations := c.iterationCap(ctx, run.ProjectID)
	if run.IterationCount >= maxIterations {
		log.Printf("[Loop] Run %s scored %.2f but hit the iteration cap (%d)", run.ID, eval.Overall, maxIterations)
		c.recordOutcome(run.AgentName, "max_iterations_reached")
		return c.store.UpdateRunClosedLoop(ctx, run.ID, models.ClosedLoopMaxIterations)
	}

	log.Printf("[Loop] Run %s scored %.2f, queueing fix (iteration %d/%d)",
		run.ID, eval.Overall, run.IterationCount, maxIterations)
	_, err = c.queue.Enqueue(ctx, jobs.QueueFixes, jobs.JobAutoFix,
		jobs.AutoFixPayload{RunID: run.ID, EvaluationID: eval.ID}, nil)
	return err
}

// HandleAutoFix fixes one low-scoring run: ask the fix agent for a
// rewrite, re-run the original agent with the feedback in context as a
// child run, and queue the child's evaluation. Errors mark the current
// run's closed loop failed and are rethrown for retry.
func (c *Controller) HandleAutoFix(ctx context.Context, job *queue.Job) error {
	var payload jobs.AutoFixPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	run, err := c.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return err
	}

	if err := c.fixAndRerun(ctx, run); err != nil {
		c.failLoop(ctx, run)
		return err
	}
	return nil
}

func (c *Controller) fixAndRerun(ctx context.Context, run *models.Run) error {
	eval, err := c.store.GetEvaluationByRunID(ctx, run.ID)
	if err != nil {
		return err
	}

	output, err := c.runOutput(ctx, run)
	if err != nil {
		return err
	}

	fix, err := c.fixer.AttemptAutoFix(ctx, autofix.Input{
		RunID:      run.ID,
		Prompt:     contextString(run, "prompt"),
		Output:     output,
		Evaluation: eval,
	})
	if err != nil {
		return err
	}

	childCtx := make(map[string]interface{}, len(run.Context)+3)
	for k, v := range run.Context {
		childCtx[k] = v
	}
	childCtx["previous_output"] = output
	childCtx["feedback"] = fix.FixNotes
	childCtx["correction_instruction"] = fix.FixedOutput

	if c.metrics != nil {
		c.metrics.LoopIterations.WithLabelValues(run.AgentName).Inc()
	}
	telemetry.RecordLoopIteration(ctx, run.AgentName)

	child, err := c.runner.RunAgentWithPersistence(ctx, run.AgentName, runner.RunOptions{
		UserID:         run.UserID,
		ProjectID:      run.ProjectID,
		TaskType:       contextString(run, "task_type"),
		Context:        childCtx,
		ParentRunID:    run.ID,
		IterationCount: run.IterationCount + 1,
		SkipClosedLoop: true, // this controller queues the follow-up evaluation itself
	})
	if err != nil {
		return err
	}

	if err := c.store.UpdateRunClosedLoop(ctx, child.ID, models.ClosedLoopInProgress); err != nil {
		return err
	}
	_, err = c.queue.Enqueue(ctx, jobs.QueueEvaluations, jobs.JobEvaluateRun,
		jobs.EvaluateRunPayload{RunID: child.ID}, nil)
	return err
}

// runOutput reconstructs the run's output text from its artifacts.
func (c *Controller) runOutput(ctx context.Context, run *models.Run) (string, error) {
	artifacts, err := c.store.ListArtifacts(ctx, run.ID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Content != "" {
			parts = append(parts, a.Content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func (c *Controller) iterationCap(ctx context.Context, projectID string) int {
	if c.settings != nil && projectID != "" {
		if settings, err := c.settings.GetProjectSettings(ctx, projectID); err == nil &&
			settings != nil && settings.MaxIterations > 0 {
			return settings.MaxIterations
		}
	}
	return c.maxIterations
}

func (c *Controller) failLoop(ctx context.Context, run *models.Run) {
	c.recordOutcome(run.AgentName, "failed")
	if err := c.store.UpdateRunClosedLoop(ctx, run.ID, models.ClosedLoopFailed); err != nil {
		log.Printf("[Loop] Failed to mark run %s closed-loop failed: %v", run.ID, err)
	}
}

func (c *Controller) recordOutcome(agentName, outcome string) {
	if c.metrics != nil {
		c.metrics.LoopOutcomes.WithLabelValues(agentName, outcome).Inc()
	}
}

func contextString(run *models.Run, key string) string {
	if run.Context == nil {
		return ""
	}
	if v, ok := run.Context[key].(string); ok {
		return v
	}
	return ""
}
