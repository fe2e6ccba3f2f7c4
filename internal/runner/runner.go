package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/coilworks/coil/internal/agent"
	"github.com/coilworks/coil/internal/enrich"
	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/internal/jobs"
	"github.com/coilworks/coil/internal/metrics"
	"github.com/coilworks/coil/internal/queue"
	"github.com/coilworks/coil/internal/telemetry"
	"github.com/coilworks/coil/pkg/models"
)

// Store is the persistence surface the runner needs.
type Store interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, runErr string) error
	UpdateRunClosedLoop(ctx context.Context, runID string, status models.ClosedLoopStatus) error
	CreateArtifacts(ctx context.Context, runID string, artifacts []*models.Artifact) error
	RecordContextUsage(ctx context.Context, runID string, slices []string) error
}

// SettingsProvider resolves per-project settings. This core only reads
// them; ownership lives elsewhere.
type SettingsProvider interface {
	GetProjectSettings(ctx context.Context, projectID string) (*models.ProjectSettings, error)
}

// StaticSettings is a SettingsProvider backed by a fixed map, for
// deployments without an external settings service and for tests.
// Unknown projects resolve to zero-valued settings.
type StaticSettings map[string]*models.ProjectSettings

func (s StaticSettings) GetProjectSettings(ctx context.Context, projectID string) (*models.ProjectSettings, error) {
	if settings, ok := s[projectID]; ok {
		return settings, nil
	}
	return &models.ProjectSettings{ProjectID: projectID}, nil
}

// RunOptions parameterize one agent run.
type RunOptions struct {
	UserID         string
	ProjectID      string
	TaskType       string // recorded in run context; drives evaluation metric selection
	Context        map[string]interface{}
	ParentRunID    string
	IterationCount int

	// SkipClosedLoop suppresses the evaluation enqueue. The loop
	// controller sets it on fix re-runs because it schedules the
	// follow-up evaluation itself.
	SkipClosedLoop bool
}

// Runner executes agents with full lifecycle persistence: run record,
// context enrichment, artifact storage, and closed-loop handoff.
type Runner struct {
	store    Store
	registry *agent.Registry
	enricher enrich.ContextBuilder
	queue    queue.Queue
	settings SettingsProvider
	metrics  *metrics.Metrics
}

// New creates a runner. enricher, settings, and metrics may be nil.
func New(store Store, registry *agent.Registry, enricher enrich.ContextBuilder, q queue.Queue, settings SettingsProvider, m *metrics.Metrics) *Runner {
	return &Runner{
		store:    store,
		registry: registry,
		enricher: enricher,
		queue:    q,
		settings: settings,
		metrics:  m,
	}
}

// RunAgentWithPersistence executes the named agent and persists the full
// lifecycle. An unknown agent fails before any run record exists; once
// the run is created it is returned even when the agent fails, with the
// error describing the failure. Enrichment, artifact persistence, and
// context-usage accounting are best-effort and never fail the run.
func (r *Runner) RunAgentWithPersistence(ctx context.Context, agentName string, opts RunOptions) (*models.Run, error) {
	a, err := r.registry.Get(agentName)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "agent_run", attribute.String("agent", agentName))
	defer span.End()

	execCtx := make(map[string]interface{}, len(opts.Context)+1)
	for k, v := range opts.Context {
		execCtx[k] = v
	}
	if opts.TaskType != "" {
		execCtx["task_type"] = opts.TaskType
	}

	run := &models.Run{
		AgentName:      agentName,
		UserID:         opts.UserID,
		ProjectID:      opts.ProjectID,
		Status:         models.RunStatusPending,
		Context:        execCtx,
		ParentRunID:    opts.ParentRunID,
		IterationCount: opts.IterationCount,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	if err := r.store.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("failed to mark run running: %w", err)
	}
	run.Status = models.RunStatusRunning
	r.metrics.RecordRunStarted(agentName)
	telemetry.RecordRunStarted(ctx, agentName)
	started := time.Now()

	if opts.ProjectID != "" && a.NeedsContext() && r.enricher != nil {
		r.enrichContext(ctx, run, a, execCtx)
	}

	artifacts, runErr := a.Run(ctx, execCtx)
	if runErr != nil {
		if !errdefs.IsTyped(runErr) {
			runErr = &errdefs.AgentRunError{AgentName: agentName, Err: runErr}
		}
		r.failRun(ctx, run, runErr)
		span.RecordError(runErr)
		r.metrics.RecordRunFinished(agentName, string(models.RunStatusFailed), time.Since(started))
		telemetry.RecordRunCompleted(ctx, agentName, string(models.RunStatusFailed), time.Since(started))
		return run, runErr
	}

	if len(artifacts) > 0 {
		if err := r.store.CreateArtifacts(ctx, run.ID, artifacts); err != nil {
			log.Printf("[Runner] Failed to persist %d artifacts for run %s: %v", len(artifacts), run.ID, err)
		}
	}

	if err := r.store.UpdateRunStatus(ctx, run.ID, models.RunStatusSucceeded, ""); err != nil {
		return nil, fmt.Errorf("failed to mark run succeeded: %w", err)
	}
	run.Status = models.RunStatusSucceeded
	r.metrics.RecordRunFinished(agentName, string(models.RunStatusSucceeded), time.Since(started))
	telemetry.RecordRunCompleted(ctx, agentName, string(models.RunStatusSucceeded), time.Since(started))

	if !opts.SkipClosedLoop && r.closedLoopEnabled(ctx, opts.ProjectID) {
		r.enqueueEvaluation(ctx, run)
	}
	return run, nil
}

// enrichContext merges best-effort enrichment into the execution context
// and records which slices fed the run.
func (r *Runner) enrichContext(ctx context.Context, run *models.Run, a agent.Agent, execCtx map[string]interface{}) {
	enrichment, err := r.enricher.BuildContext(ctx, a.ContextTaskType(), execCtx)
	if err != nil {
		log.Printf("[Runner] Context enrichment failed for run %s, continuing without: %v", run.ID, err)
		return
	}

	slices := make([]string, 0, len(enrichment.Context))
	for k, v := range enrichment.Context {
		execCtx[k] = v
		slices = append(slices, k)
	}
	if len(slices) > 0 {
		if err := r.store.RecordContextUsage(ctx, run.ID, slices); err != nil {
			log.Printf("[Runner] Failed to record context usage for run %s: %v", run.ID, err)
		}
	}
}

func (r *Runner) failRun(ctx context.Context, run *models.Run, runErr error) {
	if err := r.store.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed, runErr.Error()); err != nil {
		log.Printf("[Runner] Failed to mark run %s failed: %v", run.ID, err)
	}
	run.Status = models.RunStatusFailed
	run.Error = runErr.Error()
}

func (r *Runner) closedLoopEnabled(ctx context.Context, projectID string) bool {
	if r.queue == nil || r.settings == nil || projectID == "" {
		return false
	}
	settings, err := r.settings.GetProjectSettings(ctx, projectID)
	if err != nil {
		log.Printf("[Runner] Failed to read settings for project %s, skipping closed loop: %v", projectID, err)
		return false
	}
	return settings != nil && settings.ClosedLoopMode
}

// enqueueEvaluation hands the finished run to the closed-loop controller.
// Failure to enqueue leaves the run succeeded with closed-loop none.
func (r *Runner) enqueueEvaluation(ctx context.Context, run *models.Run) {
	payload := jobs.EvaluateRunPayload{RunID: run.ID}
	if _, err := r.queue.Enqueue(ctx, jobs.QueueEvaluations, jobs.JobEvaluateRun, payload, nil); err != nil {
		log.Printf("[Runner] Failed to enqueue evaluation for run %s: %v", run.ID, err)
		return
	}
	if err := r.store.UpdateRunClosedLoop(ctx, run.ID, models.ClosedLoopPending); err != nil {
		log.Printf("[Runner] Failed to mark run %s closed-loop pending: %v", run.ID, err)
		return
	}
	run.ClosedLoopStatus = models.ClosedLoopPending
}
