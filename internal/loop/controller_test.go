package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coilworks/coil/internal/autofix"
	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/internal/evaluation"
	"github.com/coilworks/coil/internal/jobs"
	"github.com/coilworks/coil/internal/queue"
	"github.com/coilworks/coil/internal/runner"
	"github.com/coilworks/coil/pkg/models"
)

// loopStore is an in-memory Store for controller tests.
type loopStore struct {
	mu        sync.Mutex
	runs      map[string]*models.Run
	artifacts map[string][]*models.Artifact
	evals     map[string]*models.EvaluationResult
}

func newLoopStore() *loopStore {
	return &loopStore{
		runs:      make(map[string]*models.Run),
		artifacts: make(map[string][]*models.Artifact),
		evals:     make(map[string]*models.EvaluationResult),
	}
}

func (s *loopStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", errdefs.ErrRunNotFound, runID)
	}
	copied := *run
	return &copied, nil
}

func (s *loopStore) UpdateRunClosedLoop(ctx context.Context, runID string, status models.ClosedLoopStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", errdefs.ErrRunNotFound, runID)
	}
	run.ClosedLoopStatus = status
	return nil
}

func (s *loopStore) ListArtifacts(ctx context.Context, runID string) ([]*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifacts[runID], nil
}

func (s *loopStore) GetEvaluationByRunID(ctx context.Context, runID string) (*models.EvaluationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eval, ok := s.evals[runID]
	if !ok {
		return nil, fmt.Errorf("%w: no evaluation for run %s", errdefs.ErrRunNotFound, runID)
	}
	return eval, nil
}

func (s *loopStore) addRun(run *models.Run, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	if output != "" {
		s.artifacts[run.ID] = []*models.Artifact{{RunID: run.ID, Type: "text", Content: output}}
	}
}

func (s *loopStore) status(t *testing.T, runID string) models.ClosedLoopStatus {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	require.True(t, ok)
	return run.ClosedLoopStatus
}

// scriptedEvaluator returns a per-run scripted overall score and records
// the evaluation the way the real engine would.
type scriptedEvaluator struct {
	store  *loopStore
	scores map[string]float64 // runID -> overall
	err    error
}

func (e *scriptedEvaluator) EvaluateAgentRun(ctx context.Context, input evaluation.Input) (*models.EvaluationResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	overall, ok := e.scores[input.RunID]
	if !ok {
		return nil, fmt.Errorf("no scripted score for run %s", input.RunID)
	}
	result := &models.EvaluationResult{
		ID:       "eval-" + input.RunID,
		RunID:    input.RunID,
		TaskType: input.TaskType,
		Overall:  overall,
		NeedsFix: overall < evaluation.DefaultNeedsFixThreshold,
	}
	e.store.mu.Lock()
	e.store.evals[input.RunID] = result
	e.store.mu.Unlock()
	return result, nil
}

type scriptedFixer struct {
	err   error
	calls int
}

func (f *scriptedFixer) AttemptAutoFix(ctx context.Context, input autofix.Input) (*autofix.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &autofix.Result{
		FixedOutput: "improved " + input.Output,
		FixNotes:    "tightened the structure",
		Success:     true,
	}, nil
}

// rerunRunner creates child runs in the store with a scripted output.
type rerunRunner struct {
	store   *loopStore
	outputs map[int]string // iteration -> child output
	err     error
	lastCtx map[string]interface{}
}

func (r *rerunRunner) RunAgentWithPersistence(ctx context.Context, agentName string, opts runner.RunOptions) (*models.Run, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.lastCtx = opts.Context
	child := &models.Run{
		ID:             fmt.Sprintf("run-iter-%d", opts.IterationCount),
		AgentName:      agentName,
		ProjectID:      opts.ProjectID,
		Status:         models.RunStatusSucceeded,
		Context:        opts.Context,
		ParentRunID:    opts.ParentRunID,
		IterationCount: opts.IterationCount,
	}
	r.store.addRun(child, r.outputs[opts.IterationCount])
	return child, nil
}

type captureQueue struct {
	mu       sync.Mutex
	enqueued []*queue.Job
}

func (q *captureQueue) Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts *queue.Options) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job := &queue.Job{
		ID:      fmt.Sprintf("job-%d", len(q.enqueued)+1),
		Queue:   queueName,
		Name:    jobName,
		Payload: data,
		Attempt: 1,
	}
	q.enqueued = append(q.enqueued, job)
	return job.ID, nil
}

func (q *captureQueue) Process(queueName string, concurrency int, handler queue.Handler) error {
	return nil
}
func (q *captureQueue) Health() error                 { return nil }
func (q *captureQueue) Stats() map[string]interface{} { return nil }
func (q *captureQueue) Close() error                  { return nil }

func (q *captureQueue) pop(t *testing.T) *queue.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.enqueued)
	job := q.enqueued[0]
	q.enqueued = q.enqueued[1:]
	return job
}

func evaluateJob(t *testing.T, runID string) *queue.Job {
	t.Helper()
	data, err := json.Marshal(jobs.EvaluateRunPayload{RunID: runID})
	require.NoError(t, err)
	return &queue.Job{ID: "j1", Queue: jobs.QueueEvaluations, Name: jobs.JobEvaluateRun, Payload: data, Attempt: 1}
}

func TestEvaluateRunCompletesAboveThreshold(t *testing.T) {
	st := newLoopStore()
	st.addRun(&models.Run{ID: "r1", AgentName: "writer", Status: models.RunStatusSucceeded,
		ClosedLoopStatus: models.ClosedLoopPending}, "good output")
	q := &captureQueue{}
	c := New(st, &scriptedEvaluator{store: st, scores: map[string]float64{"r1": 0.9}},
		&scriptedFixer{}, &rerunRunner{store: st}, q, nil, Config{}, nil)

	require.NoError(t, c.HandleEvaluateRun(context.Background(), evaluateJob(t, "r1")))
	assert.Equal(t, models.ClosedLoopCompleted, st.status(t, "r1"))
	assert.Empty(t, q.enqueued)
}

func TestEvaluateRunQueuesFixBelowThreshold(t *testing.T) {
	st := newLoopStore()
	st.addRun(&models.Run{ID: "r1", AgentName: "writer", Status: models.RunStatusSucceeded,
		ClosedLoopStatus: models.ClosedLoopPending}, "weak output")
	q := &captureQueue{}
	c := New(st, &scriptedEvaluator{store: st, scores: map[string]float64{"r1": 0.4}},
		&scriptedFixer{}, &rerunRunner{store: st}, q, nil, Config{}, nil)

	require.NoError(t, c.HandleEvaluateRun(context.Background(), evaluateJob(t, "r1")))

	job := q.pop(t)
	assert.Equal(t, jobs.QueueFixes, job.Queue)
	var payload jobs.AutoFixPayload
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, "r1", payload.RunID)
}

func TestEvaluateRunHitsIterationCap(t *testing.T) {
	st := newLoopStore()
	st.addRun(&models.Run{ID: "r1", AgentName: "writer", Status: models.RunStatusSucceeded,
		IterationCount: 3, ClosedLoopStatus: models.ClosedLoopInProgress}, "still weak")
	q := &captureQueue{}
	c := New(st, &scriptedEvaluator{store: st, scores: map[string]float64{"r1": 0.4}},
		&scriptedFixer{}, &rerunRunner{store: st}, q, nil, Config{}, nil)

	require.NoError(t, c.HandleEvaluateRun(context.Background(), evaluateJob(t, "r1")))
	assert.Equal(t, models.ClosedLoopMaxIterations, st.status(t, "r1"))
	assert.Empty(t, q.enqueued)
}

func TestEvaluateRunRespectsProjectMaxIterations(t *testing.T) {
	st := newLoopStore()
	st.addRun(&models.Run{ID: "r1", AgentName: "writer", ProjectID: "proj",
		Status: models.RunStatusSucceeded, IterationCount: 1,
		ClosedLoopStatus: models.ClosedLoopInProgress}, "weak")
	q := &captureQueue{}
	settings := runner.StaticSettings{"proj": {ProjectID: "proj", ClosedLoopMode: true, MaxIterations: 1}}
	c := New(st, &scriptedEvaluator{store: st, scores: map[string]float64{"r1": 0.4}},
		&scriptedFixer{}, &rerunRunner{store: st}, q, settings, Config{}, nil)

	require.NoError(t, c.HandleEvaluateRun(context.Background(), evaluateJob(t, "r1")))
	assert.Equal(t, models.ClosedLoopMaxIterations, st.status(t, "r1"))
}

func TestEvaluateRunUsesConfiguredIterationCap(t *testing.T) {
	st := newLoopStore()
	st.addRun(&models.Run{ID: "r1", AgentName: "writer", Status: models.RunStatusSucceeded,
		IterationCount: 1, ClosedLoopStatus: models.ClosedLoopInProgress}, "weak")
	q := &captureQueue{}
	c := New(st, &scriptedEvaluator{store: st, scores: map[string]float64{"r1": 0.4}},
		&scriptedFixer{}, &rerunRunner{store: st}, q, nil, Config{MaxIterations: 1}, nil)

	require.NoError(t, c.HandleEvaluateRun(context.Background(), evaluateJob(t, "r1")))
	assert.Equal(t, models.ClosedLoopMaxIterations, st.status(t, "r1"))
	assert.Empty(t, q.enqueued)
}

func TestEvaluateRunFailureMarksLoopFailed(t *testing.T) {
	st := newLoopStore()
	st.addRun(&models.Run{ID: "r1", AgentName: "writer", Status: models.RunStatusSucceeded,
		ClosedLoopStatus: models.ClosedLoopPending}, "output")
	c := New(st, &scriptedEvaluator{store: st, err: errors.New("raters on strike")},
		&scriptedFixer{}, &rerunRunner{store: st}, &captureQueue{}, nil, Config{}, nil)

	err := c.HandleEvaluateRun(context.Background(), evaluateJob(t, "r1"))
	require.Error(t, err, "error rethrown so the queue retry policy applies")
	assert.Equal(t, models.ClosedLoopFailed, st.status(t, "r1"))
}

func TestAutoFixCreatesChildAndQueuesEvaluation(t *testing.T) {
	st := newLoopStore()
	st.addRun(&models.Run{ID: "r1", AgentName: "writer", Status: models.RunStatusSucceeded,
		Context:          map[string]interface{}{"prompt": "write a spec", "task_type": "design_spec"},
		ClosedLoopStatus: models.ClosedLoopInProgress}, "weak draft")
	st.evals["r1"] = &models.EvaluationResult{ID: "eval-r1", RunID: "r1", Overall: 0.4, NeedsFix: true}

	q := &captureQueue{}
	rr := &rerunRunner{store: st, outputs: map[int]string{1: "better draft"}}
	c := New(st, &scriptedEvaluator{store: st}, &scriptedFixer{}, rr, q, nil, Config{}, nil)

	fixData, err := json.Marshal(jobs.AutoFixPayload{RunID: "r1", EvaluationID: "eval-r1"})
	require.NoError(t, err)
	require.NoError(t, c.HandleAutoFix(context.Background(),
		&queue.Job{Queue: jobs.QueueFixes, Name: jobs.JobAutoFix, Payload: fixData, Attempt: 1}))

	// Child run carries the feedback context.
	assert.Equal(t, "weak draft", rr.lastCtx["previous_output"])
	assert.Equal(t, "tightened the structure", rr.lastCtx["feedback"])
	assert.NotEmpty(t, rr.lastCtx["correction_instruction"])

	child, err := st.GetRun(context.Background(), "run-iter-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", child.ParentRunID)
	assert.Equal(t, 1, child.IterationCount)
	assert.Equal(t, models.ClosedLoopInProgress, child.ClosedLoopStatus)

	job := q.pop(t)
	assert.Equal(t, jobs.QueueEvaluations, job.Queue)
	var payload jobs.EvaluateRunPayload
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, "run-iter-1", payload.RunID)
}

func TestAutoFixFailureMarksLoopFailed(t *testing.T) {
	st := newLoopStore()
	st.addRun(&models.Run{ID: "r1", AgentName: "writer", Status: models.RunStatusSucceeded,
		ClosedLoopStatus: models.ClosedLoopInProgress}, "weak")
	st.evals["r1"] = &models.EvaluationResult{ID: "eval-r1", RunID: "r1", Overall: 0.4, NeedsFix: true}

	c := New(st, &scriptedEvaluator{store: st},
		&scriptedFixer{err: fmt.Errorf("%w: no fixed_output", errdefs.ErrParse)},
		&rerunRunner{store: st}, &captureQueue{}, nil, Config{}, nil)

	fixData, err := json.Marshal(jobs.AutoFixPayload{RunID: "r1", EvaluationID: "eval-r1"})
	require.NoError(t, err)
	err = c.HandleAutoFix(context.Background(),
		&queue.Job{Queue: jobs.QueueFixes, Name: jobs.JobAutoFix, Payload: fixData, Attempt: 1})
	require.Error(t, err)
	assert.Equal(t, models.ClosedLoopFailed, st.status(t, "r1"))
}

// TestClosedLoopEndToEnd walks a full cycle: a low-scoring run is fixed
// once, the child scores above the bar, and the chain terminates with
// length 2.
func TestClosedLoopEndToEnd(t *testing.T) {
	st := newLoopStore()
	st.addRun(&models.Run{ID: "r1", AgentName: "design_spec", Status: models.RunStatusSucceeded,
		Context:          map[string]interface{}{"prompt": "design the widget", "task_type": "design_spec"},
		ClosedLoopStatus: models.ClosedLoopPending}, "first draft")

	q := &captureQueue{}
	evaluator := &scriptedEvaluator{store: st, scores: map[string]float64{
		"r1":         0.5,
		"run-iter-1": 0.75,
	}}
	fixer := &scriptedFixer{}
	rr := &rerunRunner{store: st, outputs: map[int]string{1: "second draft"}}
	c := New(st, evaluator, fixer, rr, q, nil, Config{}, nil)

	// Round 1: evaluate R1 -> needs fix -> auto_fix queued.
	require.NoError(t, c.HandleEvaluateRun(context.Background(), evaluateJob(t, "r1")))
	fixJob := q.pop(t)
	require.Equal(t, jobs.JobAutoFix, fixJob.Name)

	// Fix: child R2 created with iteration 1, evaluation queued.
	require.NoError(t, c.HandleAutoFix(context.Background(), fixJob))
	assert.Equal(t, 1, fixer.calls)
	evalJob := q.pop(t)
	require.Equal(t, jobs.JobEvaluateRun, evalJob.Name)

	// Round 2: child scores 0.75 -> completed.
	require.NoError(t, c.HandleEvaluateRun(context.Background(), evalJob))
	assert.Equal(t, models.ClosedLoopCompleted, st.status(t, "run-iter-1"))
	assert.Empty(t, q.enqueued, "loop terminated")

	child, err := st.GetRun(context.Background(), "run-iter-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", child.ParentRunID)
	assert.Equal(t, 1, child.IterationCount, "chain length 2: original plus one fix iteration")
}
