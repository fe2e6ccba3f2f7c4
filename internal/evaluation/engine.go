package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/internal/llm"
	"github.com/coilworks/coil/internal/metrics"
	"github.com/coilworks/coil/internal/telemetry"
	"github.com/coilworks/coil/pkg/models"
)

// Store is the persistence surface the engine needs.
type Store interface {
	CreateEvaluation(ctx context.Context, result *models.EvaluationResult) error
	GetEvaluationByRunID(ctx context.Context, runID string) (*models.EvaluationResult, error)
	AppendFinalScore(ctx context.Context, evaluationID string, userRating int, finalScore float64) error
}

// Input describes one evaluation request.
type Input struct {
	RunID    string
	TaskType string
	Prompt   string // the original user prompt the output answered
	Output   string // the agent output under evaluation
	Models   []string
}

// Engine scores agent outputs against the metric matrix, optionally via
// multi-rater consensus.
type Engine struct {
	store        Store
	llm          llm.Client
	matrix       *Matrix
	defaultModel string
	metrics      *metrics.Metrics
}

// New creates an evaluation engine. matrix may be nil to use the built-in
// defaults; metrics may be nil.
func New(store Store, client llm.Client, matrix *Matrix, defaultModel string, m *metrics.Metrics) *Engine {
	if matrix == nil {
		matrix = DefaultMatrix()
	}
	return &Engine{
		store:        store,
		llm:          client,
		matrix:       matrix,
		defaultModel: defaultModel,
		metrics:      m,
	}
}

// Threshold returns the needs-fix threshold in effect.
func (e *Engine) Threshold() float64 {
	if e.matrix.NeedsFixThreshold > 0 {
		return e.matrix.NeedsFixThreshold
	}
	return DefaultNeedsFixThreshold
}

// raterResponse is the JSON shape the evaluation prompt asks for.
type raterResponse struct {
	Scores    map[string]float64 `json:"scores"`
	Reasoning string             `json:"reasoning"`
}

// EvaluateAgentRun scores one run's output. With zero or one model it
// takes the single-rater path; with more it fans out to all raters
// concurrently and averages the survivors. The result is persisted before
// returning; persistence failure is fatal because the closed loop depends
// on the stored row.
func (e *Engine) EvaluateAgentRun(ctx context.Context, input Input) (*models.EvaluationResult, error) {
	if input.RunID == "" {
		return nil, fmt.Errorf("%w: run id is required", errdefs.ErrValidation)
	}

	metricSet := e.matrix.MetricsFor(input.TaskType)
	prompt := e.buildPrompt(input, metricSet)

	raters := input.Models
	if len(raters) == 0 {
		raters = []string{e.defaultModel}
	}

	var (
		rawScores map[string]float64
		notes     string
		consensus *models.ConsensusDetails
		err       error
	)
	if len(raters) <= 1 {
		rawScores, notes, err = e.singleRater(ctx, raters[0], prompt, metricSet)
		if err != nil {
			return nil, err
		}
	} else {
		rawScores, notes, consensus, err = e.consensusRaters(ctx, raters, prompt, metricSet)
		if err != nil {
			return nil, err
		}
	}

	normalized := make(map[string]float64, len(metricSet))
	var weightedSum, weightTotal float64
	for _, metric := range metricSet {
		raw, ok := rawScores[metric.Name]
		if !ok {
			raw = metric.Midpoint()
		}
		norm := metric.Normalize(metric.Clamp(raw))
		normalized[metric.Name] = norm
		weightedSum += metric.Weight * norm
		weightTotal += metric.Weight
	}
	overall := 0.0
	if weightTotal > 0 {
		overall = weightedSum / weightTotal
	}

	result := &models.EvaluationResult{
		RunID:            input.RunID,
		TaskType:         input.TaskType,
		MetricScores:     normalized,
		Overall:          overall,
		NeedsFix:         overall < e.Threshold(),
		Notes:            notes,
		ConsensusDetails: consensus,
	}

	if err := e.store.CreateEvaluation(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to persist evaluation for run %s: %w", input.RunID, err)
	}
	e.metrics.RecordEvaluation(input.TaskType, overall, result.NeedsFix)
	return result, nil
}

// singleRater calls one rater. A failed call propagates so the queue's
// retry policy can take another attempt; midpoint defaulting is reserved
// for output that came back but cannot be parsed.
func (e *Engine) singleRater(ctx context.Context, model, prompt string, metricSet []Metric) (map[string]float64, string, error) {
	started := time.Now()
	resp, err := e.llm.Complete(ctx, &llm.Request{
		Model:    model,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	telemetry.RecordRaterLatency(ctx, model, time.Since(started))
	if err != nil {
		return nil, "", fmt.Errorf("rater %s failed: %w", model, err)
	}

	scores, reasoning, err := parseRaterResponse(resp.Text, metricSet)
	if err != nil {
		log.Printf("[Evaluation] Rater %s returned unparseable output, defaulting to midpoints: %v", model, err)
		return map[string]float64{}, fmt.Sprintf("rater output unparseable: %v", err), nil
	}
	return scores, reasoning, nil
}

// consensusRaters fans out to every rater concurrently. Raters fail
// independently; a rater whose output cannot be parsed counts as failed.
// Per metric, only surviving raters' scores are averaged. Zero survivors
// fails the evaluation with AllRatersFailed.
func (e *Engine) consensusRaters(ctx context.Context, raterModels []string, prompt string, metricSet []Metric) (map[string]float64, string, *models.ConsensusDetails, error) {
	results := make([]models.RaterResult, len(raterModels))

	var wg sync.WaitGroup
	for i, model := range raterModels {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			results[i] = e.callRater(ctx, model, prompt, metricSet)
		}(i, model)
	}
	wg.Wait()

	sums := make(map[string]float64)
	counts := make(map[string]int)
	var reasonings []string
	anySuccess := false
	for _, r := range results {
		if !r.Success {
			e.recordRaterFailure(r.Model)
			continue
		}
		anySuccess = true
		for _, metric := range metricSet {
			if score, ok := r.Scores[metric.Name]; ok {
				sums[metric.Name] += metric.Clamp(score)
				counts[metric.Name]++
			}
		}
		if r.Reasoning != "" {
			reasonings = append(reasonings, fmt.Sprintf("%s: %s", r.Model, r.Reasoning))
		}
	}

	if !anySuccess {
		return nil, "", nil, fmt.Errorf("%w: all %d raters failed", errdefs.ErrAllRatersFailed, len(raterModels))
	}

	averaged := make(map[string]float64, len(sums))
	for name, sum := range sums {
		averaged[name] = sum / float64(counts[name])
	}

	consensus := &models.ConsensusDetails{
		Models:            raterModels,
		IndividualResults: results,
	}
	return averaged, strings.Join(reasonings, "\n"), consensus, nil
}

func (e *Engine) callRater(ctx context.Context, model, prompt string, metricSet []Metric) models.RaterResult {
	result := models.RaterResult{Model: model}

	started := time.Now()
	resp, err := e.llm.Complete(ctx, &llm.Request{
		Model:    model,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	telemetry.RecordRaterLatency(ctx, model, time.Since(started))
	if err != nil {
		result.Error = err.Error()
		return result
	}

	scores, reasoning, err := parseRaterResponse(resp.Text, metricSet)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Scores = scores
	result.Reasoning = reasoning
	result.Success = true
	return result
}

func (e *Engine) recordRaterFailure(model string) {
	if e.metrics != nil {
		e.metrics.RaterFailures.WithLabelValues(model).Inc()
	}
}

// parseRaterResponse recovers per-metric scores from model output. It
// accepts both the requested {"scores": {...}} shape and a flat object
// keyed by metric name, since raters drift between the two.
func parseRaterResponse(text string, metricSet []Metric) (map[string]float64, string, error) {
	var structured raterResponse
	if err := llm.DecodeObject(text, &structured); err != nil {
		return nil, "", err
	}
	if len(structured.Scores) > 0 {
		return structured.Scores, structured.Reasoning, nil
	}

	var flat map[string]json.RawMessage
	if err := llm.DecodeObject(text, &flat); err != nil {
		return nil, "", err
	}
	scores := make(map[string]float64)
	for _, metric := range metricSet {
		raw, ok := flat[metric.Name]
		if !ok {
			continue
		}
		var score float64
		if err := json.Unmarshal(raw, &score); err == nil {
			scores[metric.Name] = score
		}
	}
	if len(scores) == 0 {
		return nil, "", fmt.Errorf("%w: no metric scores in rater response", errdefs.ErrParse)
	}

	reasoning := structured.Reasoning
	if raw, ok := flat["reasoning"]; ok && reasoning == "" {
		_ = json.Unmarshal(raw, &reasoning)
	}
	return scores, reasoning, nil
}

func (e *Engine) buildPrompt(input Input, metricSet []Metric) string {
	var b strings.Builder
	b.WriteString("You are a strict quality rater. Score the output below against each metric.\n\n")
	b.WriteString("Original prompt:\n")
	b.WriteString(input.Prompt)
	b.WriteString("\n\nOutput to evaluate:\n")
	b.WriteString(input.Output)
	b.WriteString("\n\nMetrics:\n")

	names := make([]string, 0, len(metricSet))
	for _, metric := range metricSet {
		names = append(names, metric.Name)
		fmt.Fprintf(&b, "- %s (scale %s): %s\n", metric.Name, metric.Scale, metric.Description)
	}
	sort.Strings(names)

	fmt.Fprintf(&b, "\nRespond with only a JSON object of the form "+
		`{"scores": {%s}, "reasoning": "<one paragraph>"}`+
		" where each score is a number on the metric's declared scale.\n",
		exampleScores(names))
	return b.String()
}

func exampleScores(names []string) string {
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%q: <number>", name)
	}
	return strings.Join(parts, ", ")
}
