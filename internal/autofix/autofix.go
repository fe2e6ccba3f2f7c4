package autofix

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/internal/llm"
	"github.com/coilworks/coil/pkg/models"
)

// Store is the persistence surface the fixer needs.
type Store interface {
	CreateFixRecord(ctx context.Context, record *models.FixRecord) error
}

// Input describes one fix attempt.
type Input struct {
	RunID      string
	Prompt     string // the original user prompt
	Output     string // the low-scoring output to rewrite
	Evaluation *models.EvaluationResult
}

// Result is the outcome of one fix attempt.
type Result struct {
	FixedOutput string
	FixNotes    string
	DiffSummary string
	Success     bool
}

// Fixer rewrites low-quality outputs using evaluation feedback.
type Fixer struct {
	store Store
	llm   llm.Client
	model string
}

// New creates a fixer using the given high-capability model.
func New(store Store, client llm.Client, model string) *Fixer {
	return &Fixer{store: store, llm: client, model: model}
}

// fixResponse is the JSON shape the fix prompt asks for.
type fixResponse struct {
	FixedOutput string `json:"fixed_output"`
	FixNotes    string `json:"fix_notes"`
}

// AttemptAutoFix asks the model to rewrite the output given the
// evaluation feedback. Unparseable model output is fatal: a fix that
// cannot be parsed is indistinguishable from no fix and must not pass
// stale content downstream. The fix record is persisted best-effort
// since the caller already holds the result.
func (f *Fixer) AttemptAutoFix(ctx context.Context, input Input) (*Result, error) {
	if input.Evaluation == nil {
		return nil, fmt.Errorf("%w: evaluation is required", errdefs.ErrValidation)
	}

	prompt := f.buildPrompt(input)
	resp, err := f.llm.Complete(ctx, &llm.Request{
		Model:    f.model,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("fix model call failed: %w", err)
	}

	var parsed fixResponse
	if err := llm.DecodeObject(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse fix response: %w", err)
	}
	if parsed.FixedOutput == "" {
		return nil, fmt.Errorf("%w: fix response has no fixed_output", errdefs.ErrParse)
	}

	result := &Result{
		FixedOutput: parsed.FixedOutput,
		FixNotes:    parsed.FixNotes,
		DiffSummary: diffSummary(input.Output, parsed.FixedOutput),
		Success:     true,
	}

	record := &models.FixRecord{
		RunID:       input.RunID,
		Before:      input.Output,
		After:       parsed.FixedOutput,
		FixNotes:    parsed.FixNotes,
		DiffSummary: result.DiffSummary,
		PreFixScore: input.Evaluation.Overall,
	}
	if err := f.store.CreateFixRecord(ctx, record); err != nil {
		log.Printf("[AutoFix] Failed to persist fix record for run %s: %v", input.RunID, err)
	}
	return result, nil
}

func (f *Fixer) buildPrompt(input Input) string {
	var b strings.Builder
	b.WriteString("An output you must improve scored below the quality bar. Rewrite it to address the feedback.\n\n")
	b.WriteString("Original prompt:\n")
	b.WriteString(input.Prompt)
	b.WriteString("\n\nCurrent output:\n")
	b.WriteString(input.Output)
	fmt.Fprintf(&b, "\n\nOverall score: %.2f\n", input.Evaluation.Overall)

	if len(input.Evaluation.MetricScores) > 0 {
		b.WriteString("Per-metric scores (0-1):\n")
		names := make([]string, 0, len(input.Evaluation.MetricScores))
		for name := range input.Evaluation.MetricScores {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %.2f\n", name, input.Evaluation.MetricScores[name])
		}
	}
	if input.Evaluation.Notes != "" {
		b.WriteString("Rater notes:\n")
		b.WriteString(input.Evaluation.Notes)
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with only a JSON object: " +
		`{"fixed_output": "<the full rewritten output>", "fix_notes": "<what you changed and why>"}` + "\n")
	return b.String()
}

// diffSummary reports the magnitude of the rewrite, not the full diff:
// before/after lengths plus characters inserted and deleted.
func diffSummary(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)

	inserted, deleted := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += len(d.Text)
		}
	}
	return fmt.Sprintf("%d chars -> %d chars (+%d/-%d)", len(before), len(after), inserted, deleted)
}
