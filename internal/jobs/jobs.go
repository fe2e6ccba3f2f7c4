// Package jobs names the queues and payloads shared between the runner,
// which enqueues closed-loop work, and the loop controller, which
// consumes it. Kept separate so the two sides do not import each other.
package jobs

// Queue names.
const (
	QueueEvaluations = "evaluations"
	QueueFixes       = "fixes"
)

// Job names.
const (
	JobEvaluateRun = "evaluate_run"
	JobAutoFix     = "auto_fix"
)

// EvaluateRunPayload asks the loop controller to evaluate a finished run.
type EvaluateRunPayload struct {
	RunID string `json:"run_id"`
}

// AutoFixPayload asks the loop controller to fix a run whose evaluation
// fell below the quality threshold.
type AutoFixPayload struct {
	RunID        string `json:"run_id"`
	EvaluationID string `json:"evaluation_id"`
}
