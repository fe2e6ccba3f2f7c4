package models

import (
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// ClosedLoopStatus tracks where a run is in the evaluate->fix->re-run cycle.
type ClosedLoopStatus string

const (
	ClosedLoopNone          ClosedLoopStatus = "none"
	ClosedLoopPending       ClosedLoopStatus = "pending"
	ClosedLoopInProgress    ClosedLoopStatus = "in_progress"
	ClosedLoopCompleted     ClosedLoopStatus = "completed"
	ClosedLoopMaxIterations ClosedLoopStatus = "max_iterations_reached"
	ClosedLoopFailed        ClosedLoopStatus = "failed"
)

// Run is one execution record of an agent. Status only ever moves
// pending -> running -> succeeded|failed; ClosedLoopStatus is the only
// field mutated after a run reaches a terminal status.
type Run struct {
	ID               string                 `json:"id"`
	AgentName        string                 `json:"agent_name"`
	UserID           string                 `json:"user_id,omitempty"`
	ProjectID        string                 `json:"project_id,omitempty"`
	Status           RunStatus              `json:"status"`
	Context          map[string]interface{} `json:"context,omitempty"`
	ParentRunID      string                 `json:"parent_run_id,omitempty"`
	IterationCount   int                    `json:"iteration_count"`
	ClosedLoopStatus ClosedLoopStatus       `json:"closed_loop_status"`
	Error            string                 `json:"error,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	return r.Status == RunStatusSucceeded || r.Status == RunStatusFailed
}

// Artifact is a typed output unit owned by exactly one run.
// Written once, read-only after creation.
type Artifact struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// RaterResult is one rater's raw contribution to a consensus evaluation.
type RaterResult struct {
	Model     string             `json:"model"`
	Scores    map[string]float64 `json:"scores,omitempty"`
	Reasoning string             `json:"reasoning,omitempty"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
}

// ConsensusDetails records every rater's raw result for auditability.
type ConsensusDetails struct {
	Models            []string      `json:"models"`
	IndividualResults []RaterResult `json:"individual_results"`
}

// EvaluationResult is a per-run quality assessment. The automated Overall
// score is immutable; a user-feedback-adjusted FinalScore may be appended
// later without overwriting it.
type EvaluationResult struct {
	ID               string             `json:"id"`
	RunID            string             `json:"run_id"`
	TaskType         string             `json:"task_type"`
	MetricScores     map[string]float64 `json:"metric_scores"` // normalized 0-1
	Overall          float64            `json:"overall"`       // weighted, 0-1
	NeedsFix         bool               `json:"needs_fix"`
	Notes            string             `json:"notes,omitempty"`
	ConsensusDetails *ConsensusDetails  `json:"consensus_details,omitempty"`
	FinalScore       *float64           `json:"final_score,omitempty"`
	UserRating       *int               `json:"user_rating,omitempty"` // 1-5
	CreatedAt        time.Time          `json:"created_at"`
}

// AgentConfiguration holds versioned tunable parameters for an agent name.
// Exactly one version is active per agent name at any time; activating
// version N+1 atomically deactivates version N.
type AgentConfiguration struct {
	ID             string                 `json:"id"`
	AgentName      string                 `json:"agent_name"`
	PromptTemplate string                 `json:"prompt_template"`
	Temperature    float64                `json:"temperature"`
	MaxTokens      int                    `json:"max_tokens"`
	ToolConfig     map[string]interface{} `json:"tool_config,omitempty"`
	Version        int                    `json:"version"`
	IsActive       bool                   `json:"is_active"`
	CreatedAt      time.Time              `json:"created_at"`
}

// FixRecord is an immutable record of one auto-fix attempt.
type FixRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Before      string    `json:"before"`
	After       string    `json:"after"`
	FixNotes    string    `json:"fix_notes,omitempty"`
	DiffSummary string    `json:"diff_summary,omitempty"`
	PreFixScore float64   `json:"pre_fix_score"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditRecord captures what a self-repair changed and why.
type AuditRecord struct {
	ID          string    `json:"id"`
	AgentName   string    `json:"agent_name"`
	Action      string    `json:"action"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Reason      string    `json:"reason"`
	Changes     string    `json:"changes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProjectSettings are the per-project flags this core reads but never writes.
type ProjectSettings struct {
	ProjectID      string `json:"project_id"`
	ClosedLoopMode bool   `json:"closed_loop_mode"`
	MaxIterations  int    `json:"max_iterations"`
}
