package agent

import (
	"context"

	"github.com/coilworks/coil/pkg/models"
)

// Agent is one unit of autonomous work. Implementations receive an
// execution context map (task parameters plus any enrichment) and return
// the artifacts they produced. Run must respect ctx cancellation.
type Agent interface {
	// Name returns the unique agent name used for registry lookup,
	// bus addressing, and run records.
	Name() string

	// Run executes the agent and returns produced artifacts.
	Run(ctx context.Context, execCtx map[string]interface{}) ([]*models.Artifact, error)

	// NeedsContext reports whether the runner should enrich the execution
	// context before Run.
	NeedsContext() bool

	// ContextTaskType names the task type used when requesting enrichment.
	// Only meaningful when NeedsContext is true.
	ContextTaskType() string
}
