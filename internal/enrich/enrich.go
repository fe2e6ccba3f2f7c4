// Package enrich defines the interface to an external context service
// that augments an agent's execution context before a run. Enrichment is
// strictly best-effort: the runner proceeds with the original context
// when the builder fails.
package enrich

import "context"

// Enrichment is the result of one context build.
type Enrichment struct {
	// Context holds the additional key/value pairs to merge into the
	// agent's execution context.
	Context map[string]interface{}

	// TokensUsed is the token cost of building the enrichment, recorded
	// for usage accounting. Zero when unknown.
	TokensUsed int
}

// ContextBuilder produces task-type-specific enrichment for a run.
type ContextBuilder interface {
	BuildContext(ctx context.Context, taskType string, execCtx map[string]interface{}) (*Enrichment, error)
}

// Noop is a ContextBuilder that adds nothing. Useful in tests and in
// deployments without a context service.
type Noop struct{}

func (Noop) BuildContext(ctx context.Context, taskType string, execCtx map[string]interface{}) (*Enrichment, error) {
	return &Enrichment{Context: map[string]interface{}{}}, nil
}
