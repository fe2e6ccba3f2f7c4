package repair

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/internal/llm"
	"github.com/coilworks/coil/internal/metrics"
	"github.com/coilworks/coil/pkg/models"
)

// Default gating parameters. Exposed as configuration with these values
// as defaults.
const (
	DefaultSampleSize       = 10
	DefaultMinSampleSize    = 5
	DefaultFailureThreshold = 0.6
)

// Store is the persistence surface the controller needs.
type Store interface {
	ListRecentRuns(ctx context.Context, agentName string, limit int) ([]*models.Run, error)
	CountNeedsFix(ctx context.Context, runIDs []string) (int, error)
	GetActiveConfiguration(ctx context.Context, agentName string) (*models.AgentConfiguration, error)
	ActivateConfiguration(ctx context.Context, cfg *models.AgentConfiguration, audit *models.AuditRecord) error
}

// Options tune the failure-rate gating.
type Options struct {
	SampleSize       int
	MinSampleSize    int
	FailureThreshold float64
}

// Controller watches per-agent run history and versions a new
// configuration when the failure rate sustains above the threshold.
// It is advisory: every internal failure is swallowed and reported as
// "no repair" so the scheduler can never crash on it.
type Controller struct {
	store   Store
	llm     llm.Client
	model   string
	opts    Options
	metrics *metrics.Metrics
}

// New creates a self-repair controller. Zero-valued options fall back to
// the defaults; metrics may be nil.
func New(store Store, client llm.Client, model string, opts Options, m *metrics.Metrics) *Controller {
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.MinSampleSize <= 0 {
		opts.MinSampleSize = DefaultMinSampleSize
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	return &Controller{store: store, llm: client, model: model, opts: opts, metrics: m}
}

// proposal is the JSON shape the repair prompt asks for. Absent fields
// mean "keep the current value".
type proposal struct {
	Temperature    *float64 `json:"temperature"`
	MaxTokens      *int     `json:"max_tokens"`
	PromptTemplate string   `json:"prompt_template"`
	Reason         string   `json:"reason"`
}

// CheckAndRepairAgent samples the agent's recent runs and, when the
// failure rate crosses the threshold, activates a new configuration
// version proposed by the repair model. Returns true only when a new
// version was activated.
func (c *Controller) CheckAndRepairAgent(ctx context.Context, agentName string) bool {
	runs, err := c.store.ListRecentRuns(ctx, agentName, c.opts.SampleSize)
	if err != nil {
		log.Printf("[Repair] Failed to sample runs for %s: %v", agentName, err)
		return false
	}
	if len(runs) < c.opts.MinSampleSize {
		c.recordCheck(agentName, "insufficient_sample")
		return false
	}

	failureRate := c.failureRate(ctx, runs)
	if failureRate < c.opts.FailureThreshold {
		c.recordCheck(agentName, "healthy")
		return false
	}
	c.recordCheck(agentName, "unhealthy")
	log.Printf("[Repair] Agent %s failure rate %.2f over %d runs crossed threshold %.2f",
		agentName, failureRate, len(runs), c.opts.FailureThreshold)

	if err := c.repair(ctx, agentName, runs, failureRate); err != nil {
		log.Printf("[Repair] Repair of %s aborted: %v", agentName, err)
		return false
	}
	if c.metrics != nil {
		c.metrics.RepairsTotal.WithLabelValues(agentName).Inc()
	}
	return true
}

// failureRate counts runs that failed outright plus runs whose latest
// evaluation flagged needs_fix, never double-counting a run.
func (c *Controller) failureRate(ctx context.Context, runs []*models.Run) float64 {
	failed := 0
	var surviving []string
	for _, run := range runs {
		if run.Status == models.RunStatusFailed {
			failed++
			continue
		}
		surviving = append(surviving, run.ID)
	}

	needsFix, err := c.store.CountNeedsFix(ctx, surviving)
	if err != nil {
		log.Printf("[Repair] Failed to count needs_fix evaluations: %v", err)
		needsFix = 0
	}
	return float64(failed+needsFix) / float64(len(runs))
}

func (c *Controller) repair(ctx context.Context, agentName string, runs []*models.Run, failureRate float64) error {
	current, err := c.store.GetActiveConfiguration(ctx, agentName)
	if err != nil {
		if !errors.Is(err, errdefs.ErrAgentNotFound) {
			return err
		}
		// First repair for this agent: start from a baseline version 0.
		current = &models.AgentConfiguration{
			AgentName:   agentName,
			Temperature: 0.7,
			MaxTokens:   4096,
			Version:     0,
		}
	}

	prop := c.propose(ctx, agentName, current, runs, failureRate)

	next := &models.AgentConfiguration{
		AgentName:      agentName,
		PromptTemplate: current.PromptTemplate,
		Temperature:    current.Temperature,
		MaxTokens:      current.MaxTokens,
		ToolConfig:     current.ToolConfig,
		Version:        current.Version + 1,
	}
	var changes []string
	if prop.Temperature != nil && *prop.Temperature != current.Temperature {
		next.Temperature = *prop.Temperature
		changes = append(changes, fmt.Sprintf("temperature %.2f -> %.2f", current.Temperature, next.Temperature))
	}
	if prop.MaxTokens != nil && *prop.MaxTokens > 0 && *prop.MaxTokens != current.MaxTokens {
		next.MaxTokens = *prop.MaxTokens
		changes = append(changes, fmt.Sprintf("max_tokens %d -> %d", current.MaxTokens, next.MaxTokens))
	}
	if prop.PromptTemplate != "" && prop.PromptTemplate != current.PromptTemplate {
		next.PromptTemplate = prop.PromptTemplate
		changes = append(changes, "prompt_template rewritten")
	}

	reason := prop.Reason
	if reason == "" {
		reason = fmt.Sprintf("failure rate %.2f over %d recent runs", failureRate, len(runs))
	}
	audit := &models.AuditRecord{
		AgentName:   agentName,
		Action:      "self_repair",
		FromVersion: current.Version,
		ToVersion:   next.Version,
		Reason:      reason,
		Changes:     strings.Join(changes, "; "),
	}

	if err := c.store.ActivateConfiguration(ctx, next, audit); err != nil {
		return err
	}
	log.Printf("[Repair] Activated configuration v%d for %s (%s)", next.Version, agentName, audit.Changes)
	return nil
}

// propose asks the repair model for new parameters. Parsing is tolerant:
// any failure yields an empty proposal, meaning a version bump with no
// parameter changes.
func (c *Controller) propose(ctx context.Context, agentName string, current *models.AgentConfiguration, runs []*models.Run, failureRate float64) proposal {
	resp, err := c.llm.Complete(ctx, &llm.Request{
		Model:    c.model,
		Messages: []llm.Message{{Role: "user", Content: c.buildPrompt(agentName, current, runs, failureRate)}},
	})
	if err != nil {
		log.Printf("[Repair] Proposal call for %s failed, keeping current parameters: %v", agentName, err)
		return proposal{}
	}

	var prop proposal
	if err := llm.DecodeObject(resp.Text, &prop); err != nil {
		log.Printf("[Repair] Proposal for %s unparseable, keeping current parameters: %v", agentName, err)
		return proposal{}
	}
	return prop
}

func (c *Controller) buildPrompt(agentName string, current *models.AgentConfiguration, runs []*models.Run, failureRate float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %q is underperforming: %.0f%% of its last %d runs failed or scored below the quality bar.\n\n",
		agentName, failureRate*100, len(runs))
	fmt.Fprintf(&b, "Current configuration (version %d):\n", current.Version)
	fmt.Fprintf(&b, "- temperature: %.2f\n- max_tokens: %d\n", current.Temperature, current.MaxTokens)
	if current.PromptTemplate != "" {
		fmt.Fprintf(&b, "- prompt_template:\n%s\n", current.PromptTemplate)
	}

	b.WriteString("\nRecent failures:\n")
	for _, run := range runs {
		if run.Status == models.RunStatusFailed && run.Error != "" {
			fmt.Fprintf(&b, "- %s\n", run.Error)
		}
	}

	b.WriteString("\nPropose adjusted parameters. Respond with only a JSON object: " +
		`{"temperature": <number or null>, "max_tokens": <integer or null>, ` +
		`"prompt_template": "<new template or empty to keep>", "reason": "<one sentence>"}` + "\n")
	return b.String()
}

func (c *Controller) recordCheck(agentName, verdict string) {
	if c.metrics != nil {
		c.metrics.RepairChecks.WithLabelValues(agentName, verdict).Inc()
	}
}
