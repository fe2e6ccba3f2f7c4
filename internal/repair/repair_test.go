package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/internal/llm"
	"github.com/coilworks/coil/pkg/models"
)

type repairStore struct {
	mu           sync.Mutex
	runs         []*models.Run
	needsFixIDs  map[string]bool
	configs      []*models.AgentConfiguration // all versions, newest last
	audits       []*models.AuditRecord
	failActivate bool
}

func newRepairStore() *repairStore {
	return &repairStore{needsFixIDs: make(map[string]bool)}
}

func (s *repairStore) ListRecentRuns(ctx context.Context, agentName string, limit int) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) > limit {
		return s.runs[:limit], nil
	}
	return s.runs, nil
}

func (s *repairStore) CountNeedsFix(ctx context.Context, runIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range runIDs {
		if s.needsFixIDs[id] {
			count++
		}
	}
	return count, nil
}

func (s *repairStore) GetActiveConfiguration(ctx context.Context, agentName string) (*models.AgentConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.configs) - 1; i >= 0; i-- {
		if s.configs[i].AgentName == agentName && s.configs[i].IsActive {
			return s.configs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no active configuration for agent %s", errdefs.ErrAgentNotFound, agentName)
}

func (s *repairStore) ActivateConfiguration(ctx context.Context, cfg *models.AgentConfiguration, audit *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failActivate {
		return fmt.Errorf("%w: tx aborted", errdefs.ErrPersist)
	}
	for _, existing := range s.configs {
		if existing.AgentName == cfg.AgentName {
			existing.IsActive = false
		}
	}
	cfg.IsActive = true
	s.configs = append(s.configs, cfg)
	if audit != nil {
		s.audits = append(s.audits, audit)
	}
	return nil
}

func (s *repairStore) activeCount(agentName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, cfg := range s.configs {
		if cfg.AgentName == agentName && cfg.IsActive {
			count++
		}
	}
	return count
}

func (s *repairStore) seedRuns(total, failed int) {
	for i := 0; i < total; i++ {
		run := &models.Run{ID: fmt.Sprintf("run-%d", i), AgentName: "writer", Status: models.RunStatusSucceeded}
		if i < failed {
			run.Status = models.RunStatusFailed
			run.Error = "model timeout"
		}
		s.runs = append(s.runs, run)
	}
}

type stubLLM struct {
	text string
	err  error
}

func (s *stubLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.text, Model: req.Model}, nil
}

func testController(st Store, client llm.Client) *Controller {
	return New(st, client, "repair-model", Options{}, nil)
}

func TestRepairSkipsSmallSample(t *testing.T) {
	st := newRepairStore()
	st.seedRuns(4, 4) // 100% failure, but below the minimum sample size

	c := testController(st, &stubLLM{})
	assert.False(t, c.CheckAndRepairAgent(context.Background(), "writer"))
	assert.Empty(t, st.configs)
}

func TestRepairSkipsHealthyAgent(t *testing.T) {
	st := newRepairStore()
	st.seedRuns(10, 2) // 20% failure

	c := testController(st, &stubLLM{})
	assert.False(t, c.CheckAndRepairAgent(context.Background(), "writer"))
	assert.Empty(t, st.configs)
}

func TestRepairActivatesNewVersion(t *testing.T) {
	st := newRepairStore()
	st.seedRuns(10, 7) // 70% failure rate >= 0.6 threshold
	st.configs = []*models.AgentConfiguration{{
		AgentName: "writer", Temperature: 0.9, MaxTokens: 2048, Version: 3, IsActive: true,
	}}

	client := &stubLLM{text: `{"temperature": 0.4, "max_tokens": 4096, "prompt_template": "", "reason": "lower temperature for stability"}`}
	c := testController(st, client)

	require.True(t, c.CheckAndRepairAgent(context.Background(), "writer"))

	active, err := st.GetActiveConfiguration(context.Background(), "writer")
	require.NoError(t, err)
	assert.Equal(t, 4, active.Version)
	assert.InDelta(t, 0.4, active.Temperature, 1e-9)
	assert.Equal(t, 4096, active.MaxTokens)
	assert.Equal(t, 1, st.activeCount("writer"), "never two active versions")

	require.Len(t, st.audits, 1)
	assert.Equal(t, "self_repair", st.audits[0].Action)
	assert.Equal(t, 3, st.audits[0].FromVersion)
	assert.Equal(t, 4, st.audits[0].ToVersion)
	assert.Contains(t, st.audits[0].Reason, "lower temperature")
}

func TestRepairCountsNeedsFixEvaluations(t *testing.T) {
	st := newRepairStore()
	st.seedRuns(10, 3) // 3 failed outright
	// 4 more succeeded but were flagged needs_fix: total 7/10.
	for i := 3; i < 7; i++ {
		st.needsFixIDs[fmt.Sprintf("run-%d", i)] = true
	}

	client := &stubLLM{text: `{"reason": "retune"}`}
	c := testController(st, client)
	assert.True(t, c.CheckAndRepairAgent(context.Background(), "writer"))
}

func TestRepairFirstVersionFromBaseline(t *testing.T) {
	st := newRepairStore()
	st.seedRuns(10, 7)

	client := &stubLLM{text: `{"temperature": 0.5, "reason": "first tune"}`}
	c := testController(st, client)
	require.True(t, c.CheckAndRepairAgent(context.Background(), "writer"))

	active, err := st.GetActiveConfiguration(context.Background(), "writer")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}

func TestRepairUnparseableProposalKeepsParameters(t *testing.T) {
	st := newRepairStore()
	st.seedRuns(10, 7)
	st.configs = []*models.AgentConfiguration{{
		AgentName: "writer", Temperature: 0.7, MaxTokens: 2048, Version: 1, IsActive: true,
	}}

	c := testController(st, &stubLLM{text: "I have opinions but no JSON."})
	require.True(t, c.CheckAndRepairAgent(context.Background(), "writer"))

	active, err := st.GetActiveConfiguration(context.Background(), "writer")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.InDelta(t, 0.7, active.Temperature, 1e-9, "no change on parse failure")
	assert.Equal(t, 2048, active.MaxTokens)
}

func TestRepairSwallowsActivationFailure(t *testing.T) {
	st := newRepairStore()
	st.seedRuns(10, 7)
	st.failActivate = true

	c := testController(st, &stubLLM{text: `{"reason": "retune"}`})
	assert.False(t, c.CheckAndRepairAgent(context.Background(), "writer"))
}

func TestRepairSwallowsProposalError(t *testing.T) {
	st := newRepairStore()
	st.seedRuns(10, 7)

	c := testController(st, &stubLLM{err: errors.New("provider down")})
	// Proposal failure is tolerated; the version still bumps with no changes.
	assert.True(t, c.CheckAndRepairAgent(context.Background(), "writer"))

	active, err := st.GetActiveConfiguration(context.Background(), "writer")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}
