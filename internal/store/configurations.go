package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/pkg/models"
)

// GetActiveConfiguration returns the active configuration version for an
// agent name, or ErrAgentNotFound if none has been created yet.
func (s *Store) GetActiveConfiguration(ctx context.Context, agentName string) (*models.AgentConfiguration, error) {
	query := `
		SELECT id, agent_name, prompt_template, temperature, max_tokens,
			tool_config_json, version, is_active, created_at
		FROM agent_configurations
		WHERE agent_name = $1 AND is_active
	`
	cfg, err := scanConfiguration(s.db.QueryRowContext(ctx, query, agentName))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no active configuration for agent %s", errdefs.ErrAgentNotFound, agentName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active configuration: %w", err)
	}
	return cfg, nil
}

// ActivateConfiguration atomically deactivates the current active version
// for the agent, inserts the new configuration as active, and writes an
// audit record of what changed and why. All three happen in one
// transaction so there is never a moment with zero or two active versions.
func (s *Store) ActivateConfiguration(ctx context.Context, cfg *models.AgentConfiguration, audit *models.AuditRecord) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration cannot be nil", errdefs.ErrValidation)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	cfg.IsActive = true

	toolConfigJSON := ""
	if cfg.ToolConfig != nil {
		b, err := json.Marshal(cfg.ToolConfig)
		if err != nil {
			return fmt.Errorf("failed to marshal tool config: %w", err)
		}
		toolConfigJSON = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", errdefs.ErrPersist, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_configurations SET is_active = FALSE WHERE agent_name = $1 AND is_active`,
		cfg.AgentName); err != nil {
		return fmt.Errorf("%w: failed to deactivate prior configuration: %v", errdefs.ErrPersist, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_configurations (id, agent_name, prompt_template, temperature,
			max_tokens, tool_config_json, version, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)`,
		cfg.ID, cfg.AgentName, nullString(cfg.PromptTemplate), cfg.Temperature,
		cfg.MaxTokens, nullString(toolConfigJSON), cfg.Version, cfg.CreatedAt); err != nil {
		return fmt.Errorf("%w: failed to insert configuration: %v", errdefs.ErrPersist, err)
	}

	if audit != nil {
		if audit.ID == "" {
			audit.ID = uuid.New().String()
		}
		if audit.CreatedAt.IsZero() {
			audit.CreatedAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, agent_name, action, from_version, to_version, reason, changes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			audit.ID, audit.AgentName, audit.Action, audit.FromVersion,
			audit.ToVersion, nullString(audit.Reason), nullString(audit.Changes),
			audit.CreatedAt); err != nil {
			return fmt.Errorf("%w: failed to insert audit record: %v", errdefs.ErrPersist, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit configuration change: %v", errdefs.ErrPersist, err)
	}
	return nil
}

func scanConfiguration(row rowScanner) (*models.AgentConfiguration, error) {
	var cfg models.AgentConfiguration
	var promptTemplate, toolConfigJSON sql.NullString

	err := row.Scan(&cfg.ID, &cfg.AgentName, &promptTemplate, &cfg.Temperature,
		&cfg.MaxTokens, &toolConfigJSON, &cfg.Version, &cfg.IsActive, &cfg.CreatedAt)
	if err != nil {
		return nil, err
	}

	cfg.PromptTemplate = promptTemplate.String
	if toolConfigJSON.Valid && toolConfigJSON.String != "" {
		_ = json.Unmarshal([]byte(toolConfigJSON.String), &cfg.ToolConfig)
	}
	return &cfg, nil
}
