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

// CreateRun inserts a new run row. ID and timestamps are assigned here
// when unset.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	if run == nil {
		return fmt.Errorf("%w: run cannot be nil", errdefs.ErrValidation)
	}
	if run.AgentName == "" {
		return fmt.Errorf("%w: agent name is required", errdefs.ErrValidation)
	}

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	if run.ClosedLoopStatus == "" {
		run.ClosedLoopStatus = models.ClosedLoopNone
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	contextJSON := ""
	if run.Context != nil {
		b, err := json.Marshal(run.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal run context: %w", err)
		}
		contextJSON = string(b)
	}

	query := `
		INSERT INTO runs (id, agent_name, user_id, project_id, status, context_json,
			parent_run_id, iteration_count, closed_loop_status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.AgentName, nullString(run.UserID), nullString(run.ProjectID),
		string(run.Status), nullString(contextJSON), nullString(run.ParentRunID),
		run.IterationCount, string(run.ClosedLoopStatus), nullString(run.Error),
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert run: %v", errdefs.ErrPersist, err)
	}
	return nil
}

// UpdateRunStatus transitions a run's lifecycle status. Terminal statuses
// also stamp completed_at.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, runErr string) error {
	now := time.Now()
	var completedAt *time.Time
	if status == models.RunStatusSucceeded || status == models.RunStatusFailed {
		completedAt = &now
	}

	query := `
		UPDATE runs SET status = $1, error = $2, updated_at = $3, completed_at = $4
		WHERE id = $5
	`
	res, err := s.db.ExecContext(ctx, query, string(status), nullString(runErr), now, completedAt, runID)
	if err != nil {
		return fmt.Errorf("%w: failed to update run status: %v", errdefs.ErrPersist, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", errdefs.ErrRunNotFound, runID)
	}
	return nil
}

// UpdateRunClosedLoop sets the closed-loop state of a run. This is the only
// mutation permitted once a run is terminal.
func (s *Store) UpdateRunClosedLoop(ctx context.Context, runID string, status models.ClosedLoopStatus) error {
	query := `UPDATE runs SET closed_loop_status = $1, updated_at = $2 WHERE id = $3`
	res, err := s.db.ExecContext(ctx, query, string(status), time.Now(), runID)
	if err != nil {
		return fmt.Errorf("%w: failed to update closed-loop status: %v", errdefs.ErrPersist, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", errdefs.ErrRunNotFound, runID)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	query := `
		SELECT id, agent_name, user_id, project_id, status, context_json,
			parent_run_id, iteration_count, closed_loop_status, error,
			created_at, updated_at, completed_at
		FROM runs WHERE id = $1
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %s", errdefs.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRecentRuns returns the most recent runs for an agent, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, agentName string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, agent_name, user_id, project_id, status, context_json,
			parent_run_id, iteration_count, closed_loop_status, error,
			created_at, updated_at, completed_at
		FROM runs WHERE agent_name = $1
		ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunChain walks parent->child links starting at rootID and returns the
// chain in order. Traversal is a query per hop, not pointer chasing.
func (s *Store) ListRunChain(ctx context.Context, rootID string) ([]*models.Run, error) {
	root, err := s.GetRun(ctx, rootID)
	if err != nil {
		return nil, err
	}

	chain := []*models.Run{root}
	currentID := rootID
	for {
		query := `
			SELECT id, agent_name, user_id, project_id, status, context_json,
				parent_run_id, iteration_count, closed_loop_status, error,
				created_at, updated_at, completed_at
			FROM runs WHERE parent_run_id = $1
			ORDER BY created_at ASC LIMIT 1
		`
		child, err := scanRun(s.db.QueryRowContext(ctx, query, currentID))
		if err == sql.ErrNoRows {
			return chain, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to walk run chain: %w", err)
		}
		chain = append(chain, child)
		currentID = child.ID
	}
}

// CreateArtifacts inserts the artifacts produced by a run.
func (s *Store) CreateArtifacts(ctx context.Context, runID string, artifacts []*models.Artifact) error {
	for _, a := range artifacts {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.RunID = runID
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now()
		}

		metadataJSON := ""
		if a.Metadata != nil {
			b, err := json.Marshal(a.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal artifact metadata: %w", err)
			}
			metadataJSON = string(b)
		}

		query := `
			INSERT INTO artifacts (id, run_id, type, title, content, metadata_json, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		_, err := s.db.ExecContext(ctx, query,
			a.ID, a.RunID, a.Type, nullString(a.Title), a.Content,
			nullString(metadataJSON), a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("%w: failed to insert artifact: %v", errdefs.ErrPersist, err)
		}
	}
	return nil
}

// ListArtifacts returns all artifacts for a run.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*models.Artifact, error) {
	query := `
		SELECT id, run_id, type, title, content, metadata_json, created_at
		FROM artifacts WHERE run_id = $1 ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		var title, metadataJSON sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.Type, &title, &a.Content, &metadataJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Title = title.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			_ = json.Unmarshal([]byte(metadataJSON.String), &a.Metadata)
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// RecordContextUsage logs which context slices fed a run. Analytics only;
// callers treat failures as non-fatal.
func (s *Store) RecordContextUsage(ctx context.Context, runID string, slices []string) error {
	slicesJSON, err := json.Marshal(slices)
	if err != nil {
		return fmt.Errorf("failed to marshal context slices: %w", err)
	}
	query := `INSERT INTO context_usage (id, run_id, slices_json, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, uuid.New().String(), runID, string(slicesJSON), time.Now()); err != nil {
		return fmt.Errorf("failed to record context usage: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var userID, projectID, contextJSON, parentRunID, runErr sql.NullString
	var status, closedLoopStatus string
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.AgentName, &userID, &projectID, &status, &contextJSON,
		&parentRunID, &run.IterationCount, &closedLoopStatus, &runErr,
		&run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.UserID = userID.String
	run.ProjectID = projectID.String
	run.Status = models.RunStatus(status)
	run.ClosedLoopStatus = models.ClosedLoopStatus(closedLoopStatus)
	run.ParentRunID = parentRunID.String
	run.Error = runErr.String
	if contextJSON.Valid && contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &run.Context)
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
