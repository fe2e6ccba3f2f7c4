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

// CreateEvaluation persists an evaluation result. The closed loop depends
// on this row existing, so callers treat failure as fatal.
func (s *Store) CreateEvaluation(ctx context.Context, result *models.EvaluationResult) error {
	if result == nil {
		return fmt.Errorf("%w: evaluation result cannot be nil", errdefs.ErrValidation)
	}
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}

	scoresJSON, err := json.Marshal(result.MetricScores)
	if err != nil {
		return fmt.Errorf("failed to marshal metric scores: %w", err)
	}

	consensusJSON := ""
	if result.ConsensusDetails != nil {
		b, err := json.Marshal(result.ConsensusDetails)
		if err != nil {
			return fmt.Errorf("failed to marshal consensus details: %w", err)
		}
		consensusJSON = string(b)
	}

	query := `
		INSERT INTO evaluations (id, run_id, task_type, metric_scores_json, overall,
			needs_fix, notes, consensus_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		result.ID, result.RunID, result.TaskType, string(scoresJSON), result.Overall,
		result.NeedsFix, nullString(result.Notes), nullString(consensusJSON), result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert evaluation: %v", errdefs.ErrPersist, err)
	}
	return nil
}

// GetEvaluationByRunID returns the most recent evaluation for a run.
func (s *Store) GetEvaluationByRunID(ctx context.Context, runID string) (*models.EvaluationResult, error) {
	query := `
		SELECT id, run_id, task_type, metric_scores_json, overall, needs_fix,
			notes, consensus_json, final_score, user_rating, created_at
		FROM evaluations WHERE run_id = $1
		ORDER BY created_at DESC LIMIT 1
	`
	result, err := scanEvaluation(s.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no evaluation for run %s", errdefs.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation: %w", err)
	}
	return result, nil
}

// AppendFinalScore records a user-feedback-blended score alongside the
// automated one. The automated overall is never overwritten.
func (s *Store) AppendFinalScore(ctx context.Context, evaluationID string, userRating int, finalScore float64) error {
	query := `UPDATE evaluations SET final_score = $1, user_rating = $2 WHERE id = $3`
	res, err := s.db.ExecContext(ctx, query, finalScore, userRating, evaluationID)
	if err != nil {
		return fmt.Errorf("%w: failed to append final score: %v", errdefs.ErrPersist, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: evaluation %s", errdefs.ErrRunNotFound, evaluationID)
	}
	return nil
}

// CountNeedsFix returns how many of the given runs have an evaluation
// flagged needs_fix. Used by the self-repair failure-rate computation.
func (s *Store) CountNeedsFix(ctx context.Context, runIDs []string) (int, error) {
	count := 0
	for _, id := range runIDs {
		var needsFix bool
		err := s.db.QueryRowContext(ctx,
			`SELECT needs_fix FROM evaluations WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`,
			id).Scan(&needsFix)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to check needs_fix for run %s: %w", id, err)
		}
		if needsFix {
			count++
		}
	}
	return count, nil
}

func scanEvaluation(row rowScanner) (*models.EvaluationResult, error) {
	var result models.EvaluationResult
	var scoresJSON string
	var notes, consensusJSON sql.NullString
	var finalScore sql.NullFloat64
	var userRating sql.NullInt64

	err := row.Scan(&result.ID, &result.RunID, &result.TaskType, &scoresJSON,
		&result.Overall, &result.NeedsFix, &notes, &consensusJSON,
		&finalScore, &userRating, &result.CreatedAt)
	if err != nil {
		return nil, err
	}

	result.Notes = notes.String
	if err := json.Unmarshal([]byte(scoresJSON), &result.MetricScores); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metric scores: %w", err)
	}
	if consensusJSON.Valid && consensusJSON.String != "" {
		var details models.ConsensusDetails
		if err := json.Unmarshal([]byte(consensusJSON.String), &details); err == nil {
			result.ConsensusDetails = &details
		}
	}
	if finalScore.Valid {
		f := finalScore.Float64
		result.FinalScore = &f
	}
	if userRating.Valid {
		r := int(userRating.Int64)
		result.UserRating = &r
	}
	return &result, nil
}
