package evaluation

import (
	"context"
	"fmt"

	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/pkg/models"
)

// Weighting of the automated score versus the human rating when blending.
const (
	autoWeight  = 0.7
	humanWeight = 0.3
)

// IncorporateUserFeedback blends a human 1-5 rating into the stored
// evaluation as a final score. The rating is normalized to 0-1 (rating/5)
// and blended 0.7 automated / 0.3 human. The original automated Overall
// is never overwritten; the blend is appended alongside it.
func (e *Engine) IncorporateUserFeedback(ctx context.Context, runID string, rating int) (*models.EvaluationResult, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be 1-5, got %d", errdefs.ErrValidation, rating)
	}

	eval, err := e.store.GetEvaluationByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}

	human := float64(rating) / 5.0
	final := autoWeight*eval.Overall + humanWeight*human

	if err := e.store.AppendFinalScore(ctx, eval.ID, rating, final); err != nil {
		return nil, fmt.Errorf("failed to append final score for run %s: %w", runID, err)
	}

	eval.UserRating = &rating
	eval.FinalScore = &final
	return eval, nil
}
