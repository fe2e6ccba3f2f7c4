package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/pkg/models"
)

// CreateFixRecord persists an auto-fix record. The caller already holds
// the fix result, so a failure here is logged upstream rather than fatal.
func (s *Store) CreateFixRecord(ctx context.Context, record *models.FixRecord) error {
	if record == nil {
		return fmt.Errorf("%w: fix record cannot be nil", errdefs.ErrValidation)
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO fix_records (id, run_id, before_content, after_content,
			fix_notes, diff_summary, pre_fix_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.RunID, record.Before, record.After,
		nullString(record.FixNotes), nullString(record.DiffSummary),
		record.PreFixScore, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert fix record: %v", errdefs.ErrPersist, err)
	}
	return nil
}

// ListFixRecords returns all fix records for a run, oldest first.
func (s *Store) ListFixRecords(ctx context.Context, runID string) ([]*models.FixRecord, error) {
	query := `
		SELECT id, run_id, before_content, after_content, fix_notes,
			diff_summary, pre_fix_score, created_at
		FROM fix_records WHERE run_id = $1 ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fix records: %w", err)
	}
	defer rows.Close()

	var records []*models.FixRecord
	for rows.Next() {
		var r models.FixRecord
		var fixNotes, diffSummary sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Before, &r.After,
			&fixNotes, &diffSummary, &r.PreFixScore, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fix record: %w", err)
		}
		r.FixNotes = fixNotes.String
		r.DiffSummary = diffSummary.String
		records = append(records, &r)
	}
	return records, rows.Err()
}
