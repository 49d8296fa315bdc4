package storage

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) InsertAssignment(ctx context.Context, a Assignment) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, experiment_id, response_log_id, variant, rating, was_positive, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExperimentID, a.ResponseLogID, string(a.Variant), a.Rating, a.WasPositive, formatTime(createdAt),
	)
	return err
}

// ListRatedAssignments returns every outcome of an experiment that carries a rating.
func (s *Store) ListRatedAssignments(ctx context.Context, experimentID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, response_log_id, variant, rating, was_positive, created_at
		FROM assignments
		WHERE experiment_id = ? AND rating IS NOT NULL
		ORDER BY created_at ASC, rowid ASC`, experimentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Assignment
	for rows.Next() {
		var a Assignment
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ExperimentID, &a.ResponseLogID, &a.Variant, &a.Rating, &a.WasPositive, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for assignment %s: %w", a.ID, err)
		}
		a.CreatedAt = t
		results = append(results, a)
	}
	return results, rows.Err()
}
