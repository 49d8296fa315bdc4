package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const experimentColumns = `id, name, description, category, control_config, variant_config, traffic_split, status,
	control_impressions, variant_impressions, control_avg_rating, variant_avg_rating,
	control_conversions, variant_conversions, is_significant, p_value, winner,
	start_date, end_date, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (Experiment, error) {
	var (
		e                      Experiment
		controlCfg, variantCfg string
		pValue                 sql.NullFloat64
		winner                 sql.NullString
		startDate, endDate     sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(
		&e.ID, &e.Name, &e.Description, &e.Category, &controlCfg, &variantCfg, &e.TrafficSplit, &e.Status,
		&e.ControlImpressions, &e.VariantImpressions, &e.ControlAvgRating, &e.VariantAvgRating,
		&e.ControlConversions, &e.VariantConversions, &e.IsSignificant, &pValue, &winner,
		&startDate, &endDate, &createdAt, &updatedAt,
	)
	if err != nil {
		return Experiment{}, err
	}

	if err := json.Unmarshal([]byte(controlCfg), &e.ControlConfig); err != nil {
		return Experiment{}, fmt.Errorf("decoding control_config for experiment %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(variantCfg), &e.VariantConfig); err != nil {
		return Experiment{}, fmt.Errorf("decoding variant_config for experiment %s: %w", e.ID, err)
	}
	if pValue.Valid {
		p := pValue.Float64
		e.PValue = &p
	}
	e.Winner = winner.String

	if e.StartDate, err = parseNullTime(startDate); err != nil {
		return Experiment{}, fmt.Errorf("parsing start_date for experiment %s: %w", e.ID, err)
	}
	if e.EndDate, err = parseNullTime(endDate); err != nil {
		return Experiment{}, fmt.Errorf("parsing end_date for experiment %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return Experiment{}, fmt.Errorf("parsing created_at for experiment %s: %w", e.ID, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Experiment{}, fmt.Errorf("parsing updated_at for experiment %s: %w", e.ID, err)
	}
	return e, nil
}

func encodeConfig(cfg map[string]any) (string, error) {
	if cfg == nil {
		return "{}", nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// InsertExperiment persists e as given. Counters and the verdict start from e's values,
// which are zero for a freshly built experiment.
func (s *Store) InsertExperiment(ctx context.Context, e Experiment) error {
	controlCfg, err := encodeConfig(e.ControlConfig)
	if err != nil {
		return fmt.Errorf("encoding control_config: %w", err)
	}
	variantCfg, err := encodeConfig(e.VariantConfig)
	if err != nil {
		return fmt.Errorf("encoding variant_config: %w", err)
	}

	status := e.Status
	if status == "" {
		status = StatusDraft
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, name, description, category, control_config, variant_config, traffic_split, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Description, string(e.Category), controlCfg, variantCfg, e.TrafficSplit, string(status),
		formatTime(createdAt), formatTime(updatedAt),
	)
	return err
}

func (s *Store) GetExperiment(ctx context.Context, id string) (Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	e, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return Experiment{}, ErrNotFound
	}
	if err != nil {
		return Experiment{}, err
	}
	return e, nil
}

// ListRunningExperiments returns every experiment in running status, oldest start first.
func (s *Store) ListRunningExperiments(ctx context.Context) ([]Experiment, error) {
	return s.queryExperiments(ctx, `SELECT `+experimentColumns+` FROM experiments
		WHERE status = ? ORDER BY start_date ASC, rowid ASC`, string(StatusRunning))
}

// ListExperiments returns experiments newest first, optionally filtered by status.
func (s *Store) ListExperiments(ctx context.Context, statuses []Status, limit int) ([]Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	return s.queryExperiments(ctx, query, args...)
}

func (s *Store) queryExperiments(ctx context.Context, query string, args ...any) ([]Experiment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// TransitionExperiment moves an experiment from one of the allowed statuses to `to`.
// Entering running stamps start_date, entering completed stamps end_date.
// It returns ErrConflict when `to` is running and another experiment of the
// same category is already running.
func (s *Store) TransitionExperiment(ctx context.Context, id string, from []Status, to Status, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer tx.Rollback()

	var current Status
	var category Category
	err = tx.QueryRowContext(ctx, `SELECT status, category FROM experiments WHERE id = ?`, id).Scan(&current, &category)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading experiment %s: %w", id, err)
	}

	allowed := false
	for _, f := range from {
		if current == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	if to == StatusRunning {
		var running int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM experiments WHERE category = ? AND status = ? AND id != ?`,
			string(category), string(StatusRunning), id,
		).Scan(&running); err != nil {
			return fmt.Errorf("checking running experiments: %w", err)
		}
		if running > 0 {
			return ErrConflict
		}
	}

	stamp := formatTime(at)
	query := `UPDATE experiments SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(to), stamp, id}
	switch to {
	case StatusRunning:
		query = `UPDATE experiments SET status = ?, start_date = ?, updated_at = ? WHERE id = ?`
		args = []any{string(to), stamp, stamp, id}
	case StatusCompleted:
		query = `UPDATE experiments SET status = ?, end_date = ?, updated_at = ? WHERE id = ?`
		args = []any{string(to), stamp, stamp, id}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("updating experiment status: %w", err)
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// UpdateExperimentMetrics overwrites the aggregates and verdict of an experiment.
func (s *Store) UpdateExperimentMetrics(ctx context.Context, id string, m ExperimentMetrics) error {
	var winner sql.NullString
	if m.Winner != "" {
		winner = sql.NullString{String: m.Winner, Valid: true}
	}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET
			control_avg_rating = ?, variant_avg_rating = ?,
			control_conversions = ?, variant_conversions = ?,
			is_significant = ?, p_value = ?, winner = ?, updated_at = ?
		WHERE id = ?`,
		m.ControlAvgRating, m.VariantAvgRating,
		m.ControlConversions, m.VariantConversions,
		m.IsSignificant, m.PValue, winner, formatTime(updatedAt),
		id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// IncrementImpressions adds one to the impression counter of the given arm.
func (s *Store) IncrementImpressions(ctx context.Context, id string, arm Arm) error {
	var column string
	switch arm {
	case ArmControl:
		column = "control_impressions"
	case ArmVariant:
		column = "variant_impressions"
	default:
		return fmt.Errorf("unknown arm %q", arm)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE experiments SET `+column+` = `+column+` + 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
