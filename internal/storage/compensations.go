package storage

import (
	"context"
	"fmt"
)

const compensationColumns = `id, instance_id, activity_instance_id, activity_id, handler, compensation_data,
	status, compensation_result, created_at, executed_at`

// AddCompensation stores the compensation snapshot of a completed activity instance.
func (s *SQLStorage) AddCompensation(ctx context.Context, c *CompensationRecord) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = Now()
	}
	if c.Status == "" {
		c.Status = CompensationPending
	}
	c.CompensationData = jsonOrEmpty(c.CompensationData)

	_, err := s.exec(ctx, `
		INSERT INTO workflow_compensations (`+compensationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.InstanceID, c.ActivityInstanceID, c.ActivityID, c.Handler, c.CompensationData,
		c.Status, c.CompensationResult, c.CreatedAt, c.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to add compensation: %w", err)
	}
	return nil
}

// GetCompensationByActivityInstance returns the snapshot of an activity instance.
func (s *SQLStorage) GetCompensationByActivityInstance(ctx context.Context, activityInstanceID string) (*CompensationRecord, error) {
	var c CompensationRecord
	if err := s.get(ctx, &c,
		`SELECT `+compensationColumns+` FROM workflow_compensations WHERE activity_instance_id = ?`,
		activityInstanceID); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCompensation records the outcome of running a compensation.
func (s *SQLStorage) UpdateCompensation(ctx context.Context, c *CompensationRecord) error {
	return s.execOne(ctx, `
		UPDATE workflow_compensations SET status = ?, compensation_result = ?, executed_at = ?
		WHERE id = ?`,
		c.Status, c.CompensationResult, c.ExecutedAt, c.ID)
}
