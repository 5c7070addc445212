package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx/types"
)

const activityColumns = `id, instance_id, activity_id, activity_type, status, previous_activity_id, seq,
	start_time, end_time, input_parameters, output_parameters, outcome, error_info`

func jsonOrEmpty(j types.JSONText) types.JSONText {
	if len(j) == 0 {
		return types.JSONText("{}")
	}
	return j
}

// CreateActivityInstance inserts an activity instance with the next sequence number.
func (s *SQLStorage) CreateActivityInstance(ctx context.Context, ai *ActivityInstance) error {
	var maxSeq int
	if err := s.get(ctx, &maxSeq,
		`SELECT COALESCE(MAX(seq), 0) FROM workflow_activity_instances WHERE instance_id = ?`, ai.InstanceID); err != nil {
		return fmt.Errorf("failed to read activity sequence: %w", err)
	}
	ai.Seq = maxSeq + 1
	if ai.StartTime.IsZero() {
		ai.StartTime = Now()
	}
	ai.InputParameters = jsonOrEmpty(ai.InputParameters)
	ai.OutputParameters = jsonOrEmpty(ai.OutputParameters)

	_, err := s.exec(ctx, `
		INSERT INTO workflow_activity_instances (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ai.ID, ai.InstanceID, ai.ActivityID, ai.ActivityType, ai.Status, ai.PreviousActivityID, ai.Seq,
		ai.StartTime, ai.EndTime, ai.InputParameters, ai.OutputParameters, ai.Outcome, ai.ErrorInfo)
	if err != nil {
		return fmt.Errorf("failed to create activity instance: %w", err)
	}
	return nil
}

// GetActivityInstance retrieves an activity instance by ID.
func (s *SQLStorage) GetActivityInstance(ctx context.Context, id string) (*ActivityInstance, error) {
	var ai ActivityInstance
	if err := s.get(ctx, &ai, `SELECT `+activityColumns+` FROM workflow_activity_instances WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &ai, nil
}

// UpdateActivityInstance writes the mutable fields of an activity instance.
func (s *SQLStorage) UpdateActivityInstance(ctx context.Context, ai *ActivityInstance) error {
	ai.OutputParameters = jsonOrEmpty(ai.OutputParameters)
	return s.execOne(ctx, `
		UPDATE workflow_activity_instances
		SET status = ?, end_time = ?, output_parameters = ?, outcome = ?, error_info = ?
		WHERE id = ?`,
		ai.Status, ai.EndTime, ai.OutputParameters, ai.Outcome, ai.ErrorInfo, ai.ID)
}

// ListActivityInstances lists the activity instances of an instance in execution order.
func (s *SQLStorage) ListActivityInstances(ctx context.Context, instanceID string, statuses ...ActivityStatus) ([]*ActivityInstance, error) {
	var items []*ActivityInstance
	if len(statuses) == 0 {
		err := s.selectAll(ctx, &items,
			`SELECT `+activityColumns+` FROM workflow_activity_instances WHERE instance_id = ? ORDER BY seq`, instanceID)
		return items, err
	}
	err := s.selectIn(ctx, &items,
		`SELECT `+activityColumns+` FROM workflow_activity_instances WHERE instance_id = ? AND status IN (?) ORDER BY seq`,
		instanceID, statuses)
	return items, err
}

// ListCompletedForCompensation returns Completed activity instances, most recently completed first.
func (s *SQLStorage) ListCompletedForCompensation(ctx context.Context, instanceID string) ([]*ActivityInstance, error) {
	var items []*ActivityInstance
	err := s.selectAll(ctx, &items, `
		SELECT `+activityColumns+` FROM workflow_activity_instances
		WHERE instance_id = ? AND status = ?
		ORDER BY end_time DESC, seq DESC`, instanceID, ActivityCompleted)
	return items, err
}
