package storage

import (
	"context"
	"fmt"
	"time"
)

const historyColumns = `instance_id, task_id, activity_instance_id, operation_type, operator, comment, data, created_at`

// AppendHistory appends an audit entry.
func (s *SQLStorage) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = Now()
	}
	e.Data = jsonOrEmpty(e.Data)
	_, err := s.exec(ctx, `
		INSERT INTO workflow_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.InstanceID, e.TaskID, e.ActivityInstanceID, e.OperationType, e.Operator, e.Comment, e.Data, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory lists the audit entries of an instance in insertion order.
func (s *SQLStorage) ListHistory(ctx context.Context, instanceID string) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	err := s.selectAll(ctx, &entries,
		`SELECT id, `+historyColumns+` FROM workflow_history WHERE instance_id = ? ORDER BY id`, instanceID)
	return entries, err
}

// CleanupHistory deletes old entries belonging to completed or terminated instances.
func (s *SQLStorage) CleanupHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.exec(ctx, `
		DELETE FROM workflow_history
		WHERE created_at < ? AND instance_id IN (
			SELECT id FROM workflow_instances WHERE status IN (?, ?)
		)`, olderThan, InstanceCompleted, InstanceTerminated)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup history: %w", err)
	}
	return res.RowsAffected()
}
