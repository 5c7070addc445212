package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, instance_id, activity_instance_id, activity_id, name, kind, assignee_id,
	original_assignee_id, delegate_user_id, parent_task_id, status, is_timeout, due_time, comment,
	operator, created_at, completed_at`

// CreateTask inserts a task.
func (s *SQLStorage) CreateTask(ctx context.Context, t *WorkflowTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = Now()
	}
	if t.Kind == "" {
		t.Kind = TaskKindApproval
	}
	_, err := s.exec(ctx, `
		INSERT INTO workflow_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.InstanceID, t.ActivityInstanceID, t.ActivityID, t.Name, t.Kind, t.AssigneeID,
		t.OriginalAssigneeID, t.DelegateUserID, t.ParentTaskID, t.Status, t.IsTimeout, t.DueTime, t.Comment,
		t.Operator, t.CreatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLStorage) GetTask(ctx context.Context, id string) (*WorkflowTask, error) {
	var t WorkflowTask
	if err := s.get(ctx, &t, `SELECT `+taskColumns+` FROM workflow_tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask writes the mutable fields of a task.
func (s *SQLStorage) UpdateTask(ctx context.Context, t *WorkflowTask) error {
	return s.execOne(ctx, `
		UPDATE workflow_tasks
		SET assignee_id = ?, delegate_user_id = ?, status = ?, is_timeout = ?, comment = ?, operator = ?,
			completed_at = ?
		WHERE id = ?`,
		t.AssigneeID, t.DelegateUserID, t.Status, t.IsTimeout, t.Comment, t.Operator, t.CompletedAt, t.ID)
}

// ListTasks lists tasks matching the filter in creation order.
func (s *SQLStorage) ListTasks(ctx context.Context, filter TaskFilter) ([]*WorkflowTask, error) {
	var (
		where []string
		args  []any
	)
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.AssigneeID != "" {
		where = append(where, "(assignee_id = ? OR delegate_user_id = ?)")
		args = append(args, filter.AssigneeID, filter.AssigneeID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?)")
		args = append(args, filter.Statuses)
	}

	query := `SELECT ` + taskColumns + ` FROM workflow_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id" + limitClause(filter.Limit, filter.Offset)

	var tasks []*WorkflowTask
	if err := s.selectIn(ctx, &tasks, query, args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// FindOverdueTasks returns open tasks of Running instances whose due time has passed.
func (s *SQLStorage) FindOverdueTasks(ctx context.Context, now time.Time, limit int) ([]*WorkflowTask, error) {
	var tasks []*WorkflowTask
	err := s.selectIn(ctx, &tasks, `
		SELECT `+prefixColumns("t", taskColumns)+`
		FROM workflow_tasks t
		JOIN workflow_instances i ON i.id = t.instance_id
		WHERE t.status IN (?) AND t.is_timeout = ? AND t.due_time IS NOT NULL AND t.due_time < ?
			AND i.status = ?
		ORDER BY t.due_time`+limitClause(limit, 0),
		[]TaskStatus{TaskPending, TaskClaimed}, false, now, InstanceRunning)
	return tasks, err
}

// prefixColumns qualifies a column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
