package storage

import (
	"context"
	"fmt"
	"strings"
)

const instanceColumns = `id, definition_id, definition_code, definition_version, business_key, business_type,
	title, initiator, current_node_id, status, parent_instance_id, version, fault_info, terminate_reason,
	start_time, end_time, updated_at`

// activeBusinessKey is the value of the unique active_business_key column:
// the key while the instance is non-terminal, NULL otherwise.
func activeBusinessKey(inst *WorkflowInstance) any {
	if inst.BusinessKey == "" || inst.Status.IsTerminal() {
		return nil
	}
	return inst.BusinessKey
}

// CreateInstance creates a new workflow instance.
func (s *SQLStorage) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
	now := Now()
	if inst.StartTime.IsZero() {
		inst.StartTime = now
	}
	inst.UpdatedAt = now

	_, err := s.exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`, active_business_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.DefinitionCode, inst.DefinitionVersion, inst.BusinessKey, inst.BusinessType,
		inst.Title, inst.Initiator, inst.CurrentNodeID, inst.Status, inst.ParentInstanceID, inst.Version,
		inst.FaultInfo, inst.TerminateReason, inst.StartTime, inst.EndTime, inst.UpdatedAt,
		activeBusinessKey(inst))
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves a workflow instance by ID.
func (s *SQLStorage) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	if err := s.get(ctx, &inst, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &inst, nil
}

// FindActiveInstanceByBusinessKey returns the non-terminal instance owning the key.
func (s *SQLStorage) FindActiveInstanceByBusinessKey(ctx context.Context, businessKey string) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	if err := s.get(ctx, &inst,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE active_business_key = ?`, businessKey); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ClaimInstance performs the optimistic compare-and-swap on the instance version.
func (s *SQLStorage) ClaimInstance(ctx context.Context, id string, expectedVersion int) error {
	res, err := s.exec(ctx,
		`UPDATE workflow_instances SET version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		Now(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to claim instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateInstance writes the mutable fields of an instance. The version is
// managed by ClaimInstance and is not written here.
func (s *SQLStorage) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	inst.UpdatedAt = Now()
	return s.execOne(ctx, `
		UPDATE workflow_instances
		SET status = ?, current_node_id = ?, fault_info = ?, terminate_reason = ?, end_time = ?,
			updated_at = ?, active_business_key = ?
		WHERE id = ?`,
		inst.Status, inst.CurrentNodeID, inst.FaultInfo, inst.TerminateReason, inst.EndTime,
		inst.UpdatedAt, activeBusinessKey(inst), inst.ID)
}

// ListInstances lists instances matching the filter, newest first.
func (s *SQLStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.DefinitionCode != "" {
		where = append(where, "definition_code = ?")
		args = append(args, filter.DefinitionCode)
	}
	if filter.BusinessKey != "" {
		where = append(where, "business_key = ?")
		args = append(args, filter.BusinessKey)
	}
	if filter.Initiator != "" {
		where = append(where, "initiator = ?")
		args = append(args, filter.Initiator)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, id DESC" + limitClause(filter.Limit, filter.Offset)

	var instances []*WorkflowInstance
	if err := s.selectAll(ctx, &instances, query, args...); err != nil {
		return nil, err
	}
	return instances, nil
}

// ListChildInstances lists sub-process instances of a parent.
func (s *SQLStorage) ListChildInstances(ctx context.Context, parentID string) ([]*WorkflowInstance, error) {
	var instances []*WorkflowInstance
	if err := s.selectAll(ctx, &instances,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE parent_instance_id = ? ORDER BY start_time`,
		parentID); err != nil {
		return nil, err
	}
	return instances, nil
}

// DeleteInstance removes an instance and every row it owns.
func (s *SQLStorage) DeleteInstance(ctx context.Context, id string) error {
	owned := []string{
		"workflow_history",
		"workflow_compensations",
		"workflow_correlations",
		"workflow_bookmarks",
		"workflow_form_data",
		"workflow_variable_data",
		"workflow_tasks",
		"workflow_activity_instances",
	}
	for _, table := range owned {
		if _, err := s.exec(ctx, `DELETE FROM `+table+` WHERE instance_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return s.execOne(ctx, `DELETE FROM workflow_instances WHERE id = ?`, id)
}

// limitClause renders LIMIT/OFFSET; a zero limit means the default page size.
func limitClause(limit, offset int) string {
	if limit <= 0 {
		limit = 100
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}
