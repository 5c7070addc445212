package storage

import (
	"context"
	"fmt"
)

const variableColumns = `id, instance_id, task_id, name, version, value, created_by, created_at`

const formColumns = `id, instance_id, task_id, form_key, version, value, created_by, created_at`

// AppendVariable appends a new version of a variable.
func (s *SQLStorage) AppendVariable(ctx context.Context, v *VariableData) error {
	var maxVersion int
	if err := s.get(ctx, &maxVersion,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_variable_data WHERE instance_id = ? AND name = ?`,
		v.InstanceID, v.Name); err != nil {
		return fmt.Errorf("failed to read variable version: %w", err)
	}
	v.Version = maxVersion + 1
	if v.CreatedAt.IsZero() {
		v.CreatedAt = Now()
	}
	if len(v.Value) == 0 {
		v.Value = []byte("null")
	}

	_, err := s.exec(ctx, `
		INSERT INTO workflow_variable_data (`+variableColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.InstanceID, v.TaskID, v.Name, v.Version, v.Value, v.CreatedBy, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append variable %s: %w", v.Name, err)
	}
	return nil
}

// LatestVariables returns the latest version of every variable of an instance.
func (s *SQLStorage) LatestVariables(ctx context.Context, instanceID string) ([]*VariableData, error) {
	var vars []*VariableData
	err := s.selectAll(ctx, &vars, `
		SELECT `+prefixColumns("v", variableColumns)+`
		FROM workflow_variable_data v
		JOIN (
			SELECT name, MAX(version) AS max_version
			FROM workflow_variable_data
			WHERE instance_id = ?
			GROUP BY name
		) m ON m.name = v.name AND m.max_version = v.version
		WHERE v.instance_id = ?
		ORDER BY v.name`, instanceID, instanceID)
	return vars, err
}

// GetVariableVersion returns one version of a variable; version 0 selects the latest.
func (s *SQLStorage) GetVariableVersion(ctx context.Context, instanceID, name string, version int) (*VariableData, error) {
	var v VariableData
	var err error
	if version <= 0 {
		err = s.get(ctx, &v, `
			SELECT `+variableColumns+` FROM workflow_variable_data
			WHERE instance_id = ? AND name = ?
			ORDER BY version DESC LIMIT 1`, instanceID, name)
	} else {
		err = s.get(ctx, &v, `
			SELECT `+variableColumns+` FROM workflow_variable_data
			WHERE instance_id = ? AND name = ? AND version = ?`, instanceID, name, version)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVariableVersions lists every version of a variable, oldest first.
func (s *SQLStorage) ListVariableVersions(ctx context.Context, instanceID, name string) ([]*VariableData, error) {
	var vars []*VariableData
	err := s.selectAll(ctx, &vars, `
		SELECT `+variableColumns+` FROM workflow_variable_data
		WHERE instance_id = ? AND name = ?
		ORDER BY version`, instanceID, name)
	return vars, err
}

// AppendFormData appends a new snapshot of a form.
func (s *SQLStorage) AppendFormData(ctx context.Context, f *FormData) error {
	var maxVersion int
	if err := s.get(ctx, &maxVersion,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_form_data WHERE instance_id = ? AND form_key = ?`,
		f.InstanceID, f.FormKey); err != nil {
		return fmt.Errorf("failed to read form version: %w", err)
	}
	f.Version = maxVersion + 1
	if f.CreatedAt.IsZero() {
		f.CreatedAt = Now()
	}
	f.Value = jsonOrEmpty(f.Value)

	_, err := s.exec(ctx, `
		INSERT INTO workflow_form_data (`+formColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.InstanceID, f.TaskID, f.FormKey, f.Version, f.Value, f.CreatedBy, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append form %s: %w", f.FormKey, err)
	}
	return nil
}

// LatestFormData returns the newest snapshot per form key. A non-empty taskID
// restricts the result to snapshots submitted with that task.
func (s *SQLStorage) LatestFormData(ctx context.Context, instanceID string, taskID string) ([]*FormData, error) {
	taskFilter := ""
	innerArgs := []any{instanceID}
	outerArgs := []any{instanceID}
	if taskID != "" {
		taskFilter = " AND task_id = ?"
		innerArgs = append(innerArgs, taskID)
		outerArgs = append(outerArgs, taskID)
	}

	var forms []*FormData
	err := s.selectAll(ctx, &forms, `
		SELECT `+prefixColumns("f", formColumns)+`
		FROM workflow_form_data f
		JOIN (
			SELECT form_key, MAX(version) AS max_version
			FROM workflow_form_data
			WHERE instance_id = ?`+taskFilter+`
			GROUP BY form_key
		) m ON m.form_key = f.form_key AND m.max_version = f.version
		WHERE f.instance_id = ?`+taskFilter+`
		ORDER BY f.form_key`, append(innerArgs, outerArgs...)...)
	return forms, err
}
