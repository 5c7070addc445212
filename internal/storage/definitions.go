package storage

import (
	"context"
	"fmt"
)

const definitionColumns = `id, code, version, is_latest, name, status, document, created_by, created_at`

// PublishDefinition inserts def as the newest version of its code.
func (s *SQLStorage) PublishDefinition(ctx context.Context, def *WorkflowDefinition) error {
	var maxVersion int
	if err := s.get(ctx, &maxVersion,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE code = ?`, def.Code); err != nil {
		return fmt.Errorf("failed to read latest version: %w", err)
	}

	if _, err := s.exec(ctx,
		`UPDATE workflow_definitions SET is_latest = ? WHERE code = ? AND is_latest = ?`,
		false, def.Code, true); err != nil {
		return fmt.Errorf("failed to clear latest flag: %w", err)
	}

	def.Version = maxVersion + 1
	def.IsLatest = true
	if def.Status == "" {
		def.Status = DefinitionPublished
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = Now()
	}

	_, err := s.exec(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Code, def.Version, def.IsLatest, def.Name, def.Status, def.Document, def.CreatedBy, def.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition by ID.
func (s *SQLStorage) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := s.get(ctx, &def, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &def, nil
}

// GetLatestDefinition retrieves the latest version for a code.
func (s *SQLStorage) GetLatestDefinition(ctx context.Context, code string) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := s.get(ctx, &def,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE code = ? AND is_latest = ?`, code, true); err != nil {
		return nil, err
	}
	return &def, nil
}

// ListDefinitionVersions lists every version of a code, newest first.
func (s *SQLStorage) ListDefinitionVersions(ctx context.Context, code string) ([]*WorkflowDefinition, error) {
	var defs []*WorkflowDefinition
	if err := s.selectAll(ctx, &defs,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE code = ? ORDER BY version DESC`, code); err != nil {
		return nil, err
	}
	return defs, nil
}

// SetDefinitionStatus changes the status of a definition version.
func (s *SQLStorage) SetDefinitionStatus(ctx context.Context, id string, status DefinitionStatus) error {
	return s.execOne(ctx, `UPDATE workflow_definitions SET status = ? WHERE id = ?`, status, id)
}

// ListLatestDefinitions returns the latest published version of every code.
func (s *SQLStorage) ListLatestDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	var defs []*WorkflowDefinition
	if err := s.selectAll(ctx, &defs,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE is_latest = ? AND status = ? ORDER BY code`,
		true, DefinitionPublished); err != nil {
		return nil, err
	}
	return defs, nil
}
