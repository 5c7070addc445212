package storage

import (
	"context"
	"fmt"
	"time"
)

const outboxColumns = `event_id, event_type, event_source, event_data, content_type, status, attempts,
	last_error, created_at, updated_at`

// AddOutboxEvent adds an event to the outbox.
func (s *SQLStorage) AddOutboxEvent(ctx context.Context, event *OutboxEvent) error {
	now := Now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	if event.Status == "" {
		event.Status = OutboxPending
	}
	if event.ContentType == "" {
		event.ContentType = "application/json"
	}
	event.EventData = jsonOrEmpty(event.EventData)

	_, err := s.exec(ctx, `
		INSERT INTO workflow_outbox (`+outboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.EventType, event.EventSource, event.EventData, event.ContentType, event.Status,
		event.Attempts, event.LastError, event.CreatedAt, event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to add outbox event: %w", err)
	}
	return nil
}

// GetPendingOutboxEvents retrieves pending events, oldest first.
func (s *SQLStorage) GetPendingOutboxEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `SELECT id, ` + outboxColumns + ` FROM workflow_outbox WHERE status = ? ORDER BY id` +
		limitClause(limit, 0)
	if lock := s.driver.SelectForUpdateSkipLocked(); lock != "" && s.InTransaction(ctx) {
		query += " " + lock
	}
	var events []*OutboxEvent
	err := s.selectAll(ctx, &events, query, OutboxPending)
	return events, err
}

// MarkOutboxEventSent marks an event as sent.
func (s *SQLStorage) MarkOutboxEventSent(ctx context.Context, eventID string) error {
	return s.execOne(ctx, `UPDATE workflow_outbox SET status = ?, updated_at = ? WHERE event_id = ?`,
		OutboxSent, Now(), eventID)
}

// MarkOutboxEventFailed marks an event as permanently failed.
func (s *SQLStorage) MarkOutboxEventFailed(ctx context.Context, eventID string, lastError string) error {
	return s.execOne(ctx, `UPDATE workflow_outbox SET status = ?, last_error = ?, updated_at = ? WHERE event_id = ?`,
		OutboxFailed, lastError, Now(), eventID)
}

// IncrementOutboxAttempts increments the attempt counter.
func (s *SQLStorage) IncrementOutboxAttempts(ctx context.Context, eventID string, lastError string) error {
	return s.execOne(ctx,
		`UPDATE workflow_outbox SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE event_id = ?`,
		lastError, Now(), eventID)
}

// CleanupOldOutboxEvents removes sent events older than the cutoff.
func (s *SQLStorage) CleanupOldOutboxEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM workflow_outbox WHERE status = ? AND created_at < ?`, OutboxSent, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup outbox: %w", err)
	}
	return res.RowsAffected()
}
