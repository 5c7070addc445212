package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const bookmarkColumns = `id, instance_id, activity_instance_id, activity_id, name, data, correlation_id,
	expire_time, expire_action, active, created_at, resumed_at`

const correlationColumns = `correlation_id, instance_id, bookmark_name, active, created_at`

// CreateBookmark inserts an active bookmark. The active_name column carries the
// name only while active, so the (instance_id, active_name) unique index
// admits a single active bookmark per name.
func (s *SQLStorage) CreateBookmark(ctx context.Context, b *Bookmark) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = Now()
	}
	if b.ExpireAction == "" {
		b.ExpireAction = ExpireFault
	}
	b.Active = true
	b.Data = jsonOrEmpty(b.Data)

	_, err := s.exec(ctx, `
		INSERT INTO workflow_bookmarks (`+bookmarkColumns+`, active_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.InstanceID, b.ActivityInstanceID, b.ActivityID, b.Name, b.Data, b.CorrelationID,
		b.ExpireTime, b.ExpireAction, b.Active, b.CreatedAt, b.ResumedAt, b.Name)
	if err != nil {
		return fmt.Errorf("failed to create bookmark %s: %w", b.Name, err)
	}
	return nil
}

// CreateCorrelation inserts an active correlation.
func (s *SQLStorage) CreateCorrelation(ctx context.Context, c *Correlation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = Now()
	}
	c.Active = true
	_, err := s.exec(ctx, `
		INSERT INTO workflow_correlations (id, `+correlationColumns+`, active_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), c.CorrelationID, c.InstanceID, c.BookmarkName, c.Active, c.CreatedAt, c.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to create correlation %s: %w", c.CorrelationID, err)
	}
	return nil
}

// FindCorrelation returns the active correlation for the ID.
func (s *SQLStorage) FindCorrelation(ctx context.Context, correlationID string) (*Correlation, error) {
	var c Correlation
	if err := s.get(ctx, &c,
		`SELECT `+correlationColumns+` FROM workflow_correlations WHERE active_key = ?`, correlationID); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetBookmark retrieves a bookmark by ID.
func (s *SQLStorage) GetBookmark(ctx context.Context, id string) (*Bookmark, error) {
	var b Bookmark
	if err := s.get(ctx, &b, `SELECT `+bookmarkColumns+` FROM workflow_bookmarks WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetActiveBookmark returns the active bookmark with the name for the instance.
func (s *SQLStorage) GetActiveBookmark(ctx context.Context, instanceID, name string) (*Bookmark, error) {
	var b Bookmark
	if err := s.get(ctx, &b,
		`SELECT `+bookmarkColumns+` FROM workflow_bookmarks WHERE instance_id = ? AND active_name = ?`,
		instanceID, name); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetLatestBookmarkByCorrelation returns the newest bookmark carrying the correlation ID.
func (s *SQLStorage) GetLatestBookmarkByCorrelation(ctx context.Context, correlationID string) (*Bookmark, error) {
	var b Bookmark
	if err := s.get(ctx, &b, `
		SELECT `+bookmarkColumns+` FROM workflow_bookmarks
		WHERE correlation_id = ?
		ORDER BY created_at DESC LIMIT 1`, correlationID); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeactivateBookmark deactivates a bookmark and its correlation.
func (s *SQLStorage) DeactivateBookmark(ctx context.Context, id string, resumedAt time.Time) error {
	b, err := s.GetBookmark(ctx, id)
	if err != nil {
		return err
	}
	if err := s.execOne(ctx,
		`UPDATE workflow_bookmarks SET active = ?, active_name = NULL, resumed_at = ? WHERE id = ?`,
		false, resumedAt, id); err != nil {
		return fmt.Errorf("failed to deactivate bookmark: %w", err)
	}
	if b.CorrelationID != nil {
		if _, err := s.exec(ctx,
			`UPDATE workflow_correlations SET active = ?, active_key = NULL WHERE active_key = ? AND instance_id = ?`,
			false, *b.CorrelationID, b.InstanceID); err != nil {
			return fmt.Errorf("failed to deactivate correlation: %w", err)
		}
	}
	return nil
}

// DeactivateInstanceBookmarks deactivates every bookmark and correlation of an instance.
func (s *SQLStorage) DeactivateInstanceBookmarks(ctx context.Context, instanceID string) error {
	if _, err := s.exec(ctx,
		`UPDATE workflow_bookmarks SET active = ?, active_name = NULL WHERE instance_id = ? AND active = ?`,
		false, instanceID, true); err != nil {
		return fmt.Errorf("failed to deactivate bookmarks: %w", err)
	}
	if _, err := s.exec(ctx,
		`UPDATE workflow_correlations SET active = ?, active_key = NULL WHERE instance_id = ? AND active = ?`,
		false, instanceID, true); err != nil {
		return fmt.Errorf("failed to deactivate correlations: %w", err)
	}
	return nil
}

// FindExpiredBookmarks returns active bookmarks of Running instances whose expire time has passed.
func (s *SQLStorage) FindExpiredBookmarks(ctx context.Context, now time.Time, limit int) ([]*Bookmark, error) {
	var items []*Bookmark
	err := s.selectAll(ctx, &items, `
		SELECT `+prefixColumns("b", bookmarkColumns)+`
		FROM workflow_bookmarks b
		JOIN workflow_instances i ON i.id = b.instance_id
		WHERE b.active = ? AND b.expire_time IS NOT NULL AND b.expire_time <= ? AND i.status = ?
		ORDER BY b.expire_time`+limitClause(limit, 0),
		true, now, InstanceRunning)
	return items, err
}

// ListBookmarks lists the bookmarks of an instance.
func (s *SQLStorage) ListBookmarks(ctx context.Context, instanceID string, activeOnly bool) ([]*Bookmark, error) {
	query := `SELECT ` + bookmarkColumns + ` FROM workflow_bookmarks WHERE instance_id = ?`
	args := []any{instanceID}
	if activeOnly {
		query += " AND active = ?"
		args = append(args, true)
	}
	query += " ORDER BY created_at"

	var items []*Bookmark
	err := s.selectAll(ctx, &items, query, args...)
	return items, err
}
