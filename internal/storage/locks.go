package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TryAcquireSystemLock acquires the lock when it is free, expired or already
// held by workerID. Renewal is an UPDATE guarded by ownership or expiry; a
// missing row is created with an INSERT that loses cleanly to a concurrent one.
func (s *SQLStorage) TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error) {
	now := Now()
	expiresAt := now.Add(time.Duration(timeoutSec) * time.Second)

	res, err := s.exec(ctx, `
		UPDATE system_locks SET locked_by = ?, locked_at = ?, expires_at = ?
		WHERE lock_name = ? AND (locked_by = ? OR expires_at < ?)`,
		workerID, now, expiresAt, lockName, workerID, now)
	if err != nil {
		return false, fmt.Errorf("failed to renew system lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil
	}

	_, err = s.exec(ctx, `
		INSERT INTO system_locks (lock_name, locked_by, locked_at, expires_at)
		VALUES (?, ?, ?, ?)`, lockName, workerID, now, expiresAt)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire system lock: %w", err)
	}
	return true, nil
}

// ReleaseSystemLock releases a lock held by the worker.
func (s *SQLStorage) ReleaseSystemLock(ctx context.Context, lockName, workerID string) error {
	_, err := s.exec(ctx, `DELETE FROM system_locks WHERE lock_name = ? AND locked_by = ?`, lockName, workerID)
	return err
}

// CleanupExpiredSystemLocks removes expired locks.
func (s *SQLStorage) CleanupExpiredSystemLocks(ctx context.Context) error {
	_, err := s.exec(ctx, `DELETE FROM system_locks WHERE expires_at < ?`, Now())
	return err
}
