// Package coordination runs background jobs on one node of a cluster at a
// time, using the system_locks table as a lease.
package coordination

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// LockManager is the subset of storage the runner needs.
type LockManager interface {
	TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error)
	ReleaseSystemLock(ctx context.Context, lockName, workerID string) error
}

// Singleton runs a named job under a cluster-wide lease.
type Singleton struct {
	locks       LockManager
	workerID    string
	name        string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewSingleton creates a runner for the job name. The lease expires after
// lockTimeout, so a crashed holder blocks others for at most that long;
// it must exceed the job's expected duration.
func NewSingleton(locks LockManager, workerID, name string, lockTimeout time.Duration, logger *slog.Logger) *Singleton {
	if lockTimeout <= 0 {
		lockTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Singleton{
		locks:       locks,
		workerID:    workerID,
		name:        name,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// TryRun runs job if the lease is free or already ours. It reports whether
// job ran; (false, nil) means another worker holds the lease.
func (s *Singleton) TryRun(ctx context.Context, job func(context.Context) error) (bool, error) {
	acquired, err := s.locks.TryAcquireSystemLock(ctx, s.name, s.workerID, int(s.lockTimeout.Seconds()))
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	jobErr := job(ctx)

	if err := s.locks.ReleaseSystemLock(ctx, s.name, s.workerID); err != nil {
		s.logger.Warn("failed to release lock", "lock", s.name, "error", err)
	}
	return true, jobErr
}

// Every calls fn every interval, stretched by up to jitter, until ctx is
// done. A receive on wake runs fn immediately. Errors are logged.
func (s *Singleton) Every(ctx context.Context, interval, jitter time.Duration, wake <-chan struct{}, fn func(context.Context) error) {
	for {
		timer := time.NewTimer(interval + jitterOf(jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}

		ran, err := s.TryRun(ctx, fn)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Error("background job failed", "job", s.name, "error", err)
		case ran:
			s.logger.Debug("background job ran", "job", s.name)
		}
	}
}

func jitterOf(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
