package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i2y/leanflow/internal/storage"
)

// ErrHistoryQueueFull is reported for entries dropped on queue overflow.
var ErrHistoryQueueFull = errors.New("history queue full")

// HistoryLogger writes audit entries from a bounded queue on a background
// goroutine. Failed or dropped entries are logged and reported; they never
// fail the operation that produced them.
type HistoryLogger struct {
	store   storage.HistoryManager
	queue   chan *storage.HistoryEntry
	logger  *slog.Logger
	dropped func(entry *storage.HistoryEntry, err error)

	pending atomic.Int64
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewHistoryLogger creates a logger with a queue of size entries. dropped may be nil.
func NewHistoryLogger(store storage.HistoryManager, size int, logger *slog.Logger, dropped func(*storage.HistoryEntry, error)) *HistoryLogger {
	if dropped == nil {
		dropped = func(*storage.HistoryEntry, error) {}
	}
	return &HistoryLogger{
		store:   store,
		queue:   make(chan *storage.HistoryEntry, size),
		logger:  logger,
		dropped: dropped,
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (h *HistoryLogger) Start() {
	go h.loop()
}

func (h *HistoryLogger) loop() {
	defer close(h.done)
	for entry := range h.queue {
		h.write(entry)
		h.pending.Add(-1)
	}
}

func (h *HistoryLogger) write(entry *storage.HistoryEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.store.AppendHistory(ctx, entry); err != nil {
		h.logger.Error("failed to write history",
			"instance_id", entry.InstanceID, "operation", entry.OperationType, "error", err)
		h.dropped(entry, err)
	}
}

// Enqueue queues entry, dropping it when the queue is full or closed.
func (h *HistoryLogger) Enqueue(entry *storage.HistoryEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped(entry, errors.New("history logger closed"))
		return
	}
	h.pending.Add(1)
	select {
	case h.queue <- entry:
	default:
		h.pending.Add(-1)
		h.logger.Warn("history queue full, entry dropped",
			"instance_id", entry.InstanceID, "operation", entry.OperationType)
		h.dropped(entry, ErrHistoryQueueFull)
	}
}

// Flush waits until every queued entry has been written.
func (h *HistoryLogger) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for h.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting entries and waits for the queue to drain.
func (h *HistoryLogger) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
