package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/i2y/leanflow/internal/storage"
)

// EventSender delivers an event to an external system.
// The default implementation uses the CloudEvents HTTP client.
type EventSender func(ctx context.Context, event *storage.OutboxEvent) error

// Relayer handles background delivery of outbox events.
type Relayer struct {
	storage      storage.OutboxManager
	sender       EventSender
	targetURL    string
	pollInterval time.Duration
	maxBackoff   time.Duration
	batchSize    int
	maxRetries   int
	wakeEvent    <-chan struct{}
	logger       *slog.Logger

	clientOnce sync.Once
	client     cloudevents.Client
	clientErr  error

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// RelayerConfig configures the outbox relayer.
type RelayerConfig struct {
	// TargetURL is the CloudEvents endpoint to send events to.
	TargetURL string
	// PollInterval is how often to check for pending events.
	// Default: 1 second.
	PollInterval time.Duration
	// MaxBackoff caps the poll interval after consecutive empty polls.
	// Default: 30 seconds.
	MaxBackoff time.Duration
	// BatchSize is the maximum number of events to process per poll.
	// Default: 100.
	BatchSize int
	// MaxRetries is the maximum number of delivery attempts.
	// Default: 5.
	MaxRetries int
	// WakeEvent triggers an immediate poll, typically fed by LISTEN/NOTIFY.
	WakeEvent <-chan struct{}
	// CustomSender is an optional custom event sender.
	// If nil, the default CloudEvents HTTP sender is used.
	CustomSender EventSender
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewRelayer creates a new outbox relayer.
func NewRelayer(s storage.OutboxManager, config RelayerConfig) *Relayer {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	r := &Relayer{
		storage:      s,
		targetURL:    config.TargetURL,
		pollInterval: config.PollInterval,
		maxBackoff:   config.MaxBackoff,
		batchSize:    config.BatchSize,
		maxRetries:   config.MaxRetries,
		wakeEvent:    config.WakeEvent,
		logger:       config.Logger.With("component", "outbox"),
		stopCh:       make(chan struct{}),
	}
	if config.CustomSender != nil {
		r.sender = config.CustomSender
	} else {
		r.sender = r.defaultSender
	}
	return r
}

// Start starts the background relayer.
func (r *Relayer) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop stops the background relayer gracefully.
func (r *Relayer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

// run polls with a backoff that grows while the outbox stays empty. A wake
// event resets it.
func (r *Relayer) run(ctx context.Context) {
	defer r.wg.Done()

	consecutiveEmpty := 0
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-r.wakeEvent:
			consecutiveEmpty = 0
		case <-timer.C:
		}

		sent, err := r.RelayOnce(ctx)
		if err != nil {
			r.logger.Warn("outbox poll failed", "error", err)
		}
		if sent == 0 {
			consecutiveEmpty++
		} else {
			consecutiveEmpty = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.calculateBackoff(consecutiveEmpty))
	}
}

// calculateBackoff doubles the poll interval per empty poll, up to 2^5
// times, and caps it at maxBackoff.
func (r *Relayer) calculateBackoff(consecutiveEmpty int) time.Duration {
	exp := min(consecutiveEmpty, 5)
	backoff := r.pollInterval * time.Duration(1<<exp)
	if backoff > r.maxBackoff {
		backoff = r.maxBackoff
	}
	return backoff
}

// RelayOnce processes one batch of pending events and returns how many were
// delivered.
func (r *Relayer) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.storage.GetPendingOutboxEvents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending events: %w", err)
	}

	sent := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if event.Attempts >= r.maxRetries {
			if err := r.storage.MarkOutboxEventFailed(ctx, event.EventID, event.LastError); err != nil {
				r.logger.Error("failed to mark event failed", "event_id", event.EventID, "error", err)
			}
			r.logger.Warn("outbox event abandoned", "event_id", event.EventID, "attempts", event.Attempts)
			continue
		}

		if err := r.sender(ctx, event); err != nil {
			if incErr := r.storage.IncrementOutboxAttempts(ctx, event.EventID, err.Error()); incErr != nil {
				r.logger.Error("failed to record attempt", "event_id", event.EventID, "error", incErr)
			}
			r.logger.Debug("outbox delivery failed", "event_id", event.EventID, "error", err)
			continue
		}
		if err := r.storage.MarkOutboxEventSent(ctx, event.EventID); err != nil {
			r.logger.Error("failed to mark event sent", "event_id", event.EventID, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		r.logger.Debug("outbox events relayed", "count", sent)
	}
	return sent, nil
}

func (r *Relayer) ceClient() (cloudevents.Client, error) {
	r.clientOnce.Do(func() {
		r.client, r.clientErr = cloudevents.NewClientHTTP(cloudevents.WithTarget(r.targetURL))
	})
	return r.client, r.clientErr
}

// defaultSender sends events using the CloudEvents HTTP client.
func (r *Relayer) defaultSender(ctx context.Context, event *storage.OutboxEvent) error {
	if r.targetURL == "" {
		return fmt.Errorf("target URL not configured")
	}

	ce := cloudevents.NewEvent()
	ce.SetID(event.EventID)
	ce.SetType(event.EventType)
	ce.SetSource(event.EventSource)
	ce.SetTime(event.CreatedAt)

	var data any
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		return fmt.Errorf("failed to parse event data: %w", err)
	}
	if err := ce.SetData(event.ContentType, data); err != nil {
		return fmt.Errorf("failed to set event data: %w", err)
	}

	client, err := r.ceClient()
	if err != nil {
		return fmt.Errorf("failed to create CloudEvents client: %w", err)
	}
	result := client.Send(ctx, ce)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("failed to send event: %w", result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("event not acknowledged: %w", result)
	}
	return nil
}

// CleanupOldEvents removes sent events older than olderThan.
func (r *Relayer) CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	return r.storage.CleanupOldOutboxEvents(ctx, storage.Now().Add(-olderThan))
}
