// Package outbox stores outgoing events in the workflow database and relays
// them as CloudEvents over HTTP.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/i2y/leanflow/internal/engine"
	"github.com/i2y/leanflow/internal/storage"
)

// EventTypePrefix prefixes the type of every notification event.
const EventTypePrefix = "io.leanflow."

// DefaultSource is the CloudEvents source used when none is configured.
const DefaultSource = "leanflow"

// Store is the persistence the outbox writes to.
type Store interface {
	AddOutboxEvent(ctx context.Context, event *storage.OutboxEvent) error
	Notify(ctx context.Context, channel, payload string) error
}

// SendEventOptions configures event sending.
type SendEventOptions struct {
	// EventID is the CloudEvents ID. If empty, a UUID will be generated.
	EventID string
	// ContentType is the MIME type of the data. Defaults to "application/json".
	ContentType string
}

// SendEventOption is a functional option for SendEvent.
type SendEventOption func(*SendEventOptions)

// WithEventID sets a custom event ID.
func WithEventID(id string) SendEventOption {
	return func(o *SendEventOptions) {
		o.EventID = id
	}
}

// WithContentType sets the content type.
func WithContentType(contentType string) SendEventOption {
	return func(o *SendEventOptions) {
		o.ContentType = contentType
	}
}

// SendEvent adds an event to the outbox. Called with the context a service
// activity receives, the row joins the instance's transaction and is only
// relayed if that transaction commits.
func SendEvent[T any](ctx context.Context, store Store, eventType, source string, data T, opts ...SendEventOption) error {
	if store == nil {
		return fmt.Errorf("outbox store is required")
	}
	options := &SendEventOptions{ContentType: "application/json"}
	for _, opt := range opts {
		opt(options)
	}
	eventID := options.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	if source == "" {
		source = DefaultSource
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize event data: %w", err)
	}
	event := &storage.OutboxEvent{
		EventID:     eventID,
		EventType:   eventType,
		EventSource: source,
		EventData:   dataBytes,
		ContentType: options.ContentType,
		Status:      storage.OutboxPending,
	}
	if err := store.AddOutboxEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to add event to outbox: %w", err)
	}
	// Wakes a relayer listening on PostgreSQL; a no-op on other dialects.
	_ = store.Notify(ctx, storage.ChannelOutbox, eventID)
	return nil
}

// Notifier implements engine.Notifier by writing every notification to the
// outbox. The engine calls it after commit, so a failed write loses only the
// notification.
type Notifier struct {
	store  Store
	source string
}

// NewNotifier creates a Notifier emitting events with the given source.
func NewNotifier(store Store, source string) *Notifier {
	if source == "" {
		source = DefaultSource
	}
	return &Notifier{store: store, source: source}
}

// Payload is the data of a notification event.
type Payload struct {
	InstanceID string         `json:"instanceId"`
	TaskID     string         `json:"taskId,omitempty"`
	Recipient  string         `json:"recipient,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notify implements engine.Notifier.
func (n *Notifier) Notify(ctx context.Context, note engine.Notification) error {
	return SendEvent(ctx, n.store, EventTypePrefix+note.Type, n.source, Payload{
		InstanceID: note.InstanceID,
		TaskID:     note.TaskID,
		Recipient:  note.Recipient,
		Data:       note.Data,
	})
}

var _ engine.Notifier = (*Notifier)(nil)
