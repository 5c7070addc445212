// Package notify wakes background loops from PostgreSQL LISTEN/NOTIFY.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Handler receives the payload of a notification on channel.
type Handler func(ctx context.Context, channel, payload string)

// Listener holds one dedicated pgx connection subscribed to a set of
// channels and reconnects when it drops.
type Listener struct {
	connString     string
	reconnectDelay time.Duration
	logger         *slog.Logger
	handlers       map[string][]Handler

	conn   *pgx.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	isActive   bool
	lastError  error
	errorCount int
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithReconnectDelay sets the delay before reconnecting after a connection failure.
func WithReconnectDelay(d time.Duration) ListenerOption {
	return func(l *Listener) {
		l.reconnectDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// NewListener creates a listener for the PostgreSQL database at connString.
func NewListener(connString string, opts ...ListenerOption) *Listener {
	l := &Listener{
		connString:     connString,
		reconnectDelay: 10 * time.Second,
		logger:         slog.Default(),
		handlers:       make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// On registers a handler for channel. Register before Start.
func (l *Listener) On(channel string, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[channel] = append(l.handlers[channel], handler)
}

// Wake returns a handler that signals ch without blocking. A wakeup already
// queued absorbs the new one.
func Wake(ch chan<- struct{}) Handler {
	return func(context.Context, string, string) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Start begins listening in the background until ctx is done or Stop is called.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.listenLoop(ctx)
}

// Stop shuts the listener down and waits for it, or for ctx.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive reports whether the LISTEN connection is up.
func (l *Listener) IsActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isActive
}

// LastError returns the last connection error, if any.
func (l *Listener) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastError
}

func (l *Listener) listenLoop(ctx context.Context) {
	defer l.wg.Done()
	defer l.closeConnection()

	for ctx.Err() == nil {
		conn, err := l.connect(ctx)
		if err == nil {
			l.setState(true, nil)
			l.logger.Info("LISTEN/NOTIFY connection established")
			err = l.receive(ctx, conn)
			l.closeConnection()
		}
		if ctx.Err() != nil {
			return
		}
		l.setState(false, err)
		l.logger.Warn("LISTEN/NOTIFY unavailable, retrying", "error", err, "retry_delay", l.reconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *Listener) setState(active bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isActive = active
	l.lastError = err
	if err != nil {
		l.errorCount++
	} else {
		l.errorCount = 0
	}
}

func (l *Listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	channels := make([]string, 0, len(l.handlers))
	for channel := range l.handlers {
		channels = append(channels, channel)
	}
	l.mu.RUnlock()

	for _, channel := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
		}
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return conn, nil
}

func (l *Listener) closeConnection() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(context.Background())
		l.conn = nil
	}
	l.isActive = false
}

func (l *Listener) receive(ctx context.Context, conn *pgx.Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.dispatch(ctx, n.Channel, n.Payload)
	}
}

// dispatch runs handlers inline; they are expected to only signal channels.
func (l *Listener) dispatch(ctx context.Context, channel, payload string) {
	l.mu.RLock()
	handlers := l.handlers[channel]
	l.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("panic in notification handler", "channel", channel, "panic", r)
				}
			}()
			h(ctx, channel, payload)
		}()
	}
}
