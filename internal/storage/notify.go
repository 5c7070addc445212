package storage

import "context"

// Notification channels.
const (
	ChannelDeadline = "leanflow_deadline"
	ChannelOutbox   = "leanflow_outbox"
)

// Notify issues pg_notify on PostgreSQL and is a no-op elsewhere.
func (s *SQLStorage) Notify(ctx context.Context, channel, payload string) error {
	if s.driver.DBType() != "postgresql" {
		return nil
	}
	_, err := s.exec(ctx, `SELECT pg_notify(?, ?)`, channel, payload)
	return err
}
