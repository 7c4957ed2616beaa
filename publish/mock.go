package publish

import (
	"context"
	"log/slog"
	"nostr-mirror/nostr"
)

// MockDialer acknowledges every event locally. Used for dry runs.
type MockDialer struct {
	logger *slog.Logger
}

// NewMockDialer creates a new mock relay dialer.
func NewMockDialer(logger *slog.Logger) *MockDialer {
	return &MockDialer{
		logger: logger,
	}
}

// Dial returns a connection that never touches the network.
func (m *MockDialer) Dial(_ context.Context, relayURL string) (Conn, error) {
	return &mockConn{relay: relayURL, logger: m.logger}, nil
}

type mockConn struct {
	logger *slog.Logger
	relay  string
}

// Publish logs the event instead of sending it.
func (c *mockConn) Publish(_ context.Context, ev *nostr.Event) error {
	c.logger.Info("MOCK PUBLISH",
		"relay", c.relay,
		"event_id", ev.ID,
		"tag_count", len(ev.Tags),
		"content_length", len(ev.Content))
	return nil
}

func (c *mockConn) Close() error {
	return nil
}
