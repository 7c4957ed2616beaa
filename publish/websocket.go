package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"nostr-mirror/nostr"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer connects to relays over WebSocket.
type WSDialer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSDialer creates a WebSocket relay dialer.
func NewWSDialer(logger *slog.Logger) *WSDialer {
	return &WSDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Dial opens a connection to relayURL.
func (d *WSDialer) Dial(ctx context.Context, relayURL string) (Conn, error) {
	ws, _, err := d.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", relayURL, err)
	}
	return &wsConn{ws: ws, relay: relayURL, logger: d.logger}, nil
}

type wsConn struct {
	ws        *websocket.Conn
	logger    *slog.Logger
	closeErr  error
	relay     string
	closeOnce sync.Once
}

// Publish sends ["EVENT", ev] and waits for the matching ["OK", id, accepted, message].
func (c *wsConn) Publish(ctx context.Context, ev *nostr.Event) error {
	// Closing the socket unblocks a pending read when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	msg, err := json.Marshal([]any{"EVENT", ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("send event: %w", err)
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read relay response: %w", err)
		}

		accepted, message, ok := parseOK(data, ev.ID)
		if !ok {
			c.logger.Debug("Ignoring relay message", "relay", c.relay, "message", truncate(string(data), 200))
			continue
		}
		if !accepted {
			return &RejectedError{Relay: c.relay, Message: message}
		}
		return nil
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// parseOK reports whether data is an OK frame for eventID and, if so, its outcome.
func parseOK(data []byte, eventID string) (accepted bool, message string, ok bool) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 3 {
		return false, "", false
	}
	var label, id string
	if json.Unmarshal(frame[0], &label) != nil || label != "OK" {
		return false, "", false
	}
	if json.Unmarshal(frame[1], &id) != nil || id != eventID {
		return false, "", false
	}
	if json.Unmarshal(frame[2], &accepted) != nil {
		return false, "", false
	}
	if len(frame) > 3 {
		_ = json.Unmarshal(frame[3], &message)
	}
	return accepted, message, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
