package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// Frame is the envelope exchanged with the broker in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Transport is one framed, bidirectional connection to the broker. Receive
// is called from a single goroutine; Send may be called concurrently.
type Transport interface {
	Send(ctx context.Context, frame Frame) error
	Receive() (Frame, error)
	Close() error
}

// DialFunc opens a new Transport. It is called once per connect attempt.
type DialFunc func(ctx context.Context) (Transport, error)

type WebSocketConfig struct {
	// URL of the broker, e.g. ws://localhost:8787/ws.
	URL         string
	Origin      string
	Token       string
	WorkspaceID string
}

// DialWebSocket returns a DialFunc connecting to the broker's event plane.
func DialWebSocket(cfg WebSocketConfig) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		endpoint, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse broker url: %w", err)
		}
		query := endpoint.Query()
		query.Set("workspace_id", cfg.WorkspaceID)
		endpoint.RawQuery = query.Encode()

		origin := cfg.Origin
		if origin == "" {
			origin = "http://" + endpoint.Host
		}
		wsCfg, err := websocket.NewConfig(endpoint.String(), origin)
		if err != nil {
			return nil, fmt.Errorf("websocket config: %w", err)
		}
		if token := strings.TrimSpace(cfg.Token); token != "" {
			wsCfg.Header = make(http.Header)
			wsCfg.Header.Set("Authorization", "Bearer "+token)
		}
		conn, err := wsCfg.DialContext(ctx)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}
}

type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, frame Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return websocket.JSON.Send(t.conn, frame)
}

func (t *wsTransport) Receive() (Frame, error) {
	var frame Frame
	err := websocket.JSON.Receive(t.conn, &frame)
	return frame, err
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
