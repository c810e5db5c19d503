package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"collab/api/internal/broadcast"
	"collab/api/internal/collab"
	"collab/api/internal/oplog"
	"collab/api/internal/presence"
	"collab/api/internal/sessions"
)

const (
	maxFramePayloadBytes   = 64 * 1024
	maxFramesPerSecond     = 100
	maxDecodeErrorsPerConn = 3
	wsWriteTimeout         = 10 * time.Second
)

// Frame types written to clients.
const (
	frameConnected = "connected"
	frameAck       = "ack"
	frameError     = "error"
	frameEvent     = "event"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsAck struct {
	Result any `json:"result"`
}

type wsConnected struct {
	ConnectionID string           `json:"connection_id"`
	WorkspaceID  string           `json:"workspace_id"`
	Principal    collab.Principal `json:"principal"`
	Node         string           `json:"node"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

type workspaceRef struct {
	WorkspaceID string `json:"workspace_id"`
}

type channelRef struct {
	Channel string `json:"channel"`
}

type wsPeer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, encoder: json.NewEncoder(conn)}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.encoder.Encode(frame)
}

// wsConn is the server side of one event-plane connection.
type wsConn struct {
	server    *HTTPServer
	peer      *wsPeer
	principal collab.Principal
	handle    *presence.Handle
	box       *broadcast.Mailbox
}

// handleWS authenticates the upgrade request, then hands the connection to
// the broker. The token comes from the Authorization header or the
// access_token query parameter.
func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	principal, ok := s.authenticate(w, r, token)
	if !ok {
		return
	}
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, collab.CodeInvalidArgument, "workspace_id is required", nil)
		return
	}
	if err := s.service.requireWorkspace(r.Context(), principal, workspaceID); err != nil {
		s.respond(w, 0, nil, err)
		return
	}

	server := websocket.Server{
		Handshake: s.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			s.serveWS(conn, principal, workspaceID)
		},
	}
	server.ServeHTTP(w, r)
}

// checkOrigin accepts any origin when CORS is open and otherwise requires an
// exact match.
func (s *HTTPServer) checkOrigin(config *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin != "" {
		parsed, err := url.ParseRequestURI(origin)
		if err != nil {
			return fmt.Errorf("invalid origin %q: %w", origin, err)
		}
		config.Origin = parsed
	}
	if s.corsOrigin == "*" || s.corsOrigin == "" {
		return nil
	}
	if origin != s.corsOrigin {
		return fmt.Errorf("origin %q not allowed", origin)
	}
	return nil
}

func (s *HTTPServer) serveWS(conn *websocket.Conn, principal collab.Principal, workspaceID string) {
	defer func() {
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	peer := newWSPeer(conn)
	handle, box, err := s.service.Connect(ctx, principal, workspaceID)
	if err != nil {
		_, code, message, _ := mapError(err)
		_ = writeWSError(peer, "", code, message)
		return
	}
	c := &wsConn{server: s, peer: peer, principal: principal, handle: handle, box: box}
	defer s.service.Disconnect(context.WithoutCancel(ctx), handle, box)

	s.logger.Info("connection opened",
		"connection_id", handle.ID,
		"workspace_id", handle.WorkspaceID,
		"principal_id", principal.ID,
	)
	defer s.logger.Info("connection closed", "connection_id", handle.ID, "principal_id", principal.ID)

	_ = peer.writeFrame(wsFrame{
		Type: frameConnected,
		Payload: mustJSON(wsConnected{
			ConnectionID: handle.ID,
			WorkspaceID:  handle.WorkspaceID,
			Principal:    principal,
			Node:         s.service.Router().Node(),
		}),
	})

	go c.pump(ctx, cancel)
	c.readLoop(ctx)
}

// pump is the only writer of event frames for the connection. A failed write
// closes the connection so the read loop returns.
func (c *wsConn) pump(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.box.Done():
			return
		case event := <-c.box.Events():
			err := c.peer.writeFrame(wsFrame{Type: frameEvent, Payload: mustJSON(event)})
			if err != nil {
				c.server.logger.Debug("event write failed", "connection_id", c.handle.ID, "error", err)
				cancel()
				_ = c.peer.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	decoder := json.NewDecoder(c.peer.conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		if ctx.Err() != nil {
			return
		}
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil || !isDecodeError(err) {
				return
			}
			decodeErrors++
			_ = writeWSError(c.peer, "", collab.CodeInvalidArgument, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(c.peer, frame.RequestID, collab.CodeInvalidArgument, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(c.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		result, err := c.dispatch(ctx, frame)
		if err != nil {
			_, code, message, _ := mapError(err)
			if code == collab.CodeServerError {
				c.server.logger.Error("request failed", "type", frame.Type, "connection_id", c.handle.ID, "error", err)
			}
			_ = writeWSError(c.peer, frame.RequestID, code, message)
			continue
		}
		_ = c.peer.writeFrame(wsFrame{
			Type:      frameAck,
			RequestID: frame.RequestID,
			Payload:   mustJSON(wsAck{Result: result}),
		})
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (c *wsConn) dispatch(ctx context.Context, frame wsFrame) (any, error) {
	svc := c.server.service
	switch frame.Type {
	case "session.start":
		var payload struct {
			workspaceRef
			StartSessionInput
		}
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		session, err := svc.StartSession(ctx, c.principal, c.workspace(payload.WorkspaceID), payload.StartSessionInput)
		if err != nil {
			return nil, err
		}
		c.follow(ctx, session)
		return session, nil
	case "session.join":
		var payload sessionRef
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		session, err := svc.JoinSession(ctx, c.principal, payload.SessionID)
		if err != nil {
			return nil, err
		}
		c.follow(ctx, session)
		return session, nil
	case "session.leave":
		var payload sessionRef
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return okResult(svc.LeaveSession(ctx, c.principal, payload.SessionID))
	case "session.end":
		var payload sessionRef
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return okResult(svc.EndSession(ctx, c.principal, payload.SessionID))
	case "message.send":
		var payload struct {
			sessionRef
			sessions.MessageInput
		}
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return svc.SendMessage(ctx, c.principal, payload.SessionID, payload.MessageInput)
	case "data.send":
		var payload struct {
			sessionRef
			sessions.UpdateInput
		}
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return svc.SendDataUpdate(ctx, c.principal, payload.SessionID, payload.UpdateInput)
	case "cursor.send":
		var payload struct {
			sessionRef
			CursorInput
		}
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return okResult(svc.SendCursor(ctx, c.principal, payload.SessionID, payload.CursorInput))
	case "operation.send":
		var payload oplog.Input
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return svc.SendOperation(ctx, c.principal, payload)
	case "conflict.resolve":
		var payload oplog.ResolveInput
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return svc.ResolveConflict(ctx, c.principal, payload)
	case "document.get":
		var payload struct {
			sessionRef
			DocumentID string `json:"document_id"`
		}
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return svc.GetDocument(ctx, c.principal, payload.SessionID, payload.DocumentID)
	case "document.changes":
		var payload struct {
			sessionRef
			DocumentID string `json:"document_id"`
			Since      int64  `json:"since"`
		}
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return svc.DocumentChanges(ctx, c.principal, payload.SessionID, payload.DocumentID, payload.Since)
	case "sessions.list":
		var payload workspaceRef
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return svc.ListSessions(ctx, c.principal, c.workspace(payload.WorkspaceID))
	case "session.history":
		var payload sessionRef
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return svc.History(ctx, c.principal, payload.SessionID)
	case "presence.list":
		var payload workspaceRef
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return svc.ListOnline(ctx, c.principal, c.workspace(payload.WorkspaceID))
	case "channel.subscribe":
		var payload channelRef
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		return okResult(svc.Subscribe(ctx, c.box, strings.TrimSpace(payload.Channel)))
	case "channel.unsubscribe":
		var payload channelRef
		if err := decodePayload(frame, &payload); err != nil {
			return nil, err
		}
		svc.Unsubscribe(c.box, strings.TrimSpace(payload.Channel))
		return map[string]any{"ok": true}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported frame type %q", collab.ErrInvalidArgument, frame.Type)
	}
}

// follow subscribes the connection to a session it just started or joined.
func (c *wsConn) follow(ctx context.Context, session sessions.Session) {
	if err := c.server.service.Subscribe(ctx, c.box, session.Channel()); err != nil {
		c.server.logger.Warn("session subscribe failed",
			"connection_id", c.handle.ID,
			"session_id", session.ID,
			"error", err,
		)
	}
}

func (c *wsConn) workspace(requested string) string {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested
	}
	return c.handle.WorkspaceID
}

func decodePayload(frame wsFrame, target any) error {
	if len(frame.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		return fmt.Errorf("%w: invalid %s payload", collab.ErrInvalidArgument, frame.Type)
	}
	return nil
}

func okResult(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func writeWSError(peer *wsPeer, requestID, code, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload:   mustJSON(wsError{Code: code, Message: message}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
