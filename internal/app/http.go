package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"collab/api/internal/collab"
	"collab/api/internal/oplog"
	"collab/api/internal/sessions"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "node": s.service.Router().Node()})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.URL.Path == "/ws" {
		s.handleWS(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "workspaces":
		s.handleWorkspace(w, r, principal, parts[2], parts[3:])
	case "sessions":
		s.handleSession(w, r, principal, parts[2], parts[3:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	if configured, err := s.service.PingRelay(ctx); configured {
		checks["redis"] = map[string]any{"status": "ok"}
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, principal collab.Principal, workspaceID string, parts []string) {
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch {
	case parts[0] == "sessions" && r.Method == http.MethodPost:
		var body StartSessionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.StartSession(r.Context(), principal, workspaceID, body)
		s.respond(w, http.StatusCreated, session, err)
	case parts[0] == "sessions" && r.Method == http.MethodGet:
		items, err := s.service.ListSessions(r.Context(), principal, workspaceID)
		s.respond(w, http.StatusOK, map[string]any{"items": items}, err)
	case parts[0] == "online" && r.Method == http.MethodGet:
		items, err := s.service.ListOnline(r.Context(), principal, workspaceID)
		s.respond(w, http.StatusOK, map[string]any{"items": items}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, principal collab.Principal, sessionID string, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	ctx := r.Context()

	if r.Method == http.MethodGet {
		switch {
		case len(parts) == 1 && parts[0] == "history":
			history, err := s.service.History(ctx, principal, sessionID)
			s.respond(w, http.StatusOK, history, err)
		case len(parts) == 2 && parts[0] == "documents":
			doc, err := s.service.GetDocument(ctx, principal, sessionID, parts[1])
			s.respond(w, http.StatusOK, doc, err)
		case len(parts) == 3 && parts[0] == "documents" && parts[2] == "changes":
			since, err := parseSince(r.URL.Query().Get("since"))
			if err != nil {
				s.respond(w, http.StatusOK, nil, err)
				return
			}
			changes, err := s.service.DocumentChanges(ctx, principal, sessionID, parts[1], since)
			s.respond(w, http.StatusOK, map[string]any{"items": changes}, err)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if r.Method != http.MethodPost || len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "join":
		session, err := s.service.JoinSession(ctx, principal, sessionID)
		s.respond(w, http.StatusOK, session, err)
	case "leave":
		err := s.service.LeaveSession(ctx, principal, sessionID)
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	case "end":
		err := s.service.EndSession(ctx, principal, sessionID)
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	case "messages":
		var body sessions.MessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		msg, err := s.service.SendMessage(ctx, principal, sessionID, body)
		s.respond(w, http.StatusCreated, msg, err)
	case "updates":
		var body sessions.UpdateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		update, err := s.service.SendDataUpdate(ctx, principal, sessionID, body)
		s.respond(w, http.StatusCreated, update, err)
	case "cursor":
		var body CursorInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.SendCursor(ctx, principal, sessionID, body)
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	case "operations":
		var body oplog.Input
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.SessionID = sessionID
		result, err := s.service.SendOperation(ctx, principal, body)
		s.respond(w, http.StatusOK, result, err)
	case "conflicts":
		var body oplog.ResolveInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.SessionID = sessionID
		result, err := s.service.ResolveConflict(ctx, principal, body)
		s.respond(w, http.StatusOK, result, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		errStatus, code, message, details := mapError(err)
		if errStatus >= http.StatusInternalServerError {
			s.logger.Error("request failed", "error", err)
		}
		writeError(w, errStatus, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (collab.Principal, bool) {
	return s.authenticate(w, r, bearerToken(r))
}

func (s *HTTPServer) authenticate(w http.ResponseWriter, r *http.Request, token string) (collab.Principal, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return collab.Principal{}, false
	}
	principal, err := s.service.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, collab.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return collab.Principal{}, false
		}
		s.logger.Error("token validation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return collab.Principal{}, false
	}
	return principal, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack hands the raw connection to the WebSocket handshake.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseSince(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: since must be a version number", collab.ErrInvalidArgument)
	}
	return since, nil
}
