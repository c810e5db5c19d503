package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"collab/api/internal/broadcast"
	"collab/api/internal/collab"
)

type fakeRelay struct {
	pingFn    func(context.Context) error
	forwarded []broadcast.Envelope
}

func (f *fakeRelay) Forward(_ context.Context, envelope broadcast.Envelope) error {
	f.forwarded = append(f.forwarded, envelope)
	return nil
}

func (f *fakeRelay) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(nil), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["ok"] != true || payload["node"] != "node-test" {
		t.Fatalf("unexpected health payload %v", payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		dbErr      error
		relay      *fakeRelay
		wantStatus int
		wantChecks []string
	}{
		{name: "database only", wantStatus: http.StatusOK, wantChecks: []string{"database"}},
		{name: "database down", dbErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantChecks: []string{"database"}},
		{name: "with redis", relay: &fakeRelay{}, wantStatus: http.StatusOK, wantChecks: []string{"database", "redis"}},
		{
			name: "redis down",
			relay: &fakeRelay{pingFn: func(context.Context) error {
				return errors.New("dial tcp: refused")
			}},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: []string{"database", "redis"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(&fakeDirectory{
				pingFn: func(context.Context) error { return tt.dbErr },
			})
			if tt.relay != nil {
				svc.SetRelay(tt.relay)
			}
			server := NewHTTPServer(svc, "*")

			rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/ready", "", nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			checks, _ := payload["checks"].(map[string]any)
			if len(checks) != len(tt.wantChecks) {
				t.Fatalf("checks = %v, want %v", checks, tt.wantChecks)
			}
			for _, name := range tt.wantChecks {
				if _, ok := checks[name]; !ok {
					t.Fatalf("missing check %q in %v", name, checks)
				}
			}
		})
	}
}

func TestRoutesRequireBearerToken(t *testing.T) {
	server := NewHTTPServer(newTestService(nil), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/workspaces/ws-1/sessions", "", nil)
	if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("missing token: status=%d payload=%v", rr.Code, payload)
	}

	rr, _ = doJSON(t, server.Handler(), http.MethodGet, "/api/workspaces/ws-1/sessions", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status=%d", rr.Code)
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	svc := newTestService(&fakeDirectory{
		revokedFn: func(context.Context, string) (bool, error) { return true, nil },
	})
	server := NewHTTPServer(svc, "*")
	token := issueTestToken(t, "user-a", "Avery")

	rr, _ := doJSON(t, server.Handler(), http.MethodGet, "/api/workspaces/ws-1/online", token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestSessionControlPlane(t *testing.T) {
	svc := newTestService(nil)
	server := NewHTTPServer(svc, "*")
	handler := server.Handler()
	a := connect(t, svc, "user-a", "ws-1")
	b := connect(t, svc, "user-b", "ws-1")
	tokenA := issueTestToken(t, "user-a", "User user-a")
	tokenB := issueTestToken(t, "user-b", "User user-b")

	rr, created := doJSON(t, handler, http.MethodPost, "/api/workspaces/ws-1/sessions", tokenA, map[string]any{
		"kind":         "collaboration",
		"channel_name": "planning",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("start status = %d body=%s", rr.Code, rr.Body.String())
	}
	sessionID, _ := created["id"].(string)
	if sessionID == "" || created["status"] != "active" {
		t.Fatalf("unexpected session %v", created)
	}
	waitEvent(t, b.box, collab.EventSessionStarted)

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/workspaces/ws-1/sessions", tokenB, map[string]any{
		"kind":         "chat",
		"channel_name": "planning",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate channel status = %d", rr.Code)
	}

	rr, listed := doJSON(t, handler, http.MethodGet, "/api/workspaces/ws-1/sessions", tokenB, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	if items, _ := listed["items"].([]any); len(items) != 1 {
		t.Fatalf("list items = %v", listed["items"])
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/sessions/"+sessionID+"/join", tokenB, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("join status = %d body=%s", rr.Code, rr.Body.String())
	}
	if err := svc.Subscribe(context.Background(), a.box, collab.SessionChannel(sessionID)); err != nil {
		t.Fatalf("subscribe owner: %v", err)
	}

	rr, msg := doJSON(t, handler, http.MethodPost, "/api/sessions/"+sessionID+"/messages", tokenB, map[string]any{
		"message": "hello there",
	})
	if rr.Code != http.StatusCreated || msg["message_type"] != "text" {
		t.Fatalf("message status = %d payload=%v", rr.Code, msg)
	}
	waitEvent(t, a.box, collab.EventMessageNew)

	rr, history := doJSON(t, handler, http.MethodGet, "/api/sessions/"+sessionID+"/history", tokenA, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history status = %d", rr.Code)
	}
	if messages, _ := history["messages"].([]any); len(messages) != 1 {
		t.Fatalf("history messages = %v", history["messages"])
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/sessions/"+sessionID+"/end", tokenB, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("end by editor status = %d, want 403", rr.Code)
	}
	rr, _ = doJSON(t, handler, http.MethodPost, "/api/sessions/"+sessionID+"/end", tokenA, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("end by owner status = %d", rr.Code)
	}
	rr, ended := doJSON(t, handler, http.MethodPost, "/api/sessions/"+sessionID+"/join", tokenB, nil)
	if rr.Code != http.StatusGone || ended["code"] != collab.CodeSessionEnded {
		t.Fatalf("join ended status = %d payload=%v", rr.Code, ended)
	}
}

func TestStartSessionRequiresLiveConnection(t *testing.T) {
	server := NewHTTPServer(newTestService(nil), "*")
	token := issueTestToken(t, "user-a", "Avery")

	rr, payload := doJSON(t, server.Handler(), http.MethodPost, "/api/workspaces/ws-1/sessions", token, map[string]any{
		"kind":         "chat",
		"channel_name": "lobby",
	})
	if rr.Code != http.StatusForbidden || payload["code"] != collab.CodeUnauthorized {
		t.Fatalf("status = %d payload=%v", rr.Code, payload)
	}
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	svc := newTestService(nil)
	server := NewHTTPServer(svc, "*")
	connect(t, svc, "user-a", "ws-1")
	token := issueTestToken(t, "user-a", "Avery")

	rr, payload := doJSON(t, server.Handler(), http.MethodPost, "/api/sessions/ses_missing/join", token, nil)
	if rr.Code != http.StatusNotFound || payload["code"] != collab.CodeSessionNotFound {
		t.Fatalf("status = %d payload=%v", rr.Code, payload)
	}
}

func TestOperationsOverHTTP(t *testing.T) {
	svc := newTestService(nil)
	server := NewHTTPServer(svc, "*")
	handler := server.Handler()
	a := connect(t, svc, "user-a", "ws-1")
	session := startSession(t, svc, a, "editor")
	token := issueTestToken(t, "user-a", "User user-a")
	path := "/api/sessions/" + session.ID + "/operations"

	rr, accepted := doJSON(t, handler, http.MethodPost, path, token, map[string]any{
		"document_id":  "doc-1",
		"kind":         "content_change",
		"base_version": 0,
		"content":      "first",
	})
	if rr.Code != http.StatusOK || accepted["status"] != "accepted" {
		t.Fatalf("accepted status = %d payload=%v", rr.Code, accepted)
	}

	rr, conflict := doJSON(t, handler, http.MethodPost, path, token, map[string]any{
		"document_id":  "doc-1",
		"kind":         "content_change",
		"base_version": 0,
		"content":      "second",
	})
	if rr.Code != http.StatusOK || conflict["status"] != "conflict" || conflict["conflict"] == nil {
		t.Fatalf("conflict status = %d payload=%v", rr.Code, conflict)
	}

	rr, future := doJSON(t, handler, http.MethodPost, path, token, map[string]any{
		"document_id":  "doc-1",
		"kind":         "content_change",
		"base_version": 9,
		"content":      "third",
	})
	if rr.Code != http.StatusConflict || future["code"] != collab.CodeFutureVersion {
		t.Fatalf("future status = %d payload=%v", rr.Code, future)
	}

	rr, resolved := doJSON(t, handler, http.MethodPost, "/api/sessions/"+session.ID+"/conflicts", token, map[string]any{
		"document_id":  "doc-1",
		"action":       "manual_merge",
		"base_version": 1,
		"local":        "second",
		"remote":       "first",
	})
	if rr.Code != http.StatusOK || resolved["status"] != "accepted" {
		t.Fatalf("resolve status = %d payload=%v", rr.Code, resolved)
	}

	rr, doc := doJSON(t, handler, http.MethodGet, "/api/sessions/"+session.ID+"/documents/doc-1", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("document status = %d", rr.Code)
	}
	if doc["content"] != "second\n\n=======\n\nfirst" || doc["version"] != float64(2) {
		t.Fatalf("document = %v", doc)
	}

	changesPath := "/api/sessions/" + session.ID + "/documents/doc-1/changes"
	rr, changes := doJSON(t, handler, http.MethodGet, changesPath+"?since=1", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("changes status = %d body=%s", rr.Code, rr.Body.String())
	}
	items, _ := changes["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("changes since 1 = %v", changes["items"])
	}
	if change, _ := items[0].(map[string]any); change["version"] != float64(2) || change["user_id"] != "user-a" {
		t.Fatalf("change = %v", items[0])
	}
	rr, all := doJSON(t, handler, http.MethodGet, changesPath, token, nil)
	if got, _ := all["items"].([]any); rr.Code != http.StatusOK || len(got) != 2 {
		t.Fatalf("all changes status = %d items=%v", rr.Code, all["items"])
	}
	rr, _ = doJSON(t, handler, http.MethodGet, changesPath+"?since=latest", token, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", rr.Code)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	server := NewHTTPServer(newTestService(nil), "*")
	rr, _ := doJSON(t, server.Handler(), http.MethodGet, "/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}
