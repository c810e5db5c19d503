package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"collab/api/internal/auth"
	"collab/api/internal/broadcast"
	"collab/api/internal/collab"
	"collab/api/internal/config"
	"collab/api/internal/oplog"
	"collab/api/internal/presence"
	"collab/api/internal/sessions"
	"collab/api/internal/store"
)

const testSecret = "test-secret"

type fakeDirectory struct {
	memberRoleFn func(context.Context, string, string) (string, error)
	revokedFn    func(context.Context, string) (bool, error)
	pingFn       func(context.Context) error
}

func (f *fakeDirectory) MemberRole(ctx context.Context, workspaceID, userID string) (string, error) {
	if f.memberRoleFn != nil {
		return f.memberRoleFn(ctx, workspaceID, userID)
	}
	return "editor", nil
}

func (f *fakeDirectory) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.revokedFn != nil {
		return f.revokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeDirectory) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:         testSecret,
		CORSOrigin:        "*",
		NodeID:            "node-test",
		DeliveryTimeout:   time.Second,
		MailboxSize:       32,
		FanoutConcurrency: 4,
		SessionLogLimit:   100,
		DocumentLogLimit:  100,
	}
}

func newTestService(dir *fakeDirectory) *Service {
	if dir == nil {
		dir = &fakeDirectory{}
	}
	return New(testConfig(), dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func issueTestToken(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  userID,
		Name: name,
		JTI:  "jti-" + userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

type testConn struct {
	principal collab.Principal
	handle    *presence.Handle
	box       *broadcast.Mailbox
}

func connect(t *testing.T, svc *Service, id, workspaceID string) testConn {
	t.Helper()
	principal := collab.Principal{ID: id, DisplayName: "User " + id}
	handle, box, err := svc.Connect(context.Background(), principal, workspaceID)
	if err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	t.Cleanup(func() { svc.Disconnect(context.Background(), handle, box) })
	return testConn{principal: principal, handle: handle, box: box}
}

// waitEvent drains box until an event named name arrives.
func waitEvent(t *testing.T, box *broadcast.Mailbox, name string) broadcast.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-box.Events():
			if event.Name == name {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
			return broadcast.Event{}
		}
	}
}

// assertNoEvent fails when an event named name shows up within a short
// window.
func assertNoEvent(t *testing.T, box *broadcast.Mailbox, name string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case event := <-box.Events():
			if event.Name == name {
				t.Fatalf("unexpected %s event: %s", name, event.Data)
			}
		case <-deadline:
			return
		}
	}
}

func startSession(t *testing.T, svc *Service, owner testConn, channelName string) sessions.Session {
	t.Helper()
	session, err := svc.StartSession(context.Background(), owner.principal, owner.handle.WorkspaceID, StartSessionInput{
		Kind:        string(collab.KindLiveEditing),
		ChannelName: channelName,
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := svc.Subscribe(context.Background(), owner.box, session.Channel()); err != nil {
		t.Fatalf("owner subscribe: %v", err)
	}
	return session
}

func joinSession(t *testing.T, svc *Service, conn testConn, sessionID string) sessions.Session {
	t.Helper()
	session, err := svc.JoinSession(context.Background(), conn.principal, sessionID)
	if err != nil {
		t.Fatalf("join session: %v", err)
	}
	if err := svc.Subscribe(context.Background(), conn.box, session.Channel()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return session
}

func TestConnectJoinsWorkspaceChannel(t *testing.T) {
	svc := newTestService(nil)
	a := connect(t, svc, "user-a", "ws-1")

	if !svc.Router().IsSubscribed(a.box.ID(), collab.WorkspaceChannel("ws-1")) {
		t.Fatal("expected connection on the workspace channel")
	}
	online, err := svc.ListOnline(context.Background(), a.principal, "ws-1")
	if err != nil {
		t.Fatalf("ListOnline() error = %v", err)
	}
	if len(online) != 1 || online[0].ID != "user-a" {
		t.Fatalf("online = %+v", online)
	}
}

func TestConnectRejectsNonMember(t *testing.T) {
	svc := newTestService(&fakeDirectory{
		memberRoleFn: func(context.Context, string, string) (string, error) {
			return "", store.ErrNoMembership
		},
	})
	_, _, err := svc.Connect(context.Background(), collab.Principal{ID: "user-x"}, "ws-1")
	if !errors.Is(err, collab.ErrUnauthorized) {
		t.Fatalf("Connect() error = %v, want unauthorized", err)
	}
}

func TestSessionLifecycleEvents(t *testing.T) {
	svc := newTestService(nil)
	a := connect(t, svc, "user-a", "ws-1")
	b := connect(t, svc, "user-b", "ws-1")
	waitEvent(t, a.box, collab.EventUserOnline)

	session := startSession(t, svc, a, "design")
	started := waitEvent(t, b.box, collab.EventSessionStarted)
	if started.Channel != collab.WorkspaceChannel("ws-1") {
		t.Fatalf("session.started channel = %q", started.Channel)
	}

	joinSession(t, svc, b, session.ID)
	joined := waitEvent(t, a.box, collab.EventUserJoined)
	var payload map[string]any
	if err := json.Unmarshal(joined.Data, &payload); err != nil {
		t.Fatalf("decode user.joined: %v", err)
	}
	if payload["user_id"] != "user-b" {
		t.Fatalf("user.joined payload = %v", payload)
	}

	if _, err := svc.SendMessage(context.Background(), b.principal, session.ID, sessions.MessageInput{Message: "hello"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitEvent(t, a.box, collab.EventMessageNew)
	assertNoEvent(t, b.box, collab.EventMessageNew)

	if err := svc.LeaveSession(context.Background(), b.principal, session.ID); err != nil {
		t.Fatalf("LeaveSession() error = %v", err)
	}
	waitEvent(t, a.box, collab.EventUserLeft)
	if svc.Router().IsSubscribed(b.box.ID(), session.Channel()) {
		t.Fatal("leaving must drop the session channel subscription")
	}
}

func TestDisconnectLeavesSessions(t *testing.T) {
	svc := newTestService(nil)
	a := connect(t, svc, "user-a", "ws-1")

	principal := collab.Principal{ID: "user-b", DisplayName: "User B"}
	handle, box, err := svc.Connect(context.Background(), principal, "ws-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	b := testConn{principal: principal, handle: handle, box: box}

	session := startSession(t, svc, a, "design")
	joinSession(t, svc, b, session.ID)
	waitEvent(t, a.box, collab.EventUserJoined)

	svc.Disconnect(context.Background(), handle, box)

	waitEvent(t, a.box, collab.EventUserLeft)
	waitEvent(t, a.box, collab.EventUserOffline)
	current, err := svc.sessions.Get(session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if current.HasParticipant("user-b") {
		t.Fatal("disconnected principal still participates")
	}
}

func TestOperationConflictGoesToAuthorOnly(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()
	a := connect(t, svc, "user-a", "ws-1")
	b := connect(t, svc, "user-b", "ws-1")
	session := startSession(t, svc, a, "doc")
	joinSession(t, svc, b, session.ID)

	accepted, err := svc.SendOperation(ctx, a.principal, oplog.Input{
		SessionID:   session.ID,
		DocumentID:  "doc-1",
		Kind:        collab.OpContentChange,
		BaseVersion: 0,
		Content:     json.RawMessage(`"from a"`),
	})
	if err != nil || accepted.Status != oplog.StatusAccepted || accepted.Version != 1 {
		t.Fatalf("first SendOperation() = %+v, %v", accepted, err)
	}
	updated := waitEvent(t, b.box, collab.EventDocumentUpdated)
	if updated.Channel != session.Channel() {
		t.Fatalf("document.updated channel = %q", updated.Channel)
	}

	stale, err := svc.SendOperation(ctx, b.principal, oplog.Input{
		SessionID:   session.ID,
		DocumentID:  "doc-1",
		Kind:        collab.OpContentChange,
		BaseVersion: 0,
		Content:     json.RawMessage(`"from b"`),
	})
	if err != nil {
		t.Fatalf("stale SendOperation() error = %v", err)
	}
	if stale.Status != oplog.StatusConflict || stale.Conflict == nil {
		t.Fatalf("stale result = %+v", stale)
	}
	assertNoEvent(t, a.box, collab.EventDocumentUpdated)

	resolved, err := svc.ResolveConflict(ctx, b.principal, oplog.ResolveInput{
		SessionID:   session.ID,
		DocumentID:  "doc-1",
		Action:      oplog.ActionKeepLocal,
		BaseVersion: 1,
		Local:       json.RawMessage(`"from b"`),
		Remote:      json.RawMessage(`"from a"`),
	})
	if err != nil || resolved.Status != oplog.StatusAccepted || resolved.Version != 2 {
		t.Fatalf("ResolveConflict() = %+v, %v", resolved, err)
	}
	waitEvent(t, a.box, collab.EventDocumentUpdated)

	doc, err := svc.GetDocument(ctx, a.principal, session.ID, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc.Version != 2 || string(doc.Content) != `"from b"` {
		t.Fatalf("document = %+v", doc)
	}
}

func TestSendOperationRequiresParticipant(t *testing.T) {
	svc := newTestService(nil)
	a := connect(t, svc, "user-a", "ws-1")
	c := connect(t, svc, "user-c", "ws-1")
	session := startSession(t, svc, a, "doc")

	_, err := svc.SendOperation(context.Background(), c.principal, oplog.Input{
		SessionID:  session.ID,
		DocumentID: "doc-1",
		Kind:       collab.OpFormatting,
	})
	if !errors.Is(err, collab.ErrUnauthorized) {
		t.Fatalf("SendOperation() error = %v, want unauthorized", err)
	}
	if err := svc.SendCursor(context.Background(), c.principal, session.ID, CursorInput{X: 1, Y: 2}); !errors.Is(err, collab.ErrUnauthorized) {
		t.Fatalf("SendCursor() error = %v, want unauthorized", err)
	}
}

func TestCursorUpdateExcludesSender(t *testing.T) {
	svc := newTestService(nil)
	a := connect(t, svc, "user-a", "ws-1")
	b := connect(t, svc, "user-b", "ws-1")
	session := startSession(t, svc, a, "board")
	joinSession(t, svc, b, session.ID)

	if err := svc.SendCursor(context.Background(), a.principal, session.ID, CursorInput{X: 10, Y: 20, ElementID: "shape-1"}); err != nil {
		t.Fatalf("SendCursor() error = %v", err)
	}
	event := waitEvent(t, b.box, collab.EventCursorUpdate)
	var payload cursorPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if payload.UserID != "user-a" || payload.X != 10 || payload.ElementID != "shape-1" {
		t.Fatalf("cursor payload = %+v", payload)
	}
	assertNoEvent(t, a.box, collab.EventCursorUpdate)
}

func TestSubscribeAuthorization(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()
	a := connect(t, svc, "user-a", "ws-1")
	c := connect(t, svc, "user-c", "ws-1")
	session := startSession(t, svc, a, "private")

	if err := svc.Subscribe(ctx, c.box, session.Channel()); !errors.Is(err, collab.ErrForbidden) {
		t.Fatalf("non-participant subscribe error = %v, want forbidden", err)
	}
	if err := svc.Subscribe(ctx, c.box, collab.WorkspaceChannel("ws-2")); !errors.Is(err, collab.ErrForbidden) {
		t.Fatalf("foreign workspace subscribe error = %v, want forbidden", err)
	}
	if err := svc.Subscribe(ctx, c.box, "random"); !errors.Is(err, collab.ErrForbidden) {
		t.Fatalf("unknown channel subscribe error = %v, want forbidden", err)
	}
}

func TestEndSessionDiscardsDocuments(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()
	a := connect(t, svc, "user-a", "ws-1")
	b := connect(t, svc, "user-b", "ws-1")
	session := startSession(t, svc, a, "doc")

	if _, err := svc.SendOperation(ctx, a.principal, oplog.Input{
		SessionID:  session.ID,
		DocumentID: "doc-1",
		Kind:       collab.OpContentChange,
		Content:    json.RawMessage(`"text"`),
	}); err != nil {
		t.Fatalf("SendOperation() error = %v", err)
	}

	if err := svc.EndSession(ctx, a.principal, session.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	waitEvent(t, b.box, collab.EventSessionEnded)

	if doc := svc.oplog.Snapshot(session.ID, "doc-1"); doc.Version != 0 {
		t.Fatalf("document survived session end: %+v", doc)
	}
	if _, err := svc.GetDocument(ctx, a.principal, session.ID, "doc-1"); !errors.Is(err, collab.ErrSessionEnded) {
		t.Fatalf("GetDocument() error = %v, want session ended", err)
	}
	if svc.Router().Subscribers(session.Channel()) != 0 {
		t.Fatal("ended session channel still has subscribers")
	}
}

func TestSubscribeRacingSessionEndDoesNotLeakNextSession(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()
	a := connect(t, svc, "user-a", "ws-1")
	b := connect(t, svc, "user-b", "ws-1")
	c := connect(t, svc, "user-c", "ws-1")

	ended := startSession(t, svc, a, "room")
	if _, err := svc.JoinSession(ctx, b.principal, ended.ID); err != nil {
		t.Fatalf("JoinSession() error = %v", err)
	}

	// End the session between the authorizer check and the insert.
	var once sync.Once
	svc.Router().SetAuthorizer(broadcast.AuthorizerFunc(func(ctx context.Context, sub broadcast.Subscriber, channel string) error {
		err := svc.authorizeSubscribe(ctx, sub, channel)
		once.Do(func() {
			if endErr := svc.EndSession(context.Background(), a.principal, ended.ID); endErr != nil {
				t.Errorf("EndSession() error = %v", endErr)
			}
		})
		return err
	}))
	if err := svc.Subscribe(ctx, b.box, ended.Channel()); !errors.Is(err, collab.ErrForbidden) {
		t.Fatalf("Subscribe() error = %v, want forbidden", err)
	}
	svc.Router().SetAuthorizer(broadcast.AuthorizerFunc(svc.authorizeSubscribe))
	if n := svc.Router().Subscribers(ended.Channel()); n != 0 {
		t.Fatalf("subscribers on ended channel = %d", n)
	}

	next := startSession(t, svc, c, "room")
	if next.Channel() == ended.Channel() {
		t.Fatalf("reused channel name shares router channel %q", next.Channel())
	}
	if _, err := svc.SendMessage(ctx, c.principal, next.ID, sessions.MessageInput{Message: "secret"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	assertNoEvent(t, b.box, collab.EventMessageNew)
}

func TestDocumentChangesRequireParticipant(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()
	a := connect(t, svc, "user-a", "ws-1")
	b := connect(t, svc, "user-b", "ws-1")
	session := startSession(t, svc, a, "notes")

	for base := int64(0); base < 3; base++ {
		if _, err := svc.SendOperation(ctx, a.principal, oplog.Input{
			SessionID:   session.ID,
			DocumentID:  "doc-1",
			Kind:        collab.OpContentChange,
			BaseVersion: base,
			Content:     json.RawMessage(`"text"`),
		}); err != nil {
			t.Fatalf("SendOperation() error = %v", err)
		}
	}

	changes, err := svc.DocumentChanges(ctx, a.principal, session.ID, "doc-1", 1)
	if err != nil {
		t.Fatalf("DocumentChanges() error = %v", err)
	}
	if len(changes) != 2 || changes[0].Version != 2 || changes[1].Version != 3 {
		t.Fatalf("changes = %+v", changes)
	}
	if _, err := svc.DocumentChanges(ctx, b.principal, session.ID, "doc-1", 0); !errors.Is(err, collab.ErrUnauthorized) {
		t.Fatalf("non-participant error = %v, want unauthorized", err)
	}
	if _, err := svc.DocumentChanges(ctx, a.principal, session.ID, "doc-1", -1); !errors.Is(err, collab.ErrInvalidArgument) {
		t.Fatalf("negative since error = %v, want invalid argument", err)
	}
}

func TestListSessionsRequiresMembership(t *testing.T) {
	svc := newTestService(&fakeDirectory{
		memberRoleFn: func(_ context.Context, workspaceID, _ string) (string, error) {
			if workspaceID == "ws-1" {
				return "viewer", nil
			}
			return "", store.ErrNoMembership
		},
	})
	principal := collab.Principal{ID: "user-a"}

	items, err := svc.ListSessions(context.Background(), principal, "ws-1")
	if err != nil || len(items) != 0 {
		t.Fatalf("ListSessions() = %v, %v", items, err)
	}
	if _, err := svc.ListSessions(context.Background(), principal, "ws-2"); !errors.Is(err, collab.ErrUnauthorized) {
		t.Fatalf("ListSessions() error = %v, want unauthorized", err)
	}
}

func TestViewerCannotStartSession(t *testing.T) {
	svc := newTestService(&fakeDirectory{
		memberRoleFn: func(context.Context, string, string) (string, error) {
			return "viewer", nil
		},
	})
	a := connect(t, svc, "user-a", "ws-1")
	_, err := svc.StartSession(context.Background(), a.principal, "ws-1", StartSessionInput{
		Kind:        string(collab.KindChat),
		ChannelName: "lobby",
	})
	if !errors.Is(err, collab.ErrUnauthorized) {
		t.Fatalf("StartSession() error = %v, want unauthorized", err)
	}
}
