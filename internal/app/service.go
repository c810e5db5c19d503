package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"collab/api/internal/auth"
	"collab/api/internal/broadcast"
	"collab/api/internal/collab"
	"collab/api/internal/config"
	"collab/api/internal/oplog"
	"collab/api/internal/presence"
	"collab/api/internal/rbac"
	"collab/api/internal/sessions"
	"collab/api/internal/store"
	"collab/api/internal/telemetry"
)

// directory is the workspace directory the broker reads memberships and
// token revocations from.
type directory interface {
	MemberRole(ctx context.Context, workspaceID, userID string) (string, error)
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

type relay interface {
	broadcast.Relay
	Ping(ctx context.Context) error
}

type StartSessionInput struct {
	Kind        string            `json:"kind"`
	ChannelName string            `json:"channel_name"`
	Permissions map[string]string `json:"permissions"`
}

type CursorInput struct {
	DocumentID string  `json:"document_id,omitempty"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ElementID  string  `json:"element_id,omitempty"`
}

type cursorPayload struct {
	SessionID  string  `json:"session_id"`
	DocumentID string  `json:"document_id,omitempty"`
	UserID     string  `json:"user_id"`
	UserName   string  `json:"user_name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ElementID  string  `json:"element_id,omitempty"`
}

type documentPayload struct {
	SessionID    string              `json:"session_id"`
	DocumentID   string              `json:"document_id"`
	DocumentType collab.DocumentType `json:"document_type"`
	Version      int64               `json:"version,omitempty"`
	BaseVersion  int64               `json:"base_version,omitempty"`
	Changes      json.RawMessage     `json:"changes,omitempty"`
	Content      json.RawMessage     `json:"content,omitempty"`
	UserID       string              `json:"user_id"`
	UserName     string              `json:"user_name"`
}

type Service struct {
	cfg       config.Config
	store     directory
	validator *auth.Validator
	logger    *slog.Logger
	tracer    trace.Tracer

	router   *broadcast.Router
	presence *presence.Registry
	sessions *sessions.Store
	oplog    *oplog.Log
	relay    relay
}

func New(cfg config.Config, dataStore directory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		validator: auth.NewValidator([]byte(cfg.JWTSecret), dataStore),
		logger:    logger,
		tracer:    telemetry.Tracer(),
	}
	access := directoryAccess{store: dataStore}

	s.router = broadcast.NewRouter(broadcast.Options{
		Node:            cfg.NodeID,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Concurrency:     cfg.FanoutConcurrency,
		Authorizer:      broadcast.AuthorizerFunc(s.authorizeSubscribe),
		Logger:          logger.With("component", "broadcast"),
	})
	s.presence = presence.NewRegistry(access, s.router, logger.With("component", "presence"))
	s.sessions = sessions.NewStore(s.presence, access, s.router, sessions.Options{
		LogLimit: cfg.SessionLogLimit,
		Logger:   logger.With("component", "sessions"),
	})
	s.oplog = oplog.New(oplog.Options{
		ChangeLimit: cfg.DocumentLogLimit,
		Logger:      logger.With("component", "oplog"),
	})

	s.presence.OnDeparture(func(ctx context.Context, workspaceID string, principal collab.Principal) {
		s.sessions.LeaveAll(ctx, workspaceID, principal)
	})
	s.sessions.OnEnded(func(ended sessions.Session) {
		s.oplog.DropSession(ended.ID)
	})
	return s
}

// SetRelay mirrors every publish to other broker nodes.
func (s *Service) SetRelay(r relay) {
	s.relay = r
	s.router.SetRelay(r)
}

// Router exposes the broadcast router so remote envelopes can be fed in.
func (s *Service) Router() *broadcast.Router {
	return s.router
}

func (s *Service) Authenticate(ctx context.Context, token string) (collab.Principal, error) {
	return s.validator.Validate(ctx, token)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingRelay(ctx context.Context) (bool, error) {
	if s.relay == nil {
		return false, nil
	}
	return true, s.relay.Ping(ctx)
}

// Connect registers a live event-plane connection and subscribes its mailbox
// to the workspace channel.
func (s *Service) Connect(ctx context.Context, principal collab.Principal, workspaceID string) (*presence.Handle, *broadcast.Mailbox, error) {
	ctx, span := s.startSpan(ctx, "collab.connect", attribute.String("workspace_id", workspaceID), attribute.String("principal_id", principal.ID))
	handle, err := s.presence.Connect(ctx, principal, workspaceID)
	if err != nil {
		endSpan(span, err)
		return nil, nil, err
	}
	box := broadcast.NewMailbox(handle.ID, principal.ID, s.cfg.MailboxSize)
	if err := s.router.Subscribe(ctx, box, collab.WorkspaceChannel(handle.WorkspaceID)); err != nil {
		s.presence.Disconnect(ctx, handle)
		endSpan(span, err)
		return nil, nil, err
	}
	endSpan(span, nil)
	return handle, box, nil
}

// Disconnect drops every subscription of the connection, then removes it from
// presence, which leaves the principal's sessions when it was the last one.
func (s *Service) Disconnect(ctx context.Context, handle *presence.Handle, box *broadcast.Mailbox) {
	if box != nil {
		s.router.UnsubscribeAll(box)
		box.Close()
	}
	s.presence.Disconnect(ctx, handle)
}

func (s *Service) StartSession(ctx context.Context, principal collab.Principal, workspaceID string, input StartSessionInput) (sessions.Session, error) {
	ctx, span := s.startSpan(ctx, "collab.start_session", attribute.String("workspace_id", workspaceID))
	kind, err := collab.ParseSessionKind(input.Kind)
	if err != nil {
		endSpan(span, err)
		return sessions.Session{}, err
	}
	session, err := s.sessions.Start(ctx, workspaceID, principal, kind, input.ChannelName, input.Permissions)
	endSpan(span, err)
	return session, err
}

func (s *Service) JoinSession(ctx context.Context, principal collab.Principal, sessionID string) (sessions.Session, error) {
	ctx, span := s.startSpan(ctx, "collab.join_session", attribute.String("session_id", sessionID))
	session, err := s.sessions.Join(ctx, sessionID, principal)
	endSpan(span, err)
	return session, err
}

func (s *Service) LeaveSession(ctx context.Context, principal collab.Principal, sessionID string) error {
	ctx, span := s.startSpan(ctx, "collab.leave_session", attribute.String("session_id", sessionID))
	session, lookupErr := s.sessions.Get(sessionID)
	err := s.sessions.Leave(ctx, sessionID, principal)
	if err == nil && lookupErr == nil {
		s.router.UnsubscribePrincipal(session.Channel(), principal.ID)
	}
	endSpan(span, err)
	return err
}

func (s *Service) EndSession(ctx context.Context, principal collab.Principal, sessionID string) error {
	ctx, span := s.startSpan(ctx, "collab.end_session", attribute.String("session_id", sessionID))
	err := s.sessions.End(ctx, sessionID, principal)
	endSpan(span, err)
	return err
}

func (s *Service) SendMessage(ctx context.Context, principal collab.Principal, sessionID string, input sessions.MessageInput) (sessions.Message, error) {
	ctx, span := s.startSpan(ctx, "collab.send_message", attribute.String("session_id", sessionID))
	msg, err := s.sessions.AppendMessage(ctx, sessionID, principal, input)
	endSpan(span, err)
	return msg, err
}

func (s *Service) SendDataUpdate(ctx context.Context, principal collab.Principal, sessionID string, input sessions.UpdateInput) (sessions.Update, error) {
	ctx, span := s.startSpan(ctx, "collab.send_data_update", attribute.String("session_id", sessionID))
	update, err := s.sessions.AppendUpdate(ctx, sessionID, principal, input)
	endSpan(span, err)
	return update, err
}

// SendCursor broadcasts a cursor position. Nothing is stored.
func (s *Service) SendCursor(ctx context.Context, principal collab.Principal, sessionID string, input CursorInput) error {
	session, err := s.sessions.Participant(sessionID, principal.ID)
	if err != nil {
		return err
	}
	return s.router.Publish(ctx, session.Channel(), collab.EventCursorUpdate, cursorPayload{
		SessionID:  session.ID,
		DocumentID: input.DocumentID,
		UserID:     principal.ID,
		UserName:   principal.DisplayName,
		X:          input.X,
		Y:          input.Y,
		ElementID:  input.ElementID,
	}, principal.ID)
}

// SendOperation runs a document operation through the version check. Only
// accepted and unversioned operations are broadcast; a conflict goes back to
// the author alone.
func (s *Service) SendOperation(ctx context.Context, principal collab.Principal, input oplog.Input) (oplog.Result, error) {
	ctx, span := s.startSpan(ctx, "collab.send_operation",
		attribute.String("session_id", input.SessionID),
		attribute.String("document_id", input.DocumentID),
		attribute.String("kind", string(input.Kind)),
	)
	session, err := s.sessions.Participant(input.SessionID, principal.ID)
	if err != nil {
		endSpan(span, err)
		return oplog.Result{}, err
	}
	result, err := s.oplog.Submit(principal, input)
	if err != nil {
		endSpan(span, err)
		return oplog.Result{}, err
	}
	span.SetAttributes(attribute.String("status", string(result.Status)), attribute.Int64("version", result.Version))
	s.announceOperation(ctx, session, principal, result)
	endSpan(span, nil)
	return result, nil
}

func (s *Service) ResolveConflict(ctx context.Context, principal collab.Principal, input oplog.ResolveInput) (oplog.Result, error) {
	ctx, span := s.startSpan(ctx, "collab.resolve_conflict",
		attribute.String("session_id", input.SessionID),
		attribute.String("document_id", input.DocumentID),
		attribute.String("action", string(input.Action)),
	)
	session, err := s.sessions.Participant(input.SessionID, principal.ID)
	if err != nil {
		endSpan(span, err)
		return oplog.Result{}, err
	}
	result, err := s.oplog.Resolve(principal, input)
	if err != nil {
		endSpan(span, err)
		return oplog.Result{}, err
	}
	s.announceOperation(ctx, session, principal, result)
	endSpan(span, nil)
	return result, nil
}

func (s *Service) announceOperation(ctx context.Context, session sessions.Session, principal collab.Principal, result oplog.Result) {
	op := result.Operation
	payload := documentPayload{
		SessionID:    session.ID,
		DocumentID:   op.DocumentID,
		DocumentType: op.DocumentType,
		Changes:      op.Changes,
		UserID:       principal.ID,
		UserName:     principal.DisplayName,
	}
	var event string
	switch {
	case result.Status == oplog.StatusAccepted:
		event = collab.EventDocumentUpdated
		payload.Version = result.Version
		payload.BaseVersion = op.BaseVersion
		payload.Content = op.Content
	case result.Status == oplog.StatusBroadcast && op.Kind == collab.OpCursorUpdate:
		event = collab.EventCursorUpdate
	case result.Status == oplog.StatusBroadcast:
		event = collab.EventDocumentFormatting
	default:
		return
	}
	if err := s.router.Publish(ctx, session.Channel(), event, payload, principal.ID); err != nil {
		s.logger.Warn("operation broadcast failed", "session_id", session.ID, "event", event, "error", err)
	}
}

func (s *Service) GetDocument(_ context.Context, principal collab.Principal, sessionID, documentID string) (oplog.Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return oplog.Document{}, fmt.Errorf("%w: document_id is required", collab.ErrInvalidArgument)
	}
	if _, err := s.sessions.Participant(sessionID, principal.ID); err != nil {
		return oplog.Document{}, err
	}
	return s.oplog.Snapshot(sessionID, documentID), nil
}

// DocumentChanges returns the retained accepted operations of a document
// newer than since, so a client can rebase after a conflict.
func (s *Service) DocumentChanges(_ context.Context, principal collab.Principal, sessionID, documentID string, since int64) ([]oplog.Operation, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, fmt.Errorf("%w: document_id is required", collab.ErrInvalidArgument)
	}
	if since < 0 {
		return nil, fmt.Errorf("%w: since must not be negative", collab.ErrInvalidArgument)
	}
	if _, err := s.sessions.Participant(sessionID, principal.ID); err != nil {
		return nil, err
	}
	return s.oplog.Changes(sessionID, documentID, since), nil
}

func (s *Service) ListSessions(ctx context.Context, principal collab.Principal, workspaceID string) ([]sessions.Summary, error) {
	if err := s.requireWorkspace(ctx, principal, workspaceID); err != nil {
		return nil, err
	}
	return s.sessions.ListActive(workspaceID), nil
}

func (s *Service) History(ctx context.Context, principal collab.Principal, sessionID string) (sessions.History, error) {
	return s.sessions.History(ctx, sessionID, principal)
}

func (s *Service) ListOnline(ctx context.Context, principal collab.Principal, workspaceID string) ([]collab.Principal, error) {
	if err := s.requireWorkspace(ctx, principal, workspaceID); err != nil {
		return nil, err
	}
	return s.presence.ListOnline(workspaceID), nil
}

// Subscribe attaches a connection to a channel it is entitled to; the router
// consults authorizeSubscribe.
func (s *Service) Subscribe(ctx context.Context, box *broadcast.Mailbox, channel string) error {
	return s.router.Subscribe(ctx, box, channel)
}

func (s *Service) Unsubscribe(box *broadcast.Mailbox, channel string) {
	s.router.Unsubscribe(box, channel)
}

func (s *Service) requireWorkspace(ctx context.Context, principal collab.Principal, workspaceID string) error {
	role, err := directoryAccess{store: s.store}.MemberRole(ctx, workspaceID, principal.ID)
	if err != nil {
		return err
	}
	if !rbac.Can(role, rbac.ActionRead) {
		return fmt.Errorf("%w: workspace access required", collab.ErrUnauthorized)
	}
	return nil
}

// authorizeSubscribe admits a connection to a workspace channel when its
// principal is online there, and to a session channel when it participates
// in that session.
func (s *Service) authorizeSubscribe(_ context.Context, sub broadcast.Subscriber, channel string) error {
	if workspaceID, ok := collab.ParseWorkspaceChannel(channel); ok {
		if !s.presence.IsOnline(workspaceID, sub.PrincipalID()) {
			return fmt.Errorf("%w: not connected to workspace %s", collab.ErrForbidden, workspaceID)
		}
		return nil
	}
	if collab.IsSessionChannel(channel) {
		session, err := s.sessions.ByChannel(channel)
		if err != nil {
			return fmt.Errorf("%w: %v", collab.ErrForbidden, err)
		}
		if !session.HasParticipant(sub.PrincipalID()) {
			return fmt.Errorf("%w: not a participant of %s", collab.ErrForbidden, session.ChannelName)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown channel %q", collab.ErrForbidden, channel)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, collab.Code(err))
	}
	span.End()
}

// directoryAccess adapts the workspace directory to the role lookups of the
// presence registry and the session store.
type directoryAccess struct {
	store directory
}

func (a directoryAccess) MemberRole(ctx context.Context, workspaceID, principalID string) (rbac.Role, error) {
	if a.store == nil {
		return "", fmt.Errorf("%w: workspace directory unavailable", collab.ErrUnauthorized)
	}
	role, err := a.store.MemberRole(ctx, workspaceID, principalID)
	if errors.Is(err, store.ErrNoMembership) {
		return "", fmt.Errorf("%w: not a member of workspace %s", collab.ErrUnauthorized, workspaceID)
	}
	if err != nil {
		return "", err
	}
	return rbac.Normalize(role), nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
