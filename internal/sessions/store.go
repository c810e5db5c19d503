// Package sessions implements the in-memory session store: collaboration
// gatherings, their participants and their accumulated message and update
// logs. Each session is guarded by its own lock; events are published after
// the lock is released.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"collab/api/internal/collab"
	"collab/api/internal/rbac"
	"collab/api/internal/util"
)

const DefaultLogLimit = 1000

// Membership reports the role of principals currently connected to a
// workspace.
type Membership interface {
	Role(workspaceID, principalID string) (rbac.Role, bool)
}

// Access is the authoritative workspace role lookup.
type Access interface {
	MemberRole(ctx context.Context, workspaceID, principalID string) (rbac.Role, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any, exclude string) error
	Drop(channel string)
}

type Options struct {
	LogLimit int
	Logger   *slog.Logger
	Now      func() time.Time
}

type Store struct {
	membership Membership
	access     Access
	publisher  Publisher
	limit      int
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
	names    map[channelKey]string

	hooksMu sync.RWMutex
	onEnded []func(Session)
}

// channelKey identifies a channel name inside one workspace.
type channelKey struct {
	workspaceID string
	name        string
}

type entry struct {
	mu           sync.Mutex
	session      Session
	participants map[string]collab.Principal
	messages     []Message
	updates      []Update
}

func NewStore(membership Membership, access Access, publisher Publisher, opts Options) *Store {
	if opts.LogLimit <= 0 {
		opts.LogLimit = DefaultLogLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		membership: membership,
		access:     access,
		publisher:  publisher,
		limit:      opts.LogLimit,
		logger:     opts.Logger,
		now:        opts.Now,
		sessions:   make(map[string]*entry),
		names:      make(map[channelKey]string),
	}
}

// OnEnded registers fn to run once for every session that ends.
func (s *Store) OnEnded(fn func(Session)) {
	s.hooksMu.Lock()
	s.onEnded = append(s.onEnded, fn)
	s.hooksMu.Unlock()
}

// Start creates an active session owned by owner, who becomes its only
// participant. session.started is announced on the workspace channel.
func (s *Store) Start(ctx context.Context, workspaceID string, owner collab.Principal, kind collab.SessionKind, channelName string, permissions map[string]string) (Session, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	channelName = strings.TrimSpace(channelName)
	if workspaceID == "" {
		return Session{}, fmt.Errorf("%w: workspace is required", collab.ErrInvalidArgument)
	}
	if _, err := collab.ParseSessionKind(string(kind)); err != nil {
		return Session{}, err
	}
	if err := collab.ValidateChannelName(channelName); err != nil {
		return Session{}, err
	}
	if !s.canCollaborate(workspaceID, owner.ID) {
		return Session{}, fmt.Errorf("%w: workspace access required", collab.ErrUnauthorized)
	}

	perms := make(map[string]string, len(permissions))
	for key, effect := range permissions {
		perms[key] = effect
	}
	e := &entry{
		session: Session{
			ID:          util.NewID("ses"),
			WorkspaceID: workspaceID,
			OwnerID:     owner.ID,
			Kind:        kind,
			ChannelName: channelName,
			Status:      collab.StatusActive,
			Permissions: perms,
			StartedAt:   s.now().UTC(),
		},
		participants: map[string]collab.Principal{owner.ID: owner},
	}
	key := channelKey{workspaceID: workspaceID, name: channelName}

	s.mu.Lock()
	if _, taken := s.names[key]; taken {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %q", collab.ErrChannelNameConflict, channelName)
	}
	s.sessions[e.session.ID] = e
	s.names[key] = e.session.ID
	s.mu.Unlock()

	e.mu.Lock()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	s.publish(ctx, collab.WorkspaceChannel(workspaceID), collab.EventSessionStarted, startedPayload{
		Session:  snapshot.Summary(),
		UserID:   owner.ID,
		UserName: owner.DisplayName,
	}, owner.ID)
	s.logger.Info("session started", "session_id", snapshot.ID, "workspace_id", workspaceID, "kind", kind, "principal_id", owner.ID)
	return snapshot, nil
}

// Join adds principal to the session. Joining twice is a no-op and emits no
// second user.joined.
func (s *Store) Join(ctx context.Context, sessionID string, principal collab.Principal) (Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	if e.session.Status == collab.StatusEnded {
		e.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", collab.ErrSessionEnded, sessionID)
	}
	if !s.canCollaborate(e.session.WorkspaceID, principal.ID) {
		e.mu.Unlock()
		return Session{}, fmt.Errorf("%w: workspace access required", collab.ErrUnauthorized)
	}
	_, already := e.participants[principal.ID]
	if !already {
		e.participants[principal.ID] = principal
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if !already {
		s.publish(ctx, snapshot.Channel(), collab.EventUserJoined, participantPayload{
			SessionID:    snapshot.ID,
			UserID:       principal.ID,
			UserName:     principal.DisplayName,
			Participants: len(snapshot.Participants),
		}, principal.ID)
	}
	return snapshot, nil
}

// Leave removes principal from the session. When the last participant
// leaves the session ends.
func (s *Store) Leave(ctx context.Context, sessionID string, principal collab.Principal) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.session.Status == collab.StatusEnded {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", collab.ErrSessionEnded, sessionID)
	}
	if _, ok := e.participants[principal.ID]; !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.participants, principal.ID)
	ended := len(e.participants) == 0
	if ended {
		s.endLocked(e)
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if ended {
		s.finish(ctx, snapshot, principal.ID, "empty")
		return nil
	}
	s.publish(ctx, snapshot.Channel(), collab.EventUserLeft, participantPayload{
		SessionID:    snapshot.ID,
		UserID:       principal.ID,
		UserName:     principal.DisplayName,
		Participants: len(snapshot.Participants),
	}, principal.ID)
	return nil
}

// End force-ends the session. Only the owner or a workspace admin may do so.
func (s *Store) End(ctx context.Context, sessionID string, requester collab.Principal) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	workspaceID, ownerID := e.session.WorkspaceID, e.session.OwnerID
	e.mu.Unlock()
	if requester.ID != ownerID {
		role, err := s.access.MemberRole(ctx, workspaceID, requester.ID)
		if err != nil && !errors.Is(err, collab.ErrUnauthorized) {
			return fmt.Errorf("check workspace role: %w", err)
		}
		if err != nil || !rbac.Can(role, rbac.ActionModerate) {
			return fmt.Errorf("%w: only the owner or a workspace admin can end a session", collab.ErrUnauthorized)
		}
	}

	e.mu.Lock()
	if e.session.Status == collab.StatusEnded {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", collab.ErrSessionEnded, sessionID)
	}
	s.endLocked(e)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	s.finish(ctx, snapshot, requester.ID, "ended")
	return nil
}

// LeaveAll removes principal from every active session of workspaceID it
// participates in. It is the presence departure hook.
func (s *Store) LeaveAll(ctx context.Context, workspaceID string, principal collab.Principal) {
	for _, e := range s.entries() {
		e.mu.Lock()
		_, member := e.participants[principal.ID]
		match := member && e.session.WorkspaceID == workspaceID && e.session.Status == collab.StatusActive
		id := e.session.ID
		e.mu.Unlock()
		if !match {
			continue
		}
		if err := s.Leave(ctx, id, principal); err != nil && !errors.Is(err, collab.ErrSessionEnded) {
			s.logger.Warn("leave on disconnect failed", "session_id", id, "principal_id", principal.ID, "error", err)
		}
	}
}

// AppendMessage stores a chat message and broadcasts message.new.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, author collab.Principal, input MessageInput) (Message, error) {
	if strings.TrimSpace(input.Message) == "" {
		return Message{}, fmt.Errorf("%w: message is required", collab.ErrInvalidArgument)
	}
	if input.MessageType == "" {
		input.MessageType = "text"
	}
	var stored Message
	snapshot, err := s.appendData(sessionID, author, func(e *entry, at time.Time) {
		stored = Message{
			ID:          util.NewID("msg"),
			SessionID:   sessionID,
			UserID:      author.ID,
			UserName:    author.DisplayName,
			Message:     input.Message,
			MessageType: input.MessageType,
			Metadata:    input.Metadata,
			Timestamp:   at,
		}
		e.messages = appendBounded(e.messages, stored, s.limit)
	})
	if err != nil {
		return Message{}, err
	}
	s.publish(ctx, snapshot.Channel(), collab.EventMessageNew, stored, author.ID)
	return stored, nil
}

// AppendUpdate stores a data update and broadcasts data.update.
func (s *Store) AppendUpdate(ctx context.Context, sessionID string, author collab.Principal, input UpdateInput) (Update, error) {
	if strings.TrimSpace(input.DataType) == "" {
		return Update{}, fmt.Errorf("%w: data type is required", collab.ErrInvalidArgument)
	}
	if input.Operation == "" {
		input.Operation = "update"
	}
	var stored Update
	snapshot, err := s.appendData(sessionID, author, func(e *entry, at time.Time) {
		stored = Update{
			ID:        util.NewID("upd"),
			SessionID: sessionID,
			UserID:    author.ID,
			UserName:  author.DisplayName,
			DataType:  input.DataType,
			Data:      input.Data,
			Operation: input.Operation,
			Timestamp: at,
		}
		e.updates = appendBounded(e.updates, stored, s.limit)
	})
	if err != nil {
		return Update{}, err
	}
	s.publish(ctx, snapshot.Channel(), collab.EventDataUpdate, stored, author.ID)
	return stored, nil
}

func (s *Store) appendData(sessionID string, author collab.Principal, apply func(*entry, time.Time)) (Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status == collab.StatusEnded {
		return Session{}, fmt.Errorf("%w: %s", collab.ErrSessionEnded, sessionID)
	}
	if _, ok := e.participants[author.ID]; !ok {
		return Session{}, fmt.Errorf("%w: not a session participant", collab.ErrUnauthorized)
	}
	apply(e, s.now().UTC())
	return e.snapshotLocked(), nil
}

// History returns the retained message and update logs in append order.
func (s *Store) History(ctx context.Context, sessionID string, requester collab.Principal) (History, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return History{}, err
	}
	e.mu.Lock()
	workspaceID := e.session.WorkspaceID
	e.mu.Unlock()

	role, err := s.access.MemberRole(ctx, workspaceID, requester.ID)
	if err != nil && !errors.Is(err, collab.ErrUnauthorized) {
		return History{}, fmt.Errorf("check workspace role: %w", err)
	}
	if err != nil || !rbac.Can(role, rbac.ActionRead) {
		return History{}, fmt.Errorf("%w: workspace access required", collab.ErrUnauthorized)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return History{
		SessionID: sessionID,
		Messages:  append([]Message{}, e.messages...),
		Updates:   append([]Update{}, e.updates...),
	}, nil
}

// Get returns a snapshot of the session, active or ended.
func (s *Store) Get(sessionID string) (Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// ByChannel resolves an active session from its router channel key.
func (s *Store) ByChannel(channel string) (Session, error) {
	id, ok := collab.ParseSessionChannel(channel)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s is not a session channel", collab.ErrSessionNotFound, channel)
	}
	session, err := s.Get(id)
	if err != nil {
		return Session{}, err
	}
	if session.Status != collab.StatusActive {
		return Session{}, fmt.Errorf("%w: no active session on %s", collab.ErrSessionNotFound, channel)
	}
	return session, nil
}

// Participant returns the session when principal is a current participant of
// an active session.
func (s *Store) Participant(sessionID, principalID string) (Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status == collab.StatusEnded {
		return Session{}, fmt.Errorf("%w: %s", collab.ErrSessionEnded, sessionID)
	}
	if _, ok := e.participants[principalID]; !ok {
		return Session{}, fmt.Errorf("%w: not a session participant", collab.ErrUnauthorized)
	}
	return e.snapshotLocked(), nil
}

// ListActive returns summaries of the active sessions of workspaceID, oldest
// first.
func (s *Store) ListActive(workspaceID string) []Summary {
	out := []Summary{}
	for _, e := range s.entries() {
		e.mu.Lock()
		if e.session.WorkspaceID == workspaceID && e.session.Status == collab.StatusActive {
			out = append(out, e.snapshotLocked().Summary())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (s *Store) lookup(sessionID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[strings.TrimSpace(sessionID)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", collab.ErrSessionNotFound, sessionID)
	}
	return e, nil
}

func (s *Store) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e)
	}
	return out
}

func (s *Store) canCollaborate(workspaceID, principalID string) bool {
	if s.membership == nil {
		return false
	}
	role, online := s.membership.Role(workspaceID, principalID)
	return online && rbac.Can(role, rbac.ActionCollaborate)
}

// endLocked flips the session to ended and frees its channel name. The
// caller holds e.mu.
func (s *Store) endLocked(e *entry) {
	endedAt := s.now().UTC()
	e.session.Status = collab.StatusEnded
	e.session.EndedAt = &endedAt

	key := channelKey{workspaceID: e.session.WorkspaceID, name: e.session.ChannelName}
	s.mu.Lock()
	if s.names[key] == e.session.ID {
		delete(s.names, key)
	}
	s.mu.Unlock()
}

func (s *Store) finish(ctx context.Context, snapshot Session, actorID, reason string) {
	s.publish(ctx, collab.WorkspaceChannel(snapshot.WorkspaceID), collab.EventSessionEnded, endedPayload{
		SessionID:   snapshot.ID,
		ChannelName: snapshot.ChannelName,
		EndedBy:     actorID,
		Reason:      reason,
		EndedAt:     *snapshot.EndedAt,
	}, actorID)
	if s.publisher != nil {
		s.publisher.Drop(snapshot.Channel())
	}

	s.hooksMu.RLock()
	hooks := append([]func(Session){}, s.onEnded...)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(snapshot)
	}
	s.logger.Info("session ended", "session_id", snapshot.ID, "workspace_id", snapshot.WorkspaceID, "reason", reason)
}

func (s *Store) publish(ctx context.Context, channel, event string, payload any, exclude string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, channel, event, payload, exclude); err != nil {
		s.logger.Warn("session publish failed", "channel", channel, "event", event, "error", err)
	}
}

func (e *entry) snapshotLocked() Session {
	out := e.session
	out.Participants = make([]string, 0, len(e.participants))
	for id := range e.participants {
		out.Participants = append(out.Participants, id)
	}
	sort.Strings(out.Participants)
	out.Permissions = make(map[string]string, len(e.session.Permissions))
	for key, effect := range e.session.Permissions {
		out.Permissions[key] = effect
	}
	if e.session.EndedAt != nil {
		endedAt := *e.session.EndedAt
		out.EndedAt = &endedAt
	}
	return out
}

func appendBounded[T any](log []T, item T, limit int) []T {
	log = append(log, item)
	if len(log) > limit {
		log = append(log[:0:0], log[len(log)-limit:]...)
	}
	return log
}
