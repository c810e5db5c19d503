// Package presence tracks which principals hold live connections to which
// workspace. State lives only for the life of the process; clients re-connect
// after a restart.
package presence

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

// Access is the external workspace authorization check. Implementations
// return collab.ErrUnauthorized when the principal has no membership.
type Access interface {
	MemberRole(ctx context.Context, workspaceID, principalID string) (rbac.Role, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any, exclude string) error
}

// DepartureFunc runs when a principal's last connection to a workspace
// closes.
type DepartureFunc func(ctx context.Context, workspaceID string, principal collab.Principal)

// Handle identifies one connection.
type Handle struct {
	ID          string
	WorkspaceID string
	Principal   collab.Principal
	Role        rbac.Role
	ConnectedAt time.Time
}

type Registry struct {
	access    Access
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	workspaces map[string]*workspace

	hooksMu    sync.RWMutex
	departures []DepartureFunc
}

type workspace struct {
	mu          sync.Mutex
	removed     bool
	connections map[string]*Handle
	online      map[string]*member
}

type member struct {
	principal   collab.Principal
	role        rbac.Role
	connections int
}

type presencePayload struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
}

func NewRegistry(access Access, publisher Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		access:     access,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
		workspaces: make(map[string]*workspace),
	}
}

// OnDeparture registers fn to run after a principal goes offline in a
// workspace, before user.offline is published.
func (r *Registry) OnDeparture(fn DepartureFunc) {
	r.hooksMu.Lock()
	r.departures = append(r.departures, fn)
	r.hooksMu.Unlock()
}

// Connect registers a connection for principal in workspaceID. The first
// connection of a principal announces user.online on the workspace channel.
func (r *Registry) Connect(ctx context.Context, principal collab.Principal, workspaceID string) (*Handle, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" || strings.TrimSpace(principal.ID) == "" {
		return nil, fmt.Errorf("%w: workspace and principal are required", collab.ErrInvalidArgument)
	}
	role, err := r.access.MemberRole(ctx, workspaceID, principal.ID)
	if err != nil {
		if errors.Is(err, collab.ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("check workspace access: %w", err)
	}
	if !rbac.Can(role, rbac.ActionRead) {
		return nil, fmt.Errorf("%w: no workspace access", collab.ErrUnauthorized)
	}

	handle := &Handle{
		ID:          util.NewID("conn"),
		WorkspaceID: workspaceID,
		Principal:   principal,
		Role:        role,
		ConnectedAt: r.now().UTC(),
	}

	var first bool
	for {
		ws := r.workspace(workspaceID)
		ws.mu.Lock()
		if ws.removed {
			ws.mu.Unlock()
			continue
		}
		ws.connections[handle.ID] = handle
		m, ok := ws.online[principal.ID]
		if !ok {
			m = &member{principal: principal}
			ws.online[principal.ID] = m
		}
		m.role = role
		m.connections++
		first = m.connections == 1
		ws.mu.Unlock()
		break
	}

	if first {
		r.announce(ctx, workspaceID, principal, collab.EventUserOnline)
	}
	r.logger.Debug("presence connected", "workspace_id", workspaceID, "principal_id", principal.ID, "connection", handle.ID)
	return handle, nil
}

// Disconnect removes the connection. When it was the principal's last one in
// the workspace the departure hooks run and user.offline is published.
func (r *Registry) Disconnect(ctx context.Context, handle *Handle) {
	if handle == nil {
		return
	}
	r.mu.Lock()
	ws, ok := r.workspaces[handle.WorkspaceID]
	r.mu.Unlock()
	if !ok {
		return
	}

	ws.mu.Lock()
	if _, ok := ws.connections[handle.ID]; !ok {
		ws.mu.Unlock()
		return
	}
	delete(ws.connections, handle.ID)
	last := false
	if m, ok := ws.online[handle.Principal.ID]; ok {
		m.connections--
		if m.connections <= 0 {
			delete(ws.online, handle.Principal.ID)
			last = true
		}
	}
	if len(ws.connections) == 0 {
		ws.removed = true
	}
	empty := ws.removed
	ws.mu.Unlock()

	if empty {
		r.mu.Lock()
		if current, ok := r.workspaces[handle.WorkspaceID]; ok && current == ws {
			delete(r.workspaces, handle.WorkspaceID)
		}
		r.mu.Unlock()
	}

	if !last {
		return
	}
	r.hooksMu.RLock()
	hooks := append([]DepartureFunc(nil), r.departures...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, handle.WorkspaceID, handle.Principal)
	}
	r.announce(ctx, handle.WorkspaceID, handle.Principal, collab.EventUserOffline)
	r.logger.Debug("presence offline", "workspace_id", handle.WorkspaceID, "principal_id", handle.Principal.ID)
}

// ListOnline returns a point-in-time snapshot ordered by principal id.
func (r *Registry) ListOnline(workspaceID string) []collab.Principal {
	r.mu.Lock()
	ws, ok := r.workspaces[workspaceID]
	r.mu.Unlock()
	if !ok {
		return []collab.Principal{}
	}
	ws.mu.Lock()
	out := make([]collab.Principal, 0, len(ws.online))
	for _, m := range ws.online {
		out = append(out, m.principal)
	}
	ws.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Role returns the role of a principal currently online in workspaceID.
func (r *Registry) Role(workspaceID, principalID string) (rbac.Role, bool) {
	r.mu.Lock()
	ws, ok := r.workspaces[workspaceID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	m, ok := ws.online[principalID]
	if !ok {
		return "", false
	}
	return m.role, true
}

func (r *Registry) IsOnline(workspaceID, principalID string) bool {
	_, ok := r.Role(workspaceID, principalID)
	return ok
}

func (r *Registry) workspace(id string) *workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[id]
	if ok {
		ws.mu.Lock()
		removed := ws.removed
		ws.mu.Unlock()
		ok = !removed
	}
	if !ok {
		ws = &workspace{
			connections: make(map[string]*Handle),
			online:      make(map[string]*member),
		}
		r.workspaces[id] = ws
	}
	return ws
}

func (r *Registry) announce(ctx context.Context, workspaceID string, principal collab.Principal, event string) {
	if r.publisher == nil {
		return
	}
	payload := presencePayload{
		WorkspaceID: workspaceID,
		UserID:      principal.ID,
		UserName:    principal.DisplayName,
	}
	if err := r.publisher.Publish(ctx, collab.WorkspaceChannel(workspaceID), event, payload, principal.ID); err != nil {
		r.logger.Warn("presence announce failed", "workspace_id", workspaceID, "event", event, "error", err)
	}
}
