// Package collab holds the vocabulary shared by the collaboration broker:
// principals, session and operation kinds, channel names, event names and the
// error taxonomy returned to callers.
package collab

import (
	"fmt"
	"strings"
)

// Principal is an authenticated identity supplied per connection.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type SessionKind string

const (
	KindCollaboration SessionKind = "collaboration"
	KindLiveEditing   SessionKind = "live_editing"
	KindChat          SessionKind = "chat"
	KindPresentation  SessionKind = "presentation"
	KindScreenShare   SessionKind = "screen_share"
)

func ParseSessionKind(value string) (SessionKind, error) {
	switch kind := SessionKind(strings.TrimSpace(value)); kind {
	case KindCollaboration, KindLiveEditing, KindChat, KindPresentation, KindScreenShare:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown session kind %q", ErrInvalidArgument, value)
	}
}

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusEnded  SessionStatus = "ended"
)

type OperationKind string

const (
	OpCursorUpdate    OperationKind = "cursor_update"
	OpContentChange   OperationKind = "content_change"
	OpStructureChange OperationKind = "structure_change"
	OpFormatting      OperationKind = "formatting"
	OpChatMessage     OperationKind = "chat_message"
	OpDataUpdate      OperationKind = "data_update"
)

func ParseOperationKind(value string) (OperationKind, error) {
	switch kind := OperationKind(strings.TrimSpace(value)); kind {
	case OpCursorUpdate, OpContentChange, OpStructureChange, OpFormatting, OpChatMessage, OpDataUpdate:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown operation kind %q", ErrInvalidArgument, value)
	}
}

// Versioned reports whether operations of this kind mutate document content
// and therefore carry a base version.
func (k OperationKind) Versioned() bool {
	return k == OpContentChange || k == OpStructureChange
}

// Stored reports whether operations of this kind are appended to the
// session's accumulated log.
func (k OperationKind) Stored() bool {
	return k == OpChatMessage || k == OpDataUpdate
}

type DocumentType string

const (
	DocumentText       DocumentType = "text"
	DocumentCode       DocumentType = "code"
	DocumentTable      DocumentType = "table"
	DocumentWhiteboard DocumentType = "whiteboard"
)

func ParseDocumentType(value string) (DocumentType, error) {
	switch t := DocumentType(strings.TrimSpace(value)); t {
	case DocumentText, DocumentCode, DocumentTable, DocumentWhiteboard:
		return t, nil
	case "":
		return DocumentText, nil
	default:
		return "", fmt.Errorf("%w: unknown document type %q", ErrInvalidArgument, value)
	}
}

// Structured reports whether the document holds structured data for which a
// textual merge is only a placeholder.
func (t DocumentType) Structured() bool {
	return t == DocumentTable || t == DocumentWhiteboard
}

// Event names published on the event plane.
const (
	EventUserOnline         = "user.online"
	EventUserOffline        = "user.offline"
	EventSessionStarted     = "session.started"
	EventSessionEnded       = "session.ended"
	EventUserJoined         = "user.joined"
	EventUserLeft           = "user.left"
	EventMessageNew         = "message.new"
	EventDataUpdate         = "data.update"
	EventCursorUpdate       = "cursor.update"
	EventDocumentUpdated    = "document.updated"
	EventDocumentFormatting = "document.formatting"
)

const (
	workspaceChannelPrefix = "workspace."
	sessionChannelPrefix   = "session."
)

// WorkspaceChannel names the channel every connection of a workspace joins.
func WorkspaceChannel(workspaceID string) string {
	return workspaceChannelPrefix + workspaceID
}

// ParseWorkspaceChannel returns the workspace id of a workspace channel name.
func ParseWorkspaceChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, workspaceChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, workspaceChannelPrefix)
	return id, id != ""
}

// SessionChannel names the router channel of a session. Session ids are
// never reused, so an ended session's channel cannot be inherited by a later
// session that takes the same channel name.
func SessionChannel(sessionID string) string {
	return sessionChannelPrefix + sessionID
}

// ParseSessionChannel returns the session id of a session channel name.
func ParseSessionChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, sessionChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, sessionChannelPrefix)
	return id, id != ""
}

// IsSessionChannel reports whether channel uses the session channel pattern.
func IsSessionChannel(channel string) bool {
	_, ok := ParseSessionChannel(channel)
	return ok
}

// ValidateChannelName checks a client supplied session channel name.
func ValidateChannelName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: channel name is required", ErrInvalidArgument)
	}
	if len(name) > 128 {
		return fmt.Errorf("%w: channel name must be at most 128 characters", ErrInvalidArgument)
	}
	if strings.HasPrefix(name, workspaceChannelPrefix) {
		return fmt.Errorf("%w: channel name may not use the workspace prefix", ErrInvalidArgument)
	}
	return nil
}
