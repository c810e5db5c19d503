package oplog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"collab/api/internal/collab"
)

// Input is one document operation as submitted by a session participant.
type Input struct {
	SessionID    string               `json:"session_id"`
	DocumentID   string               `json:"document_id"`
	DocumentType collab.DocumentType  `json:"document_type"`
	Kind         collab.OperationKind `json:"kind"`
	BaseVersion  int64                `json:"base_version"`
	Content      json.RawMessage      `json:"content,omitempty"`
	Changes      json.RawMessage      `json:"changes,omitempty"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.SessionID) == "" || strings.TrimSpace(in.DocumentID) == "" {
		return fmt.Errorf("%w: session and document are required", collab.ErrInvalidArgument)
	}
	if _, err := collab.ParseOperationKind(string(in.Kind)); err != nil {
		return err
	}
	if in.Kind.Stored() {
		return fmt.Errorf("%w: %s is a session log entry, not a document operation", collab.ErrInvalidArgument, in.Kind)
	}
	if in.BaseVersion < 0 {
		return fmt.Errorf("%w: base version must not be negative", collab.ErrInvalidArgument)
	}
	return nil
}

type Operation struct {
	ID           string               `json:"id"`
	SessionID    string               `json:"session_id"`
	DocumentID   string               `json:"document_id"`
	DocumentType collab.DocumentType  `json:"document_type"`
	Kind         collab.OperationKind `json:"kind"`
	AuthorID     string               `json:"user_id"`
	AuthorName   string               `json:"user_name"`
	BaseVersion  int64                `json:"base_version"`
	Version      int64                `json:"version,omitempty"`
	Content      json.RawMessage      `json:"content,omitempty"`
	Changes      json.RawMessage      `json:"changes,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

type Result struct {
	Status    Status    `json:"status"`
	Version   int64     `json:"version"`
	Operation Operation `json:"operation"`
	Conflict  *Conflict `json:"conflict,omitempty"`
}

type Action string

const (
	ActionKeepLocal   Action = "keep_local"
	ActionKeepRemote  Action = "keep_remote"
	ActionManualMerge Action = "manual_merge"
)

// Conflict describes a stale edit. Local is the rejected content of the
// submitting author, Remote the snapshot the document currently holds.
// StructuredMerge marks document types where the textual suggestion is only
// a placeholder.
type Conflict struct {
	DocumentID      string              `json:"document_id"`
	DocumentType    collab.DocumentType `json:"document_type"`
	BaseVersion     int64               `json:"base_version"`
	CurrentVersion  int64               `json:"current_version"`
	Local           json.RawMessage     `json:"local"`
	Remote          json.RawMessage     `json:"remote"`
	RemoteAuthorID  string              `json:"remote_user_id,omitempty"`
	SuggestedMerge  string              `json:"suggested_merge"`
	Actions         []Action            `json:"actions"`
	StructuredMerge bool                `json:"structured_merge_gap"`
}

type ResolveInput struct {
	SessionID    string              `json:"session_id"`
	DocumentID   string              `json:"document_id"`
	DocumentType collab.DocumentType `json:"document_type"`
	Action       Action              `json:"action"`
	BaseVersion  int64               `json:"base_version"`
	Local        json.RawMessage     `json:"local"`
	Remote       json.RawMessage     `json:"remote"`
	Merged       json.RawMessage     `json:"merged,omitempty"`
}

type Document struct {
	SessionID string              `json:"session_id"`
	ID        string              `json:"document_id"`
	Type      collab.DocumentType `json:"document_type"`
	Version   int64               `json:"version"`
	Content   json.RawMessage     `json:"content"`
	UpdatedBy string              `json:"updated_by,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}
