// Package oplog keeps a versioned snapshot and a bounded change log per
// document and detects edits made from a stale base version. It never picks
// a winner: stale edits come back as a Conflict for the author to resolve.
package oplog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"collab/api/internal/collab"
	"collab/api/internal/util"
)

const DefaultChangeLimit = 500

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusConflict  Status = "conflict"
	StatusBroadcast Status = "broadcast"
)

type Options struct {
	ChangeLimit int
	Logger      *slog.Logger
	Now         func() time.Time
}

type Log struct {
	limit  int
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	documents map[docKey]*document
}

type docKey struct {
	session  string
	document string
}

type document struct {
	mu        sync.Mutex
	kind      collab.DocumentType
	version   int64
	content   json.RawMessage
	updatedBy string
	updatedAt time.Time
	changes   []Operation
}

func New(opts Options) *Log {
	if opts.ChangeLimit <= 0 {
		opts.ChangeLimit = DefaultChangeLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Log{
		limit:     opts.ChangeLimit,
		logger:    opts.Logger,
		now:       opts.Now,
		documents: make(map[docKey]*document),
	}
}

// Submit runs the version check for one operation. Cursor and formatting
// operations are never versioned and come back as StatusBroadcast. A content
// operation built on the current version is applied and advances it by one;
// one built on an older version is returned as a Conflict and leaves the
// document untouched.
func (l *Log) Submit(author collab.Principal, input Input) (Result, error) {
	if err := input.validate(); err != nil {
		return Result{}, err
	}
	docType, err := collab.ParseDocumentType(string(input.DocumentType))
	if err != nil {
		return Result{}, err
	}
	at := l.now().UTC()
	op := Operation{
		ID:           util.NewID("op"),
		SessionID:    input.SessionID,
		DocumentID:   input.DocumentID,
		DocumentType: docType,
		Kind:         input.Kind,
		AuthorID:     author.ID,
		AuthorName:   author.DisplayName,
		BaseVersion:  input.BaseVersion,
		Content:      input.Content,
		Changes:      input.Changes,
		Timestamp:    at,
	}
	if !input.Kind.Versioned() {
		return Result{Status: StatusBroadcast, Operation: op}, nil
	}

	doc := l.document(input.SessionID, input.DocumentID, docType)
	doc.mu.Lock()
	defer doc.mu.Unlock()

	switch {
	case input.BaseVersion > doc.version:
		return Result{}, fmt.Errorf("%w: base version %d, document is at %d", collab.ErrFutureVersion, input.BaseVersion, doc.version)
	case input.BaseVersion < doc.version:
		conflict := newConflict(doc, op)
		l.logger.Info("stale operation flagged",
			"session_id", input.SessionID,
			"document_id", input.DocumentID,
			"base_version", input.BaseVersion,
			"current_version", doc.version,
			"principal_id", author.ID,
		)
		return Result{Status: StatusConflict, Version: doc.version, Operation: op, Conflict: &conflict}, nil
	}

	doc.version++
	op.Version = doc.version
	if len(input.Content) > 0 {
		doc.content = append(json.RawMessage(nil), input.Content...)
	}
	doc.updatedBy = author.ID
	doc.updatedAt = at
	doc.changes = append(doc.changes, op)
	if len(doc.changes) > l.limit {
		doc.changes = append(doc.changes[:0:0], doc.changes[len(doc.changes)-l.limit:]...)
	}
	return Result{Status: StatusAccepted, Version: doc.version, Operation: op}, nil
}

// Resolve applies the content chosen for a flagged conflict as a new content
// operation at input.BaseVersion. The resolution is itself version checked
// and may be flagged again when the document moved on meanwhile.
func (l *Log) Resolve(author collab.Principal, input ResolveInput) (Result, error) {
	var content json.RawMessage
	switch input.Action {
	case ActionKeepLocal:
		content = input.Local
	case ActionKeepRemote:
		content = input.Remote
	case ActionManualMerge:
		if len(input.Merged) > 0 {
			content = input.Merged
		} else {
			merged, err := json.Marshal(MergeText(input.Local, input.Remote))
			if err != nil {
				return Result{}, fmt.Errorf("encode merged content: %w", err)
			}
			content = merged
		}
	default:
		return Result{}, fmt.Errorf("%w: unknown resolution %q", collab.ErrInvalidArgument, input.Action)
	}
	return l.Submit(author, Input{
		SessionID:    input.SessionID,
		DocumentID:   input.DocumentID,
		DocumentType: input.DocumentType,
		Kind:         collab.OpContentChange,
		BaseVersion:  input.BaseVersion,
		Content:      content,
		Changes:      resolutionChanges(input.Action),
	})
}

// Snapshot returns the current state of a document. Unknown documents are at
// version 0 with no content.
func (l *Log) Snapshot(sessionID, documentID string) Document {
	l.mu.Lock()
	doc, ok := l.documents[docKey{session: sessionID, document: documentID}]
	l.mu.Unlock()
	if !ok {
		return Document{SessionID: sessionID, ID: documentID, Type: collab.DocumentText}
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return Document{
		SessionID: sessionID,
		ID:        documentID,
		Type:      doc.kind,
		Version:   doc.version,
		Content:   append(json.RawMessage(nil), doc.content...),
		UpdatedBy: doc.updatedBy,
		UpdatedAt: doc.updatedAt,
	}
}

// Changes returns the retained accepted operations of a document with a
// version greater than since, oldest first.
func (l *Log) Changes(sessionID, documentID string, since int64) []Operation {
	l.mu.Lock()
	doc, ok := l.documents[docKey{session: sessionID, document: documentID}]
	l.mu.Unlock()
	if !ok {
		return []Operation{}
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	out := []Operation{}
	for _, op := range doc.changes {
		if op.Version > since {
			out = append(out, op)
		}
	}
	return out
}

// DropSession discards every document of an ended session.
func (l *Log) DropSession(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key := range l.documents {
		if key.session == sessionID {
			delete(l.documents, key)
			n++
		}
	}
	if n > 0 {
		l.logger.Debug("documents discarded", "session_id", sessionID, "count", n)
	}
	return n
}

func (l *Log) document(sessionID, documentID string, kind collab.DocumentType) *document {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := docKey{session: sessionID, document: documentID}
	doc, ok := l.documents[key]
	if !ok {
		doc = &document{kind: kind}
		l.documents[key] = doc
	}
	return doc
}

func newConflict(doc *document, op Operation) Conflict {
	return Conflict{
		DocumentID:      op.DocumentID,
		DocumentType:    doc.kind,
		BaseVersion:     op.BaseVersion,
		CurrentVersion:  doc.version,
		Local:           op.Content,
		Remote:          append(json.RawMessage(nil), doc.content...),
		RemoteAuthorID:  doc.updatedBy,
		SuggestedMerge:  MergeText(op.Content, doc.content),
		Actions:         []Action{ActionKeepLocal, ActionKeepRemote, ActionManualMerge},
		StructuredMerge: doc.kind.Structured(),
	}
}

// MergeSeparator sits between the two sides of a suggested merge.
const MergeSeparator = "\n\n=======\n\n"

// MergeText builds the default manual merge body: the local text, the
// separator, then the remote text. JSON string values are unquoted first;
// any other JSON is merged as its raw text.
func MergeText(local, remote json.RawMessage) string {
	return contentText(local) + MergeSeparator + contentText(remote)
}

func contentText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal([]byte(trimmed), &text); err == nil {
		return text
	}
	return trimmed
}

func resolutionChanges(action Action) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"resolution": string(action)})
	return data
}
