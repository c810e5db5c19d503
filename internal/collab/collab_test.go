package collab

import (
	"errors"
	"fmt"
	"testing"
)

func TestOperationKindClassification(t *testing.T) {
	cases := []struct {
		kind      OperationKind
		versioned bool
		stored    bool
	}{
		{kind: OpCursorUpdate},
		{kind: OpFormatting},
		{kind: OpContentChange, versioned: true},
		{kind: OpStructureChange, versioned: true},
		{kind: OpChatMessage, stored: true},
		{kind: OpDataUpdate, stored: true},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			if got := tc.kind.Versioned(); got != tc.versioned {
				t.Fatalf("Versioned() = %v, want %v", got, tc.versioned)
			}
			if got := tc.kind.Stored(); got != tc.stored {
				t.Fatalf("Stored() = %v, want %v", got, tc.stored)
			}
		})
	}
}

func TestParseSessionKindRejectsUnknown(t *testing.T) {
	if _, err := ParseSessionKind("karaoke"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	kind, err := ParseSessionKind(" chat ")
	if err != nil || kind != KindChat {
		t.Fatalf("ParseSessionKind(chat) = %q, %v", kind, err)
	}
}

func TestParseDocumentTypeDefaultsToText(t *testing.T) {
	got, err := ParseDocumentType("")
	if err != nil || got != DocumentText {
		t.Fatalf("ParseDocumentType(\"\") = %q, %v", got, err)
	}
	if !DocumentWhiteboard.Structured() || DocumentCode.Structured() {
		t.Fatal("unexpected Structured() classification")
	}
}

func TestChannelNames(t *testing.T) {
	channel := WorkspaceChannel("ws-1")
	if channel != "workspace.ws-1" {
		t.Fatalf("WorkspaceChannel() = %q", channel)
	}
	id, ok := ParseWorkspaceChannel(channel)
	if !ok || id != "ws-1" {
		t.Fatalf("ParseWorkspaceChannel() = %q, %v", id, ok)
	}
	if _, ok := ParseWorkspaceChannel("workspace."); ok {
		t.Fatal("expected empty workspace id to be rejected")
	}

	session := SessionChannel("ses_1")
	if session != "session.ses_1" {
		t.Fatalf("SessionChannel() = %q", session)
	}
	sid, ok := ParseSessionChannel(session)
	if !ok || sid != "ses_1" {
		t.Fatalf("ParseSessionChannel() = %q, %v", sid, ok)
	}
	if !IsSessionChannel(session) || IsSessionChannel(channel) || IsSessionChannel("session.") {
		t.Fatal("unexpected IsSessionChannel classification")
	}
}

func TestValidateChannelName(t *testing.T) {
	cases := []struct {
		name  string
		value string
		ok    bool
	}{
		{name: "plain", value: "sess-1", ok: true},
		{name: "empty", value: "  "},
		{name: "workspace prefix", value: "workspace.ws-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateChannelName(tc.value)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestErrorCodesRoundTrip(t *testing.T) {
	for _, c := range codes {
		wrapped := fmt.Errorf("context: %w", c.err)
		code := Code(wrapped)
		if code != c.code {
			t.Fatalf("Code(%v) = %s, want %s", c.err, code, c.code)
		}
		remote := &RemoteError{Code: code, Message: wrapped.Error()}
		if !errors.Is(remote, c.err) {
			t.Fatalf("RemoteError{%s} does not match %v", code, c.err)
		}
	}
	if Code(errors.New("boom")) != CodeServerError {
		t.Fatal("unknown errors map to SERVER_ERROR")
	}
	if errors.Unwrap(&RemoteError{Code: CodeServerError}) != nil {
		t.Fatal("server errors have no sentinel")
	}
}
