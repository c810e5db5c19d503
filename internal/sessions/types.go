package sessions

import (
	"encoding/json"
	"time"

	"collab/api/internal/collab"
)

type Session struct {
	ID           string               `json:"id"`
	WorkspaceID  string               `json:"workspace_id"`
	OwnerID      string               `json:"owner_id"`
	Kind         collab.SessionKind   `json:"kind"`
	ChannelName  string               `json:"channel_name"`
	Status       collab.SessionStatus `json:"status"`
	Participants []string             `json:"participants"`
	Permissions  map[string]string    `json:"permissions"`
	StartedAt    time.Time            `json:"started_at"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
}

// Channel is the router key of the session's broadcast channel.
func (s Session) Channel() string {
	return collab.SessionChannel(s.ID)
}

func (s Session) HasParticipant(principalID string) bool {
	for _, id := range s.Participants {
		if id == principalID {
			return true
		}
	}
	return false
}

// Summary is the listing shape of a session.
type Summary struct {
	ID               string               `json:"id"`
	Kind             collab.SessionKind   `json:"kind"`
	ChannelName      string               `json:"channel_name"`
	OwnerID          string               `json:"owner_id"`
	Status           collab.SessionStatus `json:"status"`
	ParticipantCount int                  `json:"participant_count"`
	StartedAt        time.Time            `json:"started_at"`
}

func (s Session) Summary() Summary {
	return Summary{
		ID:               s.ID,
		Kind:             s.Kind,
		ChannelName:      s.ChannelName,
		OwnerID:          s.OwnerID,
		Status:           s.Status,
		ParticipantCount: len(s.Participants),
		StartedAt:        s.StartedAt,
	}
}

type MessageInput struct {
	Message     string          `json:"message"`
	MessageType string          `json:"message_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type Message struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	Message     string          `json:"message"`
	MessageType string          `json:"message_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

type UpdateInput struct {
	DataType  string          `json:"data_type"`
	Data      json.RawMessage `json:"data"`
	Operation string          `json:"operation"`
}

type Update struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	UserName  string          `json:"user_name"`
	DataType  string          `json:"data_type"`
	Data      json.RawMessage `json:"data"`
	Operation string          `json:"operation"`
	Timestamp time.Time       `json:"timestamp"`
}

type History struct {
	SessionID string    `json:"session_id"`
	Messages  []Message `json:"messages"`
	Updates   []Update  `json:"updates"`
}

type startedPayload struct {
	Session  Summary `json:"session"`
	UserID   string  `json:"user_id"`
	UserName string  `json:"user_name"`
}

type participantPayload struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name"`
	Participants int    `json:"participant_count"`
}

type endedPayload struct {
	SessionID   string    `json:"session_id"`
	ChannelName string    `json:"channel_name"`
	EndedBy     string    `json:"ended_by"`
	Reason      string    `json:"reason"`
	EndedAt     time.Time `json:"ended_at"`
}
