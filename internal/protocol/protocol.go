// Package protocol defines the event envelope and payloads exchanged between
// collaboration clients and the relay server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/presence"
)

// Event names carried in Envelope.Event.
const (
	EventConnected     = "connected"
	EventJoin          = "join"
	EventRoomJoined    = "room_joined"
	EventUserJoined    = "user_joined"
	EventUserLeft      = "user_left"
	EventChange        = "change"
	EventChangeApplied = "change_applied"
	EventCursor        = "cursor"
	EventCursorApplied = "cursor_applied"
	EventNoteCreated   = "note_created"
	EventError         = "error"
)

// MaxFrameBytes caps one inbound frame on every transport.
const MaxFrameBytes = 1 << 20

// ErrInvalidEnvelope indicates a frame that could not be decoded into an Envelope.
var ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

// Envelope is the JSON frame carried by every transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals the payload into an envelope for the named event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Encode marshals an event and payload into a wire frame.
func Encode(event string, payload any) ([]byte, error) {
	envelope, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

// Decode parses a wire frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if envelope.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrInvalidEnvelope)
	}
	return envelope, nil
}

// DecodeData unmarshals the envelope payload into target.
func (e Envelope) DecodeData(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: missing data for %s", ErrInvalidEnvelope, e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidEnvelope, e.Event, err)
	}
	return nil
}

// Connected is the handshake frame that tells a client its session identifier.
type Connected struct {
	SessionID string `json:"sessionId"`
}

// Join requests membership in a room.
type Join struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName,omitempty"`
}

// RoomJoined is sent only to the joining connection.
type RoomJoined struct {
	RoomID         string             `json:"roomId"`
	ActiveSessions []presence.Session `json:"activeSessions"`
}

// PresenceChange is the payload of user_joined and user_left.
type PresenceChange struct {
	SessionID      string             `json:"sessionId"`
	DisplayName    string             `json:"displayName"`
	ActiveSessions []presence.Session `json:"activeSessions"`
}

// Change is a client's announcement that a note was saved with new content.
type Change struct {
	RoomID    string  `json:"roomId"`
	Content   string  `json:"content"`
	Title     *string `json:"title,omitempty"`
	OriginID  string  `json:"originId"`
	UpdatedBy string  `json:"updatedBy,omitempty"`
}

// ChangeApplied is relayed to the peers of the originating connection.
type ChangeApplied struct {
	RoomID    string    `json:"roomId"`
	Content   string    `json:"content"`
	Title     *string   `json:"title,omitempty"`
	UpdatedBy string    `json:"updatedBy"`
	Timestamp time.Time `json:"timestamp"`
	OriginID  string    `json:"originId"`
}

// Cursor shares a caret position. Position and selection are opaque to the relay.
type Cursor struct {
	RoomID    string          `json:"roomId"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// CursorApplied is relayed to the peers of the cursor owner.
type CursorApplied struct {
	SessionID   string          `json:"sessionId"`
	DisplayName string          `json:"displayName"`
	Position    json.RawMessage `json:"position,omitempty"`
	Selection   json.RawMessage `json:"selection,omitempty"`
}

// NoteSummary is the note representation carried by note_created.
type NoteSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NoteCreated announces a newly persisted note to every connection.
type NoteCreated struct {
	Note      NoteSummary `json:"note"`
	CreatedBy string      `json:"createdBy"`
	Timestamp time.Time   `json:"timestamp"`
}

// Error reports a rejected event or transport failure.
type Error struct {
	Message string `json:"message"`
}
