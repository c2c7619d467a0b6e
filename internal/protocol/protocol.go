// Package protocol defines the JSON frames exchanged over a sync websocket.
//
// Every frame is an object with a "type" field. Binary payloads (CRDT state
// and deltas) travel as standard base64 strings.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"collabtext/internal/presence"
)

// ErrMalformed is returned for frames that cannot be decoded or are missing
// required fields.
var ErrMalformed = errors.New("protocol: malformed frame")

// Type discriminates frames.
type Type string

const (
	TypeSyncState     Type = "sync_state"
	TypeUpdate        Type = "update"
	TypePresence      Type = "presence"
	TypePresenceLeave Type = "presence_leave"
	TypeAwareness     Type = "awareness"
	TypeError         Type = "error"
)

// Error codes carried by TypeError frames.
const (
	CodeInvalidUpdate = "invalid_update"
	CodeStaleEpoch    = "stale_epoch"
	CodeReadOnly      = "read_only"
	CodeProtocol      = "protocol_error"
)

// Message is a decoded frame. Which fields are set depends on Type.
type Message struct {
	Type Type `json:"type"`

	// sync_state
	State   []byte   `json:"state,omitempty"`
	Version *uint64  `json:"version,omitempty"`
	Heads   []string `json:"heads,omitempty"`

	// update, awareness
	Update []byte `json:"update,omitempty"`

	// presence, presence_leave and forwarded updates
	UserID    string          `json:"user_id,omitempty"`
	Username  string          `json:"username,omitempty"`
	AvatarURL string          `json:"avatar_url,omitempty"`
	Color     string          `json:"color,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	// error
	Code   string `json:"code,omitempty"`
	Reason string `json:"message,omitempty"`
}

// Decode parses an inbound client frame. Only update, presence and
// awareness frames are accepted from clients.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Type {
	case TypeUpdate, TypeAwareness:
		if len(m.Update) == 0 {
			return Message{}, fmt.Errorf("%w: %s without payload", ErrMalformed, m.Type)
		}
	case TypePresence:
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Message{}, fmt.Errorf("%w: unexpected type %q", ErrMalformed, m.Type)
	}
	return m, nil
}

// DecodeServer parses a frame sent by the server. Clients use it.
func DecodeServer(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}

// Encode marshals m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// MustEncode marshals a message built by this package's constructors, which
// cannot fail to encode.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

// SyncState is the full-state frame sent on join and after a rollback.
func SyncState(state []byte, epoch uint64, heads []string) Message {
	return Message{Type: TypeSyncState, State: state, Version: &epoch, Heads: heads}
}

// Update is an update forwarded to other clients.
func Update(delta []byte, userID, username string, at time.Time) Message {
	return Message{Type: TypeUpdate, Update: delta, UserID: userID, Username: username, Timestamp: at.UnixMilli()}
}

// Awareness is an awareness payload forwarded to other clients.
func Awareness(payload []byte, userID string) Message {
	return Message{Type: TypeAwareness, Update: payload, UserID: userID}
}

// Presence is a presence record as clients see it.
func Presence(r presence.Record) Message {
	return Message{
		Type:      TypePresence,
		UserID:    r.UserID,
		Username:  r.DisplayName,
		AvatarURL: r.AvatarRef,
		Color:     r.Color,
		Cursor:    r.Cursor,
		Timestamp: r.LastSeen.UnixMilli(),
	}
}

// PresenceLeave tells clients a user is gone.
func PresenceLeave(userID string) Message {
	return Message{Type: TypePresenceLeave, UserID: userID}
}

// Error is an error reply to one client.
func Error(code, reason string) Message {
	return Message{Type: TypeError, Code: code, Reason: reason}
}

// ClientUpdate is the frame a client sends for a local edit.
func ClientUpdate(delta []byte) Message {
	return Message{Type: TypeUpdate, Update: delta}
}

// ClientPresence is a client heartbeat carrying its cursor.
func ClientPresence(cursor json.RawMessage) Message {
	return Message{Type: TypePresence, Cursor: cursor}
}
