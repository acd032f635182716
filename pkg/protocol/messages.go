// Package protocol defines the JSON wire messages exchanged between the
// SafeTalk relay and its clients. Every frame is a single JSON object with a
// top-level "type" tag plus type-specific fields, carried as one websocket
// text message.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Message type tags (Client → Server)
const (
	TypeAuth = "auth"
	TypeChat = "chat"
)

// Message type tags (Server → Client)
const (
	TypeSystem   = "system"
	TypeWarning  = "warning"
	TypeKick     = "kick"
	TypeUserList = "user_list"
	// TypeChat is bidirectional: inbound it carries only content, outbound it
	// carries the full sender attribution.
)

var (
	// ErrMalformedFrame indicates the payload is not a valid protocol frame.
	// Callers drop such frames silently.
	ErrMalformedFrame = errors.New("malformed frame")
)

// SenderAI is the synthetic sender used for assistant replies.
const SenderAI = "AI"

// User is one entry of a presence snapshot.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Pic   string `json:"pic"`
}

// InboundMessage is implemented by every message a client may send.
type InboundMessage interface {
	inbound()
}

// AuthMessage is the first message on a connection, carrying the opaque
// sign-in credential.
type AuthMessage struct {
	Token string `json:"token"`
}

func (*AuthMessage) inbound() {}

// ChatMessage is an inbound chat frame: plain text or a "/ai <prompt>"
// assistant command.
type ChatMessage struct {
	Content string `json:"content"`
}

func (*ChatMessage) inbound() {}

// UnknownMessage is a well-formed frame whose type tag the server does not
// recognize. The dispatcher decides whether that is a protocol error.
type UnknownMessage struct {
	Type string
}

func (*UnknownMessage) inbound() {}

// DecodeInbound parses a raw frame into a typed inbound message. It returns
// ErrMalformedFrame when the payload is not a JSON object with a non-empty
// string type tag.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var frame struct {
		Type    string `json:"type"`
		Token   string `json:"token"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrMalformedFrame
	}
	if strings.TrimSpace(frame.Type) == "" {
		return nil, ErrMalformedFrame
	}

	switch frame.Type {
	case TypeAuth:
		return &AuthMessage{Token: frame.Token}, nil
	case TypeChat:
		return &ChatMessage{Content: frame.Content}, nil
	default:
		return &UnknownMessage{Type: frame.Type}, nil
	}
}

// SystemMessage is an informational notice.
type SystemMessage struct {
	Content string `json:"content"`
}

// Encode serializes the message with its type tag.
func (m *SystemMessage) Encode() ([]byte, error) {
	return encodeTagged(TypeSystem, m)
}

// WarningMessage is a soft rejection; the connection stays open.
type WarningMessage struct {
	Content string `json:"content"`
}

// Encode serializes the message with its type tag.
func (m *WarningMessage) Encode() ([]byte, error) {
	return encodeTagged(TypeWarning, m)
}

// KickMessage carries the reason for a forced disconnect. The server closes
// the connection immediately after sending it.
type KickMessage struct {
	Content string `json:"content"`
}

// Encode serializes the message with its type tag.
func (m *KickMessage) Encode() ([]byte, error) {
	return encodeTagged(TypeKick, m)
}

// UserListMessage is a full presence snapshot, never an incremental diff.
type UserListMessage struct {
	Users []User `json:"users"`
}

// Encode serializes the message with its type tag.
func (m *UserListMessage) Encode() ([]byte, error) {
	// A nil slice must still serialize as [], not null.
	if m.Users == nil {
		m.Users = []User{}
	}
	return encodeTagged(TypeUserList, m)
}

// ChatBroadcast is a delivered chat message with sender attribution.
// Sender may be the literal "AI" for assistant replies.
type ChatBroadcast struct {
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Name      string `json:"name"`
	Pic       string `json:"pic"`
	Timestamp string `json:"timestamp"`
}

// NewChatBroadcast builds an outbound chat frame with an RFC3339 UTC timestamp.
func NewChatBroadcast(sender, name, pic, content string, at time.Time) *ChatBroadcast {
	return &ChatBroadcast{
		Content:   content,
		Sender:    sender,
		Name:      name,
		Pic:       pic,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

// Encode serializes the message with its type tag.
func (m *ChatBroadcast) Encode() ([]byte, error) {
	return encodeTagged(TypeChat, m)
}

// encodeTagged marshals msg and splices the type tag into the object. Keeping
// the tag out of the message structs means a struct can never be encoded with
// the wrong tag.
func encodeTagged(typeTag string, msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(typeTag)
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}
