package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    InboundMessage
		wantErr error
	}{
		{
			name: "auth frame",
			raw:  `{"type":"auth","token":"eyJhbGciOi"}`,
			want: &AuthMessage{Token: "eyJhbGciOi"},
		},
		{
			name: "chat frame",
			raw:  `{"type":"chat","content":"hello there"}`,
			want: &ChatMessage{Content: "hello there"},
		},
		{
			name: "chat frame with extra fields",
			raw:  `{"type":"chat","content":"hi","sender":"spoofed@example.com"}`,
			want: &ChatMessage{Content: "hi"},
		},
		{
			name: "unknown type is surfaced, not an error",
			raw:  `{"type":"typing","content":"..."}`,
			want: &UnknownMessage{Type: "typing"},
		},
		{
			name:    "invalid json",
			raw:     `{"type":"chat"`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "non-object payload",
			raw:     `[1,2,3]`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "missing type tag",
			raw:     `{"content":"hello"}`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "blank type tag",
			raw:     `{"type":"  ","content":"hello"}`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "empty payload",
			raw:     ``,
			wantErr: ErrMalformedFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeInbound([]byte(tt.raw))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestOutboundEncoding(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		msg  interface{ Encode() ([]byte, error) }
		want map[string]any
	}{
		{
			name: "system notice",
			msg:  &SystemMessage{Content: "alice joined the chat!"},
			want: map[string]any{"type": "system", "content": "alice joined the chat!"},
		},
		{
			name: "warning",
			msg:  &WarningMessage{Content: "Too fast! Slow down."},
			want: map[string]any{"type": "warning", "content": "Too fast! Slow down."},
		},
		{
			name: "kick",
			msg:  &KickMessage{Content: "You are banned."},
			want: map[string]any{"type": "kick", "content": "You are banned."},
		},
		{
			name: "chat broadcast",
			msg:  NewChatBroadcast("alice@example.com", "Alice", "https://pic", "hi all", at),
			want: map[string]any{
				"type":      "chat",
				"content":   "hi all",
				"sender":    "alice@example.com",
				"name":      "Alice",
				"pic":       "https://pic",
				"timestamp": "2025-06-01T12:30:00Z",
			},
		},
		{
			name: "assistant chat broadcast",
			msg:  NewChatBroadcast(SenderAI, SenderAI, "", "hello!", at),
			want: map[string]any{
				"type":      "chat",
				"content":   "hello!",
				"sender":    "AI",
				"name":      "AI",
				"pic":       "",
				"timestamp": "2025-06-01T12:30:00Z",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			require.NoError(t, err)

			var got map[string]any
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUserListEncoding(t *testing.T) {
	msg := &UserListMessage{Users: []User{
		{Name: "Alice", Email: "alice@example.com", Pic: "https://pic/a"},
		{Name: "Bob", Email: "bob@example.com", Pic: ""},
	}}

	data, err := msg.Encode()
	require.NoError(t, err)

	var got struct {
		Type  string `json:"type"`
		Users []User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeUserList, got.Type)
	assert.Equal(t, msg.Users, got.Users)
}

func TestUserListEncodesEmptyAsArray(t *testing.T) {
	data, err := (&UserListMessage{}).Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"users":[]`)
	assert.NotContains(t, string(data), "null")
}

func TestChatBroadcastTimestampIsUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	at := time.Date(2025, 6, 1, 7, 0, 0, 0, loc)

	msg := NewChatBroadcast("a@b.c", "A", "", "x", at)
	assert.Equal(t, "2025-06-01T12:00:00Z", msg.Timestamp)
}
