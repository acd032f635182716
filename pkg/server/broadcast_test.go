package server

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBroadcastTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(DefaultConfig(), Collaborators{
		Verifier:  fakeVerifier{},
		Safety:    fakeSafety{},
		Completer: &fakeCompleter{},
		Flags:     &fakeFlags{},
	})
	require.NoError(t, err)
	return srv
}

func decodeFrames(t *testing.T, fc *fakeConn) []map[string]any {
	t.Helper()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	frames := make([]map[string]any, 0, len(fc.frames))
	for _, raw := range fc.frames {
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		frames = append(frames, frame)
	}
	return frames
}

func contentsOfType(frames []map[string]any, msgType string) []string {
	var out []string
	for _, f := range frames {
		if f["type"] == msgType {
			if content, ok := f["content"].(string); ok {
				out = append(out, content)
			}
		}
	}
	return out
}

func TestBroadcastReachesAllAuthenticated(t *testing.T) {
	srv := newBroadcastTestServer(t)

	alive, aliveConn := newTestSession(t, srv.registry)
	require.NoError(t, srv.registry.Authenticate(alive.ID, identityFor("alive@example.com")))
	_, connectingConn := newTestSession(t, srv.registry)

	srv.broadcastSystem("hello room")

	assert.Contains(t, contentsOfType(decodeFrames(t, aliveConn), "system"), "hello room")
	// Connecting sessions are not part of the room yet.
	assert.Empty(t, decodeFrames(t, connectingConn))
}

func TestBroadcastEvictsDeadPeer(t *testing.T) {
	srv := newBroadcastTestServer(t)

	healthy, healthyConn := newTestSession(t, srv.registry)
	require.NoError(t, srv.registry.Authenticate(healthy.ID, identityFor("healthy@example.com")))
	dead, deadConn := newTestSession(t, srv.registry)
	require.NoError(t, srv.registry.Authenticate(dead.ID, identityFor("dead@example.com")))
	deadConn.writeErr = errors.New("broken pipe")

	srv.broadcastSystem("are you there")

	// The dead peer is gone; the healthy one saw the broadcast, the departure
	// notice, and a fresh user list.
	assert.Equal(t, 1, srv.registry.CountOnline())
	assert.True(t, deadConn.isClosed())

	frames := decodeFrames(t, healthyConn)
	contents := contentsOfType(frames, "system")
	assert.Contains(t, contents, "are you there")
	assert.Contains(t, contents, "Test dead@example.com left the chat.")

	var lastUserList map[string]any
	for _, f := range frames {
		if f["type"] == "user_list" {
			lastUserList = f
		}
	}
	require.NotNil(t, lastUserList)
	users := lastUserList["users"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, "healthy@example.com", users[0].(map[string]any)["email"])
}

func TestBroadcastChatCarriesAttribution(t *testing.T) {
	srv := newBroadcastTestServer(t)

	sess, fc := newTestSession(t, srv.registry)
	require.NoError(t, srv.registry.Authenticate(sess.ID, identityFor("solo@example.com")))

	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	srv.broadcastChat("solo@example.com", "Solo", "pic.png", "hi", at)

	frames := decodeFrames(t, fc)
	require.Len(t, frames, 1)
	assert.Equal(t, "chat", frames[0]["type"])
	assert.Equal(t, "solo@example.com", frames[0]["sender"])
	assert.Equal(t, "Solo", frames[0]["name"])
	assert.Equal(t, "2026-08-25T12:00:00Z", frames[0]["timestamp"])
}
