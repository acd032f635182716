package server

import (
	"time"

	"github.com/aeolun/safetalk/pkg/protocol"
)

// noExclusion is passed to publish when every authenticated session should
// receive the frame. Session IDs start at 1 so zero never matches.
const noExclusion uint64 = 0

// publish sends an encoded frame to every authenticated session except the
// excluded one. Delivery is best-effort: a failed write evicts the peer
// instead of failing the broadcast. Evictions happen after the send loop so
// the recursive departure broadcasts (leave notice, fresh user list) never
// run while iterating. Recursion is bounded because Remove is idempotent and
// each eviction shrinks the recipient set.
func (s *Server) publish(data []byte, msgType string, excluding uint64) {
	sessions := s.registry.AuthenticatedSessions()

	var dead []uint64
	for _, sess := range sessions {
		if sess.ID == excluding {
			continue
		}
		if err := sess.Conn.WriteFrame(data); err != nil {
			debugLog.Printf("Session %d: Broadcast write failed: %v", sess.ID, err)
			dead = append(dead, sess.ID)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordMessageSent(msgType)
		}
	}

	for _, id := range dead {
		if s.metrics != nil {
			s.metrics.RecordBroadcastEviction()
		}
		s.removeSession(id)
	}
}

// broadcastSystem announces a system notice to every authenticated session.
func (s *Server) broadcastSystem(content string) {
	data, err := (&protocol.SystemMessage{Content: content}).Encode()
	if err != nil {
		errorLog.Printf("Failed to encode system broadcast: %v", err)
		return
	}
	s.publish(data, protocol.TypeSystem, noExclusion)
}

// broadcastUserList pushes a fresh presence snapshot to every authenticated
// session.
func (s *Server) broadcastUserList() {
	data, err := (&protocol.UserListMessage{Users: s.registry.SnapshotPresence()}).Encode()
	if err != nil {
		errorLog.Printf("Failed to encode user list: %v", err)
		return
	}
	s.publish(data, protocol.TypeUserList, noExclusion)
}

// broadcastChat relays a chat message to every authenticated session,
// including the sender.
func (s *Server) broadcastChat(sender, name, pic, content string, at time.Time) {
	data, err := protocol.NewChatBroadcast(sender, name, pic, content, at).Encode()
	if err != nil {
		errorLog.Printf("Failed to encode chat broadcast: %v", err)
		return
	}
	s.publish(data, protocol.TypeChat, noExclusion)
}

// sendSystem sends a system notice to a single session.
func (s *Server) sendSystem(sess *Session, content string) {
	data, err := (&protocol.SystemMessage{Content: content}).Encode()
	if err != nil {
		errorLog.Printf("Session %d: Failed to encode system message: %v", sess.ID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent(protocol.TypeSystem)
	}
	if err := sess.Conn.WriteFrame(data); err != nil {
		debugLog.Printf("Session %d: System write failed: %v", sess.ID, err)
	}
}

// sendWarning sends a warning to a single session.
func (s *Server) sendWarning(sess *Session, content string) {
	data, err := (&protocol.WarningMessage{Content: content}).Encode()
	if err != nil {
		errorLog.Printf("Session %d: Failed to encode warning: %v", sess.ID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent(protocol.TypeWarning)
	}
	if err := sess.Conn.WriteFrame(data); err != nil {
		debugLog.Printf("Session %d: Warning write failed: %v", sess.ID, err)
	}
}

// sendKick sends a kick notice to a single session. The caller closes the
// connection afterwards; the kick frame is the last thing the client sees.
func (s *Server) sendKick(sess *Session, content string) {
	data, err := (&protocol.KickMessage{Content: content}).Encode()
	if err != nil {
		errorLog.Printf("Session %d: Failed to encode kick: %v", sess.ID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent(protocol.TypeKick)
	}
	if err := sess.Conn.WriteFrame(data); err != nil {
		debugLog.Printf("Session %d: Kick write failed: %v", sess.ID, err)
	}
}
