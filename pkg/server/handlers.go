package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aeolun/safetalk/pkg/moderation"
	"github.com/aeolun/safetalk/pkg/protocol"
)

// errSessionEnded tells the message loop the handler already closed the
// session (kick or ban) and reading should stop.
var errSessionEnded = errors.New("session ended")

// handleMessage dispatches an inbound message based on session state.
func (s *Server) handleMessage(sess *Session, msg protocol.InboundMessage) error {
	switch m := msg.(type) {
	case *protocol.AuthMessage:
		return s.handleAuth(sess, m)
	case *protocol.ChatMessage:
		return s.handleChat(sess, m)
	case *protocol.UnknownMessage:
		if sess.State() != StateAuthenticated {
			return s.kick(sess, "Not authenticated.")
		}
		// Authenticated peers may speak newer dialects; ignore what we
		// don't recognize.
		debugLog.Printf("Session %d: Ignoring unknown message type %q", sess.ID, m.Type)
		return nil
	default:
		return fmt.Errorf("unhandled message type %T", msg)
	}
}

// handleAuth verifies the token and promotes the session to Authenticated.
// Every failure path kicks: an unauthenticated peer gets exactly one attempt.
func (s *Server) handleAuth(sess *Session, msg *protocol.AuthMessage) error {
	if sess.State() == StateAuthenticated {
		return s.kick(sess, "Already authenticated.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.AuthTimeout)
	defer cancel()

	identity, err := s.collab.Verifier.Verify(ctx, msg.Token)
	if err != nil {
		debugLog.Printf("Session %d: Token verification failed: %v", sess.ID, err)
		return s.kick(sess, "Invalid sign-in")
	}

	if err := s.registry.Authenticate(sess.ID, identity); err != nil {
		switch {
		case errors.Is(err, ErrBanned):
			debugLog.Printf("Session %d: Rejected banned email %s", sess.ID, identity.Email)
			return s.kick(sess, "You are banned.")
		case errors.Is(err, ErrAlreadyActive):
			debugLog.Printf("Session %d: Rejected duplicate login for %s", sess.ID, identity.Email)
			return s.kick(sess, "This account is already active.")
		default:
			return s.kick(sess, "Not authenticated.")
		}
	}

	debugLog.Printf("Session %d: Authenticated as %s", sess.ID, identity.Email)
	s.broadcastSystem(fmt.Sprintf("%s joined the chat!", identity.Name))
	s.broadcastUserList()
	s.sendSystem(sess, "Connected to SafeTalk")
	return nil
}

// handleChat runs the full gauntlet for one chat message: state gate, length
// bound, rate limit, then either the assistant command or the moderation
// pipeline.
func (s *Server) handleChat(sess *Session, msg *protocol.ChatMessage) error {
	if sess.State() != StateAuthenticated {
		return s.kick(sess, "Not authenticated.")
	}
	identity, ok := sess.Identity()
	if !ok {
		return s.kick(sess, "Not authenticated.")
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}

	// Length check comes before the rate check: an over-length message
	// touches no counters and does not update the spacing clock.
	if utf8.RuneCountInString(content) > s.config.MaxMessageLength {
		s.sendWarning(sess, "Message too long.")
		return nil
	}

	switch s.enforcer.CheckRate(sess, time.Now()) {
	case RateTooFast:
		s.sendWarning(sess, "Too fast! Slow down.")
		return nil
	case RateBanTriggered:
		s.enforcer.Ban(identity.Email)
		s.sendWarning(sess, "Too fast! Slow down.")
		return s.kick(sess, "Banned for spamming.")
	}

	if len(content) >= len(s.config.CommandPrefix) &&
		strings.EqualFold(content[:len(s.config.CommandPrefix)], s.config.CommandPrefix) {
		prompt := strings.TrimSpace(content[len(s.config.CommandPrefix):])
		return s.handleAssistant(sess, identity.Email, prompt)
	}

	verdict := s.checkSafe(content)
	if !verdict.Safe {
		return s.applyViolation(sess, identity.Email, content, verdict.Reason,
			"Blocked: ", "Banned for repeated unsafe messages.")
	}

	s.broadcastChat(identity.Email, identity.Name, identity.Pic, content, time.Now())
	return nil
}

// handleAssistant moderates the prompt, asks the completion service, and
// broadcasts the reply to everyone (requester included). A completion failure
// still produces a broadcast so the room sees the assistant was asked.
func (s *Server) handleAssistant(sess *Session, email, prompt string) error {
	verdict := s.checkSafe(prompt)
	if !verdict.Safe {
		return s.applyViolation(sess, email, prompt, verdict.Reason,
			"AI prompt blocked: ", "Banned for unsafe inputs.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.CompletionTimeout)
	defer cancel()

	reply, err := s.collab.Completer.Complete(ctx, prompt)
	if err != nil {
		errorLog.Printf("Session %d: Completion failed: %v", sess.ID, err)
		if s.metrics != nil {
			s.metrics.RecordCompletionFailure()
		}
		reply = fmt.Sprintf("Error: %v", err)
	}

	s.broadcastChat(protocol.SenderAI, protocol.SenderAI, "", reply, time.Now())
	return nil
}

// applyViolation handles one blocked message: persist it, warn the sender,
// count it, and ban on the threshold. warnPrefix distinguishes ordinary chat
// from assistant prompts; banReason is the kick text when the threshold hits.
func (s *Server) applyViolation(sess *Session, email, content, reason, warnPrefix, banReason string) error {
	s.collab.Flags.Append(email, content, reason)
	if s.metrics != nil {
		s.metrics.RecordFlaggedEvent()
	}

	s.sendWarning(sess, warnPrefix+reason)

	if s.enforcer.RecordViolation(sess) == ViolationBanTriggered {
		s.enforcer.Ban(email)
		return s.kick(sess, banReason)
	}
	return nil
}

// checkSafe runs the moderation pipeline with the configured timeout. The
// degraded-mode note stays server-side: peers never learn the classifier was
// down.
func (s *Server) checkSafe(text string) moderation.Verdict {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ModerationTimeout)
	defer cancel()

	v := s.collab.Safety.CheckSafe(ctx, text)
	if v.Note != "" {
		debugLog.Printf("Moderation degraded: %s", v.Note)
	}
	if s.metrics != nil {
		switch {
		case v.Note != "":
			s.metrics.RecordVerdict("degraded")
		case v.Safe:
			s.metrics.RecordVerdict("safe")
		default:
			s.metrics.RecordVerdict("unsafe")
		}
	}
	return v
}

// kick sends the kick notice, closes the connection, and tells the message
// loop to stop. The deferred removeSession in the loop handles registry
// cleanup and departure broadcasts.
func (s *Server) kick(sess *Session, reason string) error {
	debugLog.Printf("Session %d: Kicked: %s", sess.ID, reason)
	s.sendKick(sess, reason)
	sess.Conn.Close()
	return errSessionEnded
}
