package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/safetalk/pkg/auth"
	"github.com/aeolun/safetalk/pkg/protocol"
)

// SessionState is the lifecycle state of a connection.
type SessionState uint8

const (
	// StateConnecting is the initial state: the transport is open but no
	// identity is attached. The only accepted message is an auth request.
	StateConnecting SessionState = iota
	// StateAuthenticated means a verified identity is attached. A session
	// enters this state exactly once and can never re-enter it.
	StateAuthenticated
	// StateClosed is terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyActive indicates another live session already holds the email.
	// The new connection is rejected; the existing session is never evicted.
	ErrAlreadyActive = errors.New("account already active on another connection")
	// ErrBanned indicates the email is in the ban set.
	ErrBanned = errors.New("email is banned")
	// ErrSessionGone indicates the session was removed before the operation ran.
	ErrSessionGone = errors.New("session no longer registered")
)

// Session represents one live client connection and its abuse-tracking state.
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string

	mu       sync.RWMutex // Protects state and identity
	state    SessionState
	identity *auth.Identity

	// Abuse counters. Only the session's own reader goroutine touches these
	// (a single session's messages are logically serialized), so they need
	// no locking. All three are monotonic while the session lives.
	unsafeCount    int
	rateViolations int
	lastMessageAt  time.Time
}

// State returns the current lifecycle state (thread-safe).
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the attached identity, if the session ever authenticated.
func (s *Session) Identity() (auth.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return auth.Identity{}, false
	}
	return *s.identity, true
}

// Registry is the process-wide authoritative map of live sessions: the single
// source of truth for presence and email uniqueness. All state is in-memory
// and reset on restart.
type Registry struct {
	bans    *BanSet
	metrics *Metrics
	nextID  atomic.Uint64

	mu       sync.RWMutex
	sessions map[uint64]*Session
	byEmail  map[string]uint64 // authenticated email -> session ID
	order    []uint64          // authenticated session IDs in authentication order
}

// NewRegistry creates an empty registry backed by the given ban set.
func NewRegistry(bans *BanSet) *Registry {
	return &Registry{
		bans:     bans,
		sessions: make(map[uint64]*Session),
		byEmail:  make(map[string]uint64),
	}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register creates a Connecting session for a freshly opened connection.
func (r *Registry) Register(conn *SafeConn, remoteAddr string) *Session {
	sess := &Session{
		ID:         r.nextID.Add(1),
		Conn:       conn,
		RemoteAddr: remoteAddr,
		state:      StateConnecting,
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordOpenConnections(count)
		r.metrics.RecordSessionCreated()
	}
	return sess
}

// Authenticate attaches a verified identity and moves the session to
// Authenticated. The ban check, the email-uniqueness check, and the index
// insert happen under one lock so two simultaneous logins for the same email
// cannot both pass.
func (r *Registry) Authenticate(sessionID uint64, identity auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionGone
	}

	if r.bans.Contains(identity.Email) {
		return ErrBanned
	}
	if _, active := r.byEmail[identity.Email]; active {
		return ErrAlreadyActive
	}

	sess.mu.Lock()
	if sess.state != StateConnecting {
		sess.mu.Unlock()
		return ErrSessionGone
	}
	id := identity
	sess.identity = &id
	sess.state = StateAuthenticated
	sess.mu.Unlock()

	r.byEmail[identity.Email] = sessionID
	r.order = append(r.order, sessionID)

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(len(r.order))
	}
	return nil
}

// Remove deletes the session, closes its connection, and marks it Closed.
// It returns the identity if the session had reached Authenticated, so the
// caller can announce the departure. Removing an unknown ID is a no-op, which
// bounds the broadcast-failure recursion: a session is removed at most once.
func (r *Registry) Remove(sessionID uint64) *auth.Identity {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, sessionID)

	sess.mu.Lock()
	wasAuthenticated := sess.state == StateAuthenticated
	identity := sess.identity
	sess.state = StateClosed
	sess.mu.Unlock()

	if wasAuthenticated {
		delete(r.byEmail, identity.Email)
		for i, id := range r.order {
			if id == sessionID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	openCount := len(r.sessions)
	activeCount := len(r.order)
	r.mu.Unlock()

	sess.Conn.Close()

	if r.metrics != nil {
		r.metrics.RecordOpenConnections(openCount)
		r.metrics.RecordActiveSessions(activeCount)
		r.metrics.RecordSessionRemoved()
	}

	if !wasAuthenticated {
		return nil
	}
	return identity
}

// Get returns a session by ID.
func (r *Registry) Get(sessionID uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// AuthenticatedSessions returns the authenticated sessions in authentication
// order.
func (r *Registry) AuthenticatedSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		if sess, ok := r.sessions[id]; ok {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// SnapshotPresence returns the authenticated identities in authentication
// order. Always freshly computed, never an incremental diff, so a client
// that misses one update self-heals on the next.
func (r *Registry) SnapshotPresence() []protocol.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]protocol.User, 0, len(r.order))
	for _, id := range r.order {
		sess, ok := r.sessions[id]
		if !ok {
			continue
		}
		sess.mu.RLock()
		if sess.identity != nil {
			users = append(users, protocol.User{
				Name:  sess.identity.Name,
				Email: sess.identity.Email,
				Pic:   sess.identity.Pic,
			})
		}
		sess.mu.RUnlock()
	}
	return users
}

// CountOnline returns the number of authenticated sessions.
func (r *Registry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// CloseAll closes every connection and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		sess.mu.Lock()
		sess.state = StateClosed
		sess.mu.Unlock()
		sess.Conn.Close()
	}
	r.sessions = make(map[uint64]*Session)
	r.byEmail = make(map[string]uint64)
	r.order = nil
}
