package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/safetalk/pkg/auth"
	"github.com/aeolun/safetalk/pkg/moderation"
	"github.com/aeolun/safetalk/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	maxFrameSize           = 4096
	metricsLoggingInterval = 5 * time.Second
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// TokenVerifier checks a sign-in token and returns the identity it proves.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// SafetyChecker decides whether content may be relayed.
type SafetyChecker interface {
	CheckSafe(ctx context.Context, text string) moderation.Verdict
}

// Completer produces an assistant reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// FlagLogger records blocked content for later review. Implementations must
// never block the caller.
type FlagLogger interface {
	Append(email, content, reason string)
}

// Collaborators are the external services the server depends on.
type Collaborators struct {
	Verifier  TokenVerifier
	Safety    SafetyChecker
	Completer Completer
	Flags     FlagLogger
}

// Server is the SafeTalk relay: one websocket endpoint, an in-memory session
// registry, and a moderation gate in front of every relayed message.
type Server struct {
	config   ServerConfig
	registry *Registry
	bans     *BanSet
	enforcer *Enforcer
	collab   Collaborators
	metrics  *Metrics
	upgrader websocket.Upgrader

	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time

	publicSrv  *http.Server
	metricsSrv *http.Server

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer wires the server together. All collaborators are required.
func NewServer(config ServerConfig, collab Collaborators) (*Server, error) {
	if collab.Verifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}
	if collab.Safety == nil {
		return nil, fmt.Errorf("safety checker is required")
	}
	if collab.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if collab.Flags == nil {
		return nil, fmt.Errorf("flag logger is required")
	}

	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metrics := NewMetrics()
	bans := NewBanSet()
	registry := NewRegistry(bans)
	registry.SetMetrics(metrics)
	enforcer := NewEnforcer(config.MinMessageSpacing, config.MaxRateViolations, config.MaxContentViolations, bans)
	enforcer.SetMetrics(metrics)

	return &Server{
		config:   config,
		registry: registry,
		bans:     bans,
		enforcer: enforcer,
		collab:   collab,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    maxFrameSize,
			WriteBufferSize:   maxFrameSize,
			EnableCompression: true,
			// Browser clients connect from arbitrary origins; auth happens
			// in-band via the token, not via the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "safetalk")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "safetalk")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers. Once initialized they stay
// put, so repeated NewServer calls (tests, restarts) don't reopen log files.
func initLoggers() error {
	if errorLog != nil {
		return nil
	}

	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	// Create/truncate debug.log
	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start starts the public websocket server and the internal metrics server.
func (s *Server) Start() error {
	// Metrics HTTP server (internal only - never expose publicly!)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", s.metrics.Handler())
	metricsMux.HandleFunc("/health", s.HealthHandler)
	s.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		log.Printf("Metrics server listening on :%d (/metrics, /health) - INTERNAL ONLY", s.config.MetricsPort)
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// Public websocket server
	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/ws", s.HandleWebSocket)
	s.publicSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler: publicMux,
	}
	go func() {
		log.Printf("Public HTTP server listening on :%d (/ws)", s.config.HTTPPort)
		if err := s.publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Public HTTP server error: %v", err)
		}
	}()

	// Metrics logging goroutine (log metrics every 5 seconds)
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	// Notify all connected clients before closing connections
	log.Println("Notifying connected clients of shutdown...")
	s.notifyClientsOfShutdown()

	log.Println("Closing all client sessions...")
	s.registry.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.publicSrv != nil {
		if err := s.publicSrv.Shutdown(ctx); err != nil {
			log.Printf("Public HTTP server shutdown error: %v", err)
		}
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
	}

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	log.Println("Graceful shutdown complete")
	return nil
}

// notifyClientsOfShutdown sends a system message to all connected clients.
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.registry.AuthenticatedSessions()
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	data, err := (&protocol.SystemMessage{Content: "Server shutting down for maintenance"}).Encode()
	if err != nil {
		log.Printf("Failed to encode shutdown notice: %v", err)
		return
	}

	sent := 0
	for _, sess := range sessions {
		if err := sess.Conn.WriteFrame(data); err == nil {
			sent++
		}
	}
	log.Printf("Shutdown notification sent to %d/%d sessions", sent, len(sessions))
}

// HealthHandler reports liveness plus basic counts.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"online_users":%d,"banned_emails":%d}`+"\n",
		int64(time.Since(s.startTime).Seconds()), s.registry.CountOnline(), s.bans.Len())
}

// HandleWebSocket upgrades an HTTP request and runs the session's message loop.
// One goroutine per connection; the loop owns all reads for its session.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	sess := s.registry.Register(NewSafeConn(conn), conn.RemoteAddr().String())
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d)", sess.RemoteAddr, sess.ID)

	s.messageLoop(sess)
}

// messageLoop reads frames until the connection dies or a handler ends the
// session. Malformed frames are dropped without a reply.
func (s *Server) messageLoop(sess *Session) {
	defer func() {
		s.disconnectionsSinceReport.Add(1)
		s.removeSession(sess.ID)
	}()

	for {
		data, err := sess.Conn.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugLog.Printf("Session %d: Client disconnected (message loop read)", sess.ID)
			} else {
				debugLog.Printf("Session %d: Message loop read error: %v", sess.ID, err)
			}
			return
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			debugLog.Printf("Session %d: Dropping malformed frame: %v", sess.ID, err)
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordMessageReceived(inboundTypeName(msg))
		}

		if err := s.handleMessage(sess, msg); err != nil {
			if err == errSessionEnded {
				debugLog.Printf("Session %d ended by handler", sess.ID)
				return
			}
			errorLog.Printf("Session %d: handle error: %v", sess.ID, err)
		}
	}
}

func inboundTypeName(msg protocol.InboundMessage) string {
	switch m := msg.(type) {
	case *protocol.AuthMessage:
		return protocol.TypeAuth
	case *protocol.ChatMessage:
		return protocol.TypeChat
	case *protocol.UnknownMessage:
		return "unknown:" + m.Type
	default:
		return "unknown"
	}
}

// removeSession removes the session from the registry and, if it was
// authenticated, announces the departure and refreshes everyone's user list.
func (s *Server) removeSession(sessionID uint64) {
	identity := s.registry.Remove(sessionID)
	if identity == nil {
		return
	}

	debugLog.Printf("Session %d: %s left", sessionID, identity.Email)
	s.broadcastSystem(fmt.Sprintf("%s left the chat.", identity.Name))
	s.broadcastUserList()
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLoggingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			onlineUsers := s.registry.CountOnline()
			goroutines := runtime.NumGoroutine()
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Online users: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				onlineUsers, connected, disconnected, goroutines)
		}
	}
}
