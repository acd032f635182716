// Package flaglog persists moderation-flagged content for later review.
// Appends are asynchronous and best-effort: a full queue or a write failure
// must never block or crash message handling.
package flaglog

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS flagged_events (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL,
	content    TEXT NOT NULL,
	reason     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flagged_events_created ON flagged_events(created_at);
`

// Event is one flagged message.
type Event struct {
	ID        string
	Email     string
	Content   string
	Reason    string
	CreatedAt time.Time
}

// Store is a sqlite-backed flagged-event log with a buffered async writer.
type Store struct {
	db    *sql.DB
	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// Open opens (or creates) the store at path and starts the writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open flag store: %w", err)
	}

	// Single writer; WAL lets readers proceed concurrently.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan Event, 256),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Append queues a flagged event. It never blocks: when the queue is full the
// event is dropped with a log line.
func (s *Store) Append(email, content, reason string) {
	ev := Event{
		ID:        uuid.NewString(),
		Email:     email,
		Content:   content,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case s.queue <- ev:
	default:
		log.Printf("flaglog: queue full, dropping event for %s", email)
	}
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, email, content, reason, created_at
		 FROM flagged_events ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query flagged events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.Email, &ev.Content, &ev.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan flagged event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close drains the queue and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.queue:
			s.insert(ev)
		case <-s.done:
			// Drain whatever is still queued before shutdown.
			for {
				select {
				case ev := <-s.queue:
					s.insert(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(ev Event) {
	_, err := s.db.Exec(
		`INSERT INTO flagged_events (id, email, content, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Email, ev.Content, ev.Reason, ev.CreatedAt.UnixMilli())
	if err != nil {
		// Best-effort by contract: log and move on.
		log.Printf("flaglog: failed to persist event for %s: %v", ev.Email, err)
	}
}
