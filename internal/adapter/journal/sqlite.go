package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"

	"chainharness/internal/domain"
)

// Entry is a journaled notification.
type Entry struct {
	ID         int64           `json:"id"`
	Digest     string          `json:"digest"`
	Source     string          `json:"source"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Store keeps subscription notifications in SQLite. A notification is
// stored once per topic and payload; repeats are ignored.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path and runs the schema
// migration. The parent directory is created when missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			digest      TEXT NOT NULL UNIQUE,
			source      TEXT NOT NULL DEFAULT '',
			topic       TEXT NOT NULL,
			payload     TEXT NOT NULL,
			received_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS notifications_topic ON notifications (topic, id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Digest is the dedup key of a notification: blake2b-256 over the topic and
// the payload bytes.
func Digest(topic string, payload []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Record stores a notification event. It reports false when the same
// notification was recorded before.
func (s *Store) Record(ctx context.Context, e domain.Event) (bool, error) {
	if e.Topic == "" {
		return false, domain.NewDomainError("journal.Record", domain.ErrInvalidInput, "event has no topic")
	}
	received := e.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	payload := e.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO notifications (digest, source, topic, payload, received_at) VALUES (?, ?, ?, ?, ?)",
		Digest(e.Topic, payload), e.Source, e.Topic, string(payload),
		received.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, domain.NewDomainError("journal.Record", domain.ErrJournalWrite, err.Error())
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns up to limit entries, newest first. An empty topic lists all
// topics; a non-positive limit means no limit.
func (s *Store) List(ctx context.Context, topic string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT id, digest, source, topic, payload, received_at FROM notifications"
	args := []any{}
	if topic != "" {
		query += " WHERE topic = ?"
		args = append(args, topic)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			payload  string
			received string
		)
		if err := rows.Scan(&e.ID, &e.Digest, &e.Source, &e.Topic, &payload, &received); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.ReceivedAt, _ = time.Parse(time.RFC3339Nano, received)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored notifications for topic, or for all
// topics when topic is empty.
func (s *Store) Count(ctx context.Context, topic string) (int, error) {
	var n int
	var err error
	if topic == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications WHERE topic = ?", topic).Scan(&n)
	}
	return n, err
}

// Recorder observes journal writes.
type Recorder interface {
	Journaled(duplicate bool, err error)
}

// Subscribe records every notification published on bus until the returned
// function is called. rec may be nil.
func (s *Store) Subscribe(bus domain.EventBus, rec Recorder, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.Subscribe(domain.EventNotification, func(ctx context.Context, e domain.Event) {
		inserted, err := s.Record(ctx, e)
		if err != nil {
			logger.Warn("journal write failed", "topic", e.Topic, "error", err)
		}
		if rec != nil {
			rec.Journaled(err == nil && !inserted, err)
		}
	})
}
