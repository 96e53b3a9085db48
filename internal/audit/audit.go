// Package audit provides an embedded, migration-versioned SQLite store for
// operational metadata: configured TSIG key names (never their secrets) and
// a bounded ring of recent query and signature-failure events.
//
// The store is optional glue around the server's event hooks; the DNS core
// itself is stateless across calls.
package audit

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database connection with thread-safe operations.
type Store struct {
	conn *sql.DB
	mu   sync.Mutex // serializes writes; SQLite handles one writer at a time
}

// Open opens or creates the audit database at the given path and runs any
// pending migrations.
func Open(path string) (*Store, error) {
	// Use WAL mode for better concurrency
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn}
	if err := s.runMigrations(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Health checks database connectivity.
func (s *Store) Health() error {
	return s.conn.Ping()
}

// runMigrations runs database migrations using golang-migrate.
func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(s.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// KeyInfo is the publishable metadata of one configured TSIG key.
type KeyInfo struct {
	Name      string    `json:"name"`
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncKeys replaces the stored key metadata with the given set. Called at
// startup so the management API can list keys without touching config.
func (s *Store) SyncKeys(keys []KeyInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("audit: begin key sync: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM tsig_keys"); err != nil {
		return fmt.Errorf("audit: clear keys: %w", err)
	}
	for _, k := range keys {
		if _, err := tx.Exec(
			"INSERT INTO tsig_keys (name, algorithm) VALUES (?, ?)",
			k.Name, k.Algorithm,
		); err != nil {
			return fmt.Errorf("audit: insert key %q: %w", k.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit key sync: %w", err)
	}
	return nil
}

// ListKeys returns the stored key metadata.
func (s *Store) ListKeys() ([]KeyInfo, error) {
	rows, err := s.conn.Query("SELECT name, algorithm, created_at FROM tsig_keys ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("audit: list keys: %w", err)
	}
	defer rows.Close()

	var out []KeyInfo
	for rows.Next() {
		var k KeyInfo
		if err := rows.Scan(&k.Name, &k.Algorithm, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan key row: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Event is one recorded query or signature failure.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote"`
	QName     string    `json:"qname"`
	QType     int       `json:"qtype"`
	RCode     int       `json:"rcode"`
	Source    string    `json:"source"`
	Signed    bool      `json:"signed"`
	TSIGError string    `json:"tsig_error,omitempty"`
}

// RecordEvent appends an event to the ring. Insertion triggers prune rows
// beyond the ring size, so the store never grows unbounded.
func (s *Store) RecordEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`INSERT INTO query_events (transport, remote, qname, qtype, rcode, source, signed, tsig_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Transport, e.Remote, e.QName, e.QType, e.RCode, e.Source, boolInt(e.Signed), e.TSIGError,
	)
	if err != nil {
		return fmt.Errorf("audit: record event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(
		`SELECT id, ts, transport, remote, qname, qtype, rcode, source, signed, tsig_error
		 FROM query_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var signed int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Transport, &e.Remote, &e.QName, &e.QType, &e.RCode, &e.Source, &signed, &e.TSIGError); err != nil {
			return nil, fmt.Errorf("audit: scan event row: %w", err)
		}
		e.Signed = signed != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
