// Package store provides persistent diagnostics state backed by an embedded
// SQLite database. It owns the database lifecycle and never touches media —
// only session lifecycle events and periodic counters (spec's "no
// persistence of media").
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — session lifecycle events (connect/join/leave/disconnect)
	`CREATE TABLE IF NOT EXISTS session_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		room_id    TEXT NOT NULL DEFAULT '',
		event      TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — periodic room occupancy/fan-out counters
	`CREATE TABLE IF NOT EXISTS room_stats (
		room_id      TEXT PRIMARY KEY,
		member_count INTEGER NOT NULL DEFAULT 0,
		delivered    INTEGER NOT NULL DEFAULT 0,
		dropped      INTEGER NOT NULL DEFAULT 0,
		updated_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — index for the most common query: recent events for a session
	`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes diagnostics persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// RecordEvent appends one session lifecycle event (e.g. "connect", "join",
// "leave", "disconnect", "heartbeat_timeout").
func (s *Store) RecordEvent(sessionID, roomID, event string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_events(session_id, room_id, event) VALUES(?, ?, ?)`,
		sessionID, roomID, event,
	)
	return err
}

// SessionEvent is one row of the session_events table.
type SessionEvent struct {
	SessionID string
	RoomID    string
	Event     string
	CreatedAt int64
}

// RecentEvents returns the most recent limit events for sessionID, newest
// first.
func (s *Store) RecentEvents(sessionID string, limit int) ([]SessionEvent, error) {
	rows, err := s.db.Query(
		`SELECT session_id, room_id, event, created_at FROM session_events
		 WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.SessionID, &e.RoomID, &e.Event, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertRoomStats records the latest occupancy/fan-out counters for roomID.
// cmd/server's metrics loop only logs the registry counters and does not
// call it.
func (s *Store) UpsertRoomStats(roomID string, memberCount int, delivered, dropped uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO room_stats(room_id, member_count, delivered, dropped, updated_at)
		 VALUES(?, ?, ?, ?, unixepoch())
		 ON CONFLICT(room_id) DO UPDATE SET
		   member_count = excluded.member_count,
		   delivered    = excluded.delivered,
		   dropped      = excluded.dropped,
		   updated_at   = excluded.updated_at`,
		roomID, memberCount, delivered, dropped,
	)
	return err
}

// RoomStats is one row of the room_stats table.
type RoomStats struct {
	RoomID      string
	MemberCount int
	Delivered   uint64
	Dropped     uint64
	UpdatedAt   int64
}

// GetRoomStats returns the latest recorded stats for roomID. The second
// return value is false when no stats have been recorded yet.
func (s *Store) GetRoomStats(roomID string) (RoomStats, bool, error) {
	var rs RoomStats
	err := s.db.QueryRow(
		`SELECT room_id, member_count, delivered, dropped, updated_at
		 FROM room_stats WHERE room_id = ?`, roomID,
	).Scan(&rs.RoomID, &rs.MemberCount, &rs.Delivered, &rs.Dropped, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return RoomStats{}, false, nil
	}
	if err != nil {
		return RoomStats{}, false, err
	}
	return rs, true, nil
}

// PruneEventsBefore deletes session_events rows older than cutoffUnix,
// bounding the table's growth for long-lived deployments.
func (s *Store) PruneEventsBefore(cutoffUnix int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM session_events WHERE created_at < ?`, cutoffUnix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TotalEvents returns the number of session_events rows recorded, for a
// quick CLI status summary.
func (s *Store) TotalEvents() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session_events`).Scan(&n)
	return n, err
}
