// Package auditstore provides the SQLite-backed audit.Store, grounded on
// original_source's crates/core/src/audit/sqlite.rs schema: a single
// table keyed by an autoincrement id, with secondary indexes on every
// column the UI/API is expected to filter by.
package auditstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/torrentino/torrentino/internal/audit"
)

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	ticket_id TEXT,
	user_id TEXT,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_ticket_id ON audit_events(ticket_id);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_user_id ON audit_events(user_id);
`

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("auditstore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditstore: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(env audit.Envelope) error {
	data, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("auditstore: marshal event: %w", err)
	}
	var ticketID sql.NullString
	if env.Event.TicketID != nil {
		ticketID = sql.NullString{String: env.Event.TicketID.String(), Valid: true}
	}
	var userID sql.NullString
	if env.Event.UserID != "" {
		userID = sql.NullString{String: env.Event.UserID, Valid: true}
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_events (timestamp, event_type, ticket_id, user_id, data) VALUES (?, ?, ?, ?, ?)`,
		env.Timestamp.UTC().Format(time.RFC3339Nano), string(env.Event.Type), ticketID, userID, string(data),
	)
	if err != nil {
		return fmt.Errorf("auditstore: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(filter audit.Filter) ([]audit.Record, error) {
	where, args := buildWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	rows, err := s.db.Query(
		`SELECT id, timestamp, data FROM audit_events `+where+` ORDER BY timestamp DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("auditstore: query: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			id        int64
			timestamp string
			data      string
		)
		if err := rows.Scan(&id, &timestamp, &data); err != nil {
			return nil, fmt.Errorf("auditstore: scan: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("auditstore: parse timestamp: %w", err)
		}
		var ev audit.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("auditstore: unmarshal event: %w", err)
		}
		out = append(out, audit.Record{ID: id, Timestamp: ts, Event: ev})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(filter audit.Filter) (int64, error) {
	where, args := buildWhere(filter)
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_events `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("auditstore: count: %w", err)
	}
	return n, nil
}

func buildWhere(filter audit.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.TicketID != nil {
		conds = append(conds, "ticket_id = ?")
		args = append(args, filter.TicketID.String())
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.From != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}
	if len(conds) == 0 {
		return "", args
	}
	where := "WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}
