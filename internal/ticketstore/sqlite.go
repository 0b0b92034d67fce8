package ticketstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/torrentino/torrentino/internal/ticket"
)

// SQLiteStore is the default embedded Store implementation, grounded on
// the original audit/sqlite.rs schema shape (single table, JSON payload
// column, secondary indexes on the columns the orchestrator filters by).
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	state_kind TEXT NOT NULL,
	state_data TEXT NOT NULL,
	priority INTEGER NOT NULL,
	query_context TEXT NOT NULL,
	dest_path TEXT NOT NULL,
	output_constraints TEXT,
	created_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickets_state_kind ON tickets(state_kind);
CREATE INDEX IF NOT EXISTS idx_tickets_priority ON tickets(priority);
`

// OpenSQLite opens (and migrates) a SQLite-backed ticket store at path.
// Use ":memory:" for an ephemeral store, matching rusqlite's in_memory().
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, &Error{"open", err}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &Error{"migrate", err}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(req CreateRequest) (ticket.Ticket, error) {
	now := time.Now().UTC()
	t := ticket.Ticket{
		ID:                uuid.New(),
		CreatedBy:         req.CreatedBy,
		Priority:          req.Priority,
		Query:             req.Query,
		DestPath:          req.DestPath,
		OutputConstraints: req.OutputConstraints,
		State:             ticket.Pending(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.insert(s.db, t); err != nil {
		return ticket.Ticket{}, &Error{"create", err}
	}
	return t, nil
}

func (s *SQLiteStore) insert(q querier, t ticket.Ticket) error {
	stateJSON, err := json.Marshal(t.State)
	if err != nil {
		return err
	}
	queryJSON, err := json.Marshal(t.Query)
	if err != nil {
		return err
	}
	var constraintsJSON []byte
	if t.OutputConstraints != nil {
		constraintsJSON, err = json.Marshal(t.OutputConstraints)
		if err != nil {
			return err
		}
	}
	_, err = q.Exec(
		`INSERT INTO tickets (id, state_kind, state_data, priority, query_context, dest_path, output_constraints, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), string(t.State.Kind), string(stateJSON), t.Priority, string(queryJSON), t.DestPath,
		nullableString(constraintsJSON), t.CreatedBy, t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLiteStore) Get(id uuid.UUID) (ticket.Ticket, error) {
	row := s.db.QueryRow(`SELECT id, state_kind, state_data, priority, query_context, dest_path, output_constraints, created_by, created_at, updated_at FROM tickets WHERE id = ?`, id.String())
	t, err := scanTicket(row)
	if err != nil {
		return ticket.Ticket{}, &Error{"get", err}
	}
	return t, nil
}

func scanTicket(row *sql.Row) (ticket.Ticket, error) {
	var (
		idStr, kindStr, stateJSON, queryJSON, destPath, createdBy, createdAt, updatedAt string
		constraintsJSON                                                                sql.NullString
		priority                                                                       uint16
	)
	if err := row.Scan(&idStr, &kindStr, &stateJSON, &priority, &queryJSON, &destPath, &constraintsJSON, &createdBy, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return ticket.Ticket{}, ErrNotFound
		}
		return ticket.Ticket{}, err
	}
	return assembleTicket(idStr, stateJSON, queryJSON, destPath, createdBy, createdAt, updatedAt, constraintsJSON, priority)
}

func assembleTicket(idStr, stateJSON, queryJSON, destPath, createdBy, createdAt, updatedAt string, constraintsJSON sql.NullString, priority uint16) (ticket.Ticket, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("parse ticket id: %w", err)
	}
	var state ticket.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return ticket.Ticket{}, fmt.Errorf("unmarshal state: %w", err)
	}
	var qc ticket.QueryContext
	if err := json.Unmarshal([]byte(queryJSON), &qc); err != nil {
		return ticket.Ticket{}, fmt.Errorf("unmarshal query context: %w", err)
	}
	var constraints *ticket.OutputConstraints
	if constraintsJSON.Valid {
		constraints = &ticket.OutputConstraints{}
		if err := json.Unmarshal([]byte(constraintsJSON.String), constraints); err != nil {
			return ticket.Ticket{}, fmt.Errorf("unmarshal output constraints: %w", err)
		}
	}
	createdAtT, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAtT, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return ticket.Ticket{
		ID:                id,
		CreatedBy:         createdBy,
		Priority:          priority,
		Query:             qc,
		DestPath:          destPath,
		OutputConstraints: constraints,
		State:             state,
		CreatedAt:         createdAtT,
		UpdatedAt:         updatedAtT,
	}, nil
}

func (s *SQLiteStore) List(filter Filter) ([]ticket.Ticket, error) {
	where, args := buildWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	rows, err := s.db.Query(
		`SELECT id, state_kind, state_data, priority, query_context, dest_path, output_constraints, created_by, created_at, updated_at
		 FROM tickets `+where+` ORDER BY priority DESC, created_at ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, &Error{"list", err}
	}
	defer rows.Close()

	var out []ticket.Ticket
	for rows.Next() {
		var (
			idStr, kindStr, stateJSON, queryJSON, destPath, createdBy, createdAt, updatedAt string
			constraintsJSON                                                                sql.NullString
			priority                                                                       uint16
		)
		if err := rows.Scan(&idStr, &kindStr, &stateJSON, &priority, &queryJSON, &destPath, &constraintsJSON, &createdBy, &createdAt, &updatedAt); err != nil {
			return nil, &Error{"list/scan", err}
		}
		t, err := assembleTicket(idStr, stateJSON, queryJSON, destPath, createdBy, createdAt, updatedAt, constraintsJSON, priority)
		if err != nil {
			return nil, &Error{"list/assemble", err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(filter Filter) (int64, error) {
	where, args := buildWhere(filter)
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tickets `+where, args...).Scan(&n)
	if err != nil {
		return 0, &Error{"count", err}
	}
	return n, nil
}

func buildWhere(filter Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.StateKind != nil {
		conds = append(conds, "state_kind = ?")
		args = append(args, string(*filter.StateKind))
	}
	if filter.CreatedBy != "" {
		conds = append(conds, "created_by = ?")
		args = append(args, filter.CreatedBy)
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

// UpdateState enforces row-level locking with BEGIN IMMEDIATE (SQLite's
// equivalent of SELECT ... FOR UPDATE), validates the predecessor table,
// and persists the new state with a bumped updated_at — all inside one
// transaction so no other caller can observe or act on the ticket between
// the read and the write.
func (s *SQLiteStore) UpdateState(id uuid.UUID, next ticket.State) (ticket.Ticket, error) {
	// The DSN's _txlock=immediate makes this Begin() issue BEGIN IMMEDIATE,
	// taking the write lock up front — SQLite's equivalent of SELECT ...
	// FOR UPDATE — so no other transaction can race us between the read
	// below and the write.
	tx, err := s.db.Begin()
	if err != nil {
		return ticket.Ticket{}, &Error{"update_state/begin", err}
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, state_kind, state_data, priority, query_context, dest_path, output_constraints, created_by, created_at, updated_at FROM tickets WHERE id = ?`, id.String())
	var (
		idStr, kindStr, stateJSON, queryJSON, destPath, createdBy, createdAt, updatedAt string
		constraintsJSON                                                                sql.NullString
		priority                                                                       uint16
	)
	if err := row.Scan(&idStr, &kindStr, &stateJSON, &priority, &queryJSON, &destPath, &constraintsJSON, &createdBy, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return ticket.Ticket{}, ErrNotFound
		}
		return ticket.Ticket{}, &Error{"update_state/select", err}
	}
	current, err := assembleTicket(idStr, stateJSON, queryJSON, destPath, createdBy, createdAt, updatedAt, constraintsJSON, priority)
	if err != nil {
		return ticket.Ticket{}, &Error{"update_state/assemble", err}
	}

	if err := ticket.ValidateTransition(id.String(), current.State, next); err != nil {
		return ticket.Ticket{}, err
	}

	now := time.Now().UTC()
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return ticket.Ticket{}, &Error{"update_state/marshal", err}
	}
	if _, err := tx.Exec(`UPDATE tickets SET state_kind = ?, state_data = ?, updated_at = ? WHERE id = ?`,
		string(next.Kind), string(nextJSON), now.Format(time.RFC3339Nano), id.String()); err != nil {
		return ticket.Ticket{}, &Error{"update_state/update", err}
	}
	if err := tx.Commit(); err != nil {
		return ticket.Ticket{}, &Error{"update_state/commit", err}
	}

	current.State = next
	current.UpdatedAt = now
	return current, nil
}

func (s *SQLiteStore) Delete(id uuid.UUID) (ticket.Ticket, error) {
	t, err := s.Get(id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if _, err := s.db.Exec(`DELETE FROM tickets WHERE id = ?`, id.String()); err != nil {
		return ticket.Ticket{}, &Error{"delete", err}
	}
	return t, nil
}
