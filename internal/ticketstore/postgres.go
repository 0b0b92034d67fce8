package ticketstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/torrentino/torrentino/internal/ticket"
)

// PostgresStore is the Postgres-backed Store, selected by
// [store].driver = "postgres" (SPEC_FULL.md §B). It mirrors SQLiteStore
// row-for-row; the only real difference is placeholder syntax and using
// SELECT ... FOR UPDATE instead of SQLite's BEGIN IMMEDIATE to take the
// row lock UpdateState needs.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
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

// OpenPostgres opens (and migrates) a Postgres-backed ticket store.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &Error{"open", err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &Error{"ping", err}
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, &Error{"migrate", err}
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Create(req CreateRequest) (ticket.Ticket, error) {
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
	stateJSON, err := json.Marshal(t.State)
	if err != nil {
		return ticket.Ticket{}, &Error{"create/marshal_state", err}
	}
	queryJSON, err := json.Marshal(t.Query)
	if err != nil {
		return ticket.Ticket{}, &Error{"create/marshal_query", err}
	}
	var constraintsJSON []byte
	if t.OutputConstraints != nil {
		constraintsJSON, err = json.Marshal(t.OutputConstraints)
		if err != nil {
			return ticket.Ticket{}, &Error{"create/marshal_constraints", err}
		}
	}
	_, err = s.db.Exec(
		`INSERT INTO tickets (id, state_kind, state_data, priority, query_context, dest_path, output_constraints, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID.String(), string(t.State.Kind), string(stateJSON), t.Priority, string(queryJSON), t.DestPath,
		nullableString(constraintsJSON), t.CreatedBy, t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return ticket.Ticket{}, &Error{"create", err}
	}
	return t, nil
}

func (s *PostgresStore) Get(id uuid.UUID) (ticket.Ticket, error) {
	row := s.db.QueryRow(`SELECT id, state_kind, state_data, priority, query_context, dest_path, output_constraints, created_by, created_at, updated_at FROM tickets WHERE id = $1`, id.String())
	t, err := scanTicket(row)
	if err != nil {
		return ticket.Ticket{}, &Error{"get", err}
	}
	return t, nil
}

func (s *PostgresStore) List(filter Filter) ([]ticket.Ticket, error) {
	where, args := buildWherePostgres(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	n := len(args)
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT id, state_kind, state_data, priority, query_context, dest_path, output_constraints, created_by, created_at, updated_at
		 FROM tickets %s ORDER BY priority DESC, created_at ASC LIMIT $%d OFFSET $%d`, where, n-1, n), args...)
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

func (s *PostgresStore) Count(filter Filter) (int64, error) {
	where, args := buildWherePostgres(filter)
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tickets `+where, args...).Scan(&n); err != nil {
		return 0, &Error{"count", err}
	}
	return n, nil
}

func buildWherePostgres(filter Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.StateKind != nil {
		args = append(args, string(*filter.StateKind))
		conds = append(conds, fmt.Sprintf("state_kind = $%d", len(args)))
	}
	if filter.CreatedBy != "" {
		args = append(args, filter.CreatedBy)
		conds = append(conds, fmt.Sprintf("created_by = $%d", len(args)))
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

// UpdateState takes the row lock with SELECT ... FOR UPDATE inside a
// transaction, the Postgres equivalent of SQLiteStore's BEGIN IMMEDIATE,
// so the predecessor-table check and the write happen atomically with
// respect to other callers racing on the same ticket.
func (s *PostgresStore) UpdateState(id uuid.UUID, next ticket.State) (ticket.Ticket, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return ticket.Ticket{}, &Error{"update_state/begin", err}
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, state_kind, state_data, priority, query_context, dest_path, output_constraints, created_by, created_at, updated_at FROM tickets WHERE id = $1 FOR UPDATE`, id.String())
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
	if _, err := tx.Exec(`UPDATE tickets SET state_kind = $1, state_data = $2, updated_at = $3 WHERE id = $4`,
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

func (s *PostgresStore) Delete(id uuid.UUID) (ticket.Ticket, error) {
	t, err := s.Get(id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if _, err := s.db.Exec(`DELETE FROM tickets WHERE id = $1`, id.String()); err != nil {
		return ticket.Ticket{}, &Error{"delete", err}
	}
	return t, nil
}
