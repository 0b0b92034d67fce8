// Package ticketstore defines the TicketStore contract and its SQLite and
// Postgres implementations. Every mutation flows through UpdateState, which
// enforces the predecessor table from internal/ticket transactionally so
// two callers racing on the same ticket can never both win.
package ticketstore

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/torrentino/torrentino/internal/ticket"
)

// Error is the store-level error type, distinguishing not-found and
// invalid-state conditions callers need to branch on from opaque database
// failures.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("ticketstore: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is returned when a ticket ID has no row: wrapped in Error by
// Get and Delete, bare from UpdateState.
var ErrNotFound = fmt.Errorf("ticket not found")

// CreateRequest is the input to Store.Create.
type CreateRequest struct {
	CreatedBy         string
	Priority          uint16
	Query             ticket.QueryContext
	DestPath          string
	OutputConstraints *ticket.OutputConstraints
}

// Filter narrows Store.List / Store.Count.
type Filter struct {
	StateKind *ticket.StateKind
	CreatedBy string
	Limit     int64
	Offset    int64
}

// NewFilter returns a Filter with the default page size.
func NewFilter() Filter {
	return Filter{Limit: 100}
}

// Store is the persistence contract the orchestrator depends on. All
// mutation goes through UpdateState so the predecessor table is always
// enforced at the point of persistence (spec §4.5).
type Store interface {
	Create(req CreateRequest) (ticket.Ticket, error)
	Get(id uuid.UUID) (ticket.Ticket, error)
	List(filter Filter) ([]ticket.Ticket, error)
	Count(filter Filter) (int64, error)
	// UpdateState loads the current row under a write lock, validates next
	// against the predecessor table (via ticket.ValidateTransition), and
	// persists with updated_at = now() — or returns *ticket.InvalidStateError
	// without mutating the row.
	UpdateState(id uuid.UUID, next ticket.State) (ticket.Ticket, error)
	Delete(id uuid.UUID) (ticket.Ticket, error)
}
