package audit

import (
	"time"

	"github.com/google/uuid"
)

// Record is a persisted Envelope with its store-assigned ID.
type Record struct {
	ID        int64
	Timestamp time.Time
	Event     Event
}

// Filter narrows an audit query, mirroring original_source's AuditFilter
// builder (ticket_id/event_type/user_id/from/to/limit/offset).
type Filter struct {
	TicketID  *uuid.UUID
	EventType EventType
	UserID    string
	From      *time.Time
	To        *time.Time
	Limit     int64
	Offset    int64
}

// WithTicket narrows the filter to a single ticket's history.
func (f Filter) WithTicket(id uuid.UUID) Filter {
	f.TicketID = &id
	return f
}

// WithEventType narrows the filter to one event type.
func (f Filter) WithEventType(t EventType) Filter {
	f.EventType = t
	return f
}

// Store persists and queries audit records.
type Store interface {
	Insert(env Envelope) error
	Query(filter Filter) ([]Record, error)
	Count(filter Filter) (int64, error)
}
