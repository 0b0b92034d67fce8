package auditstore

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/torrentino/torrentino/internal/audit"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndQueryByTicket(t *testing.T) {
	s := newTestStore(t)
	ticketID := uuid.New()
	other := uuid.New()

	if err := s.Insert(audit.Envelope{Timestamp: time.Now(), Event: audit.TicketCreated(ticketID, "alice")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(audit.Envelope{Timestamp: time.Now(), Event: audit.TicketCreated(other, "bob")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	records, err := s.Query(audit.Filter{}.WithTicket(ticketID))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record for ticket, got %d", len(records))
	}
	if records[0].Event.CreatedBy != "alice" {
		t.Errorf("expected event for alice, got %+v", records[0].Event)
	}
}

func TestCountByEventType(t *testing.T) {
	s := newTestStore(t)
	ticketID := uuid.New()
	s.Insert(audit.Envelope{Timestamp: time.Now(), Event: audit.TicketCreated(ticketID, "alice")})
	s.Insert(audit.Envelope{Timestamp: time.Now(), Event: audit.StateTransition(ticketID, "pending", "acquiring")})

	n, err := s.Count(audit.Filter{}.WithEventType(audit.EventStateTransition))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 state_transition event, got %d", n)
	}
}
