// Package audit records the history of a ticket's lifecycle as a stream
// of events, grounded on original_source's crates/core/src/audit/
// handle.rs/writer.rs channel-based design (the concrete AuditEvent
// variant list is not part of the retrieved original source, so it is
// authored here from the transitions and operations spec §4 and §6
// describe: ticket creation, every state transition, approval decisions,
// failover, and orchestrator lifecycle).
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/torrentino/torrentino/internal/ticket"
)

// EventType discriminates the kind of thing that happened.
type EventType string

const (
	EventTicketCreated    EventType = "ticket_created"
	EventStateTransition  EventType = "state_transition"
	EventApprovalDecision EventType = "approval_decision"
	EventSourceFailover   EventType = "source_failover"
	EventRetryScheduled   EventType = "retry_scheduled"
	EventOrchestratorUp   EventType = "orchestrator_started"
	EventOrchestratorDown EventType = "orchestrator_stopped"
)

// Event is a single audit record. Like ticket.State it is modeled as a
// flat struct with an omitempty payload rather than an interface, so it
// serializes to and from the audit_events.data JSON column with no extra
// marshaling code.
type Event struct {
	Type     EventType  `json:"type"`
	TicketID *uuid.UUID `json:"ticket_id,omitempty"`
	UserID   string     `json:"user_id,omitempty"`

	// EventTicketCreated
	CreatedBy string `json:"created_by,omitempty"`

	// EventStateTransition
	FromState ticket.StateKind `json:"from_state,omitempty"`
	ToState   ticket.StateKind `json:"to_state,omitempty"`

	// EventApprovalDecision
	Approved bool   `json:"approved,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// EventSourceFailover
	FailedInfoHash string `json:"failed_info_hash,omitempty"`
	NextInfoHash   string `json:"next_info_hash,omitempty"`
	SourceIndex    int    `json:"source_index,omitempty"`

	// EventRetryScheduled
	Attempt int       `json:"attempt,omitempty"`
	RetryAt time.Time `json:"retry_at,omitempty"`
}

// Envelope timestamps an event at the moment it was emitted, matching the
// original's AuditEventEnvelope{timestamp, event} wrapper.
type Envelope struct {
	Timestamp time.Time
	Event     Event
}

// TicketCreated builds the event emitted when a ticket is first inserted.
func TicketCreated(ticketID uuid.UUID, createdBy string) Event {
	return Event{Type: EventTicketCreated, TicketID: &ticketID, CreatedBy: createdBy}
}

// StateTransition builds the event emitted after every successful
// ticket.ValidateTransition, per spec §4.5.
func StateTransition(ticketID uuid.UUID, from, to ticket.StateKind) Event {
	return Event{Type: EventStateTransition, TicketID: &ticketID, FromState: from, ToState: to}
}

// ApprovalDecision builds the event emitted when a NeedsApproval ticket is
// approved or rejected, whether by a human or the auto-approve threshold.
func ApprovalDecision(ticketID uuid.UUID, userID string, approved bool, reason string) Event {
	return Event{Type: EventApprovalDecision, TicketID: &ticketID, UserID: userID, Approved: approved, Reason: reason}
}

// SourceFailover builds the event emitted when the download monitor gives
// up on one info hash and moves to the next source of the same candidate
// or, once those are exhausted, to the next alternate, per spec §4.3.
func SourceFailover(ticketID uuid.UUID, failedHash, nextHash string, sourceIndex int) Event {
	return Event{Type: EventSourceFailover, TicketID: &ticketID, FailedInfoHash: failedHash, NextInfoHash: nextHash, SourceIndex: sourceIndex}
}

// RetryScheduled builds the event emitted when a ticket moves into
// PendingRetry.
func RetryScheduled(ticketID uuid.UUID, attempt int, retryAt time.Time) Event {
	return Event{Type: EventRetryScheduled, TicketID: &ticketID, Attempt: attempt, RetryAt: retryAt}
}

// OrchestratorStarted and OrchestratorStopped are ticket-less lifecycle
// events; TicketID stays nil.
func OrchestratorStarted() Event { return Event{Type: EventOrchestratorUp} }
func OrchestratorStopped() Event { return Event{Type: EventOrchestratorDown} }
