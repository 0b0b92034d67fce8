package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/torrentino/torrentino/internal/audit"
	"github.com/torrentino/torrentino/internal/ticket"
	"github.com/torrentino/torrentino/internal/ticketstore"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	respondJSON(w, status, ErrorResponse{Error: errMsg, Message: message})
}

func ticketIDFromPath(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the orchestrator's live Status snapshot (spec §6's
// "Provided abstractions" table), the same payload the websocket status
// hub broadcasts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.Status()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read status", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// createTicketRequest is the wire shape for POST /tickets, mapping
// directly onto ticketstore.CreateRequest.
type createTicketRequest struct {
	CreatedBy         string                    `json:"created_by"`
	Priority          uint16                    `json:"priority"`
	Query             ticket.QueryContext       `json:"query_context"`
	DestPath          string                    `json:"dest_path"`
	OutputConstraints *ticket.OutputConstraints `json:"output_constraints,omitempty"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Query.Description == "" {
		respondError(w, http.StatusBadRequest, "invalid request body", "query_context.description is required")
		return
	}
	created, err := s.tickets.Create(ticketstore.CreateRequest{
		CreatedBy:         req.CreatedBy,
		Priority:          req.Priority,
		Query:             req.Query,
		DestPath:          req.DestPath,
		OutputConstraints: req.OutputConstraints,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create ticket", err.Error())
		return
	}
	if s.audit != nil {
		s.audit.Insert(audit.Envelope{Timestamp: created.CreatedAt, Event: audit.TicketCreated(created.ID, created.CreatedBy)})
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	filter := ticketstore.NewFilter()
	q := r.URL.Query()
	if kind := q.Get("state"); kind != "" {
		k := ticket.StateKind(kind)
		filter.StateKind = &k
	}
	if createdBy := q.Get("created_by"); createdBy != "" {
		filter.CreatedBy = createdBy
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.ParseInt(offset, 10, 64); err == nil {
			filter.Offset = n
		}
	}

	tickets, err := s.tickets.List(filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tickets", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id, err := ticketIDFromPath(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticket id", err.Error())
		return
	}
	t, err := s.tickets.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "ticket not found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	id, err := ticketIDFromPath(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticket id", err.Error())
		return
	}
	deleted, err := s.tickets.Delete(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "ticket not found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, deleted)
}

type approveRequest struct {
	ChosenIndex int `json:"chosen_index"`
}

func (s *Server) handleApproveTicket(w http.ResponseWriter, r *http.Request) {
	id, err := ticketIDFromPath(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticket id", err.Error())
		return
	}
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	updated, err := s.orch.Approve(id, req.ChosenIndex)
	if err != nil {
		respondError(w, http.StatusConflict, "failed to approve ticket", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectTicket(w http.ResponseWriter, r *http.Request) {
	id, err := ticketIDFromPath(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticket id", err.Error())
		return
	}
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	updated, err := s.orch.Reject(id, req.Reason)
	if err != nil {
		respondError(w, http.StatusConflict, "failed to reject ticket", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	id, err := ticketIDFromPath(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticket id", err.Error())
		return
	}
	var req reasonRequest
	// Cancel is valid with an empty body (no reason given).
	_ = json.NewDecoder(r.Body).Decode(&req)
	updated, err := s.orch.Cancel(id, req.Reason)
	if err != nil {
		respondError(w, http.StatusConflict, "failed to cancel ticket", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleTicketAudit(w http.ResponseWriter, r *http.Request) {
	id, err := ticketIDFromPath(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticket id", err.Error())
		return
	}
	records, err := s.audit.Query(audit.Filter{Limit: 500}.WithTicket(id))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query audit log", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleAuditQuery implements the general-purpose audit search (spec §6:
// "audit query" in the REST surface), narrowed by event_type/user_id and
// paginated by limit/offset.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{Limit: 100}
	q := r.URL.Query()
	if ticketID := q.Get("ticket_id"); ticketID != "" {
		id, err := uuid.Parse(ticketID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid ticket_id", err.Error())
			return
		}
		filter = filter.WithTicket(id)
	}
	if eventType := q.Get("event_type"); eventType != "" {
		filter = filter.WithEventType(audit.EventType(eventType))
	}
	if userID := q.Get("user_id"); userID != "" {
		filter.UserID = userID
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.ParseInt(offset, 10, 64); err == nil {
			filter.Offset = n
		}
	}

	records, err := s.audit.Query(filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query audit log", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, records)
}
