// Package api implements the ticket REST surface and the websocket
// status hub described in SPEC_FULL.md §C (internal/api + the
// gorilla/mux and gorilla/websocket rows of its dependency table),
// grounded on the teacher's internal/api/server.go router-setup shape
// (mux.Router, middleware chain, Start/Shutdown over *http.Server) and
// internal/websocket/hub.go's register/unregister/broadcast loop,
// generalized from server/torrent/DCP management to ticket lifecycle
// management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/torrentino/torrentino/internal/api/wsstatus"
	"github.com/torrentino/torrentino/internal/audit"
	"github.com/torrentino/torrentino/internal/orchestrator"
	"github.com/torrentino/torrentino/internal/ticketstore"
)

// Server is the HTTP/WebSocket front end over an Orchestrator.
type Server struct {
	router *mux.Router
	server *http.Server
	log    zerolog.Logger

	addr    string
	orch    *orchestrator.Orchestrator
	tickets ticketstore.Store
	audit   audit.Store
	hub     *wsstatus.Hub
}

// Deps bundles Server's collaborators.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Tickets      ticketstore.Store
	Audit        audit.Store
	Hub          *wsstatus.Hub // optional; nil disables the /ws/status endpoint
}

// NewServer builds a Server and registers its routes. It does not start
// listening; call Start.
func NewServer(addr string, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		log:     log.With().Str("component", "api").Logger(),
		addr:    addr,
		orch:    deps.Orchestrator,
		tickets: deps.Tickets,
		audit:   deps.Audit,
		hub:     deps.Hub,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the full ticket REST surface plus the
// websocket status endpoint, matching the teacher's
// "CORS first, then a versioned subrouter with logging" layering.
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	s.router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
	})

	if s.hub != nil {
		s.router.HandleFunc("/ws/status", s.hub.ServeHTTP).Methods("GET")
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.loggingMiddleware)

	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")

	v1.HandleFunc("/tickets", s.handleCreateTicket).Methods("POST")
	v1.HandleFunc("/tickets", s.handleListTickets).Methods("GET")
	v1.HandleFunc("/tickets/{id}", s.handleGetTicket).Methods("GET")
	v1.HandleFunc("/tickets/{id}", s.handleDeleteTicket).Methods("DELETE")
	v1.HandleFunc("/tickets/{id}/approve", s.handleApproveTicket).Methods("POST")
	v1.HandleFunc("/tickets/{id}/reject", s.handleRejectTicket).Methods("POST")
	v1.HandleFunc("/tickets/{id}/cancel", s.handleCancelTicket).Methods("POST")
	v1.HandleFunc("/tickets/{id}/audit", s.handleTicketAudit).Methods("GET")

	v1.HandleFunc("/audit", s.handleAuditQuery).Methods("GET")
}

// Start begins serving. It blocks until the listener stops, matching
// the teacher's ListenAndServe-in-Start shape; callers run it in its
// own goroutine and use Shutdown to stop it.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Str("addr", s.addr).Msg("starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("shutting down API server")
	return s.server.Shutdown(ctx)
}
