// Package api exposes the gateway's REST surface. Handlers are thin: they
// validate input, call one service, and encode the result.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/erp"
	"github.com/mfpaiva/zapgate/internal/manager"
	"github.com/mfpaiva/zapgate/internal/outbox"
	"github.com/mfpaiva/zapgate/internal/store"
)

// Server wires the HTTP routes to the gateway services.
type Server struct {
	mgr    *manager.Manager
	queue  *outbox.Queue
	erp    *erp.Service
	db     *store.DB
	push   http.Handler
	logger *zap.Logger
}

func NewServer(mgr *manager.Manager, queue *outbox.Queue, erpSvc *erp.Service, db *store.DB, push http.Handler, logger *zap.Logger) *Server {
	return &Server{
		mgr:    mgr,
		queue:  queue,
		erp:    erpSvc,
		db:     db,
		push:   push,
		logger: logger.Named("api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /ws", s.push)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/qr", s.handleGetSessionQR)
	mux.HandleFunc("POST /api/sessions/{id}/disconnect", s.handleDisconnectSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("GET /api/sessions/{id}/chats", s.handleListChats)
	mux.HandleFunc("GET /api/sessions/{id}/contacts", s.handleListContacts)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)

	mux.HandleFunc("POST /api/messages/send", s.handleSendMessage)
	mux.HandleFunc("POST /api/messages/read", s.handleReadMessages)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/contacts/check", s.handleCheckContacts)

	mux.HandleFunc("POST /api/erp/sync-contacts", s.handleERPSyncContacts)
	mux.HandleFunc("POST /api/erp/trigger", s.handleERPTrigger)
	mux.HandleFunc("GET /api/erp/context/{sessionId}/{chatId}", s.handleERPContext)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": len(s.mgr.ListActive()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// newSessionID generates an id for requests that did not name one.
func newSessionID() string {
	return uuid.NewString()
}

// connFor resolves a live connection or writes the error response.
func (s *Server) connFor(w http.ResponseWriter, sessionID string) (engine.Conn, bool) {
	conn, ok := s.mgr.Conn(sessionID)
	if !ok {
		writeError(w, http.StatusConflict, "session has no live connection")
		return nil, false
	}
	return conn, true
}
