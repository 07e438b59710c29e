package api

import (
	"net/http"

	"github.com/mfpaiva/zapgate/internal/erp"
)

type erpSyncRequest struct {
	SessionID string           `json:"sessionId"`
	Contacts  []erp.ERPContact `json:"contacts"`
}

func (s *Server) handleERPSyncContacts(w http.ResponseWriter, r *http.Request) {
	var req erpSyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || len(req.Contacts) == 0 {
		writeError(w, http.StatusBadRequest, "sessionId and contacts are required")
		return
	}
	results, err := s.erp.SyncContacts(r.Context(), req.SessionID, req.Contacts)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type erpTriggerRequest struct {
	SessionID string    `json:"sessionId"`
	Event     erp.Event `json:"event"`
}

func (s *Server) handleERPTrigger(w http.ResponseWriter, r *http.Request) {
	var req erpTriggerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	jobID, err := s.erp.TriggerEvent(r.Context(), req.SessionID, req.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID, "status": "queued"})
}

func (s *Server) handleERPContext(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	chatID := r.PathValue("chatId")
	ctx, err := s.erp.Context(r.Context(), sessionID, chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ctx)
}
