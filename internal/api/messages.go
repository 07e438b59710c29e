package api

import (
	"net/http"
	"strconv"

	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/jid"
)

type sendMessageRequest struct {
	SessionID string                  `json:"sessionId"`
	To        string                  `json:"to"`
	Type      string                  `json:"type"`
	Text      string                  `json:"text,omitempty"`
	URL       string                  `json:"url,omitempty"`
	Caption   string                  `json:"caption,omitempty"`
	MimeType  string                  `json:"mimeType,omitempty"`
	FileName  string                  `json:"fileName,omitempty"`
	Payload   *engine.OutgoingPayload `json:"payload,omitempty"`
}

func (req *sendMessageRequest) toPayload() (*engine.OutgoingPayload, bool) {
	if req.Payload != nil {
		return req.Payload, true
	}
	media := &engine.OutgoingMedia{URL: req.URL, Caption: req.Caption, MimeType: req.MimeType, FileName: req.FileName}
	switch req.Type {
	case "", "text":
		if req.Text == "" {
			return nil, false
		}
		return &engine.OutgoingPayload{Text: req.Text}, true
	case "image":
		return &engine.OutgoingPayload{Image: media}, req.URL != ""
	case "video":
		return &engine.OutgoingPayload{Video: media}, req.URL != ""
	case "audio":
		return &engine.OutgoingPayload{Audio: media}, req.URL != ""
	case "document":
		return &engine.OutgoingPayload{Document: media}, req.URL != ""
	default:
		return nil, false
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "sessionId and to are required")
		return
	}
	payload, ok := req.toPayload()
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported or incomplete message payload")
		return
	}

	to := req.To
	if !jid.IsGroup(to) && jid.ExtractPhone(to) == to {
		// Bare phone number: expand to a user JID.
		to = jid.FromPhone(to)
	}

	jobID, err := s.queue.Enqueue(r.Context(), req.SessionID, to, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID, "status": "queued"})
}

type readMessagesRequest struct {
	SessionID string   `json:"sessionId"`
	ChatID    string   `json:"chatId"`
	Messages  []string `json:"messageIds"`
}

func (s *Server) handleReadMessages(w http.ResponseWriter, r *http.Request) {
	var req readMessagesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "sessionId and chatId are required")
		return
	}
	conn, ok := s.connFor(w, req.SessionID)
	if !ok {
		return
	}

	refs := make([]engine.MessageRef, 0, len(req.Messages))
	for _, id := range req.Messages {
		refs = append(refs, engine.MessageRef{ChatJID: req.ChatID, MessageID: id})
	}
	if len(refs) > 0 {
		if err := conn.ReadMessages(r.Context(), refs); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := s.db.ResetChatUnread(req.SessionID, req.ChatID); err != nil {
		writeError(w, http.StatusInternalServerError, "reset unread failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.queue.Job(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":     job.ID,
		"sessionId": job.SessionID,
		"to":        job.ToJID,
		"status":    job.Status,
		"attempts":  job.Attempts,
		"lastError": job.LastError,
	})
}

type checkContactsRequest struct {
	SessionID string   `json:"sessionId"`
	Phones    []string `json:"phones"`
}

func (s *Server) handleCheckContacts(w http.ResponseWriter, r *http.Request) {
	var req checkContactsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || len(req.Phones) == 0 {
		writeError(w, http.StatusBadRequest, "sessionId and phones are required")
		return
	}
	conn, ok := s.connFor(w, req.SessionID)
	if !ok {
		return
	}
	registered, err := conn.CheckRegistered(r.Context(), req.Phones)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, registered)
}
