package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/manager"
	"github.com/mfpaiva/zapgate/internal/store"
)

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Phone     string `json:"phone,omitempty"`
	Active    bool   `json:"active"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	id := req.SessionID
	if id == "" {
		id = newSessionID()
	}

	if err := s.mgr.CreateSession(r.Context(), id); err != nil {
		if errors.Is(err, manager.ErrSessionExists) {
			writeError(w, http.StatusConflict, "session already exists")
			return
		}
		s.logger.Warn("create session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse{
			SessionID: sess.ID,
			Status:    sess.Status,
			Phone:     sess.Phone,
			Active:    s.mgr.IsActive(sess.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.db.GetSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get session failed")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		Phone:     sess.Phone,
		Active:    s.mgr.IsActive(sess.ID),
	})
}

func (s *Server) handleGetSessionQR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code, ok := s.mgr.QR(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no pending pairing code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "qr": code})
}

func (s *Server) handleDisconnectSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Disconnect(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "closed"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.DeleteSession(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, offset := pageParams(r)
	chats, err := s.db.ListChats(id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list chats failed")
		return
	}
	writeJSON(w, http.StatusOK, chatsToJSON(chats))
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	contacts, err := s.db.ListContacts(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list contacts failed")
		return
	}
	out := make([]map[string]string, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, map[string]string{
			"jid":      c.JID,
			"name":     c.Name,
			"pushName": c.PushName,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chatID := r.URL.Query().Get("chatId")
	limit, offset := pageParams(r)
	msgs, err := s.db.ListMessages(id, chatID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list messages failed")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

type chatResponse struct {
	ChatJID       string `json:"chatId"`
	Name          string `json:"name"`
	IsGroup       bool   `json:"isGroup"`
	UnreadCount   int    `json:"unreadCount"`
	LastMessageAt int64  `json:"lastMessageAt"`
	Archived      bool   `json:"archived"`
	Pinned        bool   `json:"pinned"`
	Muted         bool   `json:"muted"`
}

func chatsToJSON(chats []store.Chat) []chatResponse {
	out := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatResponse{
			ChatJID:       c.ChatJID,
			Name:          c.Name,
			IsGroup:       c.IsGroup,
			UnreadCount:   c.UnreadCount,
			LastMessageAt: c.LastMessageAt,
			Archived:      c.Archived,
			Pinned:        c.Pinned,
			Muted:         c.Muted,
		})
	}
	return out
}
