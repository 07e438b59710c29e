package manager

import "github.com/mfpaiva/zapgate/internal/store"

// Bus payloads published by the manager. JSON tags define the wire shape the
// push layer forwards verbatim.

type QRPayload struct {
	SessionID string `json:"sessionId"`
	QR        string `json:"qr"`
}

type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Phone     string `json:"phone,omitempty"`
}

type DisconnectedPayload struct {
	SessionID       string `json:"sessionId"`
	Status          string `json:"status"`
	ShouldReconnect bool   `json:"shouldReconnect"`
}

type MessagesPayload struct {
	SessionID string          `json:"sessionId"`
	Messages  []store.Message `json:"messages"`
}

type StatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type UpdatesPayload struct {
	SessionID string         `json:"sessionId"`
	Updates   []StatusUpdate `json:"updates"`
}
