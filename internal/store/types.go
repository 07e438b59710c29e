package store

import "encoding/json"

// Session statuses persisted in the sessions table.
const (
	SessionConnecting = "connecting"
	SessionOpen       = "open"
	SessionClosed     = "closed"
)

// Message delivery statuses.
const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
)

// Outbox job statuses.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Session is one tenant's connection identity.
type Session struct {
	ID        string
	Status    string
	Phone     string
	CreatedAt int64
	UpdatedAt int64
}

// Chat represents one conversation of a session.
type Chat struct {
	SessionID     string
	ChatJID       string
	Name          string
	IsGroup       bool
	UnreadCount   int
	LastMessageAt int64
	Archived      bool
	Pinned        bool
	Muted         bool
}

// Contact represents one address-book entry of a session.
type Contact struct {
	SessionID string
	JID       string
	Name      string
	PushName  string
}

// Message is a normalized protocol message. Content holds the JSON-encoded
// variant payload; Type names the variant.
type Message struct {
	ID        int64           `json:"-"`
	SessionID string          `json:"sessionId"`
	MsgID     string          `json:"messageId"`
	ChatJID   string          `json:"chatId"`
	FromJID   string          `json:"fromJid"`
	ToJID     string          `json:"toJid"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
	FromMe    bool            `json:"isFromMe"`
	Status    string          `json:"status"`
}

// Job is one outbound send request owned by the queue.
type Job struct {
	ID            int64
	SessionID     string
	ToJID         string
	Payload       []byte
	Attempts      int
	MaxAttempts   int
	Status        string
	LastError     string
	NextAttemptAt int64
	CreatedAt     int64
	UpdatedAt     int64
}
