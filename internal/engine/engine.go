// Package engine defines the contract between the session manager and a
// protocol engine implementation. The manager owns lifecycle and persistence;
// the engine owns the wire protocol.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mfpaiva/zapgate/internal/credstore"
)

// ConnState mirrors the engine connection lifecycle.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClose      ConnState = "close"
)

// Reason classifies why a connection closed.
type Reason int

const (
	ReasonNone           Reason = 0
	ReasonLoggedOut      Reason = 401
	ReasonTimedOut       Reason = 408
	ReasonConnectionLost Reason = 500
)

// IsLoggedOut reports whether the close is terminal: credentials are revoked
// and reconnecting with them can never succeed.
func (r Reason) IsLoggedOut() bool { return r == ReasonLoggedOut }

// Event is the union of engine-emitted events.
type Event interface{ isEvent() }

// ConnectionUpdate signals a lifecycle transition.
type ConnectionUpdate struct {
	State       ConnState
	PairingCode string // QR payload, set while pairing
	SelfJID     string // own JID, set once open
	Reason      Reason // set on close
}

// CredentialsUpdate signals that the bundle changed and must be persisted.
type CredentialsUpdate struct{}

// MessagesUpsert carries a batch of inbound or history messages.
type MessagesUpsert struct {
	Messages []IncomingMessage
	History  bool
}

// MessageAck carries a delivery receipt for one message.
type MessageAck struct {
	ChatJID   string
	MessageID string
	Ack       int // 2 delivered, 3 read
}

// ContactsUpdate carries contact snapshots.
type ContactsUpdate struct {
	Contacts []ContactSnapshot
}

// ChatsUpsert carries chat metadata snapshots.
type ChatsUpsert struct {
	Chats []ChatSnapshot
}

func (ConnectionUpdate) isEvent()  {}
func (CredentialsUpdate) isEvent() {}
func (MessagesUpsert) isEvent()    {}
func (MessageAck) isEvent()        {}
func (ContactsUpdate) isEvent()    {}
func (ChatsUpsert) isEvent()       {}

// ContactSnapshot is one address-book entry as seen by the engine.
type ContactSnapshot struct {
	JID      string
	Name     string
	PushName string
}

// ChatSnapshot is chat metadata as seen by the engine. It never carries
// unread counts: those are derived locally from the message stream.
type ChatSnapshot struct {
	JID      string
	Name     string
	IsGroup  bool
	Archived bool
	Pinned   bool
	Muted    bool
}

// IncomingMessage is one protocol message before normalization.
type IncomingMessage struct {
	ID        string
	ChatJID   string
	SenderJID string
	PushName  string
	FromMe    bool
	Timestamp time.Time
	Payload   Payload
}

// Payload holds the decoded message variant. Exactly one variant field is
// set; Raw carries the full engine document for unrecognized variants.
type Payload struct {
	Conversation string
	ExtendedText *ExtendedText
	Image        *Media
	Video        *Media
	Sticker      *Media
	Audio        *Audio
	Document     *Document
	Raw          json.RawMessage
}

type ExtendedText struct {
	Text string
}

type Media struct {
	URL      string
	MimeType string
	Caption  string
}

type Audio struct {
	URL      string
	MimeType string
	Seconds  int
}

type Document struct {
	URL      string
	MimeType string
	FileName string
}

// OutgoingPayload is one send request. Exactly one field set.
type OutgoingPayload struct {
	Text     string         `json:"text,omitempty"`
	Image    *OutgoingMedia `json:"image,omitempty"`
	Video    *OutgoingMedia `json:"video,omitempty"`
	Audio    *OutgoingMedia `json:"audio,omitempty"`
	Document *OutgoingMedia `json:"document,omitempty"`
}

// OutgoingMedia points at media to fetch and upload before sending.
type OutgoingMedia struct {
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Receipt identifies one sent message.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}

// MessageRef identifies a message to mark read.
type MessageRef struct {
	ChatJID   string
	MessageID string
	FromMe    bool
}

// Presence is a chat-level typing state.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Conn is one live protocol connection.
type Conn interface {
	SendMessage(ctx context.Context, toJID string, payload *OutgoingPayload) (*Receipt, error)
	ReadMessages(ctx context.Context, refs []MessageRef) error
	SendPresence(ctx context.Context, chatJID string, presence Presence) error
	CheckRegistered(ctx context.Context, phones []string) (map[string]bool, error)
	SelfJID() string
	Logout(ctx context.Context) error
	Close() error
}

// DialParams carries everything a dialer needs to bring one session online.
// Keys is optional: an engine that owns its key storage (a device store of
// its own) may ignore it and rely on Bundle plus SaveCreds for the identity
// snapshot alone.
type DialParams struct {
	SessionID string
	Bundle    *credstore.Bundle
	Keys      credstore.KeyCache
	SaveCreds func(ctx context.Context) error
	Handler   func(Event)
}

// Dialer opens protocol connections.
type Dialer interface {
	Dial(ctx context.Context, params DialParams) (Conn, error)
}
