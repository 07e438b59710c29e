// Package normalize turns engine events into canonical store rows. Inbound
// batches are applied item by item: a malformed item is logged and skipped,
// never failing its batch.
package normalize

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/jid"
	"github.com/mfpaiva/zapgate/internal/store"
)

// Normalizer applies one session's engine events to the store.
type Normalizer struct {
	db        *store.DB
	sessionID string
	self      func() string
	logger    *zap.Logger
}

// New creates a normalizer. self reports the session's own JID and may return
// empty before pairing completes.
func New(db *store.DB, sessionID string, self func() string, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		db:        db,
		sessionID: sessionID,
		self:      self,
		logger:    logger.Named("normalize").With(zap.String("session_id", sessionID)),
	}
}

// Content is the canonical JSON document stored per message.
type Content struct {
	Text     string          `json:"text,omitempty"`
	Caption  string          `json:"caption,omitempty"`
	URL      string          `json:"url,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	FileName string          `json:"fileName,omitempty"`
	Seconds  int             `json:"seconds,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// ApplyMessages persists a message batch and bumps the owning chats. Returns
// the rows that were stored, in input order.
func (n *Normalizer) ApplyMessages(batch engine.MessagesUpsert) []store.Message {
	var stored []store.Message
	for i := range batch.Messages {
		m, err := n.normalizeMessage(&batch.Messages[i])
		if err != nil {
			n.logger.Warn("skipping message", zap.Error(err))
			continue
		}
		if err := n.db.UpsertMessage(m); err != nil {
			n.logger.Warn("persist message failed", zap.String("msg_id", m.MsgID), zap.Error(err))
			continue
		}
		if err := n.db.TouchChatForMessage(n.sessionID, m.ChatJID, jid.IsGroup(m.ChatJID), m.Timestamp, m.FromMe); err != nil {
			n.logger.Warn("touch chat failed", zap.String("chat_jid", m.ChatJID), zap.Error(err))
		}
		if batch.Messages[i].PushName != "" && !m.FromMe {
			contact := &store.Contact{SessionID: n.sessionID, JID: m.FromJID, PushName: batch.Messages[i].PushName}
			if err := n.db.UpsertContact(contact); err != nil {
				n.logger.Warn("persist contact failed", zap.String("jid", m.FromJID), zap.Error(err))
			}
		}
		stored = append(stored, *m)
	}
	return stored
}

func (n *Normalizer) normalizeMessage(in *engine.IncomingMessage) (*store.Message, error) {
	if in.ID == "" {
		return nil, errMissingID
	}
	if in.ChatJID == "" {
		return nil, errMissingChat
	}

	chat := jid.Normalize(in.ChatJID)
	self := n.self()

	var from, to string
	if in.FromMe {
		from, to = self, chat
	} else {
		from = jid.Normalize(in.SenderJID)
		if from == "" {
			from = chat
		}
		to = self
	}

	typ, content := extractContent(&in.Payload)
	blob, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}

	return &store.Message{
		SessionID: n.sessionID,
		MsgID:     in.ID,
		ChatJID:   chat,
		FromJID:   from,
		ToJID:     to,
		Type:      typ,
		Content:   blob,
		Timestamp: in.Timestamp.UnixMilli(),
		FromMe:    in.FromMe,
		Status:    store.MessageSent,
	}, nil
}

// extractContent maps the payload variant to a message type and canonical
// content document. Variants are checked in fixed order.
func extractContent(p *engine.Payload) (string, Content) {
	switch {
	case p.Conversation != "":
		return "text", Content{Text: p.Conversation}
	case p.ExtendedText != nil:
		return "text", Content{Text: p.ExtendedText.Text}
	case p.Image != nil:
		return "image", Content{URL: p.Image.URL, MimeType: p.Image.MimeType, Caption: p.Image.Caption}
	case p.Video != nil:
		return "video", Content{URL: p.Video.URL, MimeType: p.Video.MimeType, Caption: p.Video.Caption}
	case p.Audio != nil:
		return "audio", Content{URL: p.Audio.URL, MimeType: p.Audio.MimeType, Seconds: p.Audio.Seconds}
	case p.Document != nil:
		return "document", Content{URL: p.Document.URL, MimeType: p.Document.MimeType, FileName: p.Document.FileName}
	case p.Sticker != nil:
		return "sticker", Content{URL: p.Sticker.URL, MimeType: p.Sticker.MimeType}
	default:
		return "unknown", Content{Raw: p.Raw}
	}
}

// MapAckStatus converts a protocol ack level to a delivery status. Unknown
// levels degrade to sent.
func MapAckStatus(ack int) string {
	switch ack {
	case 3:
		return store.MessageRead
	case 2:
		return store.MessageDelivered
	default:
		return store.MessageSent
	}
}

// ApplyAck records a delivery receipt. Returns the resulting status.
func (n *Normalizer) ApplyAck(ack engine.MessageAck) (string, bool) {
	status := MapAckStatus(ack.Ack)
	if err := n.db.UpdateMessageStatus(n.sessionID, ack.MessageID, status); err != nil {
		n.logger.Warn("persist ack failed", zap.String("msg_id", ack.MessageID), zap.Error(err))
		return status, false
	}
	return status, true
}

// ApplyContacts persists contact snapshots.
func (n *Normalizer) ApplyContacts(upd engine.ContactsUpdate) {
	for _, c := range upd.Contacts {
		j := jid.Normalize(c.JID)
		if j == "" {
			continue
		}
		contact := &store.Contact{SessionID: n.sessionID, JID: j, Name: c.Name, PushName: c.PushName}
		if err := n.db.UpsertContact(contact); err != nil {
			n.logger.Warn("persist contact failed", zap.String("jid", j), zap.Error(err))
		}
	}
}

// ApplyChats persists chat metadata snapshots. Unread counts are untouched:
// they are derived locally from the message stream.
func (n *Normalizer) ApplyChats(upd engine.ChatsUpsert) {
	for _, c := range upd.Chats {
		j := jid.Normalize(c.JID)
		if j == "" {
			continue
		}
		chat := &store.Chat{
			SessionID: n.sessionID,
			ChatJID:   j,
			Name:      c.Name,
			IsGroup:   c.IsGroup || jid.IsGroup(j),
			Archived:  c.Archived,
			Pinned:    c.Pinned,
			Muted:     c.Muted,
		}
		if err := n.db.UpsertChatMeta(chat); err != nil {
			n.logger.Warn("persist chat failed", zap.String("chat_jid", j), zap.Error(err))
		}
	}
}
