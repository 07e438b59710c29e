package wa

import (
	"encoding/json"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/engine"
)

// handleEvent is the whatsmeow event handler. It translates protocol events
// into engine events; the session manager does all persistence.
func (c *Conn) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		c.logger.Info("paired", zap.String("jid", evt.ID.String()))
		c.snapshotCreds()
	case *events.Connected:
		c.logger.Info("connected")
		c.snapshotCreds()
		c.emit(engine.ConnectionUpdate{State: engine.StateOpen, SelfJID: c.SelfJID()})
	case *events.Disconnected:
		c.logger.Warn("disconnected")
		c.emit(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonConnectionLost})
	case *events.LoggedOut:
		c.logger.Warn("logged out", zap.String("reason", evt.Reason.String()))
		c.emit(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonLoggedOut})
	case *events.Message:
		c.emit(engine.MessagesUpsert{Messages: []engine.IncomingMessage{parseLiveMessage(evt)}})
	case *events.Receipt:
		c.handleReceipt(evt)
	case *events.PushName:
		c.emit(engine.ContactsUpdate{Contacts: []engine.ContactSnapshot{{
			JID:      evt.JID.ToNonAD().String(),
			PushName: evt.NewPushName,
		}}})
	case *events.Contact:
		c.emit(engine.ContactsUpdate{Contacts: []engine.ContactSnapshot{{
			JID:  evt.JID.ToNonAD().String(),
			Name: evt.Action.GetFullName(),
		}}})
	case *events.HistorySync:
		c.handleHistorySync(evt)
	}
}

func (c *Conn) handleReceipt(evt *events.Receipt) {
	var ack int
	switch evt.Type {
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		ack = 3
	case types.ReceiptTypeDelivered:
		ack = 2
	default:
		return
	}
	chat := evt.Chat.ToNonAD().String()
	for _, id := range evt.MessageIDs {
		c.emit(engine.MessageAck{ChatJID: chat, MessageID: id, Ack: ack})
	}
}

func (c *Conn) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var chats []engine.ChatSnapshot
	var msgs []engine.IncomingMessage
	for _, conv := range data.GetConversations() {
		chatJID := conv.GetID()
		jid, err := types.ParseJID(chatJID)
		if err != nil {
			continue
		}
		chats = append(chats, engine.ChatSnapshot{
			JID:      jid.ToNonAD().String(),
			Name:     conv.GetName(),
			IsGroup:  jid.Server == types.GroupServer,
			Archived: conv.GetArchived(),
			Pinned:   conv.GetPinned() != 0,
			Muted:    conv.GetMuteEndTime() != 0,
		})

		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			msgs = append(msgs, engine.IncomingMessage{
				ID:        wmsg.GetKey().GetID(),
				ChatJID:   chatJID,
				SenderJID: wmsg.GetKey().GetParticipant(),
				FromMe:    wmsg.GetKey().GetFromMe(),
				Timestamp: time.Unix(int64(wmsg.GetMessageTimestamp()), 0),
				Payload:   parsePayload(wmsg.GetMessage()),
			})
		}
	}

	if len(chats) > 0 {
		c.emit(engine.ChatsUpsert{Chats: chats})
	}
	if len(msgs) > 0 {
		c.emit(engine.MessagesUpsert{Messages: msgs, History: true})
	}
}

// credSnapshot is the identity document stored in the gateway's credential
// bundle. The signal state itself lives in the whatsmeow device container.
type credSnapshot struct {
	Me         string `json:"me,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Registered bool   `json:"registered"`
	PairedAt   int64  `json:"pairedAt,omitempty"`
}

func (c *Conn) snapshotCreds() {
	if c.bundle == nil {
		return
	}
	snap := credSnapshot{Registered: c.client.Store.ID != nil}
	if c.client.Store.ID != nil {
		snap.Me = c.client.Store.ID.ToNonAD().String()
		snap.Platform = c.client.Store.Platform
		snap.PairedAt = time.Now().UnixMilli()
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.bundle.Creds = blob
	c.emit(engine.CredentialsUpdate{})
}
