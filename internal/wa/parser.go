package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/mfpaiva/zapgate/internal/engine"
)

// parseLiveMessage converts a live whatsmeow message event into the engine
// shape.
func parseLiveMessage(evt *events.Message) engine.IncomingMessage {
	return engine.IncomingMessage{
		ID:        evt.Info.ID,
		ChatJID:   evt.Info.Chat.String(),
		SenderJID: evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
		Payload:   parsePayload(evt.Message),
	}
}

// parsePayload decodes the message variant. Checks run in fixed order so a
// message carrying several sub-documents maps to one stable type. Anything
// unrecognized keeps the full proto as JSON.
func parsePayload(msg *waE2E.Message) engine.Payload {
	if msg == nil {
		return engine.Payload{}
	}
	switch {
	case msg.GetConversation() != "":
		return engine.Payload{Conversation: msg.GetConversation()}
	case msg.GetExtendedTextMessage() != nil:
		return engine.Payload{ExtendedText: &engine.ExtendedText{
			Text: msg.GetExtendedTextMessage().GetText(),
		}}
	case msg.GetImageMessage() != nil:
		im := msg.GetImageMessage()
		return engine.Payload{Image: &engine.Media{
			URL:      im.GetURL(),
			MimeType: im.GetMimetype(),
			Caption:  im.GetCaption(),
		}}
	case msg.GetVideoMessage() != nil:
		vm := msg.GetVideoMessage()
		return engine.Payload{Video: &engine.Media{
			URL:      vm.GetURL(),
			MimeType: vm.GetMimetype(),
			Caption:  vm.GetCaption(),
		}}
	case msg.GetAudioMessage() != nil:
		am := msg.GetAudioMessage()
		return engine.Payload{Audio: &engine.Audio{
			URL:      am.GetURL(),
			MimeType: am.GetMimetype(),
			Seconds:  int(am.GetSeconds()),
		}}
	case msg.GetDocumentMessage() != nil:
		dm := msg.GetDocumentMessage()
		return engine.Payload{Document: &engine.Document{
			URL:      dm.GetURL(),
			MimeType: dm.GetMimetype(),
			FileName: dm.GetFileName(),
		}}
	case msg.GetStickerMessage() != nil:
		sm := msg.GetStickerMessage()
		return engine.Payload{Sticker: &engine.Media{
			URL:      sm.GetURL(),
			MimeType: sm.GetMimetype(),
		}}
	default:
		raw, err := protojson.Marshal(msg)
		if err != nil {
			return engine.Payload{}
		}
		return engine.Payload{Raw: raw}
	}
}
