package wa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/mfpaiva/zapgate/internal/credstore"
	"github.com/mfpaiva/zapgate/internal/engine"
)

// Conn wraps one live whatsmeow client.
type Conn struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	sessionID string
	bundle    *credstore.Bundle
	handler   func(engine.Event)
	logger    *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (c *Conn) emit(evt engine.Event) {
	if c.handler != nil {
		c.handler(evt)
	}
}

// SelfJID returns the device's own JID, or empty before pairing.
func (c *Conn) SelfJID() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}

// SendMessage sends one outbound payload and returns the server receipt.
func (c *Conn) SendMessage(ctx context.Context, toJID string, payload *engine.OutgoingPayload) (*engine.Receipt, error) {
	to, err := types.ParseJID(toJID)
	if err != nil {
		return nil, fmt.Errorf("parse jid: %w", err)
	}
	msg, err := c.buildMessage(ctx, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.SendMessage(ctx, to, msg)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &engine.Receipt{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (c *Conn) buildMessage(ctx context.Context, p *engine.OutgoingPayload) (*waE2E.Message, error) {
	switch {
	case p.Text != "":
		return &waE2E.Message{Conversation: proto.String(p.Text)}, nil
	case p.Image != nil:
		up, mime, err := c.uploadFromURL(ctx, p.Image, whatsmeow.MediaImage)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(p.Image.Caption),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}, nil
	case p.Video != nil:
		up, mime, err := c.uploadFromURL(ctx, p.Video, whatsmeow.MediaVideo)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(p.Video.Caption),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}, nil
	case p.Audio != nil:
		up, mime, err := c.uploadFromURL(ctx, p.Audio, whatsmeow.MediaAudio)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}, nil
	case p.Document != nil:
		up, mime, err := c.uploadFromURL(ctx, p.Document, whatsmeow.MediaDocument)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(p.Document.Caption),
			FileName:      proto.String(p.Document.FileName),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}, nil
	default:
		return nil, fmt.Errorf("empty payload")
	}
}

// uploadFromURL fetches media from the caller's URL and uploads it to the
// WhatsApp CDN.
func (c *Conn) uploadFromURL(ctx context.Context, m *engine.OutgoingMedia, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return whatsmeow.UploadResponse{}, "", fmt.Errorf("fetch media: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return whatsmeow.UploadResponse{}, "", fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return whatsmeow.UploadResponse{}, "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return whatsmeow.UploadResponse{}, "", fmt.Errorf("read media: %w", err)
	}

	mime := m.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	up, err := c.client.Upload(ctx, data, kind)
	if err != nil {
		return whatsmeow.UploadResponse{}, "", fmt.Errorf("upload media: %w", err)
	}
	return up, mime, nil
}

// ReadMessages marks messages as read on the protocol side.
func (c *Conn) ReadMessages(ctx context.Context, refs []engine.MessageRef) error {
	// Group by chat; MarkRead takes one chat per call.
	byChat := make(map[string][]types.MessageID)
	for _, r := range refs {
		if r.FromMe {
			continue
		}
		byChat[r.ChatJID] = append(byChat[r.ChatJID], r.MessageID)
	}
	self := types.EmptyJID
	if c.client.Store.ID != nil {
		self = *c.client.Store.ID
	}
	for chat, ids := range byChat {
		jid, err := types.ParseJID(chat)
		if err != nil {
			return fmt.Errorf("parse jid: %w", err)
		}
		if err := c.client.MarkRead(ctx, ids, time.Now(), jid, self); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return nil
}

// SendPresence publishes a chat-level typing state.
func (c *Conn) SendPresence(ctx context.Context, chatJID string, presence engine.Presence) error {
	jid, err := types.ParseJID(chatJID)
	if err != nil {
		return fmt.Errorf("parse jid: %w", err)
	}
	state := types.ChatPresenceComposing
	if presence == engine.PresencePaused {
		state = types.ChatPresencePaused
	}
	if err := c.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText); err != nil {
		return fmt.Errorf("send presence: %w", err)
	}
	return nil
}

// CheckRegistered reports which phone numbers are registered on WhatsApp.
func (c *Conn) CheckRegistered(ctx context.Context, phones []string) (map[string]bool, error) {
	resp, err := c.client.IsOnWhatsApp(ctx, phones)
	if err != nil {
		return nil, fmt.Errorf("check registered: %w", err)
	}
	out := make(map[string]bool, len(resp))
	for _, r := range resp {
		out[r.Query] = r.IsIn
	}
	return out, nil
}

// Logout invalidates the device pairing on the server.
func (c *Conn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// Close tears down the connection and the device container.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.client.Disconnect()
		c.wg.Wait()
		err = c.container.Close()
	})
	return err
}

var _ engine.Conn = (*Conn)(nil)
