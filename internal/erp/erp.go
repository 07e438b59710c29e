// Package erp bridges the gateway to an ERP system: contact reconciliation,
// event-driven notifications and per-chat business context. The context
// lookup serves canned data until the ERP backend is wired up.
package erp

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/jid"
	"github.com/mfpaiva/zapgate/internal/store"
)

// ConnResolver resolves a session id to its live connection.
type ConnResolver interface {
	Conn(sessionID string) (engine.Conn, bool)
}

// Enqueuer queues outbound messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionID, toJID string, payload *engine.OutgoingPayload) (int64, error)
}

// Service implements the ERP-facing operations.
type Service struct {
	resolver ConnResolver
	queue    Enqueuer
	db       *store.DB
	logger   *zap.Logger
}

func New(resolver ConnResolver, queue Enqueuer, db *store.DB, logger *zap.Logger) *Service {
	return &Service{resolver: resolver, queue: queue, db: db, logger: logger.Named("erp")}
}

// SyncResult reports one contact's reconciliation outcome.
type SyncResult struct {
	Phone      string `json:"phone"`
	JID        string `json:"jid,omitempty"`
	Registered bool   `json:"registered"`
}

// ERPContact is a contact as pushed by the ERP.
type ERPContact struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// SyncContacts checks which ERP contacts are registered on the protocol and
// upserts the registered ones into the session's contact list.
func (s *Service) SyncContacts(ctx context.Context, sessionID string, contacts []ERPContact) ([]SyncResult, error) {
	conn, ok := s.resolver.Conn(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s has no live connection", sessionID)
	}

	phones := make([]string, 0, len(contacts))
	byPhone := make(map[string]ERPContact, len(contacts))
	for _, c := range contacts {
		phones = append(phones, c.Phone)
		byPhone[c.Phone] = c
	}

	registered, err := conn.CheckRegistered(ctx, phones)
	if err != nil {
		return nil, fmt.Errorf("check registered: %w", err)
	}

	results := make([]SyncResult, 0, len(contacts))
	for _, phone := range phones {
		res := SyncResult{Phone: phone, Registered: registered[phone]}
		if res.Registered {
			res.JID = jid.FromPhone(phone)
			contact := &store.Contact{
				SessionID: sessionID,
				JID:       res.JID,
				Name:      byPhone[phone].Name,
			}
			if err := s.db.UpsertContact(contact); err != nil {
				s.logger.Warn("contact upsert failed", zap.String("jid", res.JID), zap.Error(err))
			}
		}
		results = append(results, res)
	}
	s.logger.Info("contacts synced",
		zap.String("session_id", sessionID),
		zap.Int("total", len(contacts)),
		zap.Int("registered", countRegistered(results)))
	return results, nil
}

func countRegistered(results []SyncResult) int {
	n := 0
	for _, r := range results {
		if r.Registered {
			n++
		}
	}
	return n
}

// Event is an ERP business event to announce over a chat.
type Event struct {
	Type    string `json:"type"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// TriggerEvent queues a notification message for an ERP event. Returns the
// outbox job id.
func (s *Service) TriggerEvent(ctx context.Context, sessionID string, evt Event) (int64, error) {
	if evt.Phone == "" || evt.Message == "" {
		return 0, fmt.Errorf("event needs phone and message")
	}
	to := jid.FromPhone(evt.Phone)
	jobID, err := s.queue.Enqueue(ctx, sessionID, to, &engine.OutgoingPayload{Text: evt.Message})
	if err != nil {
		return 0, err
	}
	s.logger.Info("erp event queued",
		zap.String("session_id", sessionID),
		zap.String("type", evt.Type),
		zap.Int64("job_id", jobID))
	return jobID, nil
}

// ChatContext is the business summary shown next to a conversation.
type ChatContext struct {
	ChatJID       string  `json:"chatId"`
	CustomerName  string  `json:"customerName"`
	CustomerSince string  `json:"customerSince"`
	OpenOrders    int     `json:"openOrders"`
	TotalSpent    float64 `json:"totalSpent"`
	LastOrderAt   string  `json:"lastOrderAt"`
}

// Context returns the ERP summary for a chat. Customer identity comes from
// the local contact list; order figures are placeholder data.
// TODO: replace the canned order data with a real ERP lookup once the
// backend endpoint exists.
func (s *Service) Context(ctx context.Context, sessionID, chatJID string) (*ChatContext, error) {
	name := jid.ExtractPhone(chatJID)
	if c, err := s.db.GetContact(sessionID, chatJID); err == nil && c != nil {
		if c.Name != "" {
			name = c.Name
		} else if c.PushName != "" {
			name = c.PushName
		}
	}
	return &ChatContext{
		ChatJID:       chatJID,
		CustomerName:  name,
		CustomerSince: "2023-01-15",
		OpenOrders:    2,
		TotalSpent:    15750.50,
		LastOrderAt:   time.Now().AddDate(0, 0, -3).Format("2006-01-02"),
	}, nil
}
