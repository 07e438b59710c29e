package erp

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/store"
)

type fakeConn struct {
	engine.Conn
	registered map[string]bool
}

func (f *fakeConn) CheckRegistered(_ context.Context, phones []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, p := range phones {
		out[p] = f.registered[p]
	}
	return out, nil
}

type fakeResolver struct {
	conn engine.Conn
}

func (f *fakeResolver) Conn(string) (engine.Conn, bool) {
	if f.conn == nil {
		return nil, false
	}
	return f.conn, true
}

type fakeQueue struct {
	jobs []string
}

func (f *fakeQueue) Enqueue(_ context.Context, sessionID, toJID string, payload *engine.OutgoingPayload) (int64, error) {
	f.jobs = append(f.jobs, toJID+":"+payload.Text)
	return int64(len(f.jobs)), nil
}

func newTestService(t *testing.T, resolver ConnResolver, queue Enqueuer) (*Service, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(resolver, queue, db, zap.NewNop()), db
}

func TestSyncContacts(t *testing.T) {
	conn := &fakeConn{registered: map[string]bool{"5511888888888": true}}
	s, db := newTestService(t, &fakeResolver{conn: conn}, &fakeQueue{})

	results, err := s.SyncContacts(context.Background(), "s1", []ERPContact{
		{Phone: "5511888888888", Name: "Maria"},
		{Phone: "5511777777777", Name: "Nobody"},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: %+v", results)
	}
	if !results[0].Registered || results[0].JID != "5511888888888@s.whatsapp.net" {
		t.Fatalf("registered result: %+v", results[0])
	}
	if results[1].Registered {
		t.Fatalf("unregistered result: %+v", results[1])
	}

	c, err := db.GetContact("s1", "5511888888888@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Maria" {
		t.Fatalf("contact = %+v", c)
	}
	if c2, _ := db.GetContact("s1", "5511777777777@s.whatsapp.net"); c2 != nil {
		t.Fatal("unregistered contact stored")
	}
}

func TestSyncContactsNoSession(t *testing.T) {
	s, _ := newTestService(t, &fakeResolver{}, &fakeQueue{})
	if _, err := s.SyncContacts(context.Background(), "ghost", nil); err == nil {
		t.Fatal("expected error for dead session")
	}
}

func TestTriggerEvent(t *testing.T) {
	queue := &fakeQueue{}
	s, _ := newTestService(t, &fakeResolver{}, queue)

	jobID, err := s.TriggerEvent(context.Background(), "s1", Event{
		Type:    "order.shipped",
		Phone:   "+5511888888888",
		Message: "Seu pedido foi enviado",
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if jobID != 1 {
		t.Fatalf("job id = %d", jobID)
	}
	if len(queue.jobs) != 1 || queue.jobs[0] != "5511888888888@s.whatsapp.net:Seu pedido foi enviado" {
		t.Fatalf("jobs = %v", queue.jobs)
	}

	if _, err := s.TriggerEvent(context.Background(), "s1", Event{Type: "x"}); err == nil {
		t.Fatal("empty event accepted")
	}
}

func TestContextUsesContactName(t *testing.T) {
	s, db := newTestService(t, &fakeResolver{}, &fakeQueue{})
	chat := "5511888888888@s.whatsapp.net"
	if err := db.UpsertContact(&store.Contact{SessionID: "s1", JID: chat, Name: "Maria"}); err != nil {
		t.Fatal(err)
	}

	c, err := s.Context(context.Background(), "s1", chat)
	if err != nil {
		t.Fatal(err)
	}
	if c.CustomerName != "Maria" || c.ChatJID != chat {
		t.Fatalf("context = %+v", c)
	}

	// Unknown chat falls back to the phone number.
	c, err = s.Context(context.Background(), "s1", "5511777777777@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if c.CustomerName != "5511777777777" {
		t.Fatalf("fallback name = %q", c.CustomerName)
	}
}
