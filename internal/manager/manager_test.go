package manager

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/bus"
	"github.com/mfpaiva/zapgate/internal/config"
	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/store"
)

type fakeConn struct {
	mu        sync.Mutex
	closed    bool
	loggedOut bool
	presences []string
}

func (f *fakeConn) SendMessage(context.Context, string, *engine.OutgoingPayload) (*engine.Receipt, error) {
	return &engine.Receipt{MessageID: "SRV1", Timestamp: time.Now()}, nil
}
func (f *fakeConn) ReadMessages(context.Context, []engine.MessageRef) error { return nil }
func (f *fakeConn) SendPresence(_ context.Context, chatJID string, p engine.Presence) error {
	f.mu.Lock()
	f.presences = append(f.presences, chatJID+":"+string(p))
	f.mu.Unlock()
	return nil
}
func (f *fakeConn) CheckRegistered(context.Context, []string) (map[string]bool, error) {
	return nil, nil
}
func (f *fakeConn) SelfJID() string { return "5511999999999@s.whatsapp.net" }
func (f *fakeConn) Logout(context.Context) error {
	f.mu.Lock()
	f.loggedOut = true
	f.mu.Unlock()
	return nil
}
func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
func (f *fakeConn) isLoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

// fakeDialer hands out one fakeConn per dial and records the event handlers
// so tests can inject engine events.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	conns    []*fakeConn
	handlers []func(engine.Event)
}

func (d *fakeDialer) Dial(_ context.Context, params engine.DialParams) (engine.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	d.handlers = append(d.handlers, params.Handler)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastHandler() func(engine.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[len(d.handlers)-1]
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestManager(t *testing.T) (*Manager, *fakeDialer, *store.DB, *bus.Bus) {
	t.Helper()
	dialer := &fakeDialer{}
	m, db, b := newTestManagerWith(t, dialer, 30)
	return m, dialer, db, b
}

func newTestManagerWith(t *testing.T, dialer engine.Dialer, reconnectDelayMS int) (*Manager, *store.DB, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "gateway.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.ReconnectDelayMS = reconnectDelayMS

	b := bus.New()
	m := New(db, dialer, b, cfg, zap.NewNop())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, db, b
}

func TestCreateSessionRejectsDuplicate(t *testing.T) {
	m, dialer, _, _ := newTestManager(t)

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateSession(context.Background(), "s1"); err != ErrSessionExists {
		t.Fatalf("duplicate create: %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dialed %d times", dialer.dialCount())
	}
}

// blockingDialer parks the first dial until released, so tests can overlap a
// second CreateSession with one still in flight.
type blockingDialer struct {
	fakeDialer
	started chan struct{}
	release chan struct{}
}

func (d *blockingDialer) Dial(ctx context.Context, params engine.DialParams) (engine.Conn, error) {
	d.started <- struct{}{}
	<-d.release
	return d.fakeDialer.Dial(ctx, params)
}

func TestCreateSessionRejectsDuplicateMidDial(t *testing.T) {
	dialer := &blockingDialer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m, _, _ := newTestManagerWith(t, dialer, 30)

	errs := make(chan error, 1)
	go func() { errs <- m.CreateSession(context.Background(), "s1") }()
	<-dialer.started

	// The first create is still dialing; the id must already be claimed.
	if err := m.CreateSession(context.Background(), "s1"); err != ErrSessionExists {
		t.Fatalf("duplicate create mid-dial: %v", err)
	}

	close(dialer.release)
	if err := <-errs; err != nil {
		t.Fatalf("first create: %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dialed %d times", dialer.dialCount())
	}
	if !m.IsActive("s1") {
		t.Fatal("session not active")
	}
}

func TestCreateSessionRejectsBadID(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if err := m.CreateSession(context.Background(), "../etc"); err == nil {
		t.Fatal("path-escaping id accepted")
	}
}

func TestOpenRecordsPhone(t *testing.T) {
	m, dialer, db, b := newTestManager(t)
	events, stop := b.Subscribe("session.", 8)
	defer stop()

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	dialer.lastHandler()(engine.ConnectionUpdate{State: engine.StateOpen, SelfJID: "5511999999999:2@s.whatsapp.net"})

	s, err := db.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != store.SessionOpen || s.Phone != "5511999999999" {
		t.Fatalf("session = %+v", s)
	}

	select {
	case evt := <-events:
		p, ok := evt.Payload.(ConnectedPayload)
		if !ok || p.Phone != "5511999999999" {
			t.Fatalf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}
}

func TestQRPublished(t *testing.T) {
	m, dialer, _, b := newTestManager(t)
	events, stop := b.Subscribe(bus.KindSessionQR, 8)
	defer stop()

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	dialer.lastHandler()(engine.ConnectionUpdate{State: engine.StateConnecting, PairingCode: "2@AbCdEf"})

	select {
	case evt := <-events:
		p, ok := evt.Payload.(QRPayload)
		if !ok || p.SessionID != "s1" || p.QR == "" {
			t.Fatalf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no qr event")
	}

	code, ok := m.QR("s1")
	if !ok || code == "" {
		t.Fatalf("QR() = %q, %v", code, ok)
	}

	// Pairing succeeded: the code is spent.
	dialer.lastHandler()(engine.ConnectionUpdate{State: engine.StateOpen, SelfJID: "5511999999999@s.whatsapp.net"})
	if _, ok := m.QR("s1"); ok {
		t.Fatal("QR still available after open")
	}
	if _, ok := m.QR("ghost"); ok {
		t.Fatal("QR for unknown session")
	}
}

func TestTransientCloseReconnects(t *testing.T) {
	m, dialer, _, b := newTestManager(t)
	events, stop := b.Subscribe(bus.KindSessionDisconnected, 8)
	defer stop()

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	dialer.lastHandler()(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonConnectionLost})

	select {
	case evt := <-events:
		p := evt.Payload.(DisconnectedPayload)
		if !p.ShouldReconnect || p.Status != store.SessionClosed {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnected event")
	}

	deadline := time.Now().Add(2 * time.Second)
	for dialer.dialCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no reconnect dial, count = %d", dialer.dialCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Exactly one reconnect for one close.
	time.Sleep(100 * time.Millisecond)
	if dialer.dialCount() != 2 {
		t.Fatalf("dialed %d times", dialer.dialCount())
	}
	if !m.IsActive("s1") {
		t.Fatal("session not active after reconnect")
	}
}

// Every close persists status closed; the reconnect dial records connecting
// again when it starts. A long reconnect delay keeps the window observable.
func TestTransientClosePersistsClosed(t *testing.T) {
	dialer := &fakeDialer{}
	m, db, _ := newTestManagerWith(t, dialer, 60000)

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	dialer.lastHandler()(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonConnectionLost})

	s, err := db.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != store.SessionClosed {
		t.Fatalf("status during reconnect window = %q", s.Status)
	}
}

func TestLoggedOutDeletesSession(t *testing.T) {
	m, dialer, db, b := newTestManager(t)
	events, stop := b.Subscribe(bus.KindSessionDisconnected, 8)
	defer stop()

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	dialer.lastHandler()(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonLoggedOut})

	select {
	case evt := <-events:
		p := evt.Payload.(DisconnectedPayload)
		if p.ShouldReconnect {
			t.Fatalf("logged-out close asked for reconnect: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnected event")
	}

	if s, _ := db.GetSession("s1"); s != nil {
		t.Fatalf("session row survived logout: %+v", s)
	}
	time.Sleep(100 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("reconnect after logout, dialed %d times", dialer.dialCount())
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	m, dialer, db, _ := newTestManager(t)

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	dialer.lastHandler()(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonConnectionLost})

	// Cancel the pending reconnect before it fires.
	if err := m.Disconnect(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("reconnect fired after disconnect, dialed %d times", dialer.dialCount())
	}

	s, _ := db.GetSession("s1")
	if s.Status != store.SessionClosed {
		t.Fatalf("status = %q", s.Status)
	}

	// Idempotent.
	if err := m.Disconnect(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
}

func TestDisconnectKeepsCredentials(t *testing.T) {
	m, dialer, db, _ := newTestManager(t)

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	conn := dialer.lastConn()
	if err := m.Disconnect(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if !conn.isClosed() {
		t.Fatal("connection not closed")
	}
	if conn.isLoggedOut() {
		t.Fatal("disconnect must not log out")
	}
	if s, _ := db.GetSession("s1"); s == nil {
		t.Fatal("session row deleted by disconnect")
	}
}

func TestDeleteSessionLogsOut(t *testing.T) {
	m, dialer, db, _ := newTestManager(t)

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	conn := dialer.lastConn()
	if err := m.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if !conn.isLoggedOut() || !conn.isClosed() {
		t.Fatalf("logout=%v closed=%v", conn.isLoggedOut(), conn.isClosed())
	}
	if s, _ := db.GetSession("s1"); s != nil {
		t.Fatal("session row survived delete")
	}
	if m.IsActive("s1") {
		t.Fatal("session still active")
	}
}

func TestStaleCloseIgnored(t *testing.T) {
	m, dialer, _, _ := newTestManager(t)

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	oldHandler := dialer.lastHandler()
	dialer.lastHandler()(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonConnectionLost})

	deadline := time.Now().Add(2 * time.Second)
	for dialer.dialCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no reconnect dial")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A late close from the first connection must not tear down the second.
	oldHandler(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonConnectionLost})
	time.Sleep(150 * time.Millisecond)
	if !m.IsActive("s1") {
		t.Fatal("stale close removed live session")
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("stale close triggered dial, count = %d", dialer.dialCount())
	}
}

func TestResumeAllSkipsClosed(t *testing.T) {
	m, dialer, db, _ := newTestManager(t)

	if err := db.InitSession("open1", nil); err != nil {
		t.Fatal(err)
	}
	if err := db.InitSession("closed1", nil); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateSessionStatus("closed1", store.SessionClosed, ""); err != nil {
		t.Fatal(err)
	}

	m.ResumeAll(context.Background())
	if !m.IsActive("open1") {
		t.Fatal("open session not resumed")
	}
	if m.IsActive("closed1") {
		t.Fatal("closed session resumed")
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dialed %d times", dialer.dialCount())
	}
}

func TestMessageFlowEndToEnd(t *testing.T) {
	m, dialer, db, b := newTestManager(t)
	events, stop := b.Subscribe(bus.KindMessageReceived, 8)
	defer stop()

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	handler := dialer.lastHandler()
	handler(engine.ConnectionUpdate{State: engine.StateOpen, SelfJID: "5511999999999@s.whatsapp.net"})

	chat := "5511888888888@s.whatsapp.net"
	handler(engine.MessagesUpsert{Messages: []engine.IncomingMessage{{
		ID:        "M1",
		ChatJID:   chat,
		SenderJID: chat,
		PushName:  "Maria",
		Timestamp: time.Now(),
		Payload:   engine.Payload{Conversation: "oi"},
	}}})

	select {
	case evt := <-events:
		p := evt.Payload.(MessagesPayload)
		if len(p.Messages) != 1 || p.Messages[0].MsgID != "M1" {
			t.Fatalf("payload = %+v", p)
		}
		if p.Messages[0].ToJID != "5511999999999@s.whatsapp.net" {
			t.Fatalf("to = %q", p.Messages[0].ToJID)
		}
	case <-time.After(time.Second):
		t.Fatal("no message event")
	}

	c, _ := db.GetChat("s1", chat)
	if c == nil || c.UnreadCount != 1 {
		t.Fatalf("chat = %+v", c)
	}
	contact, _ := db.GetContact("s1", chat)
	if contact == nil || contact.PushName != "Maria" {
		t.Fatalf("contact = %+v", contact)
	}

	// Ack flows to a status update event.
	updates, stopUpd := b.Subscribe(bus.KindMessageUpdated, 8)
	defer stopUpd()
	handler(engine.MessageAck{ChatJID: chat, MessageID: "M1", Ack: 3})
	select {
	case evt := <-updates:
		p := evt.Payload.(UpdatesPayload)
		if len(p.Updates) != 1 || p.Updates[0].Status != store.MessageRead {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no update event")
	}
}

func TestHistoryBatchNotPublished(t *testing.T) {
	m, dialer, db, b := newTestManager(t)
	events, stop := b.Subscribe(bus.KindMessageReceived, 8)
	defer stop()

	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	handler := dialer.lastHandler()
	chat := "5511888888888@s.whatsapp.net"
	handler(engine.MessagesUpsert{History: true, Messages: []engine.IncomingMessage{{
		ID:        "H1",
		ChatJID:   chat,
		SenderJID: chat,
		Timestamp: time.Now(),
		Payload:   engine.Payload{Conversation: "old"},
	}}})

	select {
	case evt := <-events:
		t.Fatalf("history batch published: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
	if msg, _ := db.GetMessage("s1", "H1"); msg == nil {
		t.Fatal("history message not persisted")
	}
}

func TestSendPresence(t *testing.T) {
	m, dialer, _, _ := newTestManager(t)
	if err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	chat := "5511888888888@s.whatsapp.net"
	if err := m.SendPresence(context.Background(), "s1", chat, engine.PresenceComposing); err != nil {
		t.Fatal(err)
	}
	conn := dialer.lastConn()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.presences) != 1 || conn.presences[0] != chat+":composing" {
		t.Fatalf("presences = %v", conn.presences)
	}

	if err := m.SendPresence(context.Background(), "ghost", chat, engine.PresencePaused); err != ErrSessionUnavailable {
		t.Fatalf("ghost presence: %v", err)
	}
}
