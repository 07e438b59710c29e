// Package manager owns the session lifecycle: pairing, reconnection,
// teardown. One live connection per session id; engine events flow through
// the normalizer synchronously so persistence keeps protocol order, and only
// then fan out on the bus.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/bus"
	"github.com/mfpaiva/zapgate/internal/config"
	"github.com/mfpaiva/zapgate/internal/credstore"
	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/jid"
	"github.com/mfpaiva/zapgate/internal/normalize"
	"github.com/mfpaiva/zapgate/internal/qr"
	"github.com/mfpaiva/zapgate/internal/session"
	"github.com/mfpaiva/zapgate/internal/store"
)

var (
	// ErrSessionExists means the session is already active or being created.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionUnavailable means the session has no live connection.
	ErrSessionUnavailable = errors.New("session unavailable")
)

// Manager orchestrates all live sessions.
type Manager struct {
	db             *store.DB
	dialer         engine.Dialer
	bus            *bus.Bus
	logger         *zap.Logger
	dataDir        string
	reconnectDelay time.Duration

	mu         sync.Mutex
	conns      map[string]*liveConn
	reconnects map[string]*time.Timer
	shutdown   bool
}

// liveConn tracks one session's connection. It is inserted into the manager
// map before dialing so concurrent creates are excluded; conn is filled in
// once the dial returns.
type liveConn struct {
	sessionID string
	cs        *credstore.Store
	persist   func(context.Context) error
	norm      *normalize.Normalizer

	mu       sync.Mutex
	conn     engine.Conn
	self     string
	lastQR   string
	detached bool // explicit disconnect: close events must not reconnect
}

func (lc *liveConn) setConn(c engine.Conn) {
	lc.mu.Lock()
	lc.conn = c
	lc.mu.Unlock()
}

func (lc *liveConn) getConn() engine.Conn {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.conn
}

func (lc *liveConn) setSelf(jid string) {
	lc.mu.Lock()
	lc.self = jid
	lc.mu.Unlock()
}

func (lc *liveConn) Self() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.self
}

func (lc *liveConn) setLastQR(dataURL string) {
	lc.mu.Lock()
	lc.lastQR = dataURL
	lc.mu.Unlock()
}

func (lc *liveConn) LastQR() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.lastQR
}

func (lc *liveConn) setDetached() {
	lc.mu.Lock()
	lc.detached = true
	lc.mu.Unlock()
}

func (lc *liveConn) isDetached() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.detached
}

func New(db *store.DB, dialer engine.Dialer, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		db:             db,
		dialer:         dialer,
		bus:            b,
		logger:         logger.Named("manager"),
		dataDir:        cfg.DataDir,
		reconnectDelay: time.Duration(cfg.ReconnectDelayMS) * time.Millisecond,
		conns:          make(map[string]*liveConn),
		reconnects:     make(map[string]*time.Timer),
	}
}

// CreateSession brings a session online, starting the pairing flow for a
// fresh one. Returns ErrSessionExists if the session is already active.
func (m *Manager) CreateSession(ctx context.Context, id string) error {
	if err := session.ValidateID(id); err != nil {
		return err
	}

	lc := &liveConn{sessionID: id}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return errors.New("manager is shut down")
	}
	if _, ok := m.conns[id]; ok {
		m.mu.Unlock()
		return ErrSessionExists
	}
	if t, ok := m.reconnects[id]; ok {
		t.Stop()
		delete(m.reconnects, id)
	}
	m.conns[id] = lc
	m.mu.Unlock()

	logger := m.logger.With(zap.String("session_id", id))
	logger.Info("creating session")

	cs := credstore.New(m.db, id, m.logger)
	bundle, keys, persist, err := cs.Load(ctx)
	if err != nil {
		m.discard(lc)
		return err
	}
	lc.cs = cs
	lc.persist = persist
	lc.norm = normalize.New(m.db, id, lc.Self, m.logger)

	if err := cs.UpdateStatus(store.SessionConnecting, ""); err != nil {
		logger.Warn("status update failed", zap.Error(err))
	}

	conn, err := m.dialer.Dial(ctx, engine.DialParams{
		SessionID: id,
		Bundle:    bundle,
		Keys:      keys,
		SaveCreds: persist,
		Handler:   func(evt engine.Event) { m.handleEvent(lc, evt) },
	})
	if err != nil {
		m.discard(lc)
		return err
	}

	m.mu.Lock()
	current := m.conns[id] == lc
	if current {
		lc.setConn(conn)
	}
	m.mu.Unlock()
	if !current {
		// Superseded while dialing (disconnect or delete raced us).
		_ = conn.Close()
	}
	return nil
}

// discard removes a placeholder that never came online.
func (m *Manager) discard(lc *liveConn) {
	m.mu.Lock()
	if m.conns[lc.sessionID] == lc {
		delete(m.conns, lc.sessionID)
	}
	m.mu.Unlock()
}

// Disconnect takes a session offline, keeping its credentials so it can be
// resumed later. Idempotent.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	if t, ok := m.reconnects[id]; ok {
		t.Stop()
		delete(m.reconnects, id)
	}
	lc := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if lc == nil {
		return nil
	}
	lc.setDetached()
	if c := lc.getConn(); c != nil {
		if err := c.Close(); err != nil {
			m.logger.Warn("close failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	if err := m.db.UpdateSessionStatus(id, store.SessionClosed, ""); err != nil {
		m.logger.Warn("status update failed", zap.String("session_id", id), zap.Error(err))
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindSessionDisconnected,
		SessionID: id,
		Timestamp: time.Now(),
		Payload:   DisconnectedPayload{SessionID: id, Status: store.SessionClosed, ShouldReconnect: false},
	})
	return nil
}

// DeleteSession logs the device out and erases everything the session owns:
// credentials, history, and the on-disk engine state.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	if t, ok := m.reconnects[id]; ok {
		t.Stop()
		delete(m.reconnects, id)
	}
	lc := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if lc != nil {
		lc.setDetached()
		if c := lc.getConn(); c != nil {
			if err := c.Logout(ctx); err != nil {
				m.logger.Warn("logout failed", zap.String("session_id", id), zap.Error(err))
			}
			_ = c.Close()
		}
	}
	if err := m.db.DeleteSession(id); err != nil {
		return err
	}
	session.RemoveDir(m.dataDir, id)
	m.bus.Publish(bus.Event{
		Kind:      bus.KindSessionDisconnected,
		SessionID: id,
		Timestamp: time.Now(),
		Payload:   DisconnectedPayload{SessionID: id, Status: store.SessionClosed, ShouldReconnect: false},
	})
	return nil
}

// IsActive reports whether the session has a live (or connecting) connection.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[id]
	return ok
}

// ListActive returns the ids of all live sessions.
func (m *Manager) ListActive() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Conn resolves a session's live connection. Satisfies the outbox resolver.
func (m *Manager) Conn(id string) (engine.Conn, bool) {
	m.mu.Lock()
	lc := m.conns[id]
	m.mu.Unlock()
	if lc == nil {
		return nil, false
	}
	c := lc.getConn()
	if c == nil {
		return nil, false
	}
	return c, true
}

// QR returns the most recent pairing code for a session still waiting to be
// scanned. The second return is false when the session is not active or has
// already paired.
func (m *Manager) QR(id string) (string, bool) {
	m.mu.Lock()
	lc := m.conns[id]
	m.mu.Unlock()
	if lc == nil {
		return "", false
	}
	code := lc.LastQR()
	return code, code != ""
}

// SendPresence publishes a typing state on a session's connection.
func (m *Manager) SendPresence(ctx context.Context, id, chatJID string, presence engine.Presence) error {
	c, ok := m.Conn(id)
	if !ok {
		return ErrSessionUnavailable
	}
	return c.SendPresence(ctx, chatJID, presence)
}

// ResumeAll restores every session that was not explicitly closed. Called
// once at startup.
func (m *Manager) ResumeAll(ctx context.Context) {
	sessions, err := m.db.ListSessions()
	if err != nil {
		m.logger.Error("list sessions failed", zap.Error(err))
		return
	}
	for _, s := range sessions {
		if s.Status == store.SessionClosed {
			continue
		}
		if err := m.CreateSession(ctx, s.ID); err != nil && !errors.Is(err, ErrSessionExists) {
			m.logger.Warn("resume failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// Shutdown takes every session offline without logging out, so they resume
// on the next start.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	for id, t := range m.reconnects {
		t.Stop()
		delete(m.reconnects, id)
	}
	conns := make([]*liveConn, 0, len(m.conns))
	for id, lc := range m.conns {
		conns = append(conns, lc)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	for _, lc := range conns {
		lc.setDetached()
		if c := lc.getConn(); c != nil {
			_ = c.Close()
		}
	}
	m.logger.Info("all sessions closed", zap.Int("count", len(conns)))
}

func (m *Manager) handleEvent(lc *liveConn, evt engine.Event) {
	switch e := evt.(type) {
	case engine.ConnectionUpdate:
		m.handleConnectionUpdate(lc, e)
	case engine.CredentialsUpdate:
		if err := lc.persist(context.Background()); err != nil {
			m.logger.Warn("persist credentials failed", zap.String("session_id", lc.sessionID), zap.Error(err))
		}
	case engine.MessagesUpsert:
		stored := lc.norm.ApplyMessages(e)
		if !e.History && len(stored) > 0 {
			m.bus.Publish(bus.Event{
				Kind:      bus.KindMessageReceived,
				SessionID: lc.sessionID,
				Timestamp: time.Now(),
				Payload:   MessagesPayload{SessionID: lc.sessionID, Messages: stored},
			})
		}
	case engine.MessageAck:
		status, ok := lc.norm.ApplyAck(e)
		if ok {
			m.bus.Publish(bus.Event{
				Kind:      bus.KindMessageUpdated,
				SessionID: lc.sessionID,
				Timestamp: time.Now(),
				Payload: UpdatesPayload{SessionID: lc.sessionID, Updates: []StatusUpdate{
					{MessageID: e.MessageID, Status: status},
				}},
			})
		}
	case engine.ContactsUpdate:
		lc.norm.ApplyContacts(e)
	case engine.ChatsUpsert:
		lc.norm.ApplyChats(e)
	}
}

func (m *Manager) handleConnectionUpdate(lc *liveConn, e engine.ConnectionUpdate) {
	id := lc.sessionID
	logger := m.logger.With(zap.String("session_id", id))

	switch {
	case e.PairingCode != "":
		dataURL, err := qr.DataURL(e.PairingCode)
		if err != nil {
			logger.Warn("qr encode failed", zap.Error(err))
			return
		}
		lc.setLastQR(dataURL)
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSessionQR,
			SessionID: id,
			Timestamp: time.Now(),
			Payload:   QRPayload{SessionID: id, QR: dataURL},
		})

	case e.State == engine.StateOpen:
		lc.setSelf(e.SelfJID)
		lc.setLastQR("")
		phone := jid.ExtractPhone(e.SelfJID)
		if err := m.db.UpdateSessionStatus(id, store.SessionOpen, phone); err != nil {
			logger.Warn("status update failed", zap.Error(err))
		}
		logger.Info("session open", zap.String("phone", phone))
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSessionConnected,
			SessionID: id,
			Timestamp: time.Now(),
			Payload:   ConnectedPayload{SessionID: id, Status: store.SessionOpen, Phone: phone},
		})

	case e.State == engine.StateClose:
		m.handleClose(lc, e.Reason)
	}
}

func (m *Manager) handleClose(lc *liveConn, reason engine.Reason) {
	id := lc.sessionID
	logger := m.logger.With(zap.String("session_id", id), zap.Int("reason", int(reason)))

	m.mu.Lock()
	stale := m.conns[id] != lc
	if !stale {
		delete(m.conns, id)
	}
	down := m.shutdown
	m.mu.Unlock()

	// A close from a superseded or detached connection is someone else's
	// lifecycle; acting on it would tear down the replacement.
	if stale || lc.isDetached() || down {
		return
	}

	if c := lc.getConn(); c != nil {
		_ = c.Close()
	}

	if reason.IsLoggedOut() {
		logger.Warn("logged out, deleting session")
		if err := lc.cs.Delete(); err != nil {
			logger.Warn("delete failed", zap.Error(err))
		}
		session.RemoveDir(m.dataDir, id)
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSessionDisconnected,
			SessionID: id,
			Timestamp: time.Now(),
			Payload:   DisconnectedPayload{SessionID: id, Status: store.SessionClosed, ShouldReconnect: false},
		})
		return
	}

	// Every close lands on status closed; the reconnect dial re-records
	// connecting when it starts.
	logger.Warn("connection lost, scheduling reconnect")
	if err := m.db.UpdateSessionStatus(id, store.SessionClosed, ""); err != nil {
		logger.Warn("status update failed", zap.Error(err))
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindSessionDisconnected,
		SessionID: id,
		Timestamp: time.Now(),
		Payload:   DisconnectedPayload{SessionID: id, Status: store.SessionClosed, ShouldReconnect: true},
	})
	m.scheduleReconnect(id)
}

func (m *Manager) scheduleReconnect(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	if _, ok := m.reconnects[id]; ok {
		return
	}
	m.reconnects[id] = time.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		delete(m.reconnects, id)
		m.mu.Unlock()
		if err := m.CreateSession(context.Background(), id); err != nil && !errors.Is(err, ErrSessionExists) {
			m.logger.Warn("reconnect failed", zap.String("session_id", id), zap.Error(err))
			m.scheduleReconnect(id)
		}
	})
}
