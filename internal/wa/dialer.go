// Package wa adapts whatsmeow to the engine contract. Each session gets its
// own whatsmeow device container under the session directory; the gateway's
// credential bundle carries an identity snapshot for diagnostics.
package wa

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

// Dialer opens whatsmeow connections for sessions.
type Dialer struct {
	dataDir    string
	deviceName string
	logger     *zap.Logger
}

func NewDialer(dataDir, deviceName string, logger *zap.Logger) *Dialer {
	return &Dialer{dataDir: dataDir, deviceName: deviceName, logger: logger.Named("wa")}
}

// Dial brings one session online. For an unpaired device it starts the QR
// flow and emits pairing codes through the handler; for a paired one it
// reconnects with the stored device identity.
func (d *Dialer) Dial(ctx context.Context, params engine.DialParams) (engine.Conn, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo(d.deviceName, [3]uint32{1, 0, 0})

	if err := session.EnsureDir(d.dataDir, params.SessionID); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	dbPath := session.EngineDBPath(d.dataDir, params.SessionID)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)
	client.EnableAutoReconnect = false

	c := &Conn{
		client:    client,
		container: container,
		sessionID: params.SessionID,
		bundle:    params.Bundle,
		handler:   params.Handler,
		logger:    d.logger.With(zap.String("session_id", params.SessionID)),
	}
	client.AddEventHandler(c.handleEvent)

	if client.Store.ID == nil {
		// GetQRChannel must be called before Connect.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		c.wg.Add(1)
		go c.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

// pumpQR forwards pairing codes from the QR channel as connection updates.
func (c *Conn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	defer c.wg.Done()
	for item := range ch {
		switch item.Event {
		case "code":
			c.emit(engine.ConnectionUpdate{State: engine.StateConnecting, PairingCode: item.Code})
		case "success":
			c.logger.Info("pairing succeeded")
			return
		case "timeout":
			c.logger.Warn("pairing timed out")
			c.emit(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonTimedOut})
			return
		default:
			if item.Error != nil {
				c.logger.Warn("pairing failed", zap.Error(item.Error))
				c.emit(engine.ConnectionUpdate{State: engine.StateClose, Reason: engine.ReasonConnectionLost})
				return
			}
		}
	}
}

var _ engine.Dialer = (*Dialer)(nil)
