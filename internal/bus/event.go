package bus

import "time"

// Event kinds published by the gateway. Subscribers filter by namespace
// prefix, e.g. "session." receives every session lifecycle event.
const (
	KindSessionQR           = "session.qr"
	KindSessionConnected    = "session.connected"
	KindSessionDisconnected = "session.disconnected"
	KindMessageReceived     = "session.message_received"
	KindMessageUpdated      = "session.message_updated"
	KindJobCompleted        = "queue.job_completed"
	KindJobFailed           = "queue.job_failed"
)

// Event represents a domain event published on the bus. SessionID names the
// tenant session the event belongs to, so fan-out layers can route events to
// per-session subscriber groups without inspecting the payload.
type Event struct {
	Kind      string
	SessionID string
	Timestamp time.Time
	Payload   any
}
