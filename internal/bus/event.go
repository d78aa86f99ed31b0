package bus

import "time"

// Event kinds published by the chat subsystem. Subscribers filter on the
// namespace prefix ("message.", "queue.", "connectivity.").
const (
	MessageQueued      = "message.queued"
	MessageSent        = "message.sent"
	MessageSendFailed  = "message.send_failed"
	MessageRetrying    = "message.retrying"
	MessageReconciled  = "message.reconciled"
	QueueSweep         = "queue.sweep"
	ConnectivityChange = "connectivity.changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageEvent is the payload of every message.* event.
type MessageEvent struct {
	ChatID    string
	MessageID string
	Attempt   int
	Err       string
}

// SweepEvent is the payload of queue.sweep.
type SweepEvent struct {
	Trigger   string
	Attempted int
	Sent      int
	Failed    int
}

// ConnectivityEvent is the payload of connectivity.changed.
type ConnectivityEvent struct {
	From   string
	To     string
	Reason string
}
