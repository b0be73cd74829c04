package adapter

import (
	"context"
	"time"
)

// State is the adapter's derived (non-persisted) runtime status.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Status is the derived, non-persisted runtime snapshot of a running
// adapter instance.
type Status struct {
	ID             string
	State          State
	MessagesIn     int64
	MessagesOut    int64
	ErrorCount     int64
	LastError      string
	LastActivityAt *time.Time
}

// Publisher is the seam adapters use to publish inbound platform events
// onto the relay.human.<adapterId>... subject convention. It is the
// adapter-facing slice of *relaycore.Relay's Publish method.
type Publisher interface {
	Publish(subject string, payload interface{}, from string) (messageID string, err error)
}

// Instance is a single running adapter. Start/Stop/TestConnection may
// block on network I/O (see spec's concurrency model, §5).
type Instance interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
}

// ConnectionTester is implemented by adapters that can verify
// connectivity without a full Start/Stop cycle.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// Factory constructs an adapter instance of a given type from an id,
// config map, and publisher.
type Factory func(id string, config map[string]interface{}, pub Publisher) (Instance, error)
