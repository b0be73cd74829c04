package adapter

import (
	"context"
	"sync"
	"time"
)

// claudeCodeAdapter is the built-in, single-instance adapter bridging the
// local agent runtime: it has no network lifecycle of its own (the
// receiver subscribes to relay.agent.> directly), so Start/Stop are no-ops
// that simply flip the derived state.
type claudeCodeAdapter struct {
	mu     sync.Mutex
	id     string
	status Status
}

// NewClaudeCode returns the built-in claude-code adapter instance.
func NewClaudeCode(id string, _ map[string]interface{}, _ Publisher) (Instance, error) {
	return &claudeCodeAdapter{id: id, status: Status{ID: id, State: StateDisconnected}}, nil
}

func (a *claudeCodeAdapter) ID() string { return a.id }

func (a *claudeCodeAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.State = StateConnected
	now := time.Now()
	a.status.LastActivityAt = &now
	return nil
}

func (a *claudeCodeAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.State = StateDisconnected
	return nil
}

func (a *claudeCodeAdapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}
