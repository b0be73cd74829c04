// Package receiver bridges the relay to the agent runtime and the Pulse
// scheduler. The agent runtime and Pulse themselves are opaque externals
// (out of this repo's scope per spec.md §1), so this package models them
// as narrow Go interfaces and wires concrete stub implementations only in
// cmd/relayd for standalone local testing.
package receiver

import "context"

// SessionOptions configures a newly ensured agent session.
type SessionOptions struct {
	Cwd            string
	PermissionMode string
}

// StreamEvent is one chunk of an agent's streamed response.
type StreamEvent struct {
	Type    string // "text", "error", "done"
	Content string
	Error   string
}

// AgentManager is the collaborator that actually runs agent turns.
type AgentManager interface {
	EnsureSession(ctx context.Context, sessionID string, opts SessionOptions) error
	Send(ctx context.Context, sessionID string, content string) (<-chan StreamEvent, error)
}

// AgentSessionCreator creates a brand new agent session rooted at cwd,
// used both by internal/binding (per-chat session creation) and by the
// receiver's Pulse path (one session per scheduled run).
type AgentSessionCreator interface {
	CreateSession(ctx context.Context, cwd string) (sessionID string, err error)
}

// PulseRunResult is the outcome reported back to the Pulse scheduler after
// a dispatched run completes, fails, or is cancelled.
type PulseRunResult struct {
	Status        string // "completed", "failed", "cancelled"
	DurationMs    int64
	OutputSummary string
	Error         string
}

// PulseRunUpdater persists the outcome of a Pulse-dispatched run.
type PulseRunUpdater interface {
	UpdateRun(ctx context.Context, runID string, result PulseRunResult) error
}
