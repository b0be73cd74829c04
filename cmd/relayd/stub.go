package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tenzoki/relay/internal/receiver"
)

// stubAgentRuntime is a no-op stand-in for the external agent runtime
// (out of this repo's scope, see SPEC_FULL.md §6); the Pulse scheduler's
// stand-in is stubPulseUpdater. It lets
// relayd run standalone for local testing: every session is accepted, and
// every send echoes a single canned response back through the stream.
type stubAgentRuntime struct {
	nextSessionID int64
}

func (s *stubAgentRuntime) EnsureSession(ctx context.Context, sessionID string, opts receiver.SessionOptions) error {
	return nil
}

func (s *stubAgentRuntime) Send(ctx context.Context, sessionID, content string) (<-chan receiver.StreamEvent, error) {
	ch := make(chan receiver.StreamEvent, 2)
	ch <- receiver.StreamEvent{Type: "text", Content: "stub agent runtime received: " + content}
	ch <- receiver.StreamEvent{Type: "done"}
	close(ch)
	return ch, nil
}

func (s *stubAgentRuntime) CreateSession(ctx context.Context, cwd string) (string, error) {
	id := atomic.AddInt64(&s.nextSessionID, 1)
	return fmt.Sprintf("stub-session-%d", id), nil
}

// stubPulseUpdater discards Pulse run outcomes. A real deployment links in
// the Pulse scheduler's run-tracking store here.
type stubPulseUpdater struct{}

func (stubPulseUpdater) UpdateRun(ctx context.Context, runID string, result receiver.PulseRunResult) error {
	return nil
}
