package receiver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/index"
	"github.com/tenzoki/relay/internal/registry"
	"github.com/tenzoki/relay/internal/relaycore"
)

func TestExtractContentString(t *testing.T) {
	raw, _ := json.Marshal("hello")
	if got := extractContent(raw); got != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestExtractContentObjectContent(t *testing.T) {
	raw, _ := json.Marshal(map[string]string{"content": "from content field"})
	if got := extractContent(raw); got != "from content field" {
		t.Errorf("got %q", got)
	}
}

func TestExtractContentObjectText(t *testing.T) {
	raw, _ := json.Marshal(map[string]string{"text": "from text field"})
	if got := extractContent(raw); got != "from text field" {
		t.Errorf("got %q", got)
	}
}

func TestExtractContentFallsBackToJSON(t *testing.T) {
	raw, _ := json.Marshal(map[string]int{"count": 3})
	got := extractContent(raw)
	if got == "" {
		t.Error("expected a non-empty fallback")
	}
}

type fakeRelay struct {
	agentHandler registry.Handler
	pulseHandler registry.Handler
	published    []string
}

func (f *fakeRelay) Subscribe(pattern string, handler registry.Handler) (string, registry.UnsubscribeFunc, error) {
	switch pattern {
	case "relay.agent.>":
		f.agentHandler = handler
	case "relay.system.pulse.>":
		f.pulseHandler = handler
	}
	return "sub", func() {}, nil
}

func (f *fakeRelay) Publish(subject string, payload interface{}, opts relaycore.PublishOpts) (relaycore.PublishResult, error) {
	f.published = append(f.published, subject)
	return relaycore.PublishResult{MessageID: "m1", DeliveredTo: 1}, nil
}

type fakeAgentManager struct {
	events []StreamEvent
	sendErr error
}

func (f *fakeAgentManager) EnsureSession(ctx context.Context, sessionID string, opts SessionOptions) error {
	return nil
}

func (f *fakeAgentManager) Send(ctx context.Context, sessionID, content string) (<-chan StreamEvent, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	ch := make(chan StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeSessionCreator struct{ id string }

func (f *fakeSessionCreator) CreateSession(ctx context.Context, cwd string) (string, error) {
	return f.id, nil
}

type fakePulseUpdater struct {
	results []PulseRunResult
}

func (f *fakePulseUpdater) UpdateRun(ctx context.Context, runID string, result PulseRunResult) error {
	f.results = append(f.results, result)
	return nil
}

func newTestReceiver(t *testing.T, agents *fakeAgentManager, creator *fakeSessionCreator, pulse *fakePulseUpdater) (*Receiver, *fakeRelay) {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	relay := &fakeRelay{}
	r := New(relay, idx, agents, creator, pulse, "/default/cwd")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return r, relay
}

func TestHandleAgentForwardsStreamToReplyTo(t *testing.T) {
	agents := &fakeAgentManager{events: []StreamEvent{{Type: "text", Content: "hi"}, {Type: "done"}}}
	_, relay := newTestReceiver(t, agents, &fakeSessionCreator{}, &fakePulseUpdater{})

	env := &envelope.Envelope{
		ID: "env-1", Subject: "relay.agent.sess-1", Payload: []byte(`"do the thing"`),
		ReplyTo: "relay.human.tg-1.telegram.123", Budget: envelope.NewDefaultBudget(time.Now()),
	}
	if err := relay.agentHandler(env); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(relay.published) != 2 {
		t.Fatalf("expected 2 stream events forwarded, got %d", len(relay.published))
	}
}

func TestHandleAgentDrainsWithoutReplyTo(t *testing.T) {
	agents := &fakeAgentManager{events: []StreamEvent{{Type: "text", Content: "hi"}}}
	_, relay := newTestReceiver(t, agents, &fakeSessionCreator{}, &fakePulseUpdater{})

	env := &envelope.Envelope{ID: "env-1", Subject: "relay.agent.sess-1", Payload: []byte(`"hi"`), Budget: envelope.NewDefaultBudget(time.Now())}
	if err := relay.agentHandler(env); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(relay.published) != 0 {
		t.Errorf("expected no publishes without replyTo, got %d", len(relay.published))
	}
}

func TestHandlePulseInvalidPayloadDropsSilently(t *testing.T) {
	_, relay := newTestReceiver(t, &fakeAgentManager{}, &fakeSessionCreator{}, &fakePulseUpdater{})

	env := &envelope.Envelope{ID: "env-1", Subject: "relay.system.pulse.sched-1", Payload: []byte(`{}`), Budget: envelope.NewDefaultBudget(time.Now())}
	if err := relay.pulseHandler(env); err != nil {
		t.Fatalf("expected invalid payload to be dropped without error, got %v", err)
	}
}

func TestHandlePulseCompletesAndReportsOutcome(t *testing.T) {
	agents := &fakeAgentManager{events: []StreamEvent{{Type: "text", Content: "result text"}}}
	creator := &fakeSessionCreator{id: "pulse-sess-1"}
	pulse := &fakePulseUpdater{}
	_, relay := newTestReceiver(t, agents, creator, pulse)

	payload, _ := json.Marshal(map[string]string{"scheduleId": "sched-1", "runId": "run-1", "prompt": "do it"})
	env := &envelope.Envelope{ID: "env-1", Subject: "relay.system.pulse.sched-1", Payload: payload, Budget: envelope.NewDefaultBudget(time.Now())}

	if err := relay.pulseHandler(env); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(pulse.results) != 1 {
		t.Fatalf("expected 1 reported outcome, got %d", len(pulse.results))
	}
	if pulse.results[0].Status != "completed" {
		t.Errorf("expected completed, got %q", pulse.results[0].Status)
	}
	if pulse.results[0].OutputSummary != "result text" {
		t.Errorf("expected output summary captured, got %q", pulse.results[0].OutputSummary)
	}
}

func TestHandlePulseExpiredTTLReportsCancelled(t *testing.T) {
	pulse := &fakePulseUpdater{}
	_, relay := newTestReceiver(t, &fakeAgentManager{}, &fakeSessionCreator{}, pulse)

	payload, _ := json.Marshal(map[string]string{"runId": "run-1", "prompt": "do it"})
	expiredBudget := envelope.NewDefaultBudget(time.Now())
	expiredBudget.TTL = time.Now().Add(-time.Minute).UnixMilli()
	env := &envelope.Envelope{ID: "env-1", Subject: "relay.system.pulse.sched-1", Payload: payload, Budget: expiredBudget}

	if err := relay.pulseHandler(env); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(pulse.results) != 1 || pulse.results[0].Status != "cancelled" {
		t.Fatalf("expected cancelled outcome, got %v", pulse.results)
	}
}
