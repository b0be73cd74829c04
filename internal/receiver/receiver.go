package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/idgen"
	"github.com/tenzoki/relay/internal/index"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/registry"
	"github.com/tenzoki/relay/internal/relaycore"
)

const outputSummaryLimit = 1000

// Relay is the narrow slice of *relaycore.Relay the receiver needs.
type Relay interface {
	Subscribe(pattern string, handler registry.Handler) (string, registry.UnsubscribeFunc, error)
	Publish(subject string, payload interface{}, opts relaycore.PublishOpts) (relaycore.PublishResult, error)
}

// Receiver bridges relay.agent.> and relay.system.pulse.> traffic to the
// external agent runtime and Pulse scheduler.
type Receiver struct {
	relay          Relay
	idx            *index.Index
	agents         AgentManager
	sessionCreator AgentSessionCreator
	pulseUpdater   PulseRunUpdater
	defaultCwd     string
	log            zerolog.Logger

	mu         sync.Mutex
	unsubAgent registry.UnsubscribeFunc
	unsubPulse registry.UnsubscribeFunc
}

// New wires a Receiver. defaultCwd is used when a Pulse payload omits cwd.
func New(relay Relay, idx *index.Index, agents AgentManager, sessionCreator AgentSessionCreator, pulseUpdater PulseRunUpdater, defaultCwd string) *Receiver {
	return &Receiver{
		relay: relay, idx: idx, agents: agents, sessionCreator: sessionCreator,
		pulseUpdater: pulseUpdater, defaultCwd: defaultCwd, log: logging.For("receiver"),
	}
}

// Start subscribes to relay.agent.> and relay.system.pulse.>.
func (r *Receiver) Start() error {
	_, unsubAgent, err := r.relay.Subscribe("relay.agent.>", r.handleAgent)
	if err != nil {
		return fmt.Errorf("subscribe relay.agent.>: %w", err)
	}
	_, unsubPulse, err := r.relay.Subscribe("relay.system.pulse.>", r.handlePulse)
	if err != nil {
		unsubAgent()
		return fmt.Errorf("subscribe relay.system.pulse.>: %w", err)
	}

	r.mu.Lock()
	r.unsubAgent, r.unsubPulse = unsubAgent, unsubPulse
	r.mu.Unlock()
	return nil
}

// Stop releases both subscriptions.
func (r *Receiver) Stop() {
	r.mu.Lock()
	unsubAgent, unsubPulse := r.unsubAgent, r.unsubPulse
	r.unsubAgent, r.unsubPulse = nil, nil
	r.mu.Unlock()
	if unsubAgent != nil {
		unsubAgent()
	}
	if unsubPulse != nil {
		unsubPulse()
	}
}

// extractContent never throws: a plain string payload is used directly;
// an object payload prefers its "content" field, then "text"; anything
// else falls back to its raw JSON text.
func extractContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if v, ok := obj["content"].(string); ok {
			return v
		}
		if v, ok := obj["text"].(string); ok {
			return v
		}
	}

	return string(raw)
}

// handleAgent forwards a relay.agent.<sessionId> envelope's payload
// content to the agent runtime, streaming any response back to replyTo.
func (r *Receiver) handleAgent(env *envelope.Envelope) error {
	tokens := strings.Split(env.Subject, ".")
	if len(tokens) < 3 {
		r.log.Warn().Str("subject", env.Subject).Msg("relay.agent subject missing session id segment")
		return nil
	}
	sessionID := tokens[2]

	ctx := context.Background()
	now := time.Now()
	traceID := idgen.New()
	recordPendingSpan(r.idx, env.ID, traceID, env.From, sessionID, env.Subject, env.Budget, now)

	if err := r.agents.EnsureSession(ctx, sessionID, SessionOptions{Cwd: r.defaultCwd, PermissionMode: "default"}); err != nil {
		updateSpanStatus(r.idx, env.ID, traceID, env.From, sessionID, env.Subject, "failed", env.Budget, time.Now(), err.Error())
		return fmt.Errorf("ensure session %s: %w", sessionID, err)
	}

	content := extractContent(env.Payload)
	stream, err := r.agents.Send(ctx, sessionID, content)
	if err != nil {
		updateSpanStatus(r.idx, env.ID, traceID, env.From, sessionID, env.Subject, "failed", env.Budget, time.Now(), err.Error())
		return fmt.Errorf("send to session %s: %w", sessionID, err)
	}

	var streamErr string
	for ev := range stream {
		if ev.Type == "error" {
			streamErr = ev.Error
		}
		if env.ReplyTo == "" {
			continue // drain without forwarding to avoid unbounded memory growth
		}
		budget := env.Budget.Clone()
		r.relay.Publish(env.ReplyTo, ev, relaycore.PublishOpts{From: env.Subject, Budget: &budget})
	}

	if streamErr != "" {
		updateSpanStatus(r.idx, env.ID, traceID, env.From, sessionID, env.Subject, "failed", env.Budget, time.Now(), streamErr)
		return nil
	}
	updateSpanStatus(r.idx, env.ID, traceID, env.From, sessionID, env.Subject, "processed", env.Budget, time.Now(), "")
	return nil
}

// pulseDispatchPayload is the expected shape of a relay.system.pulse.>
// envelope's payload.
type pulseDispatchPayload struct {
	ScheduleID     string `json:"scheduleId"`
	RunID          string `json:"runId"`
	Prompt         string `json:"prompt"`
	Cwd            string `json:"cwd,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// handlePulse starts a fresh session for a scheduled Pulse run,
// sends its prompt, and reports the outcome back to the Pulse scheduler.
func (r *Receiver) handlePulse(env *envelope.Envelope) error {
	now := time.Now()
	traceID := idgen.New()

	var payload pulseDispatchPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RunID == "" || payload.Prompt == "" {
		updateSpanStatus(r.idx, env.ID, traceID, env.From, "", env.Subject, "failed", env.Budget, now, "invalid pulse dispatch payload")
		return nil
	}

	cwd := payload.Cwd
	if cwd == "" {
		cwd = r.defaultCwd
	}
	if cwd == "" {
		updateSpanStatus(r.idx, env.ID, traceID, env.From, "", env.Subject, "failed", env.Budget, now, "pulse payload missing cwd and no default configured")
		return nil
	}

	if env.Budget.TTL > 0 && now.UnixMilli() > env.Budget.TTL {
		r.reportPulseOutcome(env, traceID, payload.RunID, now, PulseRunResult{
			Status: "cancelled", Error: "Run timed out (TTL budget expired)",
		})
		return nil
	}

	ctx := context.Background()
	sessionID, err := r.sessionCreator.CreateSession(ctx, cwd)
	if err != nil {
		r.reportPulseOutcome(env, traceID, payload.RunID, now, PulseRunResult{Status: "failed", Error: err.Error()})
		return nil
	}

	if err := r.agents.EnsureSession(ctx, sessionID, SessionOptions{Cwd: cwd, PermissionMode: payload.PermissionMode}); err != nil {
		r.reportPulseOutcome(env, traceID, payload.RunID, now, PulseRunResult{Status: "failed", Error: err.Error()})
		return nil
	}

	stream, err := r.agents.Send(ctx, sessionID, payload.Prompt)
	if err != nil {
		r.reportPulseOutcome(env, traceID, payload.RunID, now, PulseRunResult{Status: "failed", Error: err.Error()})
		return nil
	}

	var summary strings.Builder
	status := "completed"
	var streamErr string
	deadline := time.UnixMilli(env.Budget.TTL)

	for ev := range stream {
		if env.Budget.TTL > 0 && time.Now().After(deadline) {
			status = "cancelled"
			streamErr = "Run timed out (TTL budget expired)"
			break
		}
		if ev.Type == "error" {
			streamErr = ev.Error
			status = "failed"
			continue
		}
		if summary.Len() < outputSummaryLimit {
			remaining := outputSummaryLimit - summary.Len()
			chunk := ev.Content
			if len(chunk) > remaining {
				chunk = chunk[:remaining]
			}
			summary.WriteString(chunk)
		}
	}

	r.reportPulseOutcome(env, traceID, payload.RunID, now, PulseRunResult{
		Status: status, DurationMs: time.Since(now).Milliseconds(),
		OutputSummary: summary.String(), Error: streamErr,
	})
	return nil
}

func (r *Receiver) reportPulseOutcome(env *envelope.Envelope, traceID, runID string, startedAt time.Time, result PulseRunResult) {
	status := "processed"
	errMsg := result.Error
	if result.Status == "failed" || result.Status == "cancelled" {
		status = "failed"
	}
	updateSpanStatus(r.idx, env.ID, traceID, env.From, "", env.Subject, status, env.Budget, time.Now(), errMsg)

	if err := r.pulseUpdater.UpdateRun(context.Background(), runID, result); err != nil {
		r.log.Warn().Err(err).Str("run_id", runID).Msg("failed to report pulse run outcome")
	}
}

func recordPendingSpan(idx *index.Index, messageID, traceID, fromEndpoint, toEndpoint, subject string, budget envelope.Budget, now time.Time) {
	if err := idx.InsertTrace(index.Trace{
		MessageID: messageID, TraceID: traceID, SpanID: traceID, Subject: subject,
		FromEndpoint: fromEndpoint, ToEndpoint: toEndpoint, Status: "pending",
		BudgetHopsUsed: budget.HopCount, BudgetTTLRemainingMs: budget.TTL - now.UnixMilli(), SentAt: now,
	}); err != nil {
		logging.For("receiver").Warn().Err(err).Msg("failed to record pending trace span")
	}
}

func updateSpanStatus(idx *index.Index, messageID, traceID, fromEndpoint, toEndpoint, subject, status string, budget envelope.Budget, at time.Time, errMsg string) {
	t := index.Trace{
		MessageID: messageID, TraceID: traceID, SpanID: traceID, Subject: subject,
		FromEndpoint: fromEndpoint, ToEndpoint: toEndpoint, Status: status,
		BudgetHopsUsed: budget.HopCount, BudgetTTLRemainingMs: budget.TTL - at.UnixMilli(), SentAt: at, Error: errMsg,
	}
	if status == "processed" || status == "failed" {
		t.ProcessedAt = &at
	}
	if err := idx.InsertTrace(t); err != nil {
		logging.For("receiver").Warn().Err(err).Msg("failed to update trace span")
	}
}
