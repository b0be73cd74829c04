package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/maildir"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestInsertAndGetMessage(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now()
	msg := Message{
		ID: "01ABC", Subject: "relay.agent.a", Sender: "relay.agent.s0",
		EndpointHash: "hash1", Status: "new", CreatedAt: now, TTL: now.Add(time.Hour).UnixMilli(),
	}
	if err := idx.InsertMessage(msg); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	got, found, err := idx.GetMessage("01ABC")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !found {
		t.Fatal("expected message to be found")
	}
	if got.Subject != msg.Subject || got.EndpointHash != msg.EndpointHash {
		t.Errorf("got %+v, want subject/endpoint matching %+v", got, msg)
	}
}

func TestInsertMessageIsIdempotent(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now()
	msg := Message{ID: "01ABC", Subject: "relay.agent.a", Sender: "s0", EndpointHash: "h1", Status: "new", CreatedAt: now, TTL: now.UnixMilli()}
	if err := idx.InsertMessage(msg); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	msg.Status = "cur"
	if err := idx.InsertMessage(msg); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	got, _, _ := idx.GetMessage("01ABC")
	if got.Status != "cur" {
		t.Errorf("expected replace semantics, got status %q", got.Status)
	}

	all, err := idx.GetBySubject("relay.agent.a")
	if err != nil {
		t.Fatalf("GetBySubject: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly one row after idempotent insert, got %d", len(all))
	}
}

func TestDeleteExpired(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now()
	idx.InsertMessage(Message{ID: "expired", Subject: "a", Sender: "s", EndpointHash: "h", Status: "new", CreatedAt: now, TTL: now.Add(-time.Minute).UnixMilli()})
	idx.InsertMessage(Message{ID: "fresh", Subject: "a", Sender: "s", EndpointHash: "h", Status: "new", CreatedAt: now, TTL: now.Add(time.Hour).UnixMilli()})

	n, err := idx.DeleteExpired(now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}

	_, found, _ := idx.GetMessage("fresh")
	if !found {
		t.Error("expected fresh message to survive")
	}
	_, found, _ = idx.GetMessage("expired")
	if found {
		t.Error("expected expired message to be removed")
	}
}

func TestRebuildIdempotence(t *testing.T) {
	store := maildir.New(t.TempDir())
	store.CreateEndpoint("h1")
	env, _ := envelope.New("relay.agent.a", "relay.agent.s0", map[string]string{"k": "v"})
	store.Deliver("h1", env)

	idx := openTestIndex(t)

	if err := idx.Rebuild(store, []string{"h1"}); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	first, err := idx.GetByEndpoint("h1")
	if err != nil {
		t.Fatalf("GetByEndpoint: %v", err)
	}

	if err := idx.Rebuild(store, []string{"h1"}); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	second, err := idx.GetByEndpoint("h1")
	if err != nil {
		t.Fatalf("GetByEndpoint (2nd): %v", err)
	}

	if len(first) != len(second) || len(first) != 1 {
		t.Fatalf("expected identical single-row result both times, got %d then %d", len(first), len(second))
	}
	if first[0].ID != second[0].ID {
		t.Errorf("row id changed across rebuilds: %q vs %q", first[0].ID, second[0].ID)
	}
}

func TestCountBySenderSince(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now()
	idx.InsertMessage(Message{ID: "m1", Subject: "a", Sender: "relay.agent.s0", EndpointHash: "h", Status: "new", CreatedAt: now, TTL: now.UnixMilli()})
	idx.InsertMessage(Message{ID: "m2", Subject: "a", Sender: "relay.agent.s0", EndpointHash: "h", Status: "new", CreatedAt: now, TTL: now.UnixMilli()})
	idx.InsertMessage(Message{ID: "m3", Subject: "a", Sender: "relay.agent.other", EndpointHash: "h", Status: "new", CreatedAt: now, TTL: now.UnixMilli()})

	count, err := idx.CountBySenderSince("relay.agent.s0", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountBySenderSince: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestCountNewByEndpoint(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now()
	idx.InsertMessage(Message{ID: "m1", Subject: "a", Sender: "s", EndpointHash: "h1", Status: "new", CreatedAt: now, TTL: now.UnixMilli()})
	idx.InsertMessage(Message{ID: "m2", Subject: "a", Sender: "s", EndpointHash: "h1", Status: "cur", CreatedAt: now, TTL: now.UnixMilli()})

	count, err := idx.CountNewByEndpoint("h1")
	if err != nil {
		t.Fatalf("CountNewByEndpoint: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestMetricsAggregates(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now()
	idx.InsertMessage(Message{ID: "m1", Subject: "relay.agent.a", Sender: "s", EndpointHash: "h1", Status: "new", CreatedAt: now, TTL: now.Add(time.Hour).UnixMilli()})
	idx.InsertMessage(Message{ID: "m2", Subject: "relay.agent.a", Sender: "s", EndpointHash: "h2", Status: "cur", CreatedAt: now, TTL: now.Add(time.Hour).UnixMilli()})

	metrics, err := idx.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.Total != 2 {
		t.Errorf("total = %d, want 2", metrics.Total)
	}
	if metrics.CountsBySubject["relay.agent.a"] != 2 {
		t.Errorf("subject count = %d, want 2", metrics.CountsBySubject["relay.agent.a"])
	}
	if metrics.ActiveEndpoints != 2 {
		t.Errorf("active endpoints = %d, want 2", metrics.ActiveEndpoints)
	}
}

// TestInsertTracePreservesDeliveredAtAcrossStatusTransitions guards against
// a later status transition (processed/failed) wiping out an earlier
// milestone's timestamp: InsertTrace upserts onto the same message_id row
// rather than replacing it wholesale, so delivered_at set by the
// "delivered" transition must survive the terminal "processed" transition
// that doesn't itself carry a delivered_at value.
func TestInsertTracePreservesDeliveredAtAcrossStatusTransitions(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now()
	deliveredAt := now.Add(5 * time.Millisecond)

	if err := idx.InsertTrace(Trace{
		MessageID: "msg1", TraceID: "t1", SpanID: "s1", Subject: "relay.agent.a",
		FromEndpoint: "relay.agent.s0", ToEndpoint: "hash1", Status: "pending", SentAt: now,
	}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	if err := idx.InsertTrace(Trace{
		MessageID: "msg1", TraceID: "t1", SpanID: "s2", Subject: "relay.agent.a",
		FromEndpoint: "relay.agent.s0", ToEndpoint: "hash1", Status: "delivered", SentAt: now,
		DeliveredAt: &deliveredAt,
	}); err != nil {
		t.Fatalf("insert delivered: %v", err)
	}
	if err := idx.InsertTrace(Trace{
		MessageID: "msg1", TraceID: "t1", SpanID: "s3", Subject: "relay.agent.a",
		FromEndpoint: "relay.agent.s0", ToEndpoint: "hash1", Status: "processed", SentAt: now,
	}); err != nil {
		t.Fatalf("insert processed (no delivered_at set): %v", err)
	}

	metrics, err := idx.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.AvgLatencyMs <= 0 {
		t.Errorf("expected non-zero avg latency once delivered_at survives the processed transition, got %v", metrics.AvgLatencyMs)
	}
	if metrics.MaxLatencyMs <= 0 {
		t.Errorf("expected non-zero max latency, got %v", metrics.MaxLatencyMs)
	}
	if metrics.P95LatencyMs <= 0 {
		t.Errorf("expected non-zero p95 latency, got %v", metrics.P95LatencyMs)
	}
}
