package relaycore

import (
	"time"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/idgen"
	"github.com/tenzoki/relay/internal/index"
)

// recordPendingSpan inserts a trace row for a single delivery attempt, in
// the "pending" status, keyed by the per-delivery Maildir filename (the
// same row id the messages table uses — see internal/index.Rebuild).
func recordPendingSpan(idx *index.Index, messageID, traceID string, env *envelope.Envelope, toEndpoint string, sentAt time.Time) error {
	return idx.InsertTrace(index.Trace{
		MessageID:            messageID,
		TraceID:              traceID,
		SpanID:               idgen.New(),
		Subject:              env.Subject,
		FromEndpoint:         env.From,
		ToEndpoint:           toEndpoint,
		Status:               "pending",
		BudgetHopsUsed:       env.Budget.HopCount,
		BudgetTTLRemainingMs: env.Budget.TTL - sentAt.UnixMilli(),
		SentAt:               sentAt,
	})
}

// updateSpanStatus transitions a previously recorded span to a terminal or
// intermediate status, stamping the appropriate timestamp.
func updateSpanStatus(idx *index.Index, messageID, traceID string, env *envelope.Envelope, toEndpoint, status string, at time.Time, errMsg string) error {
	trace := index.Trace{
		MessageID:            messageID,
		TraceID:              traceID,
		SpanID:               idgen.New(),
		Subject:              env.Subject,
		FromEndpoint:         env.From,
		ToEndpoint:           toEndpoint,
		Status:               status,
		BudgetHopsUsed:       env.Budget.HopCount,
		BudgetTTLRemainingMs: env.Budget.TTL - at.UnixMilli(),
		SentAt:               env.CreatedAt,
		Error:                errMsg,
	}
	switch status {
	case "delivered":
		trace.DeliveredAt = &at
	case "processed", "dead_lettered", "failed":
		trace.ProcessedAt = &at
	}
	return idx.InsertTrace(trace)
}
