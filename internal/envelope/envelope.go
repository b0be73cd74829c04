// Package envelope defines the unit of durable Relay traffic: the Envelope,
// and the Budget it carries. The shape is adapted from the teacher's
// cellorg/internal/envelope package (ID/Source/Destination/Payload/trace
// fields, NewEnvelope/Clone/Validate/ToJSON/FromJSON helpers), generalized
// from a token-budget/hop-routing envelope into one carrying the hop-count,
// TTL, ancestor-chain and call-budget accounting this spec requires.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tenzoki/relay/internal/idgen"
)

// Budget is the shrinking set of resource allowances carried in every
// envelope: hop count, ancestor chain, TTL, and remaining call budget.
// Budgets can only shrink as they propagate hop to hop.
type Budget struct {
	HopCount             int      `json:"hopCount"`
	MaxHops              int      `json:"maxHops"`
	AncestorChain        []string `json:"ancestorChain"`
	TTL                  int64    `json:"ttl"` // epoch milliseconds
	CallBudgetRemaining  int      `json:"callBudgetRemaining"`
}

// Default budget parameters, used when a publisher does not supply one.
const (
	DefaultMaxHops             = 5
	DefaultTTL                 = time.Hour
	DefaultCallBudgetRemaining = 10
)

// NewDefaultBudget returns a fresh budget using the package defaults,
// anchored at now.
func NewDefaultBudget(now time.Time) Budget {
	return Budget{
		HopCount:            0,
		MaxHops:             DefaultMaxHops,
		AncestorChain:       []string{},
		TTL:                 now.Add(DefaultTTL).UnixMilli(),
		CallBudgetRemaining: DefaultCallBudgetRemaining,
	}
}

// Clone returns a deep copy of the budget.
func (b Budget) Clone() Budget {
	clone := b
	clone.AncestorChain = append([]string(nil), b.AncestorChain...)
	return clone
}

// Envelope is the wire-and-disk unit of a single message delivery.
type Envelope struct {
	ID          string          `json:"id"`
	Subject     string          `json:"subject"`
	From        string          `json:"from"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	ContentType string          `json:"contentType,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	Budget      Budget          `json:"budget"`
}

// New creates a new envelope with a freshly minted ULID id and a default
// budget. Callers that need a custom budget should set env.Budget after
// construction (or via opts in the publish path, see internal/relaycore).
func New(subject, from string, payload interface{}) (*Envelope, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	return &Envelope{
		ID:        idgen.New(),
		Subject:   subject,
		From:      from,
		Payload:   payloadBytes,
		CreatedAt: now,
		Budget:    NewDefaultBudget(now),
	}, nil
}

// UnmarshalPayload decodes the envelope payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// IsExpired reports whether the envelope's budget TTL has elapsed.
func (e *Envelope) IsExpired(now time.Time) bool {
	return now.UnixMilli() > e.Budget.TTL
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Budget = e.Budget.Clone()
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &clone
}

// ToJSON serializes the envelope.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// ValidationError reports a structurally invalid envelope.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks that the envelope carries all fields required for
// delivery.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if e.Subject == "" {
		return &ValidationError{Field: "subject", Message: "subject is required"}
	}
	if e.From == "" {
		return &ValidationError{Field: "from", Message: "from is required"}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload", Message: "payload is required"}
	}
	return nil
}
