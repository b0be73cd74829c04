// Package budget implements the Budget Enforcer: a pure function that
// checks an envelope's budget against a candidate next hop and reports the
// first violated rule, if any. It never mutates its inputs — callers apply
// the consequences (rejecting a delivery, writing to the dead-letter
// queue).
package budget

import (
	"time"

	"github.com/tenzoki/relay/internal/envelope"
)

// Violation names which budget rule rejected a delivery.
type Violation string

const (
	// ViolationNone means the envelope is still within budget.
	ViolationNone Violation = ""
	// ViolationHopLimit means hopCount has reached maxHops.
	ViolationHopLimit Violation = "hop_limit_exceeded"
	// ViolationCycle means currentEndpoint already appears in the
	// ancestor chain.
	ViolationCycle Violation = "cycle_detected"
	// ViolationExpired means the envelope's TTL has elapsed.
	ViolationExpired Violation = "ttl_expired"
	// ViolationCallBudget means callBudgetRemaining has reached zero.
	ViolationCallBudget Violation = "call_budget_exhausted"
)

// Result reports the outcome of a budget check.
type Result struct {
	Allowed   bool
	Violation Violation
}

func allow() Result {
	return Result{Allowed: true, Violation: ViolationNone}
}

func reject(v Violation) Result {
	return Result{Allowed: false, Violation: v}
}

// Check evaluates env's budget against a proposed delivery to
// currentEndpoint at the given time, in the fixed order the spec requires:
// hop count, then cycle, then TTL, then call budget. It does not mutate
// env; callers that proceed with delivery must call Advance to produce the
// next hop's budget.
func Check(env *envelope.Envelope, currentEndpoint string, now time.Time) Result {
	b := env.Budget

	if b.HopCount >= b.MaxHops {
		return reject(ViolationHopLimit)
	}

	for _, ancestor := range b.AncestorChain {
		if ancestor == currentEndpoint {
			return reject(ViolationCycle)
		}
	}

	if now.UnixMilli() > b.TTL {
		return reject(ViolationExpired)
	}

	if b.CallBudgetRemaining <= 0 {
		return reject(ViolationCallBudget)
	}

	return allow()
}

// Advance returns the budget for the next hop: hop count incremented,
// currentEndpoint appended to the ancestor chain, call budget decremented
// by one. TTL is left untouched — it is an absolute deadline, not a
// per-hop allowance. Callers must call Check and receive Allowed before
// calling Advance.
func Advance(b envelope.Budget, currentEndpoint string) envelope.Budget {
	next := b.Clone()
	next.HopCount++
	next.AncestorChain = append(next.AncestorChain, currentEndpoint)
	next.CallBudgetRemaining--
	return next
}
