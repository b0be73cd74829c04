package relaycore

import "github.com/tenzoki/relay/internal/subject"

// AccessRule is one entry of the access control list: {from, to, allow}.
type AccessRule struct {
	ID    string
	From  string
	To    string
	Allow bool
}

// AccessControl evaluates rules in insertion order; the first rule
// matching both the publisher and the target endpoint decides. Absent any
// match, the default is allow (local, trusted host).
type AccessControl struct {
	rules []AccessRule
}

// NewAccessControl returns an AccessControl evaluating rules in the given
// order.
func NewAccessControl(rules []AccessRule) *AccessControl {
	return &AccessControl{rules: rules}
}

// AccessResult reports whether a publish from "from" to the concrete
// endpoint subject "to" is allowed.
type AccessResult struct {
	Allowed bool
	RuleID  string
}

// Check evaluates from/to against the rule set.
func (ac *AccessControl) Check(from, to string) AccessResult {
	for _, rule := range ac.rules {
		if subject.Matches(from, rule.From) && subject.Matches(to, rule.To) {
			return AccessResult{Allowed: rule.Allow, RuleID: rule.ID}
		}
	}
	return AccessResult{Allowed: true}
}
