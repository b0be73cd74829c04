// Package idgen mints the monotonic, lexicographically-sortable identifiers
// the spec requires for envelopes and subscriptions ("IDs are monotonic
// lexicographic (ULID-style)"). A single process-wide monotonic entropy
// source guarantees that two IDs minted within the same millisecond still
// sort in call order, which plain crypto/rand ULID generation does not.
package idgen

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New mints a new ULID string. Safe for concurrent use.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
