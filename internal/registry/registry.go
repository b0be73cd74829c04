// Package registry implements the Endpoint and Subscription registries
// (C5): in-memory maps guarded by sync.RWMutex, following the concurrency
// style of cellorg's internal/broker/service.go (connection and topic maps
// guarded the same way).
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/idgen"
	"github.com/tenzoki/relay/internal/maildir"
	"github.com/tenzoki/relay/internal/subject"
)

// HashLength is the number of hex characters kept from the truncated
// SHA-256 endpoint hash.
const HashLength = 12

// Endpoint is a registered, concrete subject owning a Maildir.
type Endpoint struct {
	Subject      string    `json:"subject"`
	Hash         string    `json:"hash"`
	MaildirPath  string    `json:"maildirPath"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// HashSubject deterministically derives a filesystem-safe endpoint hash
// from a subject: the first HashLength hex characters of its SHA-256 sum.
func HashSubject(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// Subscription is a pattern + handler pair. Entries restored from disk
// carry a no-op handler; consumers must re-Subscribe to reattach a live
// handler.
type Subscription struct {
	ID        string
	Pattern   string
	CreatedAt time.Time
	Handler   Handler
}

// Handler processes a delivered envelope matching a subscription's
// pattern. It receives the full envelope (not just subject/payload) so
// consumers (e.g. internal/binding, internal/receiver) can read ReplyTo,
// From, and Budget for republishing.
type Handler func(env *envelope.Envelope) error

// persistedSubscription is the on-disk JSON shape — handlers are never
// persisted.
type persistedSubscription struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"createdAt"`
}

// EndpointRegistry owns the set of registered endpoints and their Maildir
// trees.
type EndpointRegistry struct {
	mu      sync.RWMutex
	bySubj  map[string]*Endpoint
	byHash  map[string]*Endpoint
	store   *maildir.Store
}

// NewEndpointRegistry returns an EndpointRegistry backed by store.
func NewEndpointRegistry(store *maildir.Store) *EndpointRegistry {
	return &EndpointRegistry{
		bySubj: make(map[string]*Endpoint),
		byHash: make(map[string]*Endpoint),
		store:  store,
	}
}

// Register validates subj as a concrete subject, rejects wildcards,
// creates its Maildir tree, and records it. Registering an already
// registered subject is a no-op returning the existing record.
func (r *EndpointRegistry) Register(subj string) (*Endpoint, error) {
	if result := subject.ValidateConcrete(subj); !result.Valid {
		return nil, fmt.Errorf("invalid endpoint subject: %s", result.Reason.Message)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySubj[subj]; ok {
		return existing, nil
	}

	hash := HashSubject(subj)
	if res := r.store.CreateEndpoint(hash); !res.OK {
		return nil, fmt.Errorf("create endpoint maildir: %w", res.Error)
	}

	ep := &Endpoint{
		Subject:      subj,
		Hash:         hash,
		MaildirPath:  hash,
		RegisteredAt: time.Now().UTC(),
	}
	r.bySubj[subj] = ep
	r.byHash[hash] = ep
	return ep, nil
}

// Unregister removes subj's in-memory record and deletes its Maildir tree.
func (r *EndpointRegistry) Unregister(subj string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.bySubj[subj]
	if !ok {
		return fmt.Errorf("endpoint not registered: %s", subj)
	}

	if res := r.store.DestroyEndpoint(ep.Hash); !res.OK {
		return fmt.Errorf("destroy endpoint maildir: %w", res.Error)
	}

	delete(r.bySubj, subj)
	delete(r.byHash, ep.Hash)
	return nil
}

// Get looks up an endpoint by its exact subject.
func (r *EndpointRegistry) Get(subj string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.bySubj[subj]
	return ep, ok
}

// GetByHash looks up an endpoint by its hash.
func (r *EndpointRegistry) GetByHash(hash string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byHash[hash]
	return ep, ok
}

// All returns every registered endpoint, sorted by hash for deterministic
// fan-out ordering (see spec's "alphabetical by endpoint hash" rule).
func (r *EndpointRegistry) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Endpoint, 0, len(r.bySubj))
	for _, ep := range r.bySubj {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// SubscriptionRegistry owns the set of active pattern subscriptions.
type SubscriptionRegistry struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	persistPath   string
}

// NewSubscriptionRegistry returns a SubscriptionRegistry that persists
// patterns to persistPath (typically dataDir/subscriptions.json).
func NewSubscriptionRegistry(persistPath string) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subscriptions: make(map[string]*Subscription),
		persistPath:   persistPath,
	}
}

// UnsubscribeFunc removes the subscription it closes over.
type UnsubscribeFunc func()

// Subscribe validates pattern, records it with a freshly minted ULID id,
// persists the pattern set, and returns an unsubscribe closure.
func (r *SubscriptionRegistry) Subscribe(pattern string, handler Handler) (string, UnsubscribeFunc, error) {
	if result := subject.Validate(pattern); !result.Valid {
		return "", nil, fmt.Errorf("invalid subscription pattern: %s", result.Reason.Message)
	}

	r.mu.Lock()
	id := idgen.New()
	r.subscriptions[id] = &Subscription{
		ID:        id,
		Pattern:   pattern,
		CreatedAt: time.Now().UTC(),
		Handler:   handler,
	}
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return "", nil, err
	}

	unsubscribe := func() {
		r.mu.Lock()
		delete(r.subscriptions, id)
		r.mu.Unlock()
		r.persist()
	}
	return id, unsubscribe, nil
}

// GetSubscribers returns the handlers of every subscription whose pattern
// matches subj, via a linear scan (per spec's documented approach — the
// subscription count is expected to be small).
func (r *SubscriptionRegistry) GetSubscribers(subj string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Subscription
	for _, sub := range r.subscriptions {
		if subject.Matches(subj, sub.Pattern) {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (r *SubscriptionRegistry) persist() error {
	r.mu.RLock()
	persisted := make([]persistedSubscription, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		persisted = append(persisted, persistedSubscription{ID: sub.ID, Pattern: sub.Pattern, CreatedAt: sub.CreatedAt})
	}
	r.mu.RUnlock()

	sort.Slice(persisted, func(i, j int) bool { return persisted[i].ID < persisted[j].ID })

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}
	tmpPath := r.persistPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write subscriptions tmp: %w", err)
	}
	if err := os.Rename(tmpPath, r.persistPath); err != nil {
		return fmt.Errorf("rename subscriptions: %w", err)
	}
	return nil
}

// Restore loads persisted patterns from disk, attaching a no-op handler to
// each so listing works before consumers re-subscribe with live handlers.
// A missing file is not an error.
func (r *SubscriptionRegistry) Restore() error {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read subscriptions: %w", err)
	}

	var persisted []persistedSubscription
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("parse subscriptions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range persisted {
		r.subscriptions[p.ID] = &Subscription{
			ID:        p.ID,
			Pattern:   p.Pattern,
			CreatedAt: p.CreatedAt,
			Handler:   noopHandler,
		}
	}
	return nil
}

func noopHandler(*envelope.Envelope) error { return nil }
