// Package relaycore implements the Relay Core & delivery pipeline (C7):
// publish/subscribe orchestration wiring together subject matching, budget
// enforcement, the reliability gates, the Maildir store, and the SQLite
// index. The overall shape — a central struct owning registries and
// dispatching to handlers under a mutex-guarded map — follows
// cellorg/internal/broker/service.go's Service/Topic/Connection
// structure, generalized from in-memory TCP pub/sub to durable,
// Maildir-backed delivery.
package relaycore

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenzoki/relay/internal/budget"
	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/idgen"
	"github.com/tenzoki/relay/internal/index"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/maildir"
	"github.com/tenzoki/relay/internal/registry"
	"github.com/tenzoki/relay/internal/reliability"
	"github.com/tenzoki/relay/internal/subject"
)

// Options configures a Relay instance.
type Options struct {
	DataDir               string
	RateLimit             reliability.RateLimitConfig
	Breaker               reliability.BreakerConfig
	Backpressure          reliability.BackpressureConfig
	AccessRules           []AccessRule
	RecentlyDispatchedCap int

	// MaxHops, DefaultTTLMs and DefaultCallBudget seed the budget stamped
	// onto a freshly published envelope whose caller did not supply one
	// (see applyDefaultBudget). Zero means "use envelope's own package
	// defaults".
	MaxHops           int
	DefaultTTLMs      int64
	DefaultCallBudget int
}

// DefaultOptions returns the spec's documented default configuration.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:               dataDir,
		RateLimit:             reliability.RateLimitConfig{Enabled: false},
		Breaker:               reliability.DefaultBreakerConfig(),
		Backpressure:          reliability.DefaultBackpressureConfig(),
		RecentlyDispatchedCap: 10000,
		MaxHops:               envelope.DefaultMaxHops,
		DefaultTTLMs:          envelope.DefaultTTL.Milliseconds(),
		DefaultCallBudget:     envelope.DefaultCallBudgetRemaining,
	}
}

// applyDefaultBudget stamps the relay's configured budget defaults onto an
// envelope whose publisher did not request a specific budget.
func (r *Relay) applyDefaultBudget(env *envelope.Envelope, now time.Time) {
	if r.opts.MaxHops > 0 {
		env.Budget.MaxHops = r.opts.MaxHops
	}
	if r.opts.DefaultTTLMs > 0 {
		env.Budget.TTL = now.Add(time.Duration(r.opts.DefaultTTLMs) * time.Millisecond).UnixMilli()
	}
	if r.opts.DefaultCallBudget > 0 {
		env.Budget.CallBudgetRemaining = r.opts.DefaultCallBudget
	}
}

// Relay is the single-process pub/sub core. It exclusively owns the
// EndpointRegistry, SubscriptionRegistry, MaildirStore, SqliteIndex,
// SignalEmitter, and reliability state (see spec's component ownership
// invariant).
type Relay struct {
	opts Options
	log  zerolog.Logger

	endpoints *registry.EndpointRegistry
	subs      *registry.SubscriptionRegistry
	store     *maildir.Store
	idx       *index.Index
	breaker   *reliability.CircuitBreaker
	access    *AccessControl
	signals   *SignalEmitter
	dispatched *dispatchedSet

	watchersMu sync.Mutex
	watchers   map[string]*fsWatcher
}

// New wires up a Relay instance rooted at opts.DataDir. Callers must call
// Start to attach filesystem watchers for already-registered endpoints
// (e.g. restored from a previous run).
func New(opts Options, idx *index.Index) *Relay {
	store := maildir.New(filepath.Join(opts.DataDir, "mail"))
	return &Relay{
		opts:       opts,
		log:        logging.For("relaycore"),
		endpoints:  registry.NewEndpointRegistry(store),
		subs:       registry.NewSubscriptionRegistry(filepath.Join(opts.DataDir, "subscriptions.json")),
		store:      store,
		idx:        idx,
		breaker:    reliability.NewCircuitBreaker(opts.Breaker),
		access:     NewAccessControl(opts.AccessRules),
		signals:    NewSignalEmitter(),
		dispatched: newDispatchedSet(opts.RecentlyDispatchedCap),
		watchers:   make(map[string]*fsWatcher),
	}
}

// Start restores persisted subscriptions and attaches a filesystem watcher
// to every currently registered endpoint.
func (r *Relay) Start() error {
	if err := r.subs.Restore(); err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}
	for _, ep := range r.endpoints.All() {
		r.attachWatcher(ep.Hash)
	}
	return nil
}

// RegisterEndpoint registers subj as a concrete endpoint and attaches its
// filesystem watcher.
func (r *Relay) RegisterEndpoint(subj string) (*registry.Endpoint, error) {
	ep, err := r.endpoints.Register(subj)
	if err != nil {
		return nil, err
	}
	r.attachWatcher(ep.Hash)
	return ep, nil
}

// UnregisterEndpoint detaches the watcher and removes subj's endpoint.
func (r *Relay) UnregisterEndpoint(subj string) error {
	ep, ok := r.endpoints.Get(subj)
	if ok {
		r.detachWatcher(ep.Hash)
	}
	return r.endpoints.Unregister(subj)
}

func (r *Relay) attachWatcher(endpointHash string) {
	r.watchersMu.Lock()
	defer r.watchersMu.Unlock()
	if _, exists := r.watchers[endpointHash]; exists {
		return
	}

	newDir := filepath.Join(r.opts.DataDir, "mail", endpointHash, "new")
	fw, err := newFSWatcher(endpointHash, newDir)
	if err != nil {
		r.log.Warn().Err(err).Str("endpoint_hash", endpointHash).Msg("failed to attach maildir watcher")
		return
	}
	r.watchers[endpointHash] = fw
	go fw.run(func(filename string) {
		key := endpointHash + "/" + filename
		if r.dispatched.Contains(key) {
			return
		}
		r.dispatchClaimed(endpointHash, filename+".json")
	})
}

func (r *Relay) detachWatcher(endpointHash string) {
	r.watchersMu.Lock()
	fw, exists := r.watchers[endpointHash]
	delete(r.watchers, endpointHash)
	r.watchersMu.Unlock()
	if exists {
		fw.Stop()
	}
}

// PublishOpts carries the optional fields of a publish call.
type PublishOpts struct {
	From    string
	ReplyTo string
	Budget  *envelope.Budget
}

// PublishResult reports the outcome of a publish.
type PublishResult struct {
	MessageID   string
	DeliveredTo int
}

// Publish validates subj, constructs an envelope, matches it against
// registered endpoints and subscriber patterns, and runs it through the
// rate limit / access control / per-endpoint budget / circuit breaker /
// backpressure gates before persisting and dispatching.
func (r *Relay) Publish(subj string, payload interface{}, opts PublishOpts) (PublishResult, error) {
	if result := subject.ValidateConcrete(subj); !result.Valid {
		return PublishResult{}, fmt.Errorf("invalid publish subject: %s", result.Reason.Message)
	}

	env, err := envelope.New(subj, opts.From, payload)
	if err != nil {
		return PublishResult{}, fmt.Errorf("construct envelope: %w", err)
	}
	env.ReplyTo = opts.ReplyTo
	now := time.Now()
	if opts.Budget != nil {
		env.Budget = *opts.Budget
	} else {
		r.applyDefaultBudget(env, now)
	}

	traceID := idgen.New()

	if r.opts.RateLimit.Enabled {
		count, err := r.idx.CountBySenderSince(opts.From, now.Add(-time.Duration(r.opts.RateLimit.WindowSecs)*time.Second))
		if err != nil {
			return PublishResult{}, fmt.Errorf("count sender window: %w", err)
		}
		rl := reliability.CheckRateLimit(opts.From, count, r.opts.RateLimit)
		if !rl.Allowed {
			r.signals.Emit(Signal{Subject: subj, Name: "rate_limited", Data: map[string]interface{}{"sender": opts.From}})
			r.directFailUnrouted(env, opts.From, "rate limit exceeded", traceID, now)
			return PublishResult{MessageID: env.ID, DeliveredTo: 0}, nil
		}
	}

	ep, hasEndpoint := r.endpoints.Get(subj)
	if !hasEndpoint && len(r.subs.GetSubscribers(subj)) > 0 {
		// A wildcard subscriber matches this subject but no durable mailbox
		// exists yet for it: create one lazily so dispatch (and the
		// fsnotify fallback path) can proceed uniformly through the
		// endpoint-gated pipeline below instead of invoking handlers
		// directly and bypassing budget/breaker/backpressure gates.
		if created, err := r.endpoints.Register(subj); err == nil {
			ep, hasEndpoint = created, true
			r.attachWatcher(ep.Hash)
		} else {
			r.log.Warn().Err(err).Str("subject", subj).Msg("failed to lazily register endpoint for matched subscriber")
		}
	}
	if hasEndpoint {
		accessResult := r.access.Check(opts.From, subj)
		if !accessResult.Allowed {
			r.directFailToEndpoint(env, ep.Hash, fmt.Sprintf("access denied: %s", accessResult.RuleID), traceID, now)
			return PublishResult{MessageID: env.ID, DeliveredTo: 0}, nil
		}
	}

	deliveredTo := 0
	if hasEndpoint {
		if r.deliverToEndpoint(env, ep.Hash, traceID, now) {
			deliveredTo++
		}
	}

	return PublishResult{MessageID: env.ID, DeliveredTo: deliveredTo}, nil
}

// deliverToEndpoint runs one matched endpoint through the budget/breaker/
// backpressure gates, persists, indexes, and dispatches. Returns true if
// the envelope was persisted (regardless of handler outcome).
func (r *Relay) deliverToEndpoint(env *envelope.Envelope, endpointHash string, traceID string, now time.Time) bool {
	check := budget.Check(env, endpointHash, now)
	if !check.Allowed {
		r.directFailToEndpoint(env, endpointHash, string(check.Violation), traceID, now)
		return false
	}

	breakerCheck := r.breaker.Check(endpointHash, now)
	if !breakerCheck.Allowed {
		r.directFailToEndpoint(env, endpointHash, "circuit breaker open", traceID, now)
		return false
	}

	currentSize, err := r.idx.CountNewByEndpoint(endpointHash)
	if err != nil {
		r.log.Warn().Err(err).Msg("backpressure count failed, proceeding without it")
	}
	bp := reliability.CheckBackpressure(currentSize, r.opts.Backpressure)
	if !bp.Allowed {
		r.directFailToEndpoint(env, endpointHash, "mailbox backpressure", traceID, now)
		return false
	}
	if bp.Warn {
		r.signals.Emit(Signal{Subject: env.Subject, Name: "backpressure", Data: map[string]interface{}{"endpointHash": endpointHash, "pressure": bp.Pressure}})
	}

	advanced := env.Clone()
	advanced.Budget = budget.Advance(env.Budget, endpointHash)

	deliverResult := r.store.Deliver(endpointHash, advanced)
	if !deliverResult.OK {
		r.log.Error().Err(deliverResult.Error).Str("endpoint_hash", endpointHash).Msg("maildir delivery failed")
		return false
	}

	messageID := trimJSONExt(deliverResult.Filename)
	if err := r.idx.InsertMessage(index.Message{
		ID: messageID, Subject: advanced.Subject, Sender: advanced.From,
		EndpointHash: endpointHash, Status: "new", CreatedAt: now, TTL: advanced.Budget.TTL,
	}); err != nil {
		r.log.Warn().Err(err).Msg("index insert failed")
	}
	recordPendingSpan(r.idx, messageID, traceID, advanced, endpointHash, now)
	// The maildir write is a distinct, separately timestamped milestone from
	// the handler outcome recorded by dispatchClaimed below — Metrics()'s
	// latency figures are computed from this delivered_at stamp.
	updateSpanStatus(r.idx, messageID, traceID, advanced, endpointHash, "delivered", time.Now(), "")

	r.dispatched.Add(endpointHash + "/" + advanced.ID)
	r.dispatchClaimed(endpointHash, deliverResult.Filename)

	return true
}

// dispatchClaimed claims filename from endpointHash's new/ directory and
// invokes every matching subscriber handler, updating breaker/index/trace
// state on the outcome. Used both by the synchronous publish path and by
// the filesystem-watch fallback path.
func (r *Relay) dispatchClaimed(endpointHash, filename string) {
	claim := r.store.Claim(endpointHash, filename)
	if !claim.OK {
		// Another claimer (sync path or another watcher tick) already won.
		return
	}

	env := claim.Envelope
	now := time.Now()
	messageID := trimJSONExt(filename)

	subscribers := r.subs.GetSubscribers(env.Subject)
	var handlerErr error
	for _, sub := range subscribers {
		if sub.Handler == nil {
			continue
		}
		if err := sub.Handler(env); err != nil {
			handlerErr = err
			break
		}
	}

	if handlerErr != nil {
		r.breaker.RecordFailure(endpointHash, now)
		r.store.Fail(endpointHash, filename, maildir.DeadLetter{
			Reason: handlerErr.Error(), FailedAt: now, Endpoint: endpointHash, Component: "subscriber",
		})
		r.idx.UpdateStatus(messageID, "failed")
		updateSpanStatus(r.idx, messageID, messageID, env, endpointHash, "failed", now, handlerErr.Error())
		return
	}

	r.breaker.RecordSuccess(endpointHash)
	if res := r.store.Complete(endpointHash, filename); !res.OK {
		r.log.Warn().Err(res.Error).Msg("complete failed after successful dispatch")
	}
	r.idx.UpdateStatus(messageID, "processed")
	updateSpanStatus(r.idx, messageID, messageID, env, endpointHash, "processed", now, "")
}

func (r *Relay) directFailToEndpoint(env *envelope.Envelope, endpointHash, reason, traceID string, now time.Time) {
	r.store.DirectFail(endpointHash, env, maildir.DeadLetter{Reason: reason, FailedAt: now, Endpoint: endpointHash})
	r.idx.InsertMessage(index.Message{
		ID: env.ID, Subject: env.Subject, Sender: env.From, EndpointHash: endpointHash,
		Status: "dead_lettered", CreatedAt: now, TTL: env.Budget.TTL,
	})
	updateSpanStatus(r.idx, env.ID, traceID, env, endpointHash, "dead_lettered", now, reason)
}

// directFailUnrouted records a dead letter for a publish rejected before
// any endpoint was identified (e.g. rate limiting), attributed to the
// sender.
func (r *Relay) directFailUnrouted(env *envelope.Envelope, from, reason, traceID string, now time.Time) {
	r.idx.InsertMessage(index.Message{
		ID: env.ID, Subject: env.Subject, Sender: from, EndpointHash: "",
		Status: "dead_lettered", CreatedAt: now, TTL: env.Budget.TTL,
	})
	updateSpanStatus(r.idx, env.ID, traceID, env, "", "dead_lettered", now, reason)
}

// Subscribe registers pattern with handler and returns an unsubscribe
// closure.
func (r *Relay) Subscribe(pattern string, handler registry.Handler) (string, registry.UnsubscribeFunc, error) {
	return r.subs.Subscribe(pattern, handler)
}

// OnSignal registers a non-persistent signal listener.
func (r *Relay) OnSignal(pattern string, handler func(Signal)) func() {
	return r.signals.OnSignal(pattern, handler)
}

// EmitSignal broadcasts a signal to matching listeners.
func (r *Relay) EmitSignal(sig Signal) {
	r.signals.Emit(sig)
}

// Endpoints exposes the underlying EndpointRegistry for callers (e.g. the
// Binding Router, the DLQ) that need to enumerate endpoints.
func (r *Relay) Endpoints() *registry.EndpointRegistry {
	return r.endpoints
}

// Store exposes the underlying Maildir store.
func (r *Relay) Store() *maildir.Store {
	return r.store
}

// Index exposes the underlying SQLite index.
func (r *Relay) Index() *index.Index {
	return r.idx
}

// Shutdown stops filesystem watchers, flushes the signal emitter, and
// closes the SQLite index, in that order. The Maildir store itself is
// left untouched: endpoints retain their mailboxes on disk.
func (r *Relay) Shutdown() error {
	r.watchersMu.Lock()
	watchers := r.watchers
	r.watchers = make(map[string]*fsWatcher)
	r.watchersMu.Unlock()
	for _, fw := range watchers {
		fw.Stop()
	}

	r.signals.Flush()

	if err := r.idx.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}

func trimJSONExt(filename string) string {
	if len(filename) > 5 && filename[len(filename)-5:] == ".json" {
		return filename[:len(filename)-5]
	}
	return filename
}
