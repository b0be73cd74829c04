package binding

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/registry"
	"github.com/tenzoki/relay/internal/relaycore"
)

// Relay is the narrow slice of *relaycore.Relay the router needs:
// subscribing to the inbound human-traffic pattern and republishing onto
// the resolved agent session's subject.
type Relay interface {
	Subscribe(pattern string, handler registry.Handler) (string, registry.UnsubscribeFunc, error)
	Publish(subject string, payload interface{}, opts relaycore.PublishOpts) (relaycore.PublishResult, error)
}

// SessionCreator creates a fresh agent session rooted at cwd, returning
// its session id.
type SessionCreator interface {
	CreateSession(ctx context.Context, cwd string) (sessionID string, err error)
}

// Router resolves inbound relay.human.> traffic to a Binding, determines
// (creating if needed) the agent session for it per the binding's
// session strategy, and republishes on relay.agent.<sessionId>.
type Router struct {
	store      *Store
	sessions   *SessionMap
	creator    SessionCreator
	relay      Relay
	log        zerolog.Logger

	mu         sync.Mutex
	unsubscribe registry.UnsubscribeFunc
}

// NewRouter wires a Router over an already-loaded Store and SessionMap.
func NewRouter(store *Store, sessions *SessionMap, creator SessionCreator, relay Relay) *Router {
	return &Router{store: store, sessions: sessions, creator: creator, relay: relay, log: logging.For("binding")}
}

// Start subscribes to relay.human.> and begins routing inbound traffic.
func (r *Router) Start() error {
	_, unsub, err := r.relay.Subscribe("relay.human.>", r.handleInbound)
	if err != nil {
		return fmt.Errorf("subscribe relay.human.>: %w", err)
	}
	r.mu.Lock()
	r.unsubscribe = unsub
	r.mu.Unlock()
	return nil
}

// Stop releases the relay.human.> subscription.
func (r *Router) Stop() {
	r.mu.Lock()
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// inboundSubject is the parsed shape of a relay.human.> subject, following
// the convention relay.human.<adapterId>.<channelType>.<chatId> or the
// shorter relay.human.<adapterId>.<chatId> when no channel type applies.
type inboundSubject struct {
	AdapterID   string
	ChannelType string
	ChatID      string
}

func parseInboundSubject(subj string) (inboundSubject, bool) {
	tokens := strings.Split(subj, ".")
	if len(tokens) < 4 || tokens[0] != "relay" || tokens[1] != "human" {
		return inboundSubject{}, false
	}
	switch len(tokens) {
	case 4:
		return inboundSubject{AdapterID: tokens[2], ChatID: tokens[3]}, true
	default:
		// Everything past the channel type is treated as the chat id,
		// rejoined with dots in case a chat id itself is structured.
		return inboundSubject{AdapterID: tokens[2], ChannelType: tokens[3], ChatID: strings.Join(tokens[4:], ".")}, true
	}
}

// handleInbound is the registry.Handler invoked for every message matched
// against relay.human.>.
func (r *Router) handleInbound(env *envelope.Envelope) error {
	parsed, ok := parseInboundSubject(env.Subject)
	if !ok {
		r.log.Warn().Str("subject", env.Subject).Msg("inbound subject does not match relay.human.<adapterId>[.<channelType>].<chatId>")
		return nil
	}

	candidates := r.store.ForAdapter(parsed.AdapterID)
	b, found := Resolve(candidates, parsed.ChatID, parsed.ChannelType)
	if !found {
		r.log.Debug().Str("adapter_id", parsed.AdapterID).Str("chat_id", parsed.ChatID).Msg("no binding resolved for inbound message")
		return nil
	}

	sessionID, err := r.sessionFor(b, parsed)
	if err != nil {
		return fmt.Errorf("resolve session for binding %s: %w", b.ID, err)
	}

	// Budget inheritance: hopCount is bumped implicitly when the relay
	// advances the budget on delivery to the new endpoint, consuming one
	// hop from the original envelope's remaining allowance.
	inheritedBudget := env.Budget.Clone()
	_, err = r.relay.Publish("relay.agent."+sessionID, rawPayload(env.Payload), relaycore.PublishOpts{
		From:    "relay.binding." + b.ID,
		ReplyTo: env.ReplyTo,
		Budget:  &inheritedBudget,
	})
	return err
}

// rawPayload preserves payload bytes verbatim through envelope.New's
// interface{} marshal step.
type rawPayload []byte

func (p rawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// sessionKeyFor computes the session-map key component per strategy.
func sessionKeyFor(b Binding, parsed inboundSubject) string {
	switch b.SessionStrategy {
	case StrategyPerChannel:
		return parsed.ChannelType
	case StrategyShared:
		return ""
	default: // per-chat
		return parsed.ChatID
	}
}

func (r *Router) sessionFor(b Binding, parsed inboundSubject) (string, error) {
	chatKey := sessionKeyFor(b, parsed)
	if sessionID, ok := r.sessions.Get(b.ID, chatKey); ok {
		return sessionID, nil
	}

	sessionID, err := r.creator.CreateSession(context.Background(), b.ProjectPath)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := r.sessions.Set(b.ID, chatKey, sessionID); err != nil {
		r.log.Warn().Err(err).Str("binding_id", b.ID).Msg("failed to persist session map entry")
	}
	return sessionID, nil
}

// Resolve scores every binding in candidates against (chatID, channelType)
// and returns the highest-scoring match, ties broken by creation order
// (candidates must already be in creation order). Score:
//
//	exact chatId + channelType: 7
//	exact chatId only:          5
//	exact channelType only:     3
//	wildcard (neither set):     1
//	explicit mismatch:          disqualified (0, never returned)
func Resolve(candidates []Binding, chatID, channelType string) (Binding, bool) {
	best := Binding{}
	bestScore := 0
	found := false

	for _, b := range candidates {
		if b.ChatID != "" && b.ChatID != chatID {
			continue
		}
		if b.ChannelType != "" && b.ChannelType != channelType {
			continue
		}

		score := 1
		switch {
		case b.ChatID != "" && b.ChannelType != "":
			score = 7
		case b.ChatID != "":
			score = 5
		case b.ChannelType != "":
			score = 3
		}

		if !found || score > bestScore {
			best, bestScore, found = b, score, true
		}
	}

	return best, found
}
