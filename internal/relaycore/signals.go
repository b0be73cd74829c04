package relaycore

import (
	"strconv"
	"sync"

	"github.com/tenzoki/relay/internal/subject"
)

// Signal is a non-persistent broadcast event, distinct from durable
// envelope delivery. Signals carry no ordering guarantees relative to
// messages.
type Signal struct {
	Subject string
	Name    string
	Data    map[string]interface{}
}

type signalListener struct {
	id      string
	pattern string
	handler func(Signal)
}

// SignalEmitter wraps a single internal fan-out point with in-listener
// pattern matching, so each subscriber only observes signals whose subject
// matches its pattern.
type SignalEmitter struct {
	mu        sync.RWMutex
	listeners map[string]signalListener
	nextID    int
}

// NewSignalEmitter returns an empty SignalEmitter.
func NewSignalEmitter() *SignalEmitter {
	return &SignalEmitter{listeners: make(map[string]signalListener)}
}

// OnSignal registers handler for signals whose subject matches pattern,
// returning an unsubscribe closure.
func (se *SignalEmitter) OnSignal(pattern string, handler func(Signal)) func() {
	se.mu.Lock()
	se.nextID++
	id := strconv.Itoa(se.nextID)
	se.listeners[id] = signalListener{id: id, pattern: pattern, handler: handler}
	se.mu.Unlock()

	return func() {
		se.mu.Lock()
		delete(se.listeners, id)
		se.mu.Unlock()
	}
}

// Emit broadcasts sig to every listener whose pattern matches sig.Subject.
func (se *SignalEmitter) Emit(sig Signal) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	for _, l := range se.listeners {
		if subject.Matches(sig.Subject, l.pattern) {
			l.handler(sig)
		}
	}
}

// Flush drops every registered listener. Signals are in-memory and
// fire-and-forget, so there is no queued signal to drain.
func (se *SignalEmitter) Flush() {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.listeners = make(map[string]signalListener)
}
