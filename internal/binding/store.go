// Package binding implements the Binding Router (C8): a persisted mapping
// from (adapterId, chatId?, channelType?) to an agent session, with a
// scored resolve, per-chat/per-channel/shared session strategies, and
// self-write suppression so the store's own watcher does not reload the
// file it just wrote. Persistence conventions follow
// cellorg/internal/config.go's tolerant-load-then-validate shape, adapted
// from YAML config to a JSON CRUD-managed list. Binding ids are UUIDs
// (github.com/google/uuid), not ULIDs: a Binding is a CRUD resource
// referenced by external callers and never routed or sorted by creation
// order the way envelope/subscription ids are.
package binding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionStrategy controls how inbound messages from the same adapter are
// grouped into agent sessions.
type SessionStrategy string

const (
	StrategyPerChat    SessionStrategy = "per-chat"
	StrategyPerChannel SessionStrategy = "per-channel"
	StrategyShared     SessionStrategy = "shared"
)

// Binding maps an adapter's inbound chat traffic to an agent session
// configuration.
type Binding struct {
	ID              string          `json:"id"`
	AdapterID       string          `json:"adapterId"`
	AgentID         string          `json:"agentId"`
	ProjectPath     string          `json:"projectPath"`
	SessionStrategy SessionStrategy `json:"sessionStrategy"`
	Label           string          `json:"label"`
	ChatID          string          `json:"chatId,omitempty"`
	ChannelType     string          `json:"channelType,omitempty"`
	CreatedAt       string          `json:"createdAt"`
	UpdatedAt       string          `json:"updatedAt"`
}

// CreateInput is the set of fields a caller supplies to Create; ID and
// timestamps are generated.
type CreateInput struct {
	AdapterID       string
	AgentID         string
	ProjectPath     string
	SessionStrategy SessionStrategy
	Label           string
	ChatID          string
	ChannelType     string
}

type bindingsFile struct {
	Bindings []Binding `json:"bindings"`
}

// Store owns the persisted binding list. The canonical source of truth is
// bindings.json; bindingsByID mirrors it in memory for lookups.
type Store struct {
	mu   sync.RWMutex
	path string

	bindingsByID map[string]Binding
	order        []string // insertion order, for resolve() tie-breaking

	saveGeneration         int64
	lastReloadedGeneration int64

	nowFunc func() time.Time
}

// NewStore returns a Store persisting to dataDir/bindings.json.
func NewStore(dataDir string) *Store {
	return &Store{
		path:         filepath.Join(dataDir, "bindings.json"),
		bindingsByID: make(map[string]Binding),
		nowFunc:      time.Now,
	}
}

// Load reads bindings.json if present; a missing file is not an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read bindings file: %w", err)
	}

	var file bindingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse bindings file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindingsByID = make(map[string]Binding, len(file.Bindings))
	s.order = s.order[:0]
	for _, b := range file.Bindings {
		s.bindingsByID[b.ID] = b
		s.order = append(s.order, b.ID)
	}
	return nil
}

// SaveGeneration returns the current save generation, for a caller (the
// fsnotify watcher) to compare against lastReloadedGeneration.
func (s *Store) SaveGeneration() int64 {
	return atomic.LoadInt64(&s.saveGeneration)
}

// LastReloadedGeneration returns the generation this store last reloaded
// at (as observed by the watcher, not Store itself).
func (s *Store) LastReloadedGeneration() int64 {
	return atomic.LoadInt64(&s.lastReloadedGeneration)
}

// ShouldSkipReload implements the precise self-write-suppression contract:
// if lastReloadedGeneration < saveGeneration, this change event is one of
// our own writes — absorb it (catch lastReloadedGeneration up by one) and
// report true. Otherwise report false so the caller reloads.
func (s *Store) ShouldSkipReload() bool {
	save := atomic.LoadInt64(&s.saveGeneration)
	last := atomic.LoadInt64(&s.lastReloadedGeneration)
	if last < save {
		atomic.AddInt64(&s.lastReloadedGeneration, 1)
		return true
	}
	return false
}

func (s *Store) persist() error {
	s.mu.RLock()
	list := make([]Binding, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.bindingsByID[id])
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(bindingsFile{Bindings: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bindings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create bindings dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write bindings tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename bindings file: %w", err)
	}

	atomic.AddInt64(&s.saveGeneration, 1)
	return nil
}

// Create generates an id and timestamps, applies strategy/label defaults,
// persists, and returns the new Binding.
func (s *Store) Create(input CreateInput) (Binding, error) {
	strategy := input.SessionStrategy
	if strategy == "" {
		strategy = StrategyPerChat
	}
	now := s.nowFunc().UTC().Format(time.RFC3339)

	b := Binding{
		ID:              uuid.New().String(),
		AdapterID:       input.AdapterID,
		AgentID:         input.AgentID,
		ProjectPath:     input.ProjectPath,
		SessionStrategy: strategy,
		Label:           input.Label,
		ChatID:          input.ChatID,
		ChannelType:     input.ChannelType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	s.bindingsByID[b.ID] = b
	s.order = append(s.order, b.ID)
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return Binding{}, err
	}
	return b, nil
}

// Delete removes id if present, persisting only on an actual removal.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	if _, exists := s.bindingsByID[id]; !exists {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.bindingsByID, id)
	for i, existingID := range s.order {
		if existingID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return false, err
	}
	return true, nil
}

// Patch carries the optional fields Update may change.
type Patch struct {
	AgentID         *string
	ProjectPath     *string
	SessionStrategy *SessionStrategy
	Label           *string
	ChatID          *string
	ChannelType     *string
}

// Update applies patch to id's binding, bumps updatedAt, and persists.
func (s *Store) Update(id string, patch Patch) (Binding, bool, error) {
	s.mu.Lock()
	b, exists := s.bindingsByID[id]
	if !exists {
		s.mu.Unlock()
		return Binding{}, false, nil
	}

	if patch.AgentID != nil {
		b.AgentID = *patch.AgentID
	}
	if patch.ProjectPath != nil {
		b.ProjectPath = *patch.ProjectPath
	}
	if patch.SessionStrategy != nil {
		b.SessionStrategy = *patch.SessionStrategy
	}
	if patch.Label != nil {
		b.Label = *patch.Label
	}
	if patch.ChatID != nil {
		b.ChatID = *patch.ChatID
	}
	if patch.ChannelType != nil {
		b.ChannelType = *patch.ChannelType
	}
	b.UpdatedAt = s.nowFunc().UTC().Format(time.RFC3339)
	s.bindingsByID[id] = b
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return Binding{}, false, err
	}
	return b, true, nil
}

// Get returns a single binding by id.
func (s *Store) Get(id string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindingsByID[id]
	return b, ok
}

// List returns every binding in creation order.
func (s *Store) List() []Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Binding, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.bindingsByID[id])
	}
	return out
}

// ForAdapter returns every binding for adapterID, in creation order.
func (s *Store) ForAdapter(adapterID string) []Binding {
	all := s.List()
	out := make([]Binding, 0, len(all))
	for _, b := range all {
		if b.AdapterID == adapterID {
			out = append(out, b)
		}
	}
	return out
}

// GetOrphaned returns bindings whose adapterId is not present in
// knownAdapterIDs, used by the Adapter Manager after a removal.
func (s *Store) GetOrphaned(knownAdapterIDs map[string]struct{}) []Binding {
	all := s.List()
	var orphaned []Binding
	for _, b := range all {
		if _, known := knownAdapterIDs[b.AdapterID]; !known {
			orphaned = append(orphaned, b)
		}
	}
	return orphaned
}
