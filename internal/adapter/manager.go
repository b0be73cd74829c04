package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tenzoki/relay/internal/binding"
	"github.com/tenzoki/relay/internal/logging"
)

// ErrorCode names a manager-level rejection, returned alongside a
// descriptive error so callers (e.g. a CLI or HTTP surface) can branch on
// it without string matching.
type ErrorCode string

const (
	ErrDuplicateID        ErrorCode = "DUPLICATE_ID"
	ErrUnknownType        ErrorCode = "UNKNOWN_TYPE"
	ErrMultiInstanceDenied ErrorCode = "MULTI_INSTANCE_DENIED"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrRemoveBuiltinDenied ErrorCode = "REMOVE_BUILTIN_DENIED"
)

// BindingOrphanScanner reports bindings left referencing an adapter id that
// no longer exists, satisfied by *binding.Store.
type BindingOrphanScanner interface {
	GetOrphaned(knownAdapterIDs map[string]struct{}) []binding.Binding
}

// ManagerError carries a machine-readable code alongside its message.
type ManagerError struct {
	Code    ErrorCode
	Message string
}

func (e *ManagerError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newManagerError(code ErrorCode, format string, args ...interface{}) error {
	return &ManagerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AdapterConfig is a single persisted adapter instance definition.
type AdapterConfig struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id"`
	Config  map[string]interface{} `json:"config"`
	Enabled bool                   `json:"enabled"`
}

type adaptersFile struct {
	Adapters []AdapterConfig `json:"adapters"`
}

// PluginLoader discovers plugin-typed adapters, matching the spec's
// `loadAdapters(configs, builtinMap, configDir)` contract.
type PluginLoader func(configs []AdapterConfig, builtin map[string]Manifest, configDir string) (map[string]Instance, map[string]Manifest, error)

// Manager owns the lifecycle of every configured adapter instance.
type Manager struct {
	mu         sync.Mutex
	configDir  string
	configPath string
	pub        Publisher
	log        zerolog.Logger

	manifests map[string]Manifest
	factories map[string]Factory
	configs   map[string]AdapterConfig
	running   map[string]Instance

	pluginLoader  PluginLoader
	orphanScanner BindingOrphanScanner
	watcher       *fsnotify.Watcher
	watcherDone   chan struct{}
}

// SetOrphanScanner attaches the binding store orphan check that RemoveAdapter
// runs after a successful removal. Optional: a Manager with no scanner
// attached simply skips the check.
func (m *Manager) SetOrphanScanner(s BindingOrphanScanner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphanScanner = s
}

// NewManager returns a Manager rooted at configDir (holding adapters.json),
// publishing inbound adapter events through pub.
func NewManager(configDir string, pub Publisher, pluginLoader PluginLoader) *Manager {
	manifests := BuiltinManifests()
	return &Manager{
		configDir:    configDir,
		configPath:   filepath.Join(configDir, "adapters.json"),
		pub:          pub,
		log:          logging.For("adapter"),
		manifests:    manifests,
		factories: map[string]Factory{
			"claude-code": NewClaudeCode,
			"telegram":    NewTelegram,
			"webhook":     NewWebhook,
		},
		configs:      make(map[string]AdapterConfig),
		running:      make(map[string]Instance),
		pluginLoader: pluginLoader,
	}
}

// Initialize ensures a default config exists, loads it, starts enabled
// adapters (best-effort — a single adapter's start failure is logged and
// does not block the rest), and attaches the hot-reload watcher.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(m.configDir, 0o700); err != nil {
		return fmt.Errorf("create adapters config dir: %w", err)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		def := adaptersFile{Adapters: []AdapterConfig{{Type: "claude-code", ID: "claude-code", Config: map[string]interface{}{}, Enabled: true}}}
		if err := m.writeFile(def); err != nil {
			return fmt.Errorf("write default adapters config: %w", err)
		}
	}

	if err := m.loadConfig(); err != nil {
		m.log.Warn().Err(err).Msg("failed to load adapters config, treating as empty")
	}

	if m.pluginLoader != nil {
		discovered, manifests, err := m.pluginLoader(m.configList(), m.manifests, m.configDir)
		if err != nil {
			m.log.Warn().Err(err).Msg("plugin loader failed")
		} else {
			m.mu.Lock()
			for t, manifest := range manifests {
				m.manifests[t] = manifest
			}
			m.mu.Unlock()
			for id, inst := range discovered {
				m.mu.Lock()
				m.running[id] = inst
				m.mu.Unlock()
			}
		}
	}

	m.startEnabled(ctx)
	m.attachWatcher()
	return nil
}

func (m *Manager) startEnabled(ctx context.Context) {
	m.mu.Lock()
	configs := m.configList()
	m.mu.Unlock()

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := m.startLocked(ctx, cfg); err != nil {
			m.log.Warn().Err(err).Str("adapter_id", cfg.ID).Msg("adapter failed to start")
		}
	}
}

func (m *Manager) startLocked(ctx context.Context, cfg AdapterConfig) error {
	factory, ok := m.factories[cfg.Type]
	if !ok {
		return fmt.Errorf("no factory registered for type %q (plugin adapters are started by the plugin loader)", cfg.Type)
	}
	instance, err := factory(cfg.ID, cfg.Config, m.pub)
	if err != nil {
		return fmt.Errorf("construct adapter %s: %w", cfg.ID, err)
	}
	if err := instance.Start(ctx); err != nil {
		return fmt.Errorf("start adapter %s: %w", cfg.ID, err)
	}
	m.mu.Lock()
	m.running[cfg.ID] = instance
	m.mu.Unlock()
	return nil
}

// AddAdapter registers and optionally starts a new adapter instance.
func (m *Manager) AddAdapter(ctx context.Context, adapterType, id string, config map[string]interface{}, enabled bool) error {
	m.mu.Lock()
	if _, exists := m.configs[id]; exists {
		m.mu.Unlock()
		return newManagerError(ErrDuplicateID, "adapter id %q already exists", id)
	}
	manifest, known := m.manifests[adapterType]
	if !known {
		m.mu.Unlock()
		return newManagerError(ErrUnknownType, "unknown adapter type %q", adapterType)
	}
	if !manifest.MultiInstance {
		for _, existing := range m.configs {
			if existing.Type == adapterType {
				m.mu.Unlock()
				return newManagerError(ErrMultiInstanceDenied, "adapter type %q does not support multiple instances", adapterType)
			}
		}
	}

	cfg := AdapterConfig{Type: adapterType, ID: id, Config: config, Enabled: enabled}
	m.configs[id] = cfg
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		return err
	}

	if enabled {
		if err := m.startLocked(ctx, cfg); err != nil {
			m.log.Warn().Err(err).Str("adapter_id", id).Msg("failed to start newly added adapter")
		}
	}
	return nil
}

// RemoveAdapter stops and removes an adapter instance. Removing the
// built-in claude-code adapter is denied.
func (m *Manager) RemoveAdapter(ctx context.Context, id string) error {
	m.mu.Lock()
	cfg, exists := m.configs[id]
	if !exists {
		m.mu.Unlock()
		return newManagerError(ErrNotFound, "adapter %q not found", id)
	}
	if cfg.Type == "claude-code" {
		m.mu.Unlock()
		return newManagerError(ErrRemoveBuiltinDenied, "the built-in claude-code adapter cannot be removed")
	}
	instance := m.running[id]
	delete(m.configs, id)
	delete(m.running, id)
	m.mu.Unlock()

	if instance != nil {
		if err := instance.Stop(ctx); err != nil {
			m.log.Warn().Err(err).Str("adapter_id", id).Msg("error stopping adapter on removal")
		}
	}

	if err := m.persist(); err != nil {
		return err
	}

	m.warnOnOrphanedBindings(id)
	return nil
}

// warnOnOrphanedBindings scans the binding store (if attached) for bindings
// that reference removedID or any other adapter id no longer configured,
// logging a remediation warning for each.
func (m *Manager) warnOnOrphanedBindings(removedID string) {
	m.mu.Lock()
	scanner := m.orphanScanner
	known := make(map[string]struct{}, len(m.configs))
	for id := range m.configs {
		known[id] = struct{}{}
	}
	m.mu.Unlock()

	if scanner == nil {
		return
	}

	orphaned := scanner.GetOrphaned(known)
	if len(orphaned) == 0 {
		return
	}
	ids := make([]string, 0, len(orphaned))
	for _, b := range orphaned {
		ids = append(ids, b.ID)
	}
	m.log.Warn().
		Strs("orphaned_binding_ids", ids).
		Str("removed_adapter_id", removedID).
		Msg("bindings still reference a removed adapter; update or delete them")
}

// Enable starts id (if not already running) and persists enabled=true.
func (m *Manager) Enable(ctx context.Context, id string) error {
	m.mu.Lock()
	cfg, exists := m.configs[id]
	if !exists {
		m.mu.Unlock()
		return newManagerError(ErrNotFound, "adapter %q not found", id)
	}
	cfg.Enabled = true
	m.configs[id] = cfg
	_, running := m.running[id]
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		return err
	}
	if running {
		return nil
	}
	return m.startLocked(ctx, cfg)
}

// Disable stops id (if running) and persists enabled=false.
func (m *Manager) Disable(ctx context.Context, id string) error {
	m.mu.Lock()
	cfg, exists := m.configs[id]
	if !exists {
		m.mu.Unlock()
		return newManagerError(ErrNotFound, "adapter %q not found", id)
	}
	cfg.Enabled = false
	m.configs[id] = cfg
	instance := m.running[id]
	delete(m.running, id)
	m.mu.Unlock()

	if instance != nil {
		if err := instance.Stop(ctx); err != nil {
			m.log.Warn().Err(err).Str("adapter_id", id).Msg("error stopping disabled adapter")
		}
	}
	return m.persist()
}

// UpdateConfig merges newConfig over the existing config with password
// preservation, persists, and restarts the adapter if it is running.
func (m *Manager) UpdateConfig(ctx context.Context, id string, newConfig map[string]interface{}) error {
	m.mu.Lock()
	cfg, exists := m.configs[id]
	if !exists {
		m.mu.Unlock()
		return newManagerError(ErrNotFound, "adapter %q not found", id)
	}
	manifest := m.manifests[cfg.Type]
	merged := MergeConfig(cfg.Config, newConfig, manifest.PasswordFields())
	cfg.Config = merged
	m.configs[id] = cfg
	_, wasRunning := m.running[id]
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		return err
	}

	if wasRunning {
		m.mu.Lock()
		instance := m.running[id]
		delete(m.running, id)
		m.mu.Unlock()
		if instance != nil {
			instance.Stop(ctx)
		}
		return m.startLocked(ctx, cfg)
	}
	return nil
}

// TestConnectionResult reports the outcome of TestConnection.
type TestConnectionResult struct {
	OK    bool
	Error string
}

// TestConnection builds a throwaway instance of adapterType and calls its
// TestConnection (if implemented) or a full start/stop cycle, bounded by
// 15 seconds.
func (m *Manager) TestConnection(adapterType string, config map[string]interface{}) TestConnectionResult {
	factory, ok := m.factories[adapterType]
	if !ok {
		return TestConnectionResult{OK: false, Error: fmt.Sprintf("unknown adapter type %q", adapterType)}
	}

	instance, err := factory("__test__", config, m.pub)
	if err != nil {
		return TestConnectionResult{OK: false, Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if tester, ok := instance.(ConnectionTester); ok {
		if err := tester.TestConnection(ctx); err != nil {
			return TestConnectionResult{OK: false, Error: err.Error()}
		}
		return TestConnectionResult{OK: true}
	}

	if err := instance.Start(ctx); err != nil {
		return TestConnectionResult{OK: false, Error: err.Error()}
	}
	instance.Stop(ctx)
	return TestConnectionResult{OK: true}
}

// AdapterView pairs a masked config with current runtime status, the
// shape returned by ListAdapters and GetAdapter. GetCatalog returns
// manifests only, with no configs and no status.
type AdapterView struct {
	Config AdapterConfig
	Status Status
}

// ListAdapters returns every configured adapter with its masked config
// and current status.
func (m *Manager) ListAdapters() []AdapterView {
	m.mu.Lock()
	defer m.mu.Unlock()

	views := make([]AdapterView, 0, len(m.configs))
	for id, cfg := range m.configs {
		views = append(views, AdapterView{Config: m.maskedConfig(cfg), Status: m.statusFor(id)})
	}
	return views
}

// GetAdapter returns a single adapter's view.
func (m *Manager) GetAdapter(id string) (AdapterView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return AdapterView{}, false
	}
	return AdapterView{Config: m.maskedConfig(cfg), Status: m.statusFor(id)}, true
}

// GetCatalog returns every known manifest (built-in and plugin-discovered).
func (m *Manager) GetCatalog() map[string]Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Manifest, len(m.manifests))
	for k, v := range m.manifests {
		out[k] = v
	}
	return out
}

func (m *Manager) maskedConfig(cfg AdapterConfig) AdapterConfig {
	manifest := m.manifests[cfg.Type]
	masked := cfg
	masked.Config = MaskConfig(cfg.Config, manifest.PasswordFields())
	return masked
}

func (m *Manager) statusFor(id string) Status {
	if instance, ok := m.running[id]; ok {
		return instance.Status()
	}
	return Status{ID: id, State: StateDisconnected}
}

func (m *Manager) configList() []AdapterConfig {
	list := make([]AdapterConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		list = append(list, cfg)
	}
	return list
}

func (m *Manager) loadConfig() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file adaptersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = make(map[string]AdapterConfig, len(file.Adapters))
	for _, cfg := range file.Adapters {
		m.configs[cfg.ID] = cfg
	}
	return nil
}

func (m *Manager) persist() error {
	m.mu.Lock()
	file := adaptersFile{Adapters: m.configList()}
	m.mu.Unlock()
	return m.writeFile(file)
}

func (m *Manager) writeFile(file adaptersFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal adapters config: %w", err)
	}
	tmpPath := m.configPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write adapters config tmp: %w", err)
	}
	return os.Rename(tmpPath, m.configPath)
}

// attachWatcher starts a hot-reload watcher on the adapters config
// directory; on change it diffs the on-disk set against the running set,
// stopping removed/disabled adapters and starting newly enabled ones.
func (m *Manager) attachWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to create adapters config watcher")
		return
	}
	if err := w.Add(m.configDir); err != nil {
		m.log.Warn().Err(err).Msg("failed to watch adapters config dir")
		w.Close()
		return
	}

	m.watcher = w
	m.watcherDone = make(chan struct{})
	go func() {
		defer close(m.watcherDone)
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != "adapters.json" {
					continue
				}
				debounce.Reset(300 * time.Millisecond)
			case <-debounce.C:
				m.reload(context.Background())
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (m *Manager) reload(ctx context.Context) {
	if err := m.loadConfig(); err != nil {
		m.log.Warn().Err(err).Msg("adapters hot-reload failed to load config")
		return
	}

	m.mu.Lock()
	desired := m.configList()
	runningIDs := make(map[string]struct{}, len(m.running))
	for id := range m.running {
		runningIDs[id] = struct{}{}
	}
	m.mu.Unlock()

	desiredByID := make(map[string]AdapterConfig, len(desired))
	for _, cfg := range desired {
		desiredByID[cfg.ID] = cfg
	}

	for id := range runningIDs {
		cfg, stillDesired := desiredByID[id]
		if !stillDesired || !cfg.Enabled {
			m.mu.Lock()
			instance := m.running[id]
			delete(m.running, id)
			m.mu.Unlock()
			if instance != nil {
				instance.Stop(ctx)
			}
		}
	}

	for _, cfg := range desired {
		if !cfg.Enabled {
			continue
		}
		if _, running := runningIDs[cfg.ID]; running {
			continue
		}
		if err := m.startLocked(ctx, cfg); err != nil {
			m.log.Warn().Err(err).Str("adapter_id", cfg.ID).Msg("hot-reload failed to start adapter")
		}
	}
}

// Shutdown stops the config watcher and every running adapter instance.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.watcher != nil {
		m.watcher.Close()
	}
	running := m.running
	m.running = make(map[string]Instance)
	m.mu.Unlock()

	for _, instance := range running {
		instance.Stop(ctx)
	}
}
