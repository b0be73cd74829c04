package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tenzoki/relay/internal/binding"
)

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(subject string, payload interface{}, from string) (string, error) {
	f.published = append(f.published, subject)
	return "msg-1", nil
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	pub := &fakePublisher{}
	m := NewManager(dir, pub, nil)
	return m, dir
}

func TestInitializeWritesDefaultConfigAndStartsClaudeCode(t *testing.T) {
	m, dir := newTestManager(t)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown(context.Background())

	if _, err := os.Stat(filepath.Join(dir, "adapters.json")); err != nil {
		t.Fatalf("expected adapters.json to be created: %v", err)
	}

	view, ok := m.GetAdapter("claude-code")
	if !ok {
		t.Fatal("expected claude-code adapter to be configured by default")
	}
	if view.Status.State != StateConnected {
		t.Errorf("expected claude-code to be started, got state %q", view.Status.State)
	}
}

func TestAddAdapterRejectsDuplicateID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.AddAdapter(ctx, "webhook", "wh1", map[string]interface{}{"listenAddr": "127.0.0.1:0"}, false); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}
	err := m.AddAdapter(ctx, "webhook", "wh1", map[string]interface{}{}, false)
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	var merr *ManagerError
	if !asManagerError(err, &merr) || merr.Code != ErrDuplicateID {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestAddAdapterRejectsUnknownType(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.AddAdapter(context.Background(), "nonexistent", "x", map[string]interface{}{}, false)
	var merr *ManagerError
	if !asManagerError(err, &merr) || merr.Code != ErrUnknownType {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestAddAdapterRejectsMultiInstanceDenied(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.AddAdapter(ctx, "claude-code", "claude-code", map[string]interface{}{}, false); err != nil {
		t.Fatalf("AddAdapter first: %v", err)
	}
	err := m.AddAdapter(ctx, "claude-code", "claude-code-2", map[string]interface{}{}, false)
	var merr *ManagerError
	if !asManagerError(err, &merr) || merr.Code != ErrMultiInstanceDenied {
		t.Errorf("expected ErrMultiInstanceDenied, got %v", err)
	}
}

func TestRemoveAdapterDeniesBuiltinClaudeCode(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.AddAdapter(ctx, "claude-code", "claude-code", map[string]interface{}{}, false); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}
	err := m.RemoveAdapter(ctx, "claude-code")
	var merr *ManagerError
	if !asManagerError(err, &merr) || merr.Code != ErrRemoveBuiltinDenied {
		t.Errorf("expected ErrRemoveBuiltinDenied, got %v", err)
	}
}

func TestRemoveAdapterNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.RemoveAdapter(context.Background(), "missing")
	var merr *ManagerError
	if !asManagerError(err, &merr) || merr.Code != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEnableDisableRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.AddAdapter(ctx, "webhook", "wh1", map[string]interface{}{"listenAddr": "127.0.0.1:0"}, false); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}

	if err := m.Enable(ctx, "wh1"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	view, _ := m.GetAdapter("wh1")
	if view.Status.State != StateConnected {
		t.Errorf("expected connected after Enable, got %q", view.Status.State)
	}

	if err := m.Disable(ctx, "wh1"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	view, _ = m.GetAdapter("wh1")
	if view.Status.State != StateDisconnected {
		t.Errorf("expected disconnected after Disable, got %q", view.Status.State)
	}
}

func TestUpdateConfigPreservesPasswordOnMaskedIncoming(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.AddAdapter(ctx, "telegram", "tg1", map[string]interface{}{"botToken": "secret-token"}, false); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}

	if err := m.UpdateConfig(ctx, "tg1", map[string]interface{}{"botToken": maskedValue, "pollIntervalMs": float64(2000)}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	m.mu.Lock()
	cfg := m.configs["tg1"]
	m.mu.Unlock()
	if cfg.Config["botToken"] != "secret-token" {
		t.Errorf("expected botToken preserved, got %v", cfg.Config["botToken"])
	}
	if cfg.Config["pollIntervalMs"] != float64(2000) {
		t.Errorf("expected pollIntervalMs updated, got %v", cfg.Config["pollIntervalMs"])
	}
}

func TestListAdaptersMasksPasswordFields(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.AddAdapter(ctx, "telegram", "tg1", map[string]interface{}{"botToken": "secret-token"}, false); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}

	views := m.ListAdapters()
	if len(views) != 1 {
		t.Fatalf("expected 1 adapter, got %d", len(views))
	}
	if views[0].Config.Config["botToken"] != maskedValue {
		t.Errorf("expected masked botToken, got %v", views[0].Config.Config["botToken"])
	}
}

func TestGetCatalogReturnsBuiltinManifests(t *testing.T) {
	m, _ := newTestManager(t)
	catalog := m.GetCatalog()
	for _, want := range []string{"claude-code", "telegram", "webhook"} {
		if _, ok := catalog[want]; !ok {
			t.Errorf("expected catalog to contain %q", want)
		}
	}
}

func TestTestConnectionUnknownType(t *testing.T) {
	m, _ := newTestManager(t)
	result := m.TestConnection("nonexistent", map[string]interface{}{})
	if result.OK {
		t.Error("expected failure for unknown type")
	}
}

func TestTestConnectionWebhookBindable(t *testing.T) {
	m, _ := newTestManager(t)
	result := m.TestConnection("webhook", map[string]interface{}{"listenAddr": "127.0.0.1:0"})
	if !result.OK {
		t.Errorf("expected success, got error %q", result.Error)
	}
}

func TestPersistedConfigSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	ctx := context.Background()

	m1 := NewManager(dir, pub, nil)
	if err := m1.AddAdapter(ctx, "webhook", "wh1", map[string]interface{}{"listenAddr": "127.0.0.1:0"}, false); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}

	m2 := NewManager(dir, pub, nil)
	if err := m2.loadConfig(); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if _, ok := m2.GetAdapter("wh1"); !ok {
		t.Error("expected wh1 to survive reload from disk")
	}
}

func TestRemoveAdapterWarnsOnOrphanedBindings(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.AddAdapter(ctx, "webhook", "wh1", map[string]interface{}{"listenAddr": "127.0.0.1:0"}, false); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}

	store := binding.NewStore(t.TempDir())
	if _, err := store.Create(binding.CreateInput{AdapterID: "wh1", AgentID: "agent-1"}); err != nil {
		t.Fatalf("Create binding: %v", err)
	}
	m.SetOrphanScanner(store)

	if err := m.RemoveAdapter(ctx, "wh1"); err != nil {
		t.Fatalf("RemoveAdapter: %v", err)
	}

	orphaned := store.GetOrphaned(map[string]struct{}{})
	if len(orphaned) != 1 || orphaned[0].AdapterID != "wh1" {
		t.Fatalf("expected the binding for wh1 to still be reported orphaned, got %+v", orphaned)
	}
}

func asManagerError(err error, target **ManagerError) bool {
	if err == nil {
		return false
	}
	merr, ok := err.(*ManagerError)
	if !ok {
		return false
	}
	*target = merr
	return true
}
