package adapter

import "testing"

func TestMaskConfigReplacesNestedPasswordField(t *testing.T) {
	cfg := map[string]interface{}{
		"botToken": "real-secret",
		"inbound":  map[string]interface{}{"secret": "shh"},
	}
	masked := MaskConfig(cfg, []string{"botToken", "inbound.secret"})

	if masked["botToken"] != maskedValue {
		t.Errorf("botToken = %v", masked["botToken"])
	}
	inbound := masked["inbound"].(map[string]interface{})
	if inbound["secret"] != maskedValue {
		t.Errorf("inbound.secret = %v", inbound["secret"])
	}
	if cfg["botToken"] != "real-secret" {
		t.Error("MaskConfig must not mutate the original config")
	}
}

func TestMergeConfigPreservesPasswordOnMaskedOrEmptyIncoming(t *testing.T) {
	existing := map[string]interface{}{"botToken": "real-secret", "pollIntervalMs": float64(1000)}

	merged := MergeConfig(existing, map[string]interface{}{"botToken": "***", "pollIntervalMs": float64(2000)}, []string{"botToken"})
	if merged["botToken"] != "real-secret" {
		t.Errorf("expected masked incoming to preserve existing secret, got %v", merged["botToken"])
	}
	if merged["pollIntervalMs"] != float64(2000) {
		t.Errorf("expected non-password field to be replaced, got %v", merged["pollIntervalMs"])
	}

	merged2 := MergeConfig(existing, map[string]interface{}{"botToken": ""}, []string{"botToken"})
	if merged2["botToken"] != "real-secret" {
		t.Errorf("expected empty incoming to preserve existing secret, got %v", merged2["botToken"])
	}
}

func TestMergeConfigReplacesPasswordWhenProvided(t *testing.T) {
	existing := map[string]interface{}{"botToken": "old-secret"}
	merged := MergeConfig(existing, map[string]interface{}{"botToken": "new-secret"}, []string{"botToken"})
	if merged["botToken"] != "new-secret" {
		t.Errorf("expected new secret to replace old, got %v", merged["botToken"])
	}
}
