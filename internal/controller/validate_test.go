package controller

import "testing"

func TestValidateConfigRequiresModel(t *testing.T) {
	if _, err := ValidateConfig(`{"temperature":0.5}`); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestValidateConfigAcceptsMinimalConfig(t *testing.T) {
	cfg, err := ValidateConfig(`{"model":"gpt-4"}`)
	if err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if cfg["model"] != "gpt-4" {
		t.Fatalf("expected model gpt-4, got %v", cfg["model"])
	}
}

func TestValidateConfigRejectsOutOfBoundsTemperature(t *testing.T) {
	if _, err := ValidateConfig(`{"model":"gpt-4","temperature":2.5}`); err == nil {
		t.Fatal("expected error for temperature above 2.0")
	}
}

func TestValidateConfigRejectsNonIntegerMaxTokens(t *testing.T) {
	if _, err := ValidateConfig(`{"model":"gpt-4","max_tokens":1.5}`); err == nil {
		t.Fatal("expected error for non-integer max_tokens")
	}
}

func TestValidateConfigRejectsOutOfRangePort(t *testing.T) {
	if _, err := ValidateConfig(`{"model":"gpt-4","port":80}`); err == nil {
		t.Fatal("expected error for port below 1024")
	}
}

func TestValidateConfigRejectsMalformedJSON(t *testing.T) {
	if _, err := ValidateConfig(`not json`); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestDeepMergeConfigUserOverridesScalar(t *testing.T) {
	tpl := map[string]any{"model": "gpt-3.5", "temperature": 0.2}
	user := map[string]any{"model": "gpt-4"}

	merged := DeepMergeConfig(tpl, user)
	if merged["model"] != "gpt-4" {
		t.Fatalf("expected user model to win, got %v", merged["model"])
	}
	if merged["temperature"] != 0.2 {
		t.Fatalf("expected template temperature to survive, got %v", merged["temperature"])
	}
}

func TestDeepMergeConfigMergesNestedObjects(t *testing.T) {
	tpl := map[string]any{"limits": map[string]any{"max_tokens": float64(1000), "timeout_seconds": float64(30)}}
	user := map[string]any{"limits": map[string]any{"max_tokens": float64(2000)}}

	merged := DeepMergeConfig(tpl, user)
	limits := merged["limits"].(map[string]any)
	if limits["max_tokens"] != float64(2000) {
		t.Fatalf("expected user max_tokens to win, got %v", limits["max_tokens"])
	}
	if limits["timeout_seconds"] != float64(30) {
		t.Fatalf("expected template timeout_seconds to survive, got %v", limits["timeout_seconds"])
	}
}
