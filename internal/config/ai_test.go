package config

import (
	"errors"
	"testing"
)

func TestAIConfigValidate_RequiresModelAndKeyEnv(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{Providers: []AIProvider{{ID: "openai", Type: "openai", APIKeyEnv: "OPENAI_API_KEY"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing model")
	}

	cfg = &AIConfig{Providers: []AIProvider{{ID: "openai", Type: "openai", Model: "gpt-5-mini"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing api_key_env")
	}
}

func TestAIConfigValidate_CompatibleNeedsBaseURL(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{Providers: []AIProvider{{ID: "local", Type: "openai_compatible", Model: "qwen", APIKeyEnv: "K"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing base_url")
	}
	cfg.Providers[0].BaseURL = "ftp://example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for base_url scheme")
	}
	cfg.Providers[0].BaseURL = "http://127.0.0.1:11434/v1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestAIConfigValidate_RejectsUnknownActiveProvider(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{
		ActiveProvider: "missing",
		Providers:      []AIProvider{{ID: "claude", Type: "anthropic", Model: "claude-sonnet-4-5", APIKeyEnv: "ANTHROPIC_API_KEY"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown active_provider")
	}
}

func TestAIConfigValidate_RejectsDuplicateIDs(t *testing.T) {
	t.Parallel()

	p := AIProvider{ID: "claude", Type: "anthropic", Model: "m", APIKeyEnv: "K"}
	cfg := &AIConfig{Providers: []AIProvider{p, p}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for duplicate id")
	}
}

func TestAIConfigProviderConfig(t *testing.T) {
	cfg := &AIConfig{
		ActiveProvider: "claude",
		Providers: []AIProvider{
			{ID: "claude", Type: "anthropic", Model: "claude-sonnet-4-5", APIKeyEnv: "SKILLHUB_TEST_ANTHROPIC_KEY", MaxTokens: 2048},
		},
	}

	t.Setenv("SKILLHUB_TEST_ANTHROPIC_KEY", "")
	if _, ok, err := cfg.ProviderConfig(); !ok || !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("ProviderConfig() ok=%v err=%v, want ErrNoAPIKey", ok, err)
	}

	t.Setenv("SKILLHUB_TEST_ANTHROPIC_KEY", " sk-test ")
	pc, ok, err := cfg.ProviderConfig()
	if err != nil || !ok {
		t.Fatalf("ProviderConfig() ok=%v err=%v", ok, err)
	}
	if pc.APIKey != "sk-test" || pc.Model != "claude-sonnet-4-5" || pc.MaxTokens != 2048 || pc.ID != "claude" {
		t.Fatalf("unexpected provider config: %+v", pc)
	}

	disabled := &AIConfig{}
	if _, ok, err := disabled.ProviderConfig(); ok || err != nil {
		t.Fatalf("disabled ProviderConfig() ok=%v err=%v", ok, err)
	}
}
