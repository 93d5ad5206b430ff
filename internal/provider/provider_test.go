package provider

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryBuiltins(t *testing.T) {
	registry := NewRegistry()

	deepseek, ok := registry.Lookup(Deepseek)
	if !ok {
		t.Fatalf("deepseek should be builtin")
	}
	if deepseek.Auth != AuthBearer || deepseek.Parse != ParseChoices {
		t.Fatalf("unexpected deepseek definition: %+v", deepseek)
	}
	if deepseek.CredentialEnvs[0] != "DEEPSEEK_API_KEY" {
		t.Fatalf("primary credential env must come first: %+v", deepseek.CredentialEnvs)
	}

	anthropic, ok := registry.Lookup(Anthropic)
	if !ok {
		t.Fatalf("anthropic should be builtin")
	}
	if anthropic.Auth != AuthAPIKeyHeader || anthropic.Parse != ParseContent {
		t.Fatalf("unexpected anthropic definition: %+v", anthropic)
	}
	if anthropic.Headers["anthropic-version"] != "2023-06-01" {
		t.Fatalf("anthropic-version header missing: %+v", anthropic.Headers)
	}
	if anthropic.MaxTokens != 2048 {
		t.Fatalf("unexpected max_tokens: %d", anthropic.MaxTokens)
	}
}

func TestRegistryLoadFileMergesDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	content := `
providers:
  - id: internal-gateway
    endpoint: https://llm.internal/v1/chat
    model: gateway-large
    credential_envs: [GATEWAY_API_KEY]
  - id: deepseek
    endpoint: https://mirror.example/chat/completions
    model: deepseek-chat
    credential_envs: [DEEPSEEK_API_KEY, DEEPSEEK]
    auth: bearer
    parse: choices
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入定义失败: %v", err)
	}

	registry := NewRegistry()
	if err := registry.LoadFile(path); err != nil {
		t.Fatalf("加载定义失败: %v", err)
	}

	gateway, ok := registry.Lookup(ID("internal-gateway"))
	if !ok {
		t.Fatalf("new provider should be registered")
	}
	if gateway.Auth != AuthBearer || gateway.Parse != ParseChoices {
		t.Fatalf("defaults not applied to new provider: %+v", gateway)
	}

	deepseek, _ := registry.Lookup(Deepseek)
	if deepseek.Endpoint != "https://mirror.example/chat/completions" {
		t.Fatalf("builtin override not applied: %+v", deepseek)
	}

	if _, ok := registry.Known("Internal-Gateway"); !ok {
		t.Fatalf("lookup should be case-insensitive")
	}
}

func TestRegistryLoadFileRejectsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	content := `
providers:
  - id: broken
    model: something
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入定义失败: %v", err)
	}

	registry := NewRegistry()
	if err := registry.LoadFile(path); err == nil {
		t.Fatalf("incomplete definition should be rejected")
	}
}
