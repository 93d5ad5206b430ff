package provider

import "testing"

func TestResolveExplicitHintWins(t *testing.T) {
	registry := NewRegistry()
	resolver := NewResolver(registry, Settings{Configured: "anthropic", Testing: true})

	if got := resolver.Resolve("deepseek"); got != Deepseek {
		t.Fatalf("expected deepseek, got %s", got)
	}
	if got := resolver.Resolve("DeepSeek"); got != Deepseek {
		t.Fatalf("hint should be case-insensitive, got %s", got)
	}
}

func TestResolveFallsBackToConfigured(t *testing.T) {
	registry := NewRegistry()
	resolver := NewResolver(registry, Settings{Configured: "anthropic", Testing: true})

	if got := resolver.Resolve(""); got != Anthropic {
		t.Fatalf("expected configured anthropic, got %s", got)
	}
	if got := resolver.Resolve("no-such-provider"); got != Anthropic {
		t.Fatalf("unknown hint should fall back to configured, got %s", got)
	}
}

func TestResolveModeDefaults(t *testing.T) {
	registry := NewRegistry()

	testMode := NewResolver(registry, Settings{Testing: true})
	if got := testMode.Resolve(""); got != Deepseek {
		t.Fatalf("testing mode should default to deepseek, got %s", got)
	}

	prod := NewResolver(registry, Settings{})
	if got := prod.Resolve(""); got != Anthropic {
		t.Fatalf("production mode should default to anthropic, got %s", got)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	registry := NewRegistry()
	resolver := NewResolver(registry, Settings{Configured: "bogus"})

	first := resolver.Resolve("")
	for i := 0; i < 10; i++ {
		if got := resolver.Resolve(""); got != first {
			t.Fatalf("resolution changed between calls: %s vs %s", first, got)
		}
	}
}
