package agentrunner

import "testing"

func TestResolveModelBaseVsHeavy(t *testing.T) {
	base := ResolveModel("/plan", ModelSetBase, "")
	heavy := ResolveModel("/plan", ModelSetHeavy, "")
	if base == heavy {
		t.Fatalf("expected plan to use different models for base vs heavy, got %q for both", base)
	}
}

func TestResolveModelOverrideWins(t *testing.T) {
	got := ResolveModel("/build", ModelSetBase, "custom-model")
	if got != "custom-model" {
		t.Fatalf("ResolveModel override = %q, want custom-model", got)
	}
}

func TestResolveModelUnknownCommandFallsBack(t *testing.T) {
	got := ResolveModel("/does-not-exist", ModelSetHeavy, "")
	if got == "" {
		t.Fatalf("expected a non-empty fallback model")
	}
}
