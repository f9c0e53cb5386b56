package roles

import "testing"

func resetState() {
	mu.Lock()
	initialized = false
	loaded = nil
	mu.Unlock()
}

func TestResolveKnownRoles(t *testing.T) {
	resetState()
	tests := []struct {
		role     string
		provider string
	}{
		{"analysis", "openai"},
		{"planner", "anthropic"},
		{"writer", "anthropic"},
		{"title", "openai"},
		{" Writer ", "anthropic"}, // trimmed and case folded
	}
	for _, tt := range tests {
		r, found := Resolve(tt.role)
		if !found {
			t.Errorf("Resolve(%q): role not found", tt.role)
			continue
		}
		if r.Provider != tt.provider {
			t.Errorf("Resolve(%q): provider = %q, want %q", tt.role, r.Provider, tt.provider)
		}
		if r.Model == "" || r.Tier == "" {
			t.Errorf("Resolve(%q): incomplete route %+v", tt.role, r)
		}
	}
}

func TestResolveUnknownRoleFallsBack(t *testing.T) {
	resetState()
	r, found := Resolve("no-such-role")
	if found {
		t.Error("unknown role reported as found")
	}
	if r.Provider == "" || r.Model == "" {
		t.Errorf("default route incomplete: %+v", r)
	}
}

func TestAllowEmpty(t *testing.T) {
	resetState()
	if !AllowEmpty("title") {
		t.Error("title role should tolerate empty results")
	}
	for _, role := range []string{"writer", "planner", "researcher", "unknown-role"} {
		if AllowEmpty(role) {
			t.Errorf("role %q must not tolerate empty results", role)
		}
	}
}
