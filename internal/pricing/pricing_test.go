package pricing

import (
	"math"
	"sync"
	"testing"
	"time"
)

func resetState() {
	mu.Lock()
	initialized = false
	loaded = nil
	mu.Unlock()
}

func floatEquals(a, b float64) bool {
	const epsilon = 1e-9
	return math.Abs(a-b) < epsilon
}

func TestDefaultPerToken(t *testing.T) {
	resetState()
	price := DefaultPerToken()
	if price <= 0 {
		t.Errorf("DefaultPerToken returned non-positive price: %f", price)
	}
	// 0.002/1000 from config, or the built-in fallback of 0.000002.
	if price < 0.000001 || price > 0.000003 {
		t.Errorf("DefaultPerToken returned unexpected price: %f", price)
	}
}

func TestCostForSplit(t *testing.T) {
	resetState()
	tests := []struct {
		provider string
		model    string
		in, out  int
		minCost  float64
		maxCost  float64
	}{
		{"openai", "gpt-4o-mini", 1000, 1000, 0.0005, 0.001},
		{"anthropic", "claude-sonnet-4", 1000, 1000, 0.01, 0.02},
		// Cross-provider fallback: model listed under openai only.
		{"anthropic", "gpt-4o-mini", 1000, 1000, 0.0005, 0.001},
		// Unknown model uses the default combined price.
		{"openai", "unknown-model", 500, 500, 0.001, 0.003},
		{"", "", 500, 500, 0.001, 0.003},
	}
	for _, tt := range tests {
		cost := CostForSplit(tt.provider, tt.model, tt.in, tt.out)
		if cost < tt.minCost || cost > tt.maxCost {
			t.Errorf("CostForSplit(%q, %q, %d, %d) = %f, want between %f and %f",
				tt.provider, tt.model, tt.in, tt.out, cost, tt.minCost, tt.maxCost)
		}
	}

	if c := CostForSplit("openai", "gpt-4o-mini", -10, -10); !floatEquals(c, 0) {
		t.Errorf("negative token counts should cost nothing, got %f", c)
	}
}

func TestCostForTokens(t *testing.T) {
	resetState()
	tests := []struct {
		provider string
		model    string
		tokens   int
		minCost  float64
		maxCost  float64
	}{
		{"openai", "gpt-4o", 1000, 0.002, 0.011},
		{"openai", "unknown-model", 1000, 0.001, 0.003},
		{"openai", "gpt-4o", 0, 0, 0},
	}
	for _, tt := range tests {
		cost := CostForTokens(tt.provider, tt.model, tt.tokens)
		if cost < tt.minCost || cost > tt.maxCost {
			t.Errorf("CostForTokens(%q, %q, %d) = %f, want between %f and %f",
				tt.provider, tt.model, tt.tokens, cost, tt.minCost, tt.maxCost)
		}
	}
}

func TestValidateMap(t *testing.T) {
	ok := map[string]interface{}{
		"pricing": map[string]interface{}{
			"defaults": map[string]interface{}{"combined_per_1k": 0.002},
			"models": map[string]interface{}{
				"openai": map[string]interface{}{
					"gpt-4o": map[string]interface{}{"input_per_1k": 0.0025, "output_per_1k": 0.01},
				},
			},
		},
	}
	if err := ValidateMap(ok); err != nil {
		t.Errorf("valid map rejected: %v", err)
	}

	bad := map[string]interface{}{
		"pricing": map[string]interface{}{
			"models": map[string]interface{}{
				"openai": map[string]interface{}{
					"gpt-4o": map[string]interface{}{"output_per_1k": -1.0},
				},
			},
		},
	}
	if err := ValidateMap(bad); err == nil {
		t.Error("negative price accepted")
	}

	if err := ValidateMap(map[string]interface{}{}); err != nil {
		t.Errorf("map without pricing section rejected: %v", err)
	}
}

func TestModifiedTime(t *testing.T) {
	_ = ModifiedTime()
}

// The double-checked locking in get() must not deadlock or race.
func TestConcurrentAccess(t *testing.T) {
	resetState()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cfg := get(); cfg == nil {
				t.Error("get() returned nil")
			}
		}()
	}
	done := make(chan bool)
	go func() {
		wg.Wait()
		done <- true
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent access timed out - possible deadlock")
	}
}

func TestReloadNoDeadlock(t *testing.T) {
	_ = get()
	done := make(chan bool)
	go func() {
		Reload()
		done <- true
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Reload() did not complete within 1 second")
	}
}
