package ratecontrol

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLimitDelay(t *testing.T) {
	l := Limit{RPM: 30, TPM: 60000}
	d := l.Delay(1000)
	if d.Milliseconds() <= 0 {
		t.Fatalf("expected positive delay, got %v", d)
	}
	// 1000 tokens at 60k TPM is 1s; RPM floor is 2s.
	if d != 2*time.Second {
		t.Fatalf("expected 2s delay, got %v", d)
	}

	if d := (Limit{}).Delay(1000); d != 0 {
		t.Fatalf("unlimited should not delay, got %v", d)
	}
	if d := l.Delay(-5); d != 0 {
		t.Fatalf("negative estimate should not delay, got %v", d)
	}
	big := Limit{RPM: 0, TPM: 60}
	if d := big.Delay(1000000); d != time.Minute {
		t.Fatalf("delay should cap at one minute, got %v", d)
	}
}

func TestCombine(t *testing.T) {
	a := Limit{RPM: 30, TPM: 50000}
	b := Limit{RPM: 20, TPM: 100000}
	c := Combine(a, b)
	if c.RPM != 20 {
		t.Fatalf("expected RPM 20, got %d", c.RPM)
	}
	if c.TPM != 50000 {
		t.Fatalf("expected TPM 50000, got %d", c.TPM)
	}

	// A zero dimension falls back to the other side.
	c = Combine(Limit{RPM: 15}, Limit{TPM: 9000})
	if c.RPM != 15 || c.TPM != 9000 {
		t.Fatalf("zero fallback broken: %+v", c)
	}
}

func TestLookupsUseLoadedTable(t *testing.T) {
	doc := `
rate_limits:
  default_rpm: 10
  default_tpm: 20000
  tier_overrides:
    large:
      rpm: 5
      tpm: 10000
  provider_overrides:
    openai:
      rpm: 7
      tpm: 14000
`
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	// Cleanup order matters: the env var is restored first, then the
	// table reloads from the usual locations.
	t.Cleanup(Reload)
	t.Setenv("MODELS_CONFIG_PATH", path)
	Reload()

	if l := ForProvider(" OpenAI "); l.RPM != 7 || l.TPM != 14000 {
		t.Fatalf("provider override should trim/fold case, got %+v", l)
	}
	// No override for google, the built-in table applies.
	if l := ForProvider("google"); l.RPM != 40 {
		t.Fatalf("expected built-in limit for google, got %+v", l)
	}
	if l := ForProvider("no-such-provider"); l.RPM != 0 || l.TPM != 0 {
		t.Fatalf("unknown provider should be unlimited, got %+v", l)
	}

	if l := ForTier(" LARGE "); l.RPM != 5 || l.TPM != 10000 {
		t.Fatalf("tier override should trim/fold case, got %+v", l)
	}
	if l := ForTier("medium"); l.RPM != 10 || l.TPM != 20000 {
		t.Fatalf("unlisted tier should use defaults, got %+v", l)
	}
}
