// Package ratecontrol computes pre-dispatch pacing delays from the
// rate_limits section of config/models.yaml.
package ratecontrol

import (
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Limit is a requests-per-minute / tokens-per-minute pair. Zero fields
// mean unlimited.
type Limit struct {
	RPM int
	TPM int
}

// limitSpec is the yaml shape of one override entry.
type limitSpec struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

// document mirrors the rate_limits section of models.yaml.
type document struct {
	RateLimits struct {
		DefaultRPM        int                  `yaml:"default_rpm"`
		DefaultTPM        int                  `yaml:"default_tpm"`
		TierOverrides     map[string]limitSpec `yaml:"tier_overrides"`
		ProviderOverrides map[string]limitSpec `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// table holds limits with pre-normalized keys.
type table struct {
	defaults  Limit
	tiers     map[string]Limit
	providers map[string]Limit
}

var (
	mu          sync.RWMutex
	loaded      *table
	initialized bool
)

// Providers the dispatcher knows about out of the box. Config overrides
// always win.
var builtInProviderLimits = map[string]Limit{
	"openai":    {RPM: 30, TPM: 60000},
	"anthropic": {RPM: 20, TPM: 40000},
	"google":    {RPM: 40, TPM: 80000},
	"agentcore": {RPM: 60, TPM: 120000},
	"unknown":   {RPM: 45, TPM: 90000},
}

// candidatePaths lists models.yaml locations in resolution order: the
// MODELS_CONFIG_PATH override, container and local defaults, then the
// nearest config directory walking up from CWD.
func candidatePaths() []string {
	paths := []string{
		os.Getenv("MODELS_CONFIG_PATH"),
		"/app/config/models.yaml",
		"./config/models.yaml",
	}
	if wd, err := os.Getwd(); err == nil {
		for i := 0; i < 6; i++ {
			paths = append(paths, filepath.Join(wd, "config", "models.yaml"))
			wd = filepath.Dir(wd)
		}
	}
	return paths
}

// loadLocked builds the table from the first candidate that carries a
// rate_limits section. Callers hold mu.
func loadLocked() {
	t := &table{}
	for _, p := range candidatePaths() {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var doc document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			log.Printf("WARNING: failed to unmarshal rate limit config from %s: %v", p, err)
			continue
		}
		rl := doc.RateLimits
		if rl.DefaultRPM == 0 && rl.DefaultTPM == 0 &&
			len(rl.TierOverrides) == 0 && len(rl.ProviderOverrides) == 0 {
			continue
		}
		t.defaults = Limit{RPM: rl.DefaultRPM, TPM: rl.DefaultTPM}
		t.tiers = normalizeKeys(rl.TierOverrides)
		t.providers = normalizeKeys(rl.ProviderOverrides)
		break
	}
	loaded = t
	initialized = true
}

func normalizeKeys(in map[string]limitSpec) map[string]Limit {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]Limit, len(in))
	for k, v := range in {
		out[normalize(k)] = Limit{RPM: v.RPM, TPM: v.TPM}
	}
	return out
}

func get() *table {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// ForTier returns the configured limit for a model tier.
func ForTier(tier string) Limit {
	t := get()
	if l, ok := t.tiers[normalize(tier)]; ok {
		return l
	}
	return t.defaults
}

// ForProvider returns the configured limit for a provider.
func ForProvider(provider string) Limit {
	key := normalize(provider)
	if l, ok := get().providers[key]; ok {
		return l
	}
	if l, ok := builtInProviderLimits[key]; ok {
		return l
	}
	return Limit{}
}

// Combine keeps the stricter of two limits per dimension. Zero means
// unlimited and never beats a real limit.
func Combine(a, b Limit) Limit {
	return Limit{
		RPM: stricter(a.RPM, b.RPM),
		TPM: stricter(a.TPM, b.TPM),
	}
}

// Delay converts the limit into a pre-dispatch wait for a request of
// the given estimated size. Capped at one minute.
func (l Limit) Delay(estimatedTokens int) time.Duration {
	if (l.RPM <= 0 && l.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var waitMs float64
	if l.RPM > 0 {
		waitMs = 60000.0 / float64(l.RPM)
	}
	if l.TPM > 0 && estimatedTokens > 0 {
		if tokenMs := float64(estimatedTokens) * 60000.0 / float64(l.TPM); tokenMs > waitMs {
			waitMs = tokenMs
		}
	}
	if waitMs <= 0 {
		return 0
	}
	if waitMs > 60000 {
		waitMs = 60000
	}
	return time.Duration(math.Ceil(waitMs)) * time.Millisecond
}

// DelayForRequest combines the provider and tier limits and returns the
// pacing delay for one request.
func DelayForRequest(provider, tier string, estimatedTokens int) time.Duration {
	return Combine(ForTier(tier), ForProvider(provider)).Delay(estimatedTokens)
}

// Reload forces a re-read of the rate limit configuration.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// stricter picks the smaller positive value; zero or negative means
// unlimited and loses to any real limit.
func stricter(a, b int) int {
	if a > 0 && (b <= 0 || a < b) {
		return a
	}
	if b > 0 {
		return b
	}
	return 0
}
