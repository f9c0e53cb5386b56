// Package pricing resolves model token prices from the pricing section
// of config/models.yaml.
package pricing

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	pmetrics "github.com/fathomlabs/fathom/internal/metrics"
)

// fallbackPer1K prices calls when no table could be loaded at all.
const fallbackPer1K = 0.002

type modelPrice struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

// document mirrors the pricing section of models.yaml.
type document struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]modelPrice `yaml:"models"`
	} `yaml:"pricing"`
}

// table is the resolved in-memory price index.
type table struct {
	defaultPer1K float64
	byProvider   map[string]map[string]modelPrice
	source       string // path the table came from, empty when none carried pricing
}

var (
	mu          sync.RWMutex
	loaded      *table
	initialized bool
)

// candidatePaths lists models.yaml locations in resolution order: the
// MODELS_CONFIG_PATH override, container and local defaults, then the
// nearest config directory walking up from CWD (tests run deep in the
// package tree).
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

// loadLocked builds the table from the first candidate that actually
// carries pricing. Callers hold mu.
func loadLocked() {
	t := &table{defaultPer1K: fallbackPer1K}
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
			log.Printf("WARNING: Failed to unmarshal pricing config from %s: %v", p, err)
			continue
		}
		if len(doc.Pricing.Models) == 0 && doc.Pricing.Defaults.CombinedPer1K == 0 {
			continue
		}
		if doc.Pricing.Defaults.CombinedPer1K > 0 {
			t.defaultPer1K = doc.Pricing.Defaults.CombinedPer1K
		}
		t.byProvider = doc.Pricing.Models
		t.source = p
		break
	}
	loaded = t
	initialized = true
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

// ModifiedTime reports when the active price table file last changed.
func ModifiedTime() time.Time {
	mu.RLock()
	src := ""
	if initialized && loaded != nil {
		src = loaded.source
	}
	mu.RUnlock()

	if src != "" {
		if st, err := os.Stat(src); err == nil {
			return st.ModTime()
		}
	}
	for _, p := range candidatePaths() {
		if p == "" {
			continue
		}
		if st, err := os.Stat(p); err == nil {
			return st.ModTime()
		}
	}
	return time.Time{}
}

// Reload forces a re-read of pricing configuration.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// DefaultPerToken returns the default combined price per token.
func DefaultPerToken() float64 {
	return get().defaultPer1K / 1000.0
}

// lookup finds the price entry for provider/model. When the provider is
// unknown it falls back to scanning every provider block so a renamed
// provider section does not silently zero out costs.
func lookup(provider, model string) (modelPrice, bool) {
	if model == "" {
		return modelPrice{}, false
	}
	t := get()
	if provider != "" {
		if m, ok := t.byProvider[provider][model]; ok {
			return m, true
		}
	}
	for _, models := range t.byProvider {
		if m, ok := models[model]; ok {
			return m, true
		}
	}
	return modelPrice{}, false
}

func recordFallback(model string) {
	if model == "" {
		pmetrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
	} else {
		pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
}

// CostForTokens returns the cost in USD for a total token count.
func CostForTokens(provider, model string, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}
	if m, ok := lookup(provider, model); ok {
		if m.CombinedPer1K > 0 {
			return float64(tokens) * m.CombinedPer1K / 1000.0
		}
		if m.InputPer1K > 0 && m.OutputPer1K > 0 {
			return float64(tokens) * ((m.InputPer1K + m.OutputPer1K) / 2.0) / 1000.0
		}
	}
	recordFallback(model)
	return float64(tokens) * DefaultPerToken()
}

// CostForSplit computes cost from the input/output token split when the
// table carries split prices, approximating with combined pricing
// otherwise.
func CostForSplit(provider, model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	if m, ok := lookup(provider, model); ok {
		if m.InputPer1K > 0 && m.OutputPer1K > 0 {
			return (float64(inputTokens)/1000.0)*m.InputPer1K + (float64(outputTokens)/1000.0)*m.OutputPer1K
		}
		if m.CombinedPer1K > 0 {
			return (float64(inputTokens+outputTokens) / 1000.0) * m.CombinedPer1K
		}
	}
	recordFallback(model)
	return float64(inputTokens+outputTokens) * DefaultPerToken()
}

// ValidateMap validates the pricing section in a raw config map for the
// config watcher.
func ValidateMap(m map[string]interface{}) error {
	p, ok := m["pricing"].(map[string]interface{})
	if !ok {
		return nil
	}
	if d, ok := p["defaults"].(map[string]interface{}); ok {
		if v, ok := d["combined_per_1k"].(float64); ok && v < 0 {
			return errors.New("pricing.defaults.combined_per_1k must be >= 0")
		}
	}
	provs, ok := p["models"].(map[string]interface{})
	if !ok {
		return nil
	}
	for provName, pm := range provs {
		models, ok := pm.(map[string]interface{})
		if !ok {
			continue
		}
		for modelName, mv := range models {
			entry, ok := mv.(map[string]interface{})
			if !ok {
				continue
			}
			for _, key := range []string{"input_per_1k", "output_per_1k", "combined_per_1k"} {
				if v, ok := entry[key].(float64); ok && v < 0 {
					return errors.New("negative " + key + " for " + provName + ":" + modelName)
				}
			}
		}
	}
	return nil
}
