// Package roles maps agent roles to providers and models using the
// model_routing section of config/models.yaml.
package roles

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Route is the dispatch target for one role.
type Route struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Tier       string `yaml:"tier"`
	AllowEmpty bool   `yaml:"allow_empty"`
}

type config struct {
	ModelRouting struct {
		Defaults Route            `yaml:"defaults"`
		Roles    map[string]Route `yaml:"roles"`
	} `yaml:"model_routing"`
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("MODELS_CONFIG_PATH"),
	"/app/config/models.yaml",
	"./config/models.yaml",
}

func loadLocked() {
	var cfg config
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal model routing from %s: %v", p, err)
			continue
		}
		cfg = tmp
		break
	}
	if len(cfg.ModelRouting.Roles) == 0 && cfg.ModelRouting.Defaults.Model == "" {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *config {
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

// builtInDefaults keeps dispatch working when no config file is
// reachable at all.
var builtInDefaults = Route{Provider: "openai", Model: "gpt-4o-mini", Tier: "small"}

// Resolve returns the route for a role. found is false when the role
// has no explicit entry; the returned route is then the configured
// default.
func Resolve(role string) (Route, bool) {
	cfg := get()
	key := strings.ToLower(strings.TrimSpace(role))
	if r, ok := cfg.ModelRouting.Roles[key]; ok {
		return fill(r, defaults(cfg)), true
	}
	return defaults(cfg), false
}

// AllowEmpty reports whether the role tolerates an empty model result.
func AllowEmpty(role string) bool {
	r, found := Resolve(role)
	return found && r.AllowEmpty
}

// Known reports whether the role has an explicit routing entry.
func Known(role string) bool {
	_, found := Resolve(role)
	return found
}

func defaults(cfg *config) Route {
	return fill(cfg.ModelRouting.Defaults, builtInDefaults)
}

func fill(r, fallback Route) Route {
	if r.Provider == "" {
		r.Provider = fallback.Provider
	}
	if r.Model == "" {
		r.Model = fallback.Model
	}
	if r.Tier == "" {
		r.Tier = fallback.Tier
	}
	return r
}

// Reload forces a re-read of the routing table.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}
