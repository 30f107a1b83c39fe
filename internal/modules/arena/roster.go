package arena

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ModelSpec describes one roster entry from models.toml. All roster models
// speak the OpenAI chat completions wire format; provider differences
// collapse into base URL, key, and cost rates.
type ModelSpec struct {
	Name            string  `toml:"name"`
	Model           string  `toml:"model"`
	BaseURL         string  `toml:"base_url"`
	APIKeyEnv       string  `toml:"api_key_env"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
	InputCostPer1M  float64 `toml:"input_cost_per_1m"`
	OutputCostPer1M float64 `toml:"output_cost_per_1m"`
	Enabled         *bool   `toml:"enabled"`
}

// IsEnabled reports whether the model participates in runs. Absent means
// enabled.
func (s *ModelSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// APIKey resolves the model's API key from its environment variable.
func (s *ModelSpec) APIKey() string {
	return os.Getenv(s.APIKeyEnv)
}

// Timeout returns the per-model wall clock budget, falling back to def.
func (s *ModelSpec) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return def
}

// EstimateCost computes the dollar cost of a call from token counts and
// the per-million rates in the roster.
func (s *ModelSpec) EstimateCost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*s.InputCostPer1M + float64(outputTokens)/1e6*s.OutputCostPer1M
}

// Roster is the set of configured models.
type Roster struct {
	Models []ModelSpec `toml:"models"`
}

// LoadRoster reads and validates models.toml.
func LoadRoster(path string) (*Roster, error) {
	var roster Roster
	if _, err := toml.DecodeFile(path, &roster); err != nil {
		return nil, fmt.Errorf("failed to load model roster from %s: %w", path, err)
	}

	if len(roster.Models) == 0 {
		return nil, fmt.Errorf("model roster %s contains no models", path)
	}

	seen := make(map[string]bool, len(roster.Models))
	for i, m := range roster.Models {
		if m.Name == "" || m.Model == "" || m.BaseURL == "" {
			return nil, fmt.Errorf("roster entry %d is missing name, model, or base_url", i)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("duplicate roster model name %q", m.Name)
		}
		seen[m.Name] = true
	}

	return &roster, nil
}

// Get looks up a model by roster name.
func (r *Roster) Get(name string) (*ModelSpec, bool) {
	for i := range r.Models {
		if r.Models[i].Name == name {
			return &r.Models[i], true
		}
	}
	return nil, false
}

// EnabledNames returns the names of every enabled model.
func (r *Roster) EnabledNames() []string {
	names := make([]string, 0, len(r.Models))
	for i := range r.Models {
		if r.Models[i].IsEnabled() {
			names = append(names, r.Models[i].Name)
		}
	}
	return names
}

// Resolve maps requested names to specs. An empty request resolves to all
// enabled models; unknown names are an error so typos never silently
// shrink a run.
func (r *Roster) Resolve(names []string) ([]ModelSpec, error) {
	if len(names) == 0 {
		specs := make([]ModelSpec, 0, len(r.Models))
		for i := range r.Models {
			if r.Models[i].IsEnabled() {
				specs = append(specs, r.Models[i])
			}
		}
		if len(specs) == 0 {
			return nil, fmt.Errorf("no enabled models in roster")
		}
		return specs, nil
	}

	specs := make([]ModelSpec, 0, len(names))
	for _, name := range names {
		spec, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown model %q", name)
		}
		specs = append(specs, *spec)
	}
	return specs, nil
}
