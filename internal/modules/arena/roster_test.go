package arena

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRosterTOML = `
[[models]]
name = "gpt"
model = "gpt-4o"
base_url = "https://api.openai.com/v1"
api_key_env = "OPENAI_API_KEY"
timeout_seconds = 90
input_cost_per_1m = 2.50
output_cost_per_1m = 10.00

[[models]]
name = "deepseek"
model = "deepseek-chat"
base_url = "https://api.deepseek.com/v1"
api_key_env = "DEEPSEEK_API_KEY"
input_cost_per_1m = 0.27
output_cost_per_1m = 1.10
enabled = false
`

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRoster(t *testing.T) {
	roster, err := LoadRoster(writeRoster(t, testRosterTOML))
	require.NoError(t, err)
	require.Len(t, roster.Models, 2)

	gpt, ok := roster.Get("gpt")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", gpt.Model)
	assert.True(t, gpt.IsEnabled())
	assert.Equal(t, 90*time.Second, gpt.Timeout(60*time.Second))

	deepseek, ok := roster.Get("deepseek")
	require.True(t, ok)
	assert.False(t, deepseek.IsEnabled())
	// No per-model override falls back to the default
	assert.Equal(t, 60*time.Second, deepseek.Timeout(60*time.Second))
}

func TestRosterResolve(t *testing.T) {
	roster, err := LoadRoster(writeRoster(t, testRosterTOML))
	require.NoError(t, err)

	// Empty request resolves to enabled models only
	specs, err := roster.Resolve(nil)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "gpt", specs[0].Name)

	// Explicit names may include disabled models
	specs, err = roster.Resolve([]string{"deepseek"})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", specs[0].Name)

	_, err = roster.Resolve([]string{"claude"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestRosterValidation(t *testing.T) {
	_, err := LoadRoster(writeRoster(t, "\n"))
	assert.Error(t, err)

	_, err = LoadRoster(writeRoster(t, `
[[models]]
name = "a"
model = "a-1"
base_url = "https://a.test/v1"

[[models]]
name = "a"
model = "a-2"
base_url = "https://a.test/v1"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestEstimateCost(t *testing.T) {
	spec := ModelSpec{InputCostPer1M: 2.50, OutputCostPer1M: 10.00}

	assert.InDelta(t, 12.5, spec.EstimateCost(1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.75, spec.EstimateCost(100_000, 50_000), 1e-9)
	assert.Equal(t, 0.0, spec.EstimateCost(0, 0))
}
