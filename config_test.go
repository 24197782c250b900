package dnsresolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFileValid(t *testing.T) {
	path := writeConfig(t, `
nameservers = ["192.0.2.53:53", "192.0.2.54"]
search_path = ["example.com"]
stub_resolver = true
cache_max_bytes = 4096
cache_max_records = 64
max_iterations_recursive = 3
max_iterations_iterative = 7
`)

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.53:53", "192.0.2.54"}, cfg.Nameservers)
	assert.True(t, cfg.StubResolver)
	assert.Equal(t, 3, cfg.MaxIterationsRecursive)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Nameservers: []string{"not-an-address", "also bad"},
		SearchPath:  []string{"ok.example.", "!!!not a domain"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid nameserver address")
}

func TestApplyConfiguresResolver(t *testing.T) {
	cfg := &Config{
		Nameservers:            []string{"192.0.2.53:53"},
		SearchPath:             []string{"example.com"},
		MaxIterationsRecursive: 2,
	}

	r := NewResolver(nil)
	cfg.Apply(r)

	assert.True(t, r.isConfiguredNameserver("192.0.2.53:53"))
	assert.Equal(t, []string{"example.com."}, r.searchPaths)
	assert.Equal(t, 2, r.maxIterationsRecursive)
}

func TestNormalizeNameserver(t *testing.T) {
	assert.Equal(t, "192.0.2.1:53", normalizeNameserver("192.0.2.1"))
	assert.Equal(t, "192.0.2.1:5353", normalizeNameserver("192.0.2.1:5353"))
}
