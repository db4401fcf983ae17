package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/seedwing-proxy/seedwing/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seedwing.toml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// TestTOMLRoundTrip is spec scenario 1 verbatim.
func TestTOMLRoundTrip(t *testing.T) {
	path := writeConfig(t, "[policy]\nurl=\"http://h/\"\ndecision=\"warn\"\n")

	cfg, err := config.Load(path, config.Overrides{})
	assert.NoError(t, err)
	assert.Equal(t, config.DecisionWarn, cfg.Policy.Decision)
	assert.Equal(t, "0.0.0.0", cfg.Proxy.Bind)
	assert.Equal(t, 8675, cfg.Proxy.Port)
}

// TestConfigOverride is spec scenario 2 verbatim.
func TestConfigOverride(t *testing.T) {
	path := writeConfig(t, "[proxy]\nport=9000\n[policy]\nurl=\"http://h/\"\n")

	cfg, err := config.Load(path, config.Overrides{Port: 7000})
	assert.NoError(t, err)
	assert.Equal(t, 7000, cfg.Proxy.Port)
}

func TestBindOverridePrecedence(t *testing.T) {
	path := writeConfig(t, "[proxy]\nbind=\"10.0.0.1\"\n[policy]\nurl=\"http://h/\"\n")

	cfg, err := config.Load(path, config.Overrides{Bind: "192.168.1.1"})
	assert.NoError(t, err)
	assert.Equal(t, "192.168.1.1", cfg.Proxy.Bind)
}

func TestPolicyURLRequired(t *testing.T) {
	path := writeConfig(t, "[proxy]\nport=9000\n")

	_, err := config.Load(path, config.Overrides{})
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"), config.Overrides{})
	assert.Error(t, err)
}

func TestRepositoryOrderPreserved(t *testing.T) {
	path := writeConfig(t, `
[policy]
url = "http://h/"

[repositories.c]
type = "crates"
url = "https://c.example/"

[repositories.a]
type = "m2"
url = "https://a.example/"

[repositories.b]
type = "gems"
url = "https://b.example/"
`)

	cfg, err := config.Load(path, config.Overrides{})
	assert.NoError(t, err)
	assert.Equal(t, 3, len(cfg.Repositories))
	assert.Equal(t, "c", cfg.Repositories[0].Name)
	assert.Equal(t, "a", cfg.Repositories[1].Name)
	assert.Equal(t, "b", cfg.Repositories[2].Name)
}

func TestExpandCacheDirHome(t *testing.T) {
	home, err := os.UserHomeDir()
	assert.NoError(t, err)

	got := config.ExpandCacheDir("~/.seedwing_proxy/cache/")
	assert.Equal(t, filepath.Join(home, ".seedwing_proxy/cache"), got)
}

func TestExpandCacheDirLiteral(t *testing.T) {
	assert.Equal(t, "/var/cache/seedwing", config.ExpandCacheDir("/var/cache/seedwing/"))
	assert.Equal(t, "~user/cache", config.ExpandCacheDir("~user/cache"))
	assert.Equal(t, "~", config.ExpandCacheDir("~"))
}
