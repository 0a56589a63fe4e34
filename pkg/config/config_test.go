package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultBind, cfg.Bind)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTLSeconds)
	assert.Equal(t, 256, cfg.IOBufferKB)
	assert.Equal(t, 512, cfg.SmapsBufferKB)
	assert.Equal(t, 3, cfg.TopNSubgroup)
	assert.Equal(t, 10, cfg.TopNOthers)
	assert.Equal(t, "off", cfg.SearchMode)
	assert.True(t, cfg.EnableRSS)
	assert.True(t, cfg.EnableCPU)
	assert.True(t, cfg.EnableHealth)
	assert.Equal(t, "/proc", cfg.ProcRoot)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herakles.yaml")
	doc := `
port: 9999
cache_ttl: 5
search_mode: include
search_groups: [db, web]
min_uss_kb: 128
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 5, cfg.CacheTTLSeconds)
	assert.Equal(t, "include", cfg.SearchMode)
	assert.Equal(t, []string{"db", "web"}, cfg.SearchGroups)
	assert.Equal(t, uint64(128), cfg.MinUSSKB)
	// untouched keys keep defaults
	assert.Equal(t, DefaultBind, cfg.Bind)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herakles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a port"), 0o644))
	_, err := Load(path, nil)
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HERAKLES_PORT", "1234")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("", nil)
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.CacheTTLSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.SearchMode = "sideways"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.SmapsBufferKB = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.TopNSubgroup = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateTLSRequiresMaterials(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	cfg.EnableTLS = true
	assert.Error(t, cfg.Validate())

	cert := filepath.Join(t.TempDir(), "cert.pem")
	key := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o600))
	require.NoError(t, os.WriteFile(key, []byte("key"), 0o600))
	cfg.TLSCertPath = cert
	cfg.TLSKeyPath = key
	assert.NoError(t, cfg.Validate())
}

func TestHelpers(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9215", cfg.ListenAddr())
	assert.Equal(t, float64(DefaultCacheTTL), cfg.CacheTTL().Seconds())
}
