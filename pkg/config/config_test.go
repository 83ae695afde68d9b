package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.Cache.TTL())
	assert.Equal(t, 0.6, cfg.Generation.MinPublishConfidence)
	assert.Equal(t, 10, cfg.Concurrency.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.Concurrency.RateLimitWindow())
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.NotEmpty(t, cfg.Cache.WarmTopics)
	assert.NotEmpty(t, cfg.Prioritizer.OfficialOrganizations)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wiki.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: memory
cache:
  ttlHours: 12
  warmTopics: [colic, teething]
augment:
  sources:
    - name: Sleep guide
      url: https://example.org/sleep
      keywords: [sleep, crib]
`), 0o644))
	t.Setenv("WIKI_CONCURRENCY_COOLDOWNSEC", "5")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL())
	assert.Equal(t, []string{"colic", "teething"}, cfg.Cache.WarmTopics)
	assert.Equal(t, 5*time.Second, cfg.Concurrency.Cooldown())
	require.Len(t, cfg.Augment.Sources, 1)
	assert.Equal(t, []string{"sleep", "crib"}, cfg.Augment.Sources[0].Keywords)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	cfg.Cache.TTLHours = 0
	cfg.Generation.MinPublishConfidence = 1.5
	cfg.Storage.Backend = "postgres"

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.ttlHours")
	assert.Contains(t, err.Error(), "minPublishConfidence")
	assert.Contains(t, err.Error(), "postgres")
}

func TestLoadFileMissingPath(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
