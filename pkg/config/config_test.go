package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbiblio/corpus/pkg/cleanup"
	"github.com/openbiblio/corpus/pkg/dispatch"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.yaml")
	yaml := `
http_addr: ":9090"
dispatch:
  batch_size: 250
cleanup:
  import_retention: 48h
`
	require.NoError(t, writeFile(path, yaml))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 250, cfg.Dispatch.BatchSize)
	assert.Equal(t, 48*time.Hour, cfg.Cleanup.ImportRetention)

	// Fields not set in the file keep their built-in defaults.
	assert.Equal(t, dispatch.DefaultConfig.LeaseDuration, cfg.Dispatch.LeaseDuration)
	assert.Equal(t, dispatch.DefaultConfig.MaxRetries, cfg.Dispatch.MaxRetries)
	assert.Equal(t, cleanup.DefaultConfig().DispatchUnitRetention, cfg.Cleanup.DispatchUnitRetention)
	assert.Equal(t, Default().SweeperInterval, cfg.SweeperInterval)
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("CORPUS_TEST_ADDR", ":7070")
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.yaml")
	require.NoError(t, writeFile(path, `http_addr: "${CORPUS_TEST_ADDR}"`))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.yaml")
	require.NoError(t, writeFile(path, "sweeper_interval: not-a-duration"))

	_, err := Load(path)
	assert.Error(t, err)
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
