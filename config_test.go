package asynccaller

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func applyOptions(opts []Option) *config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "caller.toml", `
concurrency = 4
verbose = true

[token_bucket]
capacity = 20
fill_per_window = 5
window_ms = 250
initial_tokens = 0

[retry]
max_retries = 0
min_delay_ms = 50
max_delay_ms = 400
backoff_factor = 3.0
`)
	opts, err := LoadOptions(path)
	require.NoError(t, err)
	cfg := applyOptions(opts)

	assert.Equal(t, 4, cfg.concurrency)
	assert.True(t, cfg.verbose)
	assert.Equal(t, 20, cfg.bucketOpts.Capacity)
	assert.Equal(t, 5, cfg.bucketOpts.FillPerWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.bucketOpts.Window)
	require.NotNil(t, cfg.bucketOpts.InitialTokens)
	assert.Equal(t, 0, *cfg.bucketOpts.InitialTokens)
	assert.Equal(t, RetryPolicy{MaxRetries: 0, MinDelay: 50 * time.Millisecond, MaxDelay: 400 * time.Millisecond, BackoffFactor: 3}, cfg.retry)
	require.NoError(t, cfg.validate())
}

func TestLoadConfigYAMLKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "caller.yaml", `
token_bucket:
  capacity: 50
retry:
  max_retries: 5
`)
	fc, err := LoadConfig(path)
	require.NoError(t, err)
	cfg := applyOptions(fc.Options())

	assert.Equal(t, 50, cfg.bucketOpts.Capacity)
	assert.Equal(t, DefaultBucketOptions().FillPerWindow, cfg.bucketOpts.FillPerWindow)
	assert.Equal(t, DefaultBucketOptions().Window, cfg.bucketOpts.Window)
	assert.Nil(t, cfg.bucketOpts.InitialTokens)
	assert.Equal(t, 5, cfg.retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.retry.MinDelay)
	assert.Equal(t, 10, cfg.concurrency)
	assert.False(t, cfg.verbose)
}

func TestLoadConfigWithoutVerboseKeepsEarlierOption(t *testing.T) {
	opts, err := LoadOptions(writeConfig(t, "caller.toml", "concurrency = 2\n"))
	require.NoError(t, err)
	cfg := applyOptions(append([]Option{WithVerbose(true)}, opts...))
	assert.True(t, cfg.verbose)
	assert.Equal(t, 2, cfg.concurrency)

	opts, err = LoadOptions(writeConfig(t, "quiet.yaml", "verbose: false\n"))
	require.NoError(t, err)
	cfg = applyOptions(append([]Option{WithVerbose(true)}, opts...))
	assert.False(t, cfg.verbose)
}

func TestLoadConfigInvalidValuesFailAtNew(t *testing.T) {
	path := writeConfig(t, "caller.yml", `
token_bucket:
  capacity: 2
  fill_per_window: 3
`)
	opts, err := LoadOptions(path)
	require.NoError(t, err)
	_, err = New(opts...)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, "caller.json", `{}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig(writeConfig(t, "bad.toml", `concurrency = "many"`))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "bad.yaml", "concurrency: [1"))
	assert.Error(t, err)
}
