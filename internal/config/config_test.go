package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
source:
  base_url: https://shop.example.com/rest/V1
  media_base_url: https://shop.example.com
  store_base_url: https://www.example.com
  auth_header: Authorization
  auth_token: Bearer test-token
target:
  base_url: https://api.messaging.example.com
  client_id: client-123
  client_secret: secret-456
  accept_version: "2024-06"
webhook:
  url: https://hooks.example.com/services/T000/B000
sync:
  excluded_feature_keys: [internal_notes, cost_price]
  collections_category: Collections
  brand_attribute_code: manufacturer
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ValidConfigWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://shop.example.com/rest/V1", cfg.Source.BaseURL)
	assert.Equal(t, []string{"internal_notes", "cost_price"}, cfg.Sync.ExcludedFeatureKeys)

	// Defaults.
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 150, cfg.Sync.LookbackMinutes)
	assert.Equal(t, 3, cfg.Sync.RetryMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.RetryInitialWait)
	assert.Equal(t, 30*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 60, cfg.Target.RateLimitPerMinute)
	assert.Equal(t, "default", cfg.Sync.StoreCode)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, validYAML+`
  legacy_flag: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoad_MissingRequiredField(t *testing.T) {
	path := writeConfig(t, `
source:
  base_url: https://shop.example.com/rest/V1
  media_base_url: https://shop.example.com
  store_base_url: https://www.example.com
  auth_header: Authorization
  auth_token: Bearer test-token
target:
  base_url: https://api.messaging.example.com
  client_id: client-123
  accept_version: "2024-06"
webhook:
  url: https://hooks.example.com/services/T000/B000
sync:
  collections_category: Collections
  brand_attribute_code: manufacturer
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoad_RetryWaitOrdering(t *testing.T) {
	path := writeConfig(t, validYAML+`
  retry_initial_wait: 1m
  retry_max_wait: 5s
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry_max_wait")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
