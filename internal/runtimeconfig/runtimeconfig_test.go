package runtimeconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			}
		})
	}
}

func TestLoadWithNoEnvironmentReturnsDefaults(t *testing.T) {
	clearEnv(t, "CRYFS_LOCAL_STATE_DIR", "CRYFS_LOG_LEVEL", "CRYFS_DEFAULT_CIPHER")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig.LocalStateDir, cfg.LocalStateDir)
	assert.Equal(t, DefaultConfig.DefaultCipher, cfg.DefaultCipher)
	assert.Equal(t, DefaultConfig.LogLevel, cfg.LogLevel)
}

func TestLoadComputesBlobCacheEntryAgeFromSeconds(t *testing.T) {
	clearEnv(t, "CRYFS_BLOB_CACHE_ENTRY_AGE_SECONDS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int(cfg.BlobCacheEntryAge.Seconds()), cfg.BlobCacheEntryAgeS)
}

func TestEnvironmentOverridesDefault(t *testing.T) {
	clearEnv(t, "CRYFS_LOG_LEVEL")
	os.Setenv("CRYFS_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	clearEnv(t, "CRYFS_LOG_LEVEL")
	os.Setenv("CRYFS_LOG_LEVEL", "chatty")

	_, err := Load()
	require.Error(t, err)
}
