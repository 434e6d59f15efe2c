package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultValidates(t *testing.T) {
	cfg := NewDefault()
	cfg.Storage.S3.Bucket = "my-bucket"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingBucket(t *testing.T) {
	cfg := NewDefault()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestValidateRejectsDuplicateVaultNames(t *testing.T) {
	cfg := NewDefault()
	cfg.Storage.S3.Bucket = "my-bucket"
	cfg.Vaults = []VaultConfig{
		{Name: "finance", APIKeyFile: "/etc/vaulthalla/keys/finance.key"},
		{Name: "finance", APIKeyFile: "/etc/vaulthalla/keys/finance.key"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRejectsMissingAPIKeyFile(t *testing.T) {
	cfg := NewDefault()
	cfg.Storage.S3.Bucket = "my-bucket"
	cfg.Vaults = []VaultConfig{{Name: "finance"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key_file")
}

func TestValidateRejectsUnknownConflictPolicy(t *testing.T) {
	cfg := NewDefault()
	cfg.Storage.S3.Bucket = "my-bucket"
	cfg.Vaults = []VaultConfig{{Name: "finance", APIKeyFile: "/etc/vaulthalla/keys/finance.key", ConflictPolicy: "eeny_meeny"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict_policy")
}

func TestLoadFromFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaulthalla.yaml")

	original := NewDefault()
	original.Storage.S3.Bucket = "round-trip-bucket"
	original.Vaults = []VaultConfig{{Name: "docs", APIKeyFile: "/etc/vaulthalla/keys/docs.key", ConflictPolicy: "keep_remote"}}
	require.NoError(t, original.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "round-trip-bucket", loaded.Storage.S3.Bucket)
	assert.Equal(t, "docs", loaded.Vaults[0].Name)
}

func TestLoadFromEnvOverridesFileValues(t *testing.T) {
	t.Setenv("VAULTHALLA_S3_BUCKET", "env-bucket")
	t.Setenv("VAULTHALLA_LOG_LEVEL", "debug")

	cfg := NewDefault()
	cfg.Storage.S3.Bucket = "file-bucket"
	cfg.LoadFromEnv()

	assert.Equal(t, "env-bucket", cfg.Storage.S3.Bucket)
	assert.Equal(t, "debug", cfg.Global.LogLevel)

	_ = os.Unsetenv("VAULTHALLA_S3_BUCKET")
	_ = os.Unsetenv("VAULTHALLA_LOG_LEVEL")
}
