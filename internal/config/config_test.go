package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validYAML() string {
	return `listen_addr: ":9090"
log_level: debug
store_path: /var/lib/docvault/docvault.db
blob:
  backend: s3
  bucket: vault-objects
  region: eu-central-1
  endpoint: https://minio.internal:9000
  use_path_style: true
kms:
  mode: remote
  endpoint: https://kms.internal:9443
  key_id: master-2026
tokens:
  secret: 0123456789abcdef0123456789abcdef
audit:
  retention_floor_days: 365
  retention_days: 1095
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML()))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "vault-objects", cfg.Blob.Bucket)
	assert.True(t, cfg.Blob.UsePathStyle)
	assert.Equal(t, "master-2026", cfg.KMS.KeyID)
	assert.Equal(t, 1095, cfg.Audit.RetentionDays)
	// Defaults survive partial files.
	assert.Equal(t, "AES256-GCM", cfg.Encryption.PreferredAlgorithm)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, int64(25<<20), cfg.Upload.MaxObjectSize)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BLOB_BUCKET", "override-bucket")
	t.Setenv("KMS_MAX_ATTEMPTS", "5")
	t.Setenv("AUDIT_RETENTION_DAYS", "2000")
	t.Setenv("UPLOAD_ALLOWED_CONTENT_TYPES", "application/pdf, image/png")

	cfg, err := LoadConfig(writeConfig(t, validYAML()))
	require.NoError(t, err)

	assert.Equal(t, "override-bucket", cfg.Blob.Bucket)
	assert.Equal(t, 5, cfg.KMS.MaxAttempts)
	assert.Equal(t, 2000, cfg.Audit.RetentionDays)
	assert.Equal(t, []string{"application/pdf", "image/png"}, cfg.Upload.AllowedContentTypes)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing s3 bucket",
			yaml: "blob:\n  backend: s3\nkms:\n  mode: local\n  key_file: /k\ntokens:\n  secret: s\n",
		},
		{
			name: "unknown blob backend",
			yaml: "blob:\n  backend: nfs\nkms:\n  mode: local\n  key_file: /k\ntokens:\n  secret: s\n",
		},
		{
			name: "remote kms without endpoint",
			yaml: "blob:\n  backend: memory\nkms:\n  mode: remote\n  key_id: k\ntokens:\n  secret: s\n",
		},
		{
			name: "missing token secret",
			yaml: "blob:\n  backend: memory\nkms:\n  mode: local\n  key_file: /k\n",
		},
		{
			name: "retention below floor",
			yaml: "blob:\n  backend: memory\nkms:\n  mode: local\n  key_file: /k\ntokens:\n  secret: s\naudit:\n  retention_floor_days: 365\n  retention_days: 30\n",
		},
		{
			name: "unknown algorithm",
			yaml: "blob:\n  backend: memory\nkms:\n  mode: local\n  key_file: /k\ntokens:\n  secret: s\nencryption:\n  preferred_algorithm: DES\n",
		},
		{
			name: "bad log level",
			yaml: "log_level: loud\nblob:\n  backend: memory\nkms:\n  mode: local\n  key_file: /k\ntokens:\n  secret: s\n",
		},
		{
			name: "tracing otlp without endpoint",
			yaml: "blob:\n  backend: memory\nkms:\n  mode: local\n  key_file: /k\ntokens:\n  secret: s\ntracing:\n  enabled: true\n  exporter: otlp\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestTokenSecret_FromFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("0123456789abcdef0123456789abcdef\n"), 0600))

	cfg := &Config{Tokens: TokenConfig{SecretFile: secretPath}}
	secret, err := cfg.TokenSecret()
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", string(secret))
}
