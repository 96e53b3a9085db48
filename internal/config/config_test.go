package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerSettingString(t *testing.T) {
	tests := []struct {
		name string
		ws   WorkerSetting
		want string
	}{
		{"auto mode", WorkerSetting{Mode: WorkersAuto}, "auto"},
		{"fixed mode 4", WorkerSetting{Mode: WorkersFixed, Value: 4}, "4"},
		{"fixed mode 0", WorkerSetting{Mode: WorkersFixed, Value: 0}, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.ws.String()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	// Save and restore env
	tests := []struct {
		name     string
		flag     string
		envValue string
		want     string
	}{
		{"flag takes precedence", "/path/from/flag", "/path/from/env", "/path/from/flag"},
		{"env when no flag", "", "/path/from/env", "/path/from/env"},
		{"empty when neither", "", "", ""},
		{"whitespace flag", "  ", "/path/from/env", "/path/from/env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DNSCORE_CONFIG", tt.envValue)
			got := ResolveConfigPath(tt.flag)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 1053, cfg.Server.Port)
	assert.Equal(t, WorkersAuto, cfg.Server.Workers.Mode)
	assert.True(t, cfg.Server.EnableTCP)
	require.Len(t, cfg.Query.Servers, 1)
	assert.Equal(t, "8.8.8.8", cfg.Query.Servers[0])
	assert.Equal(t, 10000, cfg.Query.TimeoutMS)
	assert.True(t, cfg.Query.ResponseValidation)
	assert.False(t, cfg.Query.CaseRandomization0x20)
	assert.False(t, cfg.Query.ReuseTCP)
	assert.Equal(t, 5000, cfg.Query.IdleTimeoutMS)
	assert.Equal(t, 20, cfg.SPF.MaxLookups)
	assert.Empty(t, cfg.TSIGKeys)
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 5353
  workers: "2"
  enable_tcp: false
  tls:
    enabled: true
    port: 8853
    cert_file: "server.crt"
    key_file: "server.key"

query:
  servers:
    - "1.1.1.1"
    - "9.9.9.9"
  timeout_ms: 3000
  reuse_tcp: true
  case_randomization_0x20: true

tsig_keys:
  - name: "k1.example"
    algorithm: "hmac-sha256"
    secret: "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

spf:
  max_lookups: 12

logging:
  level: "DEBUG"
  structured: true
  structured_format: "keyvalue"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 5353, cfg.Server.Port)
	assert.Equal(t, WorkersFixed, cfg.Server.Workers.Mode)
	assert.Equal(t, 2, cfg.Server.Workers.Value)
	assert.False(t, cfg.Server.EnableTCP)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, 8853, cfg.Server.TLS.Port)
	assert.Len(t, cfg.Query.Servers, 2)
	assert.Equal(t, 3000, cfg.Query.TimeoutMS)
	assert.True(t, cfg.Query.ReuseTCP)
	assert.True(t, cfg.Query.CaseRandomization0x20)
	require.Len(t, cfg.TSIGKeys, 1)
	assert.Equal(t, "k1.example", cfg.TSIGKeys[0].Name)
	assert.Equal(t, "hmac-sha256", cfg.TSIGKeys[0].Algorithm)
	assert.Equal(t, 12, cfg.SPF.MaxLookups)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Structured)
	assert.Equal(t, "keyvalue", cfg.Logging.StructuredFormat)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: [invalid"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidPort(t *testing.T) {
	content := `
server:
  port: 0
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidWorkers(t *testing.T) {
	content := `
server:
  workers: "invalid"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	// With Viper, invalid workers gracefully defaults to "auto"
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, WorkersAuto, cfg.Server.Workers.Mode)
}

func TestRejectsBadTSIGSecret(t *testing.T) {
	content := `
tsig_keys:
  - name: "k1.example"
    algorithm: "hmac-sha256"
    secret: "%%%not-base64%%%"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestRejectsDuplicateTSIGKeyNames(t *testing.T) {
	content := `
tsig_keys:
  - name: "k1.example"
    algorithm: "hmac-sha256"
    secret: "AAEC"
  - name: "K1.EXAMPLE"
    algorithm: "hmac-sha512"
    secret: "AAEC"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err, "key names compare case-insensitively")
}

func TestRejectsTLSListenerWithoutCert(t *testing.T) {
	content := `
server:
  tls:
    enabled: true
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	// Set overrides using standard naming
	t.Setenv("DNSCORE_SERVER_HOST", "192.168.1.1")
	t.Setenv("DNSCORE_SERVER_PORT", "8053")
	t.Setenv("DNSCORE_SERVER_WORKERS", "8")
	t.Setenv("DNSCORE_QUERY_SERVERS", "1.1.1.1, 8.8.8.8")
	t.Setenv("DNSCORE_SERVER_ENABLE_TCP", "false")
	t.Setenv("DNSCORE_QUERY_REUSE_TCP", "true")
	t.Setenv("DNSCORE_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 8053, cfg.Server.Port)
	assert.Equal(t, WorkersFixed, cfg.Server.Workers.Mode)
	assert.Equal(t, 8, cfg.Server.Workers.Value)
	assert.Len(t, cfg.Query.Servers, 2)
	assert.False(t, cfg.Server.EnableTCP)
	assert.True(t, cfg.Query.ReuseTCP)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}
