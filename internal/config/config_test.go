package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `{
  "exchange_configs": [
    {
      "exchange_name": "bingx",
      "api_info": {
        "api_url": "https://open-api.bingx.com",
        "api_key": "test-api-key",
        "secret_key": "hunter2-secret-value"
      }
    }
  ],
  "database": {
    "host": "localhost",
    "port": 5432,
    "database": "kline",
    "user": "postgres",
    "password": "postgres"
  }
}`

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.ExchangeConfigs, 1)
	assert.Equal(t, "bingx", cfg.PrimaryExchange().ExchangeName)
	assert.Equal(t, "https://open-api.bingx.com", cfg.PrimaryExchange().APIInfo.APIURL)
	assert.Contains(t, cfg.Database.DSN(), "host=localhost")
	assert.Contains(t, cfg.Database.DSN(), "sslmode=disable")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_MalformedJSON(t *testing.T) {
	_, err := Load(writeConfig(t, "{not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoad_MissingRequiredKeys(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "no_exchanges",
			content: `{"exchange_configs": [], "database": {"host": "h", "port": 5432, "database": "d", "user": "u", "password": "p"}}`,
			wantMsg: "at least one exchange_configs entry is required",
		},
		{
			name:    "unnamed_exchange",
			content: `{"exchange_configs": [{"api_info": {}}], "database": {"host": "h", "port": 5432, "database": "d", "user": "u", "password": "p"}}`,
			wantMsg: "exchange_configs[0].exchange_name is required",
		},
		{
			name:    "missing_db_host",
			content: `{"exchange_configs": [{"exchange_name": "bingx"}], "database": {"port": 5432, "database": "d", "user": "u", "password": "p"}}`,
			wantMsg: "database.host is required",
		},
		{
			name:    "bad_port",
			content: `{"exchange_configs": [{"exchange_name": "bingx"}], "database": {"host": "h", "port": 0, "database": "d", "user": "u", "password": "p"}}`,
			wantMsg: "database.port must be between 1 and 65535",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KLINESYNC_DB_PASSWORD", "from-env")
	t.Setenv("KLINESYNC_SECRET_KEY", "env-secret")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "env-secret", cfg.PrimaryExchange().APIInfo.SecretKey)
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	out := cfg.String()
	assert.NotContains(t, out, "hunter2-secret-value")
	assert.NotContains(t, out, "test-api-key")
	assert.Contains(t, out, "[REDACTED]")
}
