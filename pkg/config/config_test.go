package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, "https://api.checko.ru/v2/company", cfg.APIURL)
	assert.Equal(t, "APIs.txt", cfg.KeysFile)
	assert.Equal(t, "ogrns.txt", cfg.EntitiesFile)
	assert.Equal(t, "JSONs", cfg.OutputDir)
	assert.Equal(t, "api_count.json", cfg.UsageFile)
	assert.Equal(t, UsageBackendFile, cfg.UsageBackend)
	assert.Equal(t, ArtifactBackendFS, cfg.ArtifactBackend)
	assert.Equal(t, 99, cfg.DailyLimit)
	assert.Equal(t, 25*time.Hour, cfg.ResetWindow)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Second, cfg.PacingDelay)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "checko.yaml", `
keys_file: /etc/checko/keys.txt
usage_backend: sqlite
sqlite_path: /var/lib/checko/usage.db
daily_limit: 50
reset_window: 24h
pacing_delay: 250ms
metrics_addr: ":9090"
`)

	cfg, err := Load(Options{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, "/etc/checko/keys.txt", cfg.KeysFile)
	assert.Equal(t, UsageBackendSQLite, cfg.UsageBackend)
	assert.Equal(t, "/var/lib/checko/usage.db", cfg.SQLitePath)
	assert.Equal(t, 50, cfg.DailyLimit)
	assert.Equal(t, 24*time.Hour, cfg.ResetWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.PacingDelay)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "ogrns.txt", cfg.EntitiesFile, "unset fields keep defaults")
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), "checko.yaml", "daily_limit: 10\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.DailyLimit)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "checko.yaml", "daily_limit: 50\nlog_level: warn\n")
	t.Setenv("CHECKO_DAILY_LIMIT", "70")
	t.Setenv("CHECKO_PACING_DELAY", "2")
	t.Setenv("CHECKO_LOG_PRETTY", "true")

	cfg, err := Load(Options{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, 70, cfg.DailyLimit)
	assert.Equal(t, 2*time.Second, cfg.PacingDelay, "plain numbers are seconds")
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_DotEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	envFile := writeFile(t, t.TempDir(), ".env", "CHECKO_OUTPUT_DIR=/data/companies\n")
	t.Cleanup(func() { os.Unsetenv("CHECKO_OUTPUT_DIR") })

	cfg, err := Load(Options{EnvFiles: []string{filepath.Join(t.TempDir(), "missing.env"), envFile}})
	require.NoError(t, err)
	assert.Equal(t, "/data/companies", cfg.OutputDir)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown backend",
			yaml:    "usage_backend: postgres\n",
			wantErr: "usage_backend: failed oneof",
		},
		{
			name:    "unknown yaml field",
			yaml:    "dayly_limit: 5\n",
			wantErr: "dayly_limit",
		},
		{
			name:    "s3 without bucket",
			yaml:    "artifact_backend: s3\ns3_access_key: a\ns3_secret_key: b\n",
			wantErr: "s3_bucket: failed required_if",
		},
		{
			name:    "zero daily limit",
			yaml:    "daily_limit: 0\n",
			wantErr: "daily_limit: failed min=1",
		},
		{
			name:    "bad api url",
			yaml:    "api_url: not a url\n",
			wantErr: "api_url: failed url",
		},
		{
			name:    "bad integer in env",
			env:     map[string]string{"CHECKO_REDIS_DB": "one"},
			wantErr: "CHECKO_REDIS_DB",
		},
		{
			name:    "bad duration in env",
			env:     map[string]string{"CHECKO_RESET_WINDOW": "tomorrow"},
			wantErr: "CHECKO_RESET_WINDOW",
		},
		{
			name:    "bad metrics addr",
			env:     map[string]string{"CHECKO_METRICS_ADDR": "nonsense"},
			wantErr: "metrics_addr: failed hostname_port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfigPath, "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			opts := Options{}
			if tt.yaml != "" {
				opts.ConfigPath = writeFile(t, t.TempDir(), "checko.yaml", tt.yaml)
			}

			_, err := Load(opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(Options{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestConfig_Derived(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.S3Bucket = "bucket"

	limits := cfg.Limits()
	assert.Equal(t, 99, limits.DailyLimit)
	assert.Equal(t, 25*time.Hour, limits.ResetWindow)

	clientCfg := cfg.Client()
	assert.Equal(t, cfg.APIURL, clientCfg.BaseURL)
	assert.Equal(t, cfg.RequestTimeout, clientCfg.Timeout)

	logCfg := cfg.Logging()
	assert.EqualValues(t, "debug", logCfg.Level)
	assert.Equal(t, "logs", logCfg.Dir)

	assert.Equal(t, "bucket", cfg.S3().Bucket)
}
