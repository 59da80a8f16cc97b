package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "fusionsolar:\n  username: api-user\n  system_code: secret\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://eu5.fusionsolar.huawei.com", cfg.FusionSolar.BaseURL)
	assert.Equal(t, 60*time.Second, cfg.FusionSolar.RequestInterval)
	assert.Equal(t, 30*time.Second, cfg.FusionSolar.Timeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "inverter_power_modes", cfg.Database.Table)
	assert.True(t, cfg.Collector.RestartCompletedCycle)

	assert.Equal(t, 3, cfg.Collector.AuthRetry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Collector.AuthRetry.BaseDelay)
	assert.Equal(t, 3, cfg.Collector.APIRetry.MaxAttempts)
	assert.InDelta(t, 2.0, cfg.Collector.APIRetry.Multiplier, 0.0001)
	assert.Equal(t, 5, cfg.Collector.ThrottleRetry.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Collector.ThrottleRetry.MaxDelay)

	require.NoError(t, cfg.Validate())
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
fusionsolar:
  base_url: intl.fusionsolar.huawei.com
  username: api-user
  system_code: secret
  request_interval: 5s
database:
  driver: sqlite
  path: /tmp/pm.db
collector:
  plant_limit: 25
  api_retry:
    max_attempts: 5
    base_delay: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.FusionSolar.RequestInterval)
	assert.Equal(t, "https://intl.fusionsolar.huawei.com", cfg.FusionSolar.NormalizedBaseURL())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/pm.db", cfg.Database.DSN())
	assert.Equal(t, 25, cfg.Collector.PlantLimit)
	assert.Equal(t, 5, cfg.Collector.APIRetry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Collector.APIRetry.BaseDelay)
}

func TestLoadEnvCredentials(t *testing.T) {
	t.Setenv("FS_USERNAME", "env-user")
	t.Setenv("FS_PASSWORD", "env-secret")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/solar?sslmode=disable")

	cfg, err := Load(writeConfig(t, "collector:\n  plant_limit: 1\n"))
	require.NoError(t, err)

	assert.Equal(t, "env-user", cfg.FusionSolar.Username)
	assert.Equal(t, "env-secret", cfg.FusionSolar.SystemCode)
	assert.Equal(t, "postgres://u:p@db:5432/solar?sslmode=disable", cfg.Database.DSN())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			FusionSolar: FusionSolarConfig{BaseURL: "https://x", Username: "u", SystemCode: "p"},
			Database:    DatabaseConfig{Driver: "postgres", Host: "localhost", Name: "solar"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing user", mutate: func(c *Config) { c.FusionSolar.Username = "" }, wantErr: "username is required"},
		{name: "missing password", mutate: func(c *Config) { c.FusionSolar.SystemCode = "" }, wantErr: "system_code is required"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "oracle" }, wantErr: "unknown driver"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Database.Driver = "sqlite" }, wantErr: "path is required"},
		{name: "archive without bucket", mutate: func(c *Config) { c.Archive.Enabled = true }, wantErr: "bucket is required"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	c := DatabaseConfig{
		Driver:   "postgres",
		Host:     "db",
		Port:     5432,
		User:     "collector",
		Password: "p@ss",
		Name:     "solar",
		SSLMode:  "require",
	}
	assert.Equal(t, "postgres://collector:p%40ss@db:5432/solar?sslmode=require", c.DSN())
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("MY_FS_USER", "from-env")
	c := FusionSolarConfig{UsernameEnv: "MY_FS_USER", SystemCode: "direct"}
	c.ResolveEnvVars()
	assert.Equal(t, "from-env", c.Username)
	assert.Equal(t, "direct", c.SystemCode)
}
