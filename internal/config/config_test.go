package config

import (
	"os"
	"path/filepath"
	"testing"

	"go-civitai-crawler/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `ApiKey = "secret"`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.ApiKey)
	assert.Equal(t, DefaultApiBaseUrl, cfg.ApiBaseUrl)
	assert.Equal(t, DriverBitcask, cfg.DatabaseDriver)
	assert.Equal(t, 1, cfg.QueueMaxParallelism)
	assert.Equal(t, 5, cfg.ApiMaxAttempts)
	assert.Equal(t, MaxAssetBatchSize, cfg.AssetBatchSize)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigValues(t *testing.T) {
	path := writeConfig(t, `
ApiBaseUrl = "http://localhost:9999/api/v1/"
DatabaseDriver = "sqlite"
DatabasePath = "crawl.sqlite"
AssetBatchSize = 500
QueueMaxAttempts = 7
AssetDispatchDisabled = true

[[Schedules]]
Name = "daily-top"
Cron = "@daily"
Kind = "top-images"
Period = "Day"
Target = 200

[[Schedules]]
Name = "weekly-models"
Cron = "@weekly"
Kind = "models"
Target = 50
Priority = 0
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9999/api/v1", cfg.ApiBaseUrl, "trailing slash is trimmed")
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, MaxAssetBatchSize, cfg.AssetBatchSize, "batch size is clamped")
	assert.Equal(t, 7, cfg.QueueMaxAttempts)
	assert.True(t, cfg.AssetDispatchDisabled)
	require.Len(t, cfg.Schedules, 2)
	assert.Equal(t, "top-images", cfg.Schedules[0].Kind)
	assert.Equal(t, 200, cfg.Schedules[0].Target)
	assert.Nil(t, cfg.Schedules[0].Priority, "unset priority stays unset")
	require.NotNil(t, cfg.Schedules[1].Priority)
	assert.Equal(t, 0, *cfg.Schedules[1].Priority)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.Config)
		wantErr bool
	}{
		{"defaults", func(*models.Config) {}, false},
		{"unknown driver", func(c *models.Config) { c.DatabaseDriver = "mongo" }, true},
		{"bad log level", func(c *models.Config) { c.LogLevel = "loud" }, true},
		{"schedule without cron", func(c *models.Config) {
			c.Schedules = []models.Schedule{{Name: "x", Kind: "models"}}
		}, true},
		{"schedule without kind", func(c *models.Config) {
			c.Schedules = []models.Schedule{{Name: "x", Cron: "@hourly"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg models.Config
			ApplyDefaults(&cfg)
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
