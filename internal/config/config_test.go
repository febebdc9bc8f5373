package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./uploads", cfg.UploadDir)
	assert.Equal(t, "./outputs", cfg.OutputDir)
	assert.Equal(t, int64(104857600), cfg.MaxFileSize)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, DispatchLocal, cfg.DispatchMode)
	assert.Equal(t, 5*time.Minute, cfg.ConversionTimeout())
	assert.Equal(t, time.Hour, cfg.JobRetention())
	assert.False(t, cfg.S3.Enabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_WORKERS", "8")
	t.Setenv("CONVERSION_TIMEOUT_SECONDS", "30")
	t.Setenv("JOB_RETENTION_MINUTES", "0")
	t.Setenv("DISPATCH_MODE", "QUEUE")
	t.Setenv("LOG_JSON", "true")
	t.Setenv("S3_BUCKET", "results")
	t.Setenv("S3_ACCESS_KEY_ID", "key")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 30*time.Second, cfg.ConversionTimeout())
	assert.Equal(t, time.Duration(0), cfg.JobRetention())
	assert.Equal(t, DispatchQueue, cfg.DispatchMode)
	assert.True(t, cfg.LogJSON)
	assert.True(t, cfg.S3.Enabled())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			GinMode:                  "debug",
			UploadDir:                "uploads",
			OutputDir:                "outputs",
			MaxFileSize:              1024,
			MaxWorkers:               1,
			ConversionTimeoutSeconds: 1,
			DispatchMode:             DispatchLocal,
			SofficePath:              "soffice",
		}
	}

	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"same directories":  func(c *Config) { c.OutputDir = "./uploads/" },
		"zero workers":      func(c *Config) { c.MaxWorkers = 0 },
		"zero timeout":      func(c *Config) { c.ConversionTimeoutSeconds = 0 },
		"negative retain":   func(c *Config) { c.JobRetentionMinutes = -1 },
		"unknown dispatch":  func(c *Config) { c.DispatchMode = "cluster" },
		"queue without url": func(c *Config) { c.DispatchMode = DispatchQueue },
		"release no engine": func(c *Config) { c.GinMode = "release"; c.SofficePath = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
