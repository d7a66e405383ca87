package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/weft/fixtures"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, 6000, config.Node.ListenPort)
		assert.Equal(t, "127.0.0.1", config.Node.ListenAddress)
		assert.Equal(t, "127.0.0.1:6000", config.ListenAddr())
		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "console", config.Logger.Encoding)
		assert.Empty(t, config.Metrics.ListenAddress)
		assert.Equal(t, "emulated", config.Devices.Driver)
		assert.Equal(t, 2, config.Devices.DefaultConcurrency)
		assert.Equal(t, 16, config.Devices.MaxStreamsPerDevice)
		assert.Equal(t, 8, config.Scheduler.Workers)
		assert.Equal(t, 30*time.Second, config.Scheduler.LaunchTimeout)
		assert.Equal(t, 32768, config.Transport.MaxChunkSize)

		specs := config.EmulatedSpecs()
		require.Len(t, specs, 2)
		assert.Equal(t, "large", specs[1].Name)
		assert.Equal(t, 9, specs[1].Major)
		assert.Equal(t, int64(4194304), specs[1].TotalMemory)
	})

	t.Run("partial config keeps defaults", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/partial_config.yaml")
		require.NoError(t, err)
		assert.Equal(t, 7000, config.Node.ListenPort)
		assert.Equal(t, "0.0.0.0", config.Node.ListenAddress)
		assert.Equal(t, "info", config.Logger.Verbosity)
		assert.Equal(t, "auto", config.Devices.Driver)
		assert.Equal(t, 65536, config.Transport.MaxChunkSize)
		assert.Len(t, config.Devices.Emulated, 1)
	})

	t.Run("non-existent file", func(t *testing.T) {
		config, err := LoadConfig("non-existent-file.yaml")
		require.NoError(t, err)
		assert.Equal(t, Default(), config)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := LoadConfig("../../fixtures/tests/config/bad_driver.yaml")
		assert.ErrorContains(t, err, "devices.driver")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Node.ListenPort = 70000 }},
		{"chunk too large", func(c *Config) { c.Transport.MaxChunkSize = 1 << 20 }},
		{"chunk zero", func(c *Config) { c.Transport.MaxChunkSize = 0 }},
		{"negative workers", func(c *Config) { c.Scheduler.Workers = -1 }},
		{"emulated memory", func(c *Config) { c.Devices.Emulated[0].TotalMemory = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestConfigTemplate(t *testing.T) {
	var fromTemplate Config
	require.NoError(t, yaml.Unmarshal(fixtures.ConfigTemplate, &fromTemplate))
	assert.Equal(t, *Default(), fromTemplate, "the template documents the defaults")
}

func TestGetDefaultConfigHome(t *testing.T) {
	t.Setenv("HOME", "/tmp/weft-home")
	assert.Equal(t, filepath.Join("/tmp/weft-home", ".weft"), GetDefaultConfigHome())
}
