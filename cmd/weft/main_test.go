package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/fxnlabs/weft/fixtures"
	"github.com/fxnlabs/weft/internal/app"
	"github.com/fxnlabs/weft/internal/config"
	"github.com/fxnlabs/weft/internal/gpu"
)

const emulatedConfig = `
logger:
  verbosity: error
devices:
  driver: emulated
  maxStreamsPerDevice: 4
  emulated:
    - name: first
      major: 6
      minor: 0
      totalMemory: 16777216
    - name: second
      major: 3
      minor: 2
      totalMemory: 33554432
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp()
	a.Writer = &out
	err := a.Run(append([]string{"weft"}, args...))
	return out.String(), err
}

func TestInitCommand(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")

	_, err := run(t, "--home", home, "init")
	require.NoError(t, err)
	written, err := os.ReadFile(filepath.Join(home, config.ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, fixtures.ConfigTemplate, written)

	_, err = run(t, "--home", home, "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, "--home", home, "init", "--force")
	assert.NoError(t, err)
}

func TestDevicesCommand(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, config.ConfigFileName), []byte(emulatedConfig), 0o644))

	out, err := run(t, "--home", home, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "Driver: emulated")
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "6.0")
	assert.Contains(t, out, "second")
	assert.Contains(t, out, "3.2")
	assert.Contains(t, out, "TOTAL")
	// 6.0 allows 128 streams capped to 4, 3.2 allows 4.
	assert.Regexp(t, `TOTAL\s+8`, out)

	t.Run("explicit config path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "other.yaml")
		require.NoError(t, os.WriteFile(path, []byte(emulatedConfig), 0o644))
		out, err := run(t, "--home", t.TempDir(), "--config", path, "devices")
		require.NoError(t, err)
		assert.Contains(t, out, "second")
	})
}

func TestProbeCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ListenAddress = "127.0.0.1"
	cfg.Node.ListenPort = 0
	cfg.Metrics.ListenAddress = ""
	cfg.Devices.Driver = gpu.DriverEmulated
	cfg.Devices.MaxStreamsPerDevice = 2
	cfg.Devices.Emulated = []config.EmulatedDevice{
		{Major: 7, Minor: 5, TotalMemory: 1 << 24},
		{Major: 7, Minor: 5, TotalMemory: 1 << 24},
	}

	var lis net.Listener
	backend := fxtest.New(t,
		app.Module(cfg, zap.NewNop()),
		fx.Decorate(func(prometheus.Registerer) prometheus.Registerer { return prometheus.NewRegistry() }),
		fx.Populate(&lis),
	)
	backend.RequireStart()
	defer backend.RequireStop()

	out, err := run(t, "--home", t.TempDir(), "probe", "--target", lis.Addr().String(), "--n", "1000", "--block", "64")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	t.Run("invalid sizes", func(t *testing.T) {
		_, err := run(t, "--home", t.TempDir(), "probe", "--target", lis.Addr().String(), "--n", "0")
		assert.Error(t, err)
	})
}
