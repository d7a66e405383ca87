package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/weft/internal/device"
	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/pkg/wire"
)

// ConfigFileName is the name of the configuration file inside the weft home.
const ConfigFileName = "config.yaml"

type EmulatedDevice struct {
	Name        string `yaml:"name"`
	Major       int    `yaml:"major"`
	Minor       int    `yaml:"minor"`
	TotalMemory int64  `yaml:"totalMemory"`
}

type Config struct {
	Node struct {
		// ListenPort 0 picks an ephemeral port.
		ListenAddress string `yaml:"listenAddress"`
		ListenPort    int    `yaml:"listenPort"`
	} `yaml:"node"`
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		// Encoding is json or console.
		Encoding string `yaml:"encoding"`
	} `yaml:"logger"`
	Metrics struct {
		// ListenAddress of the /metrics endpoint. Empty disables it.
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
	Devices struct {
		Driver              string           `yaml:"driver"`
		DefaultConcurrency  int              `yaml:"defaultConcurrency"`
		MaxStreamsPerDevice int              `yaml:"maxStreamsPerDevice"`
		Emulated            []EmulatedDevice `yaml:"emulated"`
	} `yaml:"devices"`
	Scheduler struct {
		Workers       int           `yaml:"workers"`
		LaunchTimeout time.Duration `yaml:"launchTimeout"`
	} `yaml:"scheduler"`
	Transport struct {
		MaxChunkSize int `yaml:"maxChunkSize"`
	} `yaml:"transport"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	var c Config
	c.Node.ListenAddress = "0.0.0.0"
	c.Node.ListenPort = 50051
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "json"
	c.Metrics.ListenAddress = ":9090"
	c.Devices.Driver = gpu.DriverAuto
	c.Devices.DefaultConcurrency = device.DefaultConcurrency
	c.Devices.Emulated = []EmulatedDevice{{
		Name:        "Emulated Device 0",
		Major:       8,
		Minor:       6,
		TotalMemory: 1 << 30,
	}}
	c.Transport.MaxChunkSize = wire.MaxChunkSize
	return &c
}

// LoadConfig reads the YAML file at path over the defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	switch c.Devices.Driver {
	case gpu.DriverAuto, gpu.DriverCUDA, gpu.DriverEmulated:
	default:
		return fmt.Errorf("devices.driver: unknown driver %q", c.Devices.Driver)
	}
	if c.Node.ListenPort < 0 || c.Node.ListenPort > 65535 {
		return fmt.Errorf("node.listenPort: %d out of range", c.Node.ListenPort)
	}
	if c.Transport.MaxChunkSize <= 0 || c.Transport.MaxChunkSize > wire.MaxChunkSize {
		return fmt.Errorf("transport.maxChunkSize: must be in (0, %d]", wire.MaxChunkSize)
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers: must not be negative")
	}
	for i, d := range c.Devices.Emulated {
		if d.TotalMemory <= 0 {
			return fmt.Errorf("devices.emulated[%d].totalMemory: must be positive", i)
		}
	}
	return nil
}

// ListenAddr is the host:port the backend serves on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Node.ListenAddress, c.Node.ListenPort)
}

// EmulatedSpecs converts the emulated device list for the gpu package.
func (c *Config) EmulatedSpecs() []gpu.EmulatedDeviceSpec {
	specs := make([]gpu.EmulatedDeviceSpec, len(c.Devices.Emulated))
	for i, d := range c.Devices.Emulated {
		specs[i] = gpu.EmulatedDeviceSpec{
			Name:        d.Name,
			Major:       d.Major,
			Minor:       d.Minor,
			TotalMemory: d.TotalMemory,
		}
	}
	return specs
}

// GetDefaultConfigHome returns $HOME/.weft, or .weft when the home
// directory cannot be determined.
func GetDefaultConfigHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".weft")
}
