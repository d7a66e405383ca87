package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Driver selections accepted by NewManager.
const (
	DriverAuto     = "auto"
	DriverCUDA     = "cuda"
	DriverEmulated = "emulated"
)

// ManagerOptions selects and parameterizes the driver.
type ManagerOptions struct {
	// Driver is one of DriverAuto, DriverCUDA or DriverEmulated. Empty means auto.
	Driver string

	// Emulated describes the devices of the emulated driver.
	Emulated []EmulatedDeviceSpec

	// Kernels backs the emulated driver's modules. Nil means DefaultKernels().
	Kernels *KernelLibrary
}

// Manager handles driver selection and lifecycle
type Manager struct {
	driver Driver
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewManager creates a new manager and initializes the selected driver
func NewManager(logger *zap.Logger, opts ManagerOptions) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("gpu"),
	}
	if err := m.detectAndInitialize(opts); err != nil {
		return nil, err
	}
	return m, nil
}

// detectAndInitialize picks the driver and initializes it
func (m *Manager) detectAndInitialize(opts ManagerOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch opts.Driver {
	case "", DriverAuto, DriverCUDA:
		// Try CUDA first (only if build tag is enabled)
		if cudaDriver := m.tryCreateCUDADriver(); cudaDriver != nil && cudaDriver.IsAvailable() {
			if err := cudaDriver.Initialize(); err == nil {
				m.driver = cudaDriver
				m.logger.Info("Using CUDA driver")
				return nil
			} else if opts.Driver == DriverCUDA {
				return fmt.Errorf("failed to initialize CUDA driver: %w", err)
			}
			// If initialization failed, try cleanup
			_ = cudaDriver.Cleanup()
		}
		if opts.Driver == DriverCUDA {
			return fmt.Errorf("CUDA driver requested but not available")
		}
	case DriverEmulated:
	default:
		return fmt.Errorf("unknown driver %q", opts.Driver)
	}

	// Fall back to emulated devices
	emulated := NewEmulatedDriver(m.logger, opts.Emulated, opts.Kernels)
	if err := emulated.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize emulated driver: %w", err)
	}
	m.driver = emulated
	m.logger.Info("Using emulated driver", zap.Int("devices", len(opts.Emulated)))
	return nil
}

// Driver returns the current driver
func (m *Manager) Driver() Driver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.driver
}

// DriverType returns a string describing the current driver
func (m *Manager) DriverType() string {
	d := m.Driver()
	if d == nil {
		return "none"
	}
	return d.Name()
}

// Cleanup releases resources held by the current driver
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.driver != nil {
		if err := m.driver.Cleanup(); err != nil {
			return err
		}
		m.driver = nil
	}
	return nil
}
