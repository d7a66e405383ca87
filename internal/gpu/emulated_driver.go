package gpu

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EmulatedDeviceSpec describes one emulated device.
type EmulatedDeviceSpec struct {
	Name        string
	Major       int
	Minor       int
	TotalMemory int64
}

// EmulatedStats counts driver activity.
type EmulatedStats struct {
	ModuleLoads int64
	Launches    int64
	Allocations int64
	Frees       int64
	Syncs       int64
}

// EmulatedDriver implements Driver with host memory standing in for device
// memory and Go functions standing in for compiled kernels. It is the
// fallback when no CUDA device is usable.
type EmulatedDriver struct {
	logger  *zap.Logger
	specs   []EmulatedDeviceSpec
	kernels *KernelLibrary

	mu          sync.Mutex
	initialized bool

	moduleLoads atomic.Int64
	launches    atomic.Int64
	allocs      atomic.Int64
	frees       atomic.Int64
	syncs       atomic.Int64
}

// NewEmulatedDriver creates an emulated driver exposing one device per spec.
// A nil library means DefaultKernels().
func NewEmulatedDriver(logger *zap.Logger, specs []EmulatedDeviceSpec, kernels *KernelLibrary) *EmulatedDriver {
	if kernels == nil {
		kernels = DefaultKernels()
	}
	return &EmulatedDriver{
		logger:  logger.Named("emulated"),
		specs:   append([]EmulatedDeviceSpec(nil), specs...),
		kernels: kernels,
	}
}

func (d *EmulatedDriver) Name() string { return "emulated" }

// IsAvailable checks if the driver is available (always true for emulation)
func (d *EmulatedDriver) IsAvailable() bool { return true }

// Initialize prepares the driver for use
func (d *EmulatedDriver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	d.initialized = true
	d.logger.Info("Emulated driver initialized", zap.Int("devices", len(d.specs)))
	return nil
}

// Cleanup releases any resources (none beyond the contexts themselves)
func (d *EmulatedDriver) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
	return nil
}

func (d *EmulatedDriver) DeviceCount() (int, error) {
	if err := d.checkInitialized(); err != nil {
		return 0, err
	}
	return len(d.specs), nil
}

func (d *EmulatedDriver) DeviceInfo(ordinal int) (DeviceInfo, error) {
	if err := d.checkOrdinal(ordinal); err != nil {
		return DeviceInfo{}, err
	}
	s := d.specs[ordinal]
	name := s.Name
	if name == "" {
		name = fmt.Sprintf("Emulated Device %d", ordinal)
	}
	return DeviceInfo{
		Ordinal:     ordinal,
		Name:        name,
		Major:       s.Major,
		Minor:       s.Minor,
		TotalMemory: s.TotalMemory,
	}, nil
}

func (d *EmulatedDriver) CreateContext(ordinal int) (Context, error) {
	if err := d.checkOrdinal(ordinal); err != nil {
		return nil, err
	}
	return &emulatedContext{
		drv:     d,
		ordinal: ordinal,
		limit:   uint64(d.specs[ordinal].TotalMemory),
		// Distinct address ranges per device make stray cross-device pointers detectable.
		next:   DevicePtr(uint64(ordinal+1) << 40),
		allocs: make(map[DevicePtr][]byte),
	}, nil
}

// Stats returns a snapshot of the activity counters.
func (d *EmulatedDriver) Stats() EmulatedStats {
	return EmulatedStats{
		ModuleLoads: d.moduleLoads.Load(),
		Launches:    d.launches.Load(),
		Allocations: d.allocs.Load(),
		Frees:       d.frees.Load(),
		Syncs:       d.syncs.Load(),
	}
}

// Kernels returns the library modules resolve entry points against.
func (d *EmulatedDriver) Kernels() *KernelLibrary { return d.kernels }

func (d *EmulatedDriver) checkInitialized() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return fmt.Errorf("emulated driver: %w", ErrNotInitialized)
	}
	return nil
}

func (d *EmulatedDriver) checkOrdinal(ordinal int) error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	if ordinal < 0 || ordinal >= len(d.specs) {
		return fmt.Errorf("emulated driver: invalid device ordinal %d", ordinal)
	}
	return nil
}

const emulatedAlignment = 256

type emulatedContext struct {
	drv     *EmulatedDriver
	ordinal int

	mu        sync.Mutex
	allocs    map[DevicePtr][]byte
	next      DevicePtr
	used      uint64
	limit     uint64
	destroyed bool
}

func (c *emulatedContext) Ordinal() int       { return c.ordinal }
func (c *emulatedContext) MakeCurrent() error { return c.alive() }

func (c *emulatedContext) NewStream() (Stream, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	return &emulatedStream{ctx: c}, nil
}

func (c *emulatedContext) MemAlloc(size uint64) (DevicePtr, error) {
	if size == 0 {
		return 0, fmt.Errorf("device %d: zero-byte allocation", c.ordinal)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, fmt.Errorf("device %d: context destroyed", c.ordinal)
	}
	if c.used+size > c.limit {
		return 0, fmt.Errorf("device %d: %d bytes requested, %d of %d in use: %w",
			c.ordinal, size, c.used, c.limit, ErrOutOfMemory)
	}
	ptr := c.next
	c.next += DevicePtr((size + emulatedAlignment - 1) / emulatedAlignment * emulatedAlignment)
	c.allocs[ptr] = make([]byte, size)
	c.used += size
	c.drv.allocs.Add(1)
	return ptr, nil
}

func (c *emulatedContext) MemFree(ptr DevicePtr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.allocs[ptr]
	if !ok {
		return fmt.Errorf("device %d: free of unknown pointer %#x", c.ordinal, uint64(ptr))
	}
	delete(c.allocs, ptr)
	c.used -= uint64(len(buf))
	c.drv.frees.Add(1)
	return nil
}

func (c *emulatedContext) LoadModule(source string) (Module, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	c.drv.moduleLoads.Add(1)
	return &emulatedModule{source: source, kernels: c.drv.kernels}, nil
}

func (c *emulatedContext) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.allocs = make(map[DevicePtr][]byte)
	c.used = 0
	return nil
}

// Used returns the number of device bytes currently allocated.
func (c *emulatedContext) Used() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *emulatedContext) buffer(ptr DevicePtr) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.allocs[ptr]
	if !ok {
		return nil, fmt.Errorf("device %d: invalid device pointer %#x", c.ordinal, uint64(ptr))
	}
	return buf, nil
}

func (c *emulatedContext) alive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("device %d: context destroyed", c.ordinal)
	}
	return nil
}

// emulatedStream runs every operation eagerly, which trivially preserves
// submission order.
type emulatedStream struct {
	ctx *emulatedContext
}

func (s *emulatedStream) CopyHtoD(dst DevicePtr, src []byte) error {
	buf, err := s.ctx.buffer(dst)
	if err != nil {
		return err
	}
	if len(src) > len(buf) {
		return fmt.Errorf("device %d: copy of %d bytes into %d-byte buffer", s.ctx.ordinal, len(src), len(buf))
	}
	copy(buf, src)
	return nil
}

func (s *emulatedStream) CopyDtoH(dst []byte, src DevicePtr) error {
	buf, err := s.ctx.buffer(src)
	if err != nil {
		return err
	}
	if len(dst) > len(buf) {
		return fmt.Errorf("device %d: copy of %d bytes from %d-byte buffer", s.ctx.ordinal, len(dst), len(buf))
	}
	copy(dst, buf)
	return nil
}

func (s *emulatedStream) Launch(k Kernel, cfg LaunchConfig, args [][]byte) error {
	ek, ok := k.(*emulatedKernel)
	if !ok {
		return fmt.Errorf("device %d: kernel %q was not loaded by the emulated driver", s.ctx.ordinal, k.Name())
	}
	s.ctx.drv.launches.Add(1)
	kc := &KernelContext{Config: cfg, Args: args, Device: s.ctx.ordinal, ctx: s.ctx}
	if err := ek.fn(kc); err != nil {
		return fmt.Errorf("kernel %s on device %d: %w", ek.name, s.ctx.ordinal, err)
	}
	return nil
}

func (s *emulatedStream) Synchronize() error {
	s.ctx.drv.syncs.Add(1)
	return s.ctx.alive()
}
func (s *emulatedStream) Destroy() error { return nil }

type emulatedModule struct {
	source  string
	kernels *KernelLibrary
}

func (m *emulatedModule) Function(name string) (Kernel, error) {
	if !strings.Contains(m.source, name) {
		return nil, fmt.Errorf("%q: %w", name, ErrKernelNotFound)
	}
	fn, ok := m.kernels.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%q has no emulated implementation: %w", name, ErrKernelNotFound)
	}
	return &emulatedKernel{name: name, fn: fn}, nil
}

func (m *emulatedModule) Unload() error { return nil }

type emulatedKernel struct {
	name string
	fn   KernelFunc
}

func (k *emulatedKernel) Name() string { return k.name }
