package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned by Context.MemAlloc when the device is exhausted.
	ErrOutOfMemory = errors.New("out of device memory")

	// ErrKernelNotFound is returned when a module has no entry point of the requested name.
	ErrKernelNotFound = errors.New("kernel entry point not found")

	// ErrNotInitialized is returned when a driver is used before Initialize.
	ErrNotInitialized = errors.New("driver not initialized")
)

// DevicePtr is a device-resident buffer address.
type DevicePtr uint64

// Dim3 is a 3-D launch extent.
type Dim3 struct {
	X, Y, Z uint32
}

// Count returns the number of elements covered by d.
func (d Dim3) Count() uint64 {
	return uint64(d.X) * uint64(d.Y) * uint64(d.Z)
}

// LaunchConfig is the geometry of one kernel dispatch.
type LaunchConfig struct {
	Grid           Dim3
	Block          Dim3
	SharedMemBytes uint32
}

// DeviceInfo contains information about a device
type DeviceInfo struct {
	Ordinal     int    `json:"ordinal"`
	Name        string `json:"name"`
	Major       int    `json:"major"`
	Minor       int    `json:"minor"`
	TotalMemory int64  `json:"totalMemory"` // in bytes
}

// ComputeCapability formats the capability version as "major.minor".
func (d DeviceInfo) ComputeCapability() string {
	return fmt.Sprintf("%d.%d", d.Major, d.Minor)
}

// Driver is the device API the backend executes against. It allows for the
// CUDA driver and the emulated devices to be used interchangeably.
//
// Implementation notes:
//   - Initialize must be called once before any other method but IsAvailable
//   - Contexts are independent; a Context and its Streams may be used from
//     several goroutines, but a single Stream is only used by one at a time
//   - Cleanup releases driver-global state; contexts must be destroyed first
type Driver interface {
	// Name identifies the driver ("cuda", "emulated").
	Name() string

	// IsAvailable reports whether the driver can be initialized.
	// This should perform a quick check without heavy initialization.
	IsAvailable() bool

	// Initialize prepares the driver for use.
	Initialize() error

	// DeviceCount returns the number of devices the driver exposes.
	DeviceCount() (int, error)

	// DeviceInfo describes the device at ordinal.
	DeviceInfo(ordinal int) (DeviceInfo, error)

	// CreateContext establishes an execution context on the device at ordinal.
	CreateContext(ordinal int) (Context, error)

	// Cleanup releases any resources held by the driver.
	Cleanup() error
}

// Context is an execution context bound to a single device.
type Context interface {
	Ordinal() int

	// MakeCurrent binds the context to the calling OS thread. Callers that
	// rely on it must hold the thread with runtime.LockOSThread.
	MakeCurrent() error

	NewStream() (Stream, error)

	// MemAlloc allocates size bytes of device memory. Exhaustion is
	// reported with an error wrapping ErrOutOfMemory.
	MemAlloc(size uint64) (DevicePtr, error)
	MemFree(ptr DevicePtr) error

	// LoadModule compiles/loads kernel program text into a device module.
	LoadModule(source string) (Module, error)

	Destroy() error
}

// Stream is an ordered queue of asynchronous device operations.
type Stream interface {
	CopyHtoD(dst DevicePtr, src []byte) error
	CopyDtoH(dst []byte, src DevicePtr) error

	// Launch enqueues a kernel. args holds the raw bytes of every argument
	// value in call order.
	Launch(k Kernel, cfg LaunchConfig, args [][]byte) error

	// Synchronize blocks until every enqueued operation has completed.
	Synchronize() error
	Destroy() error
}

// Module is a loaded unit of device code.
type Module interface {
	Function(name string) (Kernel, error)
	Unload() error
}

// Kernel is a resolved entry point of a Module.
type Kernel interface {
	Name() string
}

// PointerArg encodes a device address as a kernel argument.
func PointerArg(p DevicePtr) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(p))
	return b
}

// Int32Arg encodes a 32-bit signed integer kernel argument.
func Int32Arg(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}
