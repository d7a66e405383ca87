//go:build cuda

package gpu

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

// CUDA Driver API bindings loaded from libcuda at runtime, so the binary
// builds without cgo and degrades to the emulated driver on hosts without
// the NVIDIA driver.

type cuResult int32

const (
	cudaSuccess           cuResult = 0
	cudaErrorInvalidValue cuResult = 1
	cudaErrorOutOfMemory  cuResult = 2
	cudaErrorNotInit      cuResult = 3
	cudaErrorNoDevice     cuResult = 100
	cudaErrorInvalidCtx   cuResult = 201
	cudaErrorInvalidPTX   cuResult = 218
	cudaErrorNotFound     cuResult = 500
	cudaErrorLaunchFailed cuResult = 719
)

func (r cuResult) Error() string {
	switch r {
	case cudaSuccess:
		return "CUDA_SUCCESS"
	case cudaErrorInvalidValue:
		return "CUDA_ERROR_INVALID_VALUE"
	case cudaErrorOutOfMemory:
		return "CUDA_ERROR_OUT_OF_MEMORY"
	case cudaErrorNotInit:
		return "CUDA_ERROR_NOT_INITIALIZED"
	case cudaErrorNoDevice:
		return "CUDA_ERROR_NO_DEVICE"
	case cudaErrorInvalidCtx:
		return "CUDA_ERROR_INVALID_CONTEXT"
	case cudaErrorInvalidPTX:
		return "CUDA_ERROR_INVALID_PTX"
	case cudaErrorNotFound:
		return "CUDA_ERROR_NOT_FOUND"
	case cudaErrorLaunchFailed:
		return "CUDA_ERROR_LAUNCH_FAILED"
	default:
		return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
	}
}

func check(r cuResult, op string) error {
	if r == cudaSuccess {
		return nil
	}
	if r == cudaErrorOutOfMemory {
		return fmt.Errorf("%s: %w: %w", op, r, ErrOutOfMemory)
	}
	if r == cudaErrorNotFound {
		return fmt.Errorf("%s: %w: %w", op, r, ErrKernelNotFound)
	}
	return fmt.Errorf("%s: %w", op, r)
}

const (
	attrComputeCapabilityMajor = 75
	attrComputeCapabilityMinor = 76
	ctxSchedAuto               = 0
	streamNonBlocking          = 1
)

var (
	libOnce sync.Once
	libErr  error

	cuInit               func(flags uint32) cuResult
	cuDeviceGetCount     func(count *int32) cuResult
	cuDeviceGet          func(device *int32, ordinal int32) cuResult
	cuDeviceGetName      func(name *byte, length int32, dev int32) cuResult
	cuDeviceGetAttribute func(pi *int32, attrib int32, dev int32) cuResult
	cuDeviceTotalMem     func(bytes *uint64, dev int32) cuResult
	cuCtxCreate          func(pctx *uintptr, flags uint32, dev int32) cuResult
	cuCtxSetCurrent      func(ctx uintptr) cuResult
	cuCtxDestroy         func(ctx uintptr) cuResult
	cuStreamCreate       func(phStream *uintptr, flags uint32) cuResult
	cuStreamSynchronize  func(hStream uintptr) cuResult
	cuStreamDestroy      func(hStream uintptr) cuResult
	cuMemAlloc           func(dptr *uint64, bytesize uint64) cuResult
	cuMemFree            func(dptr uint64) cuResult
	cuMemcpyHtoDAsync    func(dst uint64, src unsafe.Pointer, n uint64, hStream uintptr) cuResult
	cuMemcpyDtoHAsync    func(dst unsafe.Pointer, src uint64, n uint64, hStream uintptr) cuResult
	cuModuleLoadData     func(module *uintptr, image unsafe.Pointer) cuResult
	cuModuleGetFunction  func(hfunc *uintptr, hmod uintptr, name *byte) cuResult
	cuModuleUnload       func(hmod uintptr) cuResult
	cuLaunchKernel       func(
		f uintptr,
		gridDimX, gridDimY, gridDimZ uint32,
		blockDimX, blockDimY, blockDimZ uint32,
		sharedMemBytes uint32,
		hStream uintptr,
		kernelParams unsafe.Pointer,
		extra unsafe.Pointer,
	) cuResult
)

func loadLibCUDA() error {
	libOnce.Do(func() {
		var lib uintptr
		lib, libErr = purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if libErr != nil {
			lib, libErr = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if libErr != nil {
				libErr = fmt.Errorf("cannot load libcuda.so: %w", libErr)
				return
			}
		}
		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuDeviceGetCount, lib, "cuDeviceGetCount")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuDeviceTotalMem, lib, "cuDeviceTotalMem_v2")
		purego.RegisterLibFunc(&cuCtxCreate, lib, "cuCtxCreate_v2")
		purego.RegisterLibFunc(&cuCtxSetCurrent, lib, "cuCtxSetCurrent")
		purego.RegisterLibFunc(&cuCtxDestroy, lib, "cuCtxDestroy_v2")
		purego.RegisterLibFunc(&cuStreamCreate, lib, "cuStreamCreate")
		purego.RegisterLibFunc(&cuStreamSynchronize, lib, "cuStreamSynchronize")
		purego.RegisterLibFunc(&cuStreamDestroy, lib, "cuStreamDestroy_v2")
		purego.RegisterLibFunc(&cuMemAlloc, lib, "cuMemAlloc_v2")
		purego.RegisterLibFunc(&cuMemFree, lib, "cuMemFree_v2")
		purego.RegisterLibFunc(&cuMemcpyHtoDAsync, lib, "cuMemcpyHtoDAsync_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoHAsync, lib, "cuMemcpyDtoHAsync_v2")
		purego.RegisterLibFunc(&cuModuleLoadData, lib, "cuModuleLoadData")
		purego.RegisterLibFunc(&cuModuleGetFunction, lib, "cuModuleGetFunction")
		purego.RegisterLibFunc(&cuModuleUnload, lib, "cuModuleUnload")
		purego.RegisterLibFunc(&cuLaunchKernel, lib, "cuLaunchKernel")
	})
	return libErr
}

// CUDADriver implements Driver on top of the NVIDIA driver API.
type CUDADriver struct {
	logger      *zap.Logger
	mu          sync.Mutex
	initialized bool
	available   bool
}

// NewCUDADriver creates a new CUDA driver instance
func NewCUDADriver(logger *zap.Logger) *CUDADriver {
	d := &CUDADriver{logger: logger.Named("cuda")}
	if err := d.checkDevice(); err != nil {
		d.logger.Warn("CUDA device not available", zap.Error(err))
	} else {
		d.available = true
	}
	return d
}

func (d *CUDADriver) Name() string      { return "cuda" }
func (d *CUDADriver) IsAvailable() bool { return d.available }

func (d *CUDADriver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.available {
		return fmt.Errorf("CUDA device not available")
	}
	if d.initialized {
		return nil
	}
	if err := check(cuInit(0), "cuInit"); err != nil {
		return err
	}
	d.initialized = true
	d.logger.Debug("CUDA driver initialized")
	return nil
}

func (d *CUDADriver) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
	return nil
}

func (d *CUDADriver) DeviceCount() (int, error) {
	var n int32
	if err := check(cuDeviceGetCount(&n), "cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (d *CUDADriver) DeviceInfo(ordinal int) (DeviceInfo, error) {
	var dev int32
	if err := check(cuDeviceGet(&dev, int32(ordinal)), "cuDeviceGet"); err != nil {
		return DeviceInfo{}, err
	}
	name := make([]byte, 256)
	if err := check(cuDeviceGetName(&name[0], int32(len(name)), dev), "cuDeviceGetName"); err != nil {
		return DeviceInfo{}, err
	}
	var major, minor int32
	if err := check(cuDeviceGetAttribute(&major, attrComputeCapabilityMajor, dev), "cuDeviceGetAttribute"); err != nil {
		return DeviceInfo{}, err
	}
	if err := check(cuDeviceGetAttribute(&minor, attrComputeCapabilityMinor, dev), "cuDeviceGetAttribute"); err != nil {
		return DeviceInfo{}, err
	}
	var total uint64
	if err := check(cuDeviceTotalMem(&total, dev), "cuDeviceTotalMem"); err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		Ordinal:     ordinal,
		Name:        cString(name),
		Major:       int(major),
		Minor:       int(minor),
		TotalMemory: int64(total),
	}, nil
}

func (d *CUDADriver) CreateContext(ordinal int) (Context, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var dev int32
	if err := check(cuDeviceGet(&dev, int32(ordinal)), "cuDeviceGet"); err != nil {
		return nil, err
	}
	var ctx uintptr
	if err := check(cuCtxCreate(&ctx, ctxSchedAuto, dev), "cuCtxCreate"); err != nil {
		return nil, err
	}
	return &cudaContext{ordinal: ordinal, ctx: ctx}, nil
}

// checkDevice verifies that libcuda loads and reports at least one device.
func (d *CUDADriver) checkDevice() error {
	if err := loadLibCUDA(); err != nil {
		return err
	}
	if err := check(cuInit(0), "cuInit"); err != nil {
		return err
	}
	var n int32
	if err := check(cuDeviceGetCount(&n), "cuDeviceGetCount"); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no CUDA capable devices")
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

type cudaContext struct {
	ordinal int
	ctx     uintptr
}

func (c *cudaContext) Ordinal() int { return c.ordinal }

func (c *cudaContext) MakeCurrent() error {
	return check(cuCtxSetCurrent(c.ctx), "cuCtxSetCurrent")
}

// do runs fn with the context current on a locked OS thread.
func (c *cudaContext) do(op string, fn func() cuResult) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := c.MakeCurrent(); err != nil {
		return err
	}
	return check(fn(), op)
}

func (c *cudaContext) NewStream() (Stream, error) {
	var h uintptr
	if err := c.do("cuStreamCreate", func() cuResult { return cuStreamCreate(&h, streamNonBlocking) }); err != nil {
		return nil, err
	}
	return &cudaStream{ctx: c, h: h}, nil
}

func (c *cudaContext) MemAlloc(size uint64) (DevicePtr, error) {
	var ptr uint64
	if err := c.do("cuMemAlloc", func() cuResult { return cuMemAlloc(&ptr, size) }); err != nil {
		return 0, err
	}
	return DevicePtr(ptr), nil
}

func (c *cudaContext) MemFree(ptr DevicePtr) error {
	return c.do("cuMemFree", func() cuResult { return cuMemFree(uint64(ptr)) })
}

func (c *cudaContext) LoadModule(source string) (Module, error) {
	image := append([]byte(source), 0)
	var mod uintptr
	err := c.do("cuModuleLoadData", func() cuResult {
		return cuModuleLoadData(&mod, unsafe.Pointer(&image[0]))
	})
	runtime.KeepAlive(image)
	if err != nil {
		return nil, err
	}
	return &cudaModule{ctx: c, h: mod}, nil
}

func (c *cudaContext) Destroy() error {
	return check(cuCtxDestroy(c.ctx), "cuCtxDestroy")
}

type cudaStream struct {
	ctx *cudaContext
	h   uintptr
}

// Copies from pageable Go memory are staged by the driver; the source slice
// must stay reachable until the stream is synchronized.
func (s *cudaStream) CopyHtoD(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	err := s.ctx.do("cuMemcpyHtoDAsync", func() cuResult {
		return cuMemcpyHtoDAsync(uint64(dst), unsafe.Pointer(&src[0]), uint64(len(src)), s.h)
	})
	runtime.KeepAlive(src)
	return err
}

func (s *cudaStream) CopyDtoH(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	err := s.ctx.do("cuMemcpyDtoHAsync", func() cuResult {
		return cuMemcpyDtoHAsync(unsafe.Pointer(&dst[0]), uint64(src), uint64(len(dst)), s.h)
	})
	runtime.KeepAlive(dst)
	return err
}

func (s *cudaStream) Launch(k Kernel, cfg LaunchConfig, args [][]byte) error {
	ck, ok := k.(*cudaKernel)
	if !ok {
		return fmt.Errorf("kernel %q was not loaded by the CUDA driver", k.Name())
	}
	params := make([]unsafe.Pointer, len(args))
	for i, a := range args {
		if len(a) == 0 {
			return fmt.Errorf("kernel %q: empty argument %d", ck.name, i)
		}
		params[i] = unsafe.Pointer(&a[0])
	}
	var paramsPtr unsafe.Pointer
	if len(params) > 0 {
		paramsPtr = unsafe.Pointer(&params[0])
	}
	// cuLaunchKernel copies argument values before returning.
	err := s.ctx.do("cuLaunchKernel", func() cuResult {
		return cuLaunchKernel(ck.h,
			cfg.Grid.X, cfg.Grid.Y, cfg.Grid.Z,
			cfg.Block.X, cfg.Block.Y, cfg.Block.Z,
			cfg.SharedMemBytes, s.h, paramsPtr, nil)
	})
	runtime.KeepAlive(args)
	runtime.KeepAlive(params)
	return err
}

func (s *cudaStream) Synchronize() error {
	return s.ctx.do("cuStreamSynchronize", func() cuResult { return cuStreamSynchronize(s.h) })
}

func (s *cudaStream) Destroy() error {
	return s.ctx.do("cuStreamDestroy", func() cuResult { return cuStreamDestroy(s.h) })
}

type cudaModule struct {
	ctx *cudaContext
	h   uintptr
}

func (m *cudaModule) Function(name string) (Kernel, error) {
	cname := append([]byte(name), 0)
	var fn uintptr
	err := m.ctx.do("cuModuleGetFunction", func() cuResult {
		return cuModuleGetFunction(&fn, m.h, &cname[0])
	})
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	return &cudaKernel{name: name, h: fn}, nil
}

func (m *cudaModule) Unload() error {
	return m.ctx.do("cuModuleUnload", func() cuResult { return cuModuleUnload(m.h) })
}

type cudaKernel struct {
	name string
	h    uintptr
}

func (k *cudaKernel) Name() string { return k.name }
