// Package scheduler runs kernel launches across the device pool.
//
// A launch is split along the grid's X dimension into one slice per device.
// Every slice runs as a task on a fixed worker pool: it takes a stream of its
// device, compiles the function's module, uploads each referenced memory
// block, dispatches the kernel and merges writable blocks back into host
// memory. The launch returns once every slice has finished.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fxnlabs/weft/internal/device"
	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/internal/handle"
	"github.com/fxnlabs/weft/internal/kernel"
	"github.com/fxnlabs/weft/internal/memory"
	"github.com/fxnlabs/weft/internal/metrics"
	"github.com/fxnlabs/weft/pkg/errdefs"
)

var errSiblingFailed = errors.New("another device slice failed")

type Options struct {
	// Workers is the size of the task pool. 0 means the total number of
	// streams across all devices.
	Workers int

	// LaunchTimeout bounds a whole launch. 0 means no limit.
	LaunchTimeout time.Duration
}

type Scheduler struct {
	log     *zap.Logger
	memory  *memory.Manager
	kernels *kernel.Registry
	devices *device.Pool
	workers *WorkerPool
	timeout time.Duration
}

func New(log *zap.Logger, mem *memory.Manager, kernels *kernel.Registry, devices *device.Pool, opts Options) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = devices.TotalStreams()
	}
	log = log.Named("scheduler")
	log.Info("Scheduler ready", zap.Int("devices", devices.Len()), zap.Int("workers", workers))
	return &Scheduler{
		log:     log,
		memory:  mem,
		kernels: kernels,
		devices: devices,
		workers: NewWorkerPool(workers),
		timeout: opts.LaunchTimeout,
	}
}

// Close stops the worker pool. In-flight launches finish first.
func (s *Scheduler) Close() {
	s.workers.Close()
}

// Launch resolves the function h and runs req across all devices.
func (s *Scheduler) Launch(ctx context.Context, h handle.Handle, req Request) error {
	fn, err := s.kernels.GetFunctionByHandle(h)
	if err != nil {
		return err
	}
	if len(req.Args) != len(fn.Params) {
		return fmt.Errorf("function %s (%s) takes %d arguments, got %d: %w",
			h, fn.Name, len(fn.Params), len(req.Args), errdefs.ErrInvalidArgument)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err = s.LaunchAcrossDevices(ctx, fn, req)
	metrics.LaunchDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.Launches.WithLabelValues(metrics.OutcomeFailure).Inc()
		return err
	}
	metrics.Launches.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return nil
}

// LaunchAcrossDevices splits req over every device and waits for all slices.
// If a slice fails the others are cancelled and awaited, and the failures are
// returned together as an *errdefs.PartialLaunchError. Device results reach
// the host buffers only once every slice has succeeded; a failed launch
// leaves host memory as it was.
func (s *Scheduler) LaunchAcrossDevices(ctx context.Context, fn *kernel.Function, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	source, err := s.kernels.Source(fn)
	if err != nil {
		return err
	}
	blocks, err := s.pin(req)
	if err != nil {
		return err
	}
	defer s.unpin(blocks)

	devices := s.devices.Devices()
	parts, dropped := Split(req, len(devices))
	if dropped > 0 {
		metrics.DroppedBlocks.Add(float64(dropped))
		s.log.Warn("Grid does not divide evenly across devices; trailing blocks are not scheduled",
			zap.Stringer("function", fn.Handle),
			zap.Uint32("gridDimX", req.Grid.X),
			zap.Int("devices", len(devices)),
			zap.Uint32("dropped", dropped),
		)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	futures := make([]*Future[sliceResult], len(parts))
	for i, part := range parts {
		if part.Grid.X == 0 {
			continue
		}
		dev := devices[i]
		futures[i] = Submit(ctx, s.workers, func(ctx context.Context) (sliceResult, error) {
			start := time.Now()
			staged, err := s.launchOnDevice(ctx, fn, source, part, dev, blocks)
			if err != nil {
				cancel(errSiblingFailed)
			}
			return sliceResult{elapsed: time.Since(start), staged: staged}, err
		})
	}

	var (
		failures []errdefs.DeviceFailure
		staged   []*memory.Staged
	)
	for i, f := range futures {
		if f == nil {
			continue
		}
		res, err := f.Wait()
		if err == nil {
			s.log.Debug("Device slice finished", zap.Int("device", i), zap.Duration("elapsed", res.elapsed))
			staged = append(staged, res.staged...)
			continue
		}
		// Slices stopped by a sibling's failure are not failures of their own.
		if errors.Is(err, context.Canceled) && errors.Is(context.Cause(ctx), errSiblingFailed) {
			continue
		}
		failures = append(failures, errdefs.DeviceFailure{Device: i, Err: err})
	}
	if len(failures) > 0 {
		// Results of the slices that did finish are discarded.
		return errdefs.NewPartialLaunchError(len(devices), failures)
	}
	for _, st := range staged {
		s.memory.Commit(st)
	}
	return nil
}

type sliceResult struct {
	elapsed time.Duration
	staged  []*memory.Staged
}

// LaunchOnDevice runs req on a single device.
func (s *Scheduler) LaunchOnDevice(ctx context.Context, fn *kernel.Function, req Request, dev *device.Device) error {
	if err := req.validate(); err != nil {
		return err
	}
	source, err := s.kernels.Source(fn)
	if err != nil {
		return err
	}
	blocks, err := s.pin(req)
	if err != nil {
		return err
	}
	defer s.unpin(blocks)
	staged, err := s.launchOnDevice(ctx, fn, source, req, dev, blocks)
	if err != nil {
		return err
	}
	for _, st := range staged {
		s.memory.Commit(st)
	}
	return nil
}

func (s *Scheduler) launchOnDevice(ctx context.Context, fn *kernel.Function, source string, req Request, dev *device.Device, blocks map[handle.Handle]*memory.Block) ([]*memory.Staged, error) {
	// Driver contexts are bound to OS threads.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dctx := dev.Context()
	if err := dctx.MakeCurrent(); err != nil {
		return nil, err
	}

	stream, err := dev.Streams().Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer dev.Streams().Release(stream)

	mod, err := dctx.LoadModule(source)
	if err != nil {
		return nil, fmt.Errorf("load module of %s: %w", fn.Name, err)
	}
	defer mod.Unload()
	metrics.ModuleLoads.WithLabelValues(strconv.Itoa(dev.Index())).Inc()

	k, err := mod.Function(fn.Name)
	if err != nil {
		if errors.Is(err, gpu.ErrKernelNotFound) {
			return nil, fmt.Errorf("function %s: %w: %w", fn.Name, errdefs.ErrNotFound, err)
		}
		return nil, err
	}

	args := make([][]byte, 0, len(req.Args)+1)
	for _, a := range req.Args {
		if !a.IsPointer {
			args = append(args, a.Value)
			continue
		}
		ptr, err := s.memory.Upload(blocks[a.Block], dctx, stream)
		if err != nil {
			return nil, err
		}
		args = append(args, gpu.PointerArg(ptr))
	}
	args = append(args, gpu.Int32Arg(int32(req.BlockOffset)))

	if ce := s.log.Check(zap.DebugLevel, "Launching kernel"); ce != nil {
		ce.Write(
			zap.Stringer("function", fn.Handle),
			zap.String("name", fn.Name),
			zap.Int("device", dev.Index()),
			zap.Uint32s("grid", []uint32{req.Grid.X, req.Grid.Y, req.Grid.Z}),
			zap.Uint32s("block", []uint32{req.Block.X, req.Block.Y, req.Block.Z}),
			zap.Uint32("sharedMemBytes", req.SharedMemBytes),
			zap.Uint32("blockOffset", req.BlockOffset),
			zap.Array("args", argList(req.Args)),
		)
	}

	if err := stream.Launch(k, req.config(), args); err != nil {
		return nil, err
	}
	// The module is unloaded and the stream released on return, so the
	// kernel must be done before then.
	if err := stream.Synchronize(); err != nil {
		return nil, fmt.Errorf("kernel %s on device %d: %w", fn.Name, dev.Index(), err)
	}

	var staged []*memory.Staged
	for _, a := range req.Args {
		if !a.Writable() {
			continue
		}
		st, err := s.memory.Stage(blocks[a.Block], dctx, stream)
		if err != nil {
			return nil, err
		}
		staged = append(staged, st)
	}
	return staged, nil
}

func (s *Scheduler) pin(req Request) (map[handle.Handle]*memory.Block, error) {
	blocks := make(map[handle.Handle]*memory.Block)
	for _, a := range req.Args {
		if !a.IsPointer {
			continue
		}
		if _, ok := blocks[a.Block]; ok {
			continue
		}
		b, err := s.memory.Pin(a.Block)
		if err != nil {
			s.unpin(blocks)
			return nil, err
		}
		blocks[a.Block] = b
	}
	return blocks, nil
}

func (s *Scheduler) unpin(blocks map[handle.Handle]*memory.Block) {
	for h, b := range blocks {
		if err := s.memory.Unpin(b); err != nil {
			s.log.Error("Failed to release freed block", zap.Stringer("handle", h), zap.Error(err))
		}
	}
}

type argList []Arg

func (l argList) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, a := range l {
		_ = enc.AppendObject(zapcore.ObjectMarshalerFunc(func(oe zapcore.ObjectEncoder) error {
			oe.AddUint32("size", a.Size)
			oe.AddBool("pointer", a.IsPointer)
			oe.AddBool("const", a.IsConst)
			return nil
		}))
	}
	return nil
}
