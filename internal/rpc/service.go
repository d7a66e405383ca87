// Package rpc exposes the backend over gRPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/internal/handle"
	"github.com/fxnlabs/weft/internal/kernel"
	"github.com/fxnlabs/weft/internal/memory"
	"github.com/fxnlabs/weft/internal/scheduler"
	"github.com/fxnlabs/weft/pkg/errdefs"
	"github.com/fxnlabs/weft/pkg/wire"
)

// Launcher runs a launch request for a registered function.
type Launcher interface {
	Launch(ctx context.Context, fn handle.Handle, req scheduler.Request) error
}

// Service implements wire.BackendServer on top of the memory manager, the
// kernel registry and the scheduler.
type Service struct {
	log      *zap.Logger
	memory   *memory.Manager
	kernels  *kernel.Registry
	launcher Launcher
	chunk    int
}

// NewService creates the service. chunkSize bounds ReadMemory messages and
// incoming WriteMemory chunks; values outside (0, wire.MaxChunkSize] mean
// wire.MaxChunkSize.
func NewService(log *zap.Logger, mem *memory.Manager, kernels *kernel.Registry, launcher Launcher, chunkSize int) *Service {
	if chunkSize <= 0 || chunkSize > wire.MaxChunkSize {
		chunkSize = wire.MaxChunkSize
	}
	return &Service{
		log:      log.Named("rpc"),
		memory:   mem,
		kernels:  kernels,
		launcher: launcher,
		chunk:    chunkSize,
	}
}

var _ wire.BackendServer = (*Service)(nil)

func (s *Service) Allocate(ctx context.Context, req *wire.AllocateRequest) (*wire.AllocateResponse, error) {
	h := s.memory.Allocate(req.Size)
	s.log.Debug("MemAlloc", zap.Stringer("handle", h), zap.Uint64("size", req.Size))
	return &wire.AllocateResponse{Handle: uint64(h)}, nil
}

func (s *Service) Free(ctx context.Context, req *wire.FreeRequest) (*wire.Empty, error) {
	s.log.Debug("MemFree", zap.Stringer("handle", handle.Handle(req.Handle)))
	if err := s.memory.Free(handle.Handle(req.Handle)); err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

func (s *Service) WriteMemory(stream grpc.ClientStreamingServer[wire.WriteMemoryChunk, wire.Empty]) error {
	first, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("write memory: empty stream: %w", errdefs.ErrInvalidArgument)
	}
	if err != nil {
		return err
	}
	h := handle.Handle(first.Handle)
	b, err := s.memory.Get(h)
	if err != nil {
		return err
	}

	// Chunks are collected and written in one step, so a rejected stream
	// leaves the block unchanged.
	data := make([]byte, 0, min(b.Size(), uint64(s.chunk)))
	msg := first
	for {
		if len(msg.Data) > s.chunk {
			return fmt.Errorf("write memory %s: %d-byte chunk exceeds %d: %w", h, len(msg.Data), s.chunk, errdefs.ErrInvalidArgument)
		}
		if uint64(len(data))+uint64(len(msg.Data)) > b.Size() {
			return fmt.Errorf("write memory %s: stream exceeds %d-byte block: %w", h, b.Size(), errdefs.ErrInvalidArgument)
		}
		data = append(data, msg.Data...)

		msg, err = stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := s.memory.Write(h, 0, data); err != nil {
		return err
	}
	offset := uint64(len(data))
	s.log.Debug("MemcpyHtoD", zap.Stringer("handle", h), zap.Uint64("bytes", offset))
	return stream.SendAndClose(&wire.Empty{})
}

func (s *Service) ReadMemory(req *wire.ReadMemoryRequest, stream grpc.ServerStreamingServer[wire.MemoryChunk]) error {
	h := handle.Handle(req.Handle)
	data, err := s.memory.Read(h, 0, req.Size)
	if err != nil {
		return err
	}
	for _, chunk := range wire.Chunks(data, s.chunk) {
		if err := stream.Send(&wire.MemoryChunk{Data: chunk}); err != nil {
			return err
		}
	}
	s.log.Debug("MemcpyDtoH", zap.Stringer("handle", h), zap.Uint64("bytes", req.Size))
	return nil
}

func (s *Service) LoadModule(ctx context.Context, req *wire.LoadModuleRequest) (*wire.LoadModuleResponse, error) {
	h := s.kernels.LoadModule(req.Source)
	s.log.Debug("ModuleLoadData", zap.Stringer("module", h))
	return &wire.LoadModuleResponse{Handle: uint64(h)}, nil
}

func (s *Service) GetFunction(ctx context.Context, req *wire.GetFunctionRequest) (*wire.GetFunctionResponse, error) {
	params := make([]kernel.Param, len(req.Params))
	for i, p := range req.Params {
		params[i] = kernel.Param{Size: p.Size, IsPointer: p.IsPointer, IsConst: p.IsConst}
	}
	h, err := s.kernels.GetFunction(handle.Handle(req.Module), req.Name, params)
	if err != nil {
		return nil, err
	}
	s.log.Debug("ModuleGetFunction",
		zap.Stringer("module", handle.Handle(req.Module)),
		zap.String("name", req.Name),
		zap.Stringer("function", h),
	)
	return &wire.GetFunctionResponse{Handle: uint64(h)}, nil
}

func (s *Service) Launch(ctx context.Context, req *wire.LaunchRequest) (*wire.Empty, error) {
	args := make([]scheduler.Arg, len(req.Params))
	for i, p := range req.Params {
		args[i] = scheduler.Arg{
			Size:      p.Size,
			IsPointer: p.IsPointer,
			IsConst:   p.IsConst,
			Value:     p.Data,
			Block:     handle.Handle(p.Block),
		}
	}
	fn := handle.Handle(req.Function)
	// The client's stream handle is accepted but launches always complete
	// before the call returns.
	s.log.Debug("LaunchKernel", zap.Stringer("function", fn), zap.Uint64("hStream", req.Stream))

	err := s.launcher.Launch(ctx, fn, scheduler.Request{
		Grid:           toDim3(req.Grid),
		Block:          toDim3(req.Block),
		SharedMemBytes: req.SharedMemBytes,
		Args:           args,
	})
	if err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

func toDim3(d wire.Dim3) gpu.Dim3 {
	return gpu.Dim3{X: d.X, Y: d.Y, Z: d.Z}
}
