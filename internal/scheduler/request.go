package scheduler

import (
	"fmt"

	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/internal/handle"
	"github.com/fxnlabs/weft/pkg/errdefs"
)

// Arg is one actual kernel argument: inline scalar bytes, or a memory block
// when IsPointer is set.
type Arg struct {
	Size      uint32
	IsPointer bool
	IsConst   bool
	Value     []byte
	Block     handle.Handle
}

// Writable reports whether the argument's block is written back after the launch.
func (a Arg) Writable() bool { return a.IsPointer && !a.IsConst }

// Request is one kernel dispatch. BlockOffset is passed to the kernel as its
// trailing argument so a slice of the grid can locate its global block index.
type Request struct {
	Grid           gpu.Dim3
	Block          gpu.Dim3
	SharedMemBytes uint32
	BlockOffset    uint32
	Args           []Arg
}

func (r Request) config() gpu.LaunchConfig {
	return gpu.LaunchConfig{Grid: r.Grid, Block: r.Block, SharedMemBytes: r.SharedMemBytes}
}

func (r Request) validate() error {
	if r.Grid.Count() == 0 || r.Block.Count() == 0 {
		return fmt.Errorf("grid %v and block %v must be non-empty: %w", r.Grid, r.Block, errdefs.ErrInvalidArgument)
	}
	for i, a := range r.Args {
		if !a.IsPointer && uint32(len(a.Value)) != a.Size {
			return fmt.Errorf("argument %d: %d value bytes for a %d-byte parameter: %w",
				i, len(a.Value), a.Size, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

// Split divides req along the grid's X dimension into n slices of
// Grid.X/n blocks, slice i starting at block i*(Grid.X/n). The remainder
// Grid.X%n is not part of any slice and is returned as dropped.
func Split(req Request, n int) (parts []Request, dropped uint32) {
	if n < 1 {
		return nil, req.Grid.X
	}
	per := req.Grid.X / uint32(n)
	parts = make([]Request, n)
	for i := range parts {
		part := req
		part.Grid.X = per
		part.BlockOffset = uint32(i) * per
		parts[i] = part
	}
	return parts, req.Grid.X - per*uint32(n)
}
