package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// KernelFunc is the Go implementation of an emulated kernel.
type KernelFunc func(kc *KernelContext) error

// KernelLibrary maps entry point names to emulated implementations.
type KernelLibrary struct {
	mu      sync.RWMutex
	kernels map[string]KernelFunc
}

func NewKernelLibrary() *KernelLibrary {
	return &KernelLibrary{kernels: make(map[string]KernelFunc)}
}

// DefaultKernels returns a library holding the built-in kernels.
func DefaultKernels() *KernelLibrary {
	lib := NewKernelLibrary()
	lib.Register("vecAdd", VecAdd)
	lib.Register("saxpy", Saxpy)
	lib.Register("matMul", MatMul)
	return lib
}

// Register adds or replaces the implementation of name.
func (l *KernelLibrary) Register(name string, fn KernelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kernels[name] = fn
}

func (l *KernelLibrary) Lookup(name string) (KernelFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.kernels[name]
	return fn, ok
}

// KernelContext is what an emulated kernel sees of its launch.
type KernelContext struct {
	Config LaunchConfig
	Args   [][]byte
	Device int

	ctx *emulatedContext
}

// Buffer resolves pointer argument i to the device memory it addresses.
func (kc *KernelContext) Buffer(i int) ([]byte, error) {
	raw, err := kc.arg(i, 8)
	if err != nil {
		return nil, err
	}
	return kc.ctx.buffer(DevicePtr(binary.LittleEndian.Uint64(raw)))
}

func (kc *KernelContext) Int32(i int) (int32, error) {
	raw, err := kc.arg(i, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(raw)), nil
}

func (kc *KernelContext) Float32(i int) (float32, error) {
	raw, err := kc.arg(i, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(raw)), nil
}

// BlockOffset returns the trailing block offset argument appended at dispatch.
func (kc *KernelContext) BlockOffset() (int32, error) {
	return kc.Int32(len(kc.Args) - 1)
}

// ForEachBlock calls fn for every block of the grid. The X coordinate is
// already shifted by the block offset, so it is the block's global index.
func (kc *KernelContext) ForEachBlock(fn func(block Dim3) error) error {
	off, err := kc.BlockOffset()
	if err != nil {
		return err
	}
	g := kc.Config.Grid
	for z := uint32(0); z < g.Z; z++ {
		for y := uint32(0); y < g.Y; y++ {
			for x := uint32(0); x < g.X; x++ {
				if err := fn(Dim3{X: x + uint32(off), Y: y, Z: z}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (kc *KernelContext) arg(i, size int) ([]byte, error) {
	if i < 0 || i >= len(kc.Args) {
		return nil, fmt.Errorf("argument %d out of range (%d arguments)", i, len(kc.Args))
	}
	if len(kc.Args[i]) < size {
		return nil, fmt.Errorf("argument %d is %d bytes, want %d", i, len(kc.Args[i]), size)
	}
	return kc.Args[i][:size], nil
}

func loadF32(buf []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
}

func storeF32(buf []byte, i int, v float32) {
	binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
}

// VecAdd implements vecAdd(const float* a, const float* b, float* c, int n):
// c[i] = a[i] + b[i] with i = blockIdx.x*blockDim.x + threadIdx.x.
func VecAdd(kc *KernelContext) error {
	a, err := kc.Buffer(0)
	if err != nil {
		return err
	}
	b, err := kc.Buffer(1)
	if err != nil {
		return err
	}
	c, err := kc.Buffer(2)
	if err != nil {
		return err
	}
	n, err := kc.Int32(3)
	if err != nil {
		return err
	}
	limit := min(int(n), len(a)/4, len(b)/4, len(c)/4)
	bx := kc.Config.Block.X
	return kc.ForEachBlock(func(block Dim3) error {
		for t := uint32(0); t < bx; t++ {
			i := int(block.X*bx + t)
			if i < limit {
				storeF32(c, i, loadF32(a, i)+loadF32(b, i))
			}
		}
		return nil
	})
}

// Saxpy implements saxpy(float alpha, const float* x, float* y, int n):
// y[i] = alpha*x[i] + y[i].
func Saxpy(kc *KernelContext) error {
	alpha, err := kc.Float32(0)
	if err != nil {
		return err
	}
	x, err := kc.Buffer(1)
	if err != nil {
		return err
	}
	y, err := kc.Buffer(2)
	if err != nil {
		return err
	}
	n, err := kc.Int32(3)
	if err != nil {
		return err
	}
	limit := min(int(n), len(x)/4, len(y)/4)
	bx := kc.Config.Block.X
	return kc.ForEachBlock(func(block Dim3) error {
		for t := uint32(0); t < bx; t++ {
			i := int(block.X*bx + t)
			if i < limit {
				storeF32(y, i, alpha*loadF32(x, i)+loadF32(y, i))
			}
		}
		return nil
	})
}

// MatMul implements matMul(const float* a, const float* b, float* c, int m, int k, int n)
// for row-major A (m×k), B (k×n) and C (m×n). Block x computes row x of C and
// its threads stride over the columns.
func MatMul(kc *KernelContext) error {
	a, err := kc.Buffer(0)
	if err != nil {
		return err
	}
	b, err := kc.Buffer(1)
	if err != nil {
		return err
	}
	c, err := kc.Buffer(2)
	if err != nil {
		return err
	}
	dims := [3]int32{}
	for i := range dims {
		if dims[i], err = kc.Int32(3 + i); err != nil {
			return err
		}
	}
	m, k, n := int(dims[0]), int(dims[1]), int(dims[2])
	if len(a) < 4*m*k || len(b) < 4*k*n || len(c) < 4*m*n {
		return fmt.Errorf("matMul: buffers too small for %dx%d * %dx%d", m, k, k, n)
	}
	threads := int(kc.Config.Block.X)
	if threads == 0 {
		return nil
	}
	return kc.ForEachBlock(func(block Dim3) error {
		row := int(block.X)
		if row >= m {
			return nil
		}
		for t := 0; t < threads; t++ {
			for col := t; col < n; col += threads {
				sum := float32(0)
				for l := 0; l < k; l++ {
					sum += loadF32(a, row*k+l) * loadF32(b, l*n+col)
				}
				storeF32(c, row*n+col, sum)
			}
		}
		return nil
	})
}
