//go:build cuda

package gpu

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCUDADriver_Initialize(t *testing.T) {
	d := NewCUDADriver(zap.NewNop())
	if !d.IsAvailable() {
		t.Skip("CUDA not available on this system")
	}

	require.NoError(t, d.Initialize())
	// Test double initialization (should be idempotent)
	require.NoError(t, d.Initialize())
	defer d.Cleanup()

	n, err := d.DeviceCount()
	require.NoError(t, err)
	require.Greater(t, n, 0)

	info, err := d.DeviceInfo(0)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Name)
	assert.Greater(t, info.TotalMemory, int64(0))
	assert.Greater(t, info.Major, 0)
}

func TestCUDADriver_MemoryRoundTrip(t *testing.T) {
	d := NewCUDADriver(zap.NewNop())
	if !d.IsAvailable() {
		t.Skip("CUDA not available on this system")
	}
	require.NoError(t, d.Initialize())
	defer d.Cleanup()

	ctx, err := d.CreateContext(0)
	require.NoError(t, err)
	defer ctx.Destroy()
	stream, err := ctx.NewStream()
	require.NoError(t, err)
	defer stream.Destroy()

	ptr, err := ctx.MemAlloc(4096)
	require.NoError(t, err)
	defer ctx.MemFree(ptr)

	src := make([]byte, 4096)
	for i := range src {
		src[i] = byte(i * 7)
	}
	require.NoError(t, stream.CopyHtoD(ptr, src))
	dst := make([]byte, 4096)
	require.NoError(t, stream.CopyDtoH(dst, ptr))
	require.NoError(t, stream.Synchronize())
	assert.Equal(t, src, dst)
}

const vecAddPTX = `
.version 7.0
.target sm_50
.address_size 64

.visible .entry vecAdd(
	.param .u64 a, .param .u64 b, .param .u64 c, .param .u32 n, .param .u32 off)
{
	.reg .pred %p;
	.reg .b32 %r<8>;
	.reg .f32 %f<4>;
	.reg .b64 %rd<12>;

	ld.param.u64 %rd1, [a];
	ld.param.u64 %rd2, [b];
	ld.param.u64 %rd3, [c];
	ld.param.u32 %r1, [n];
	ld.param.u32 %r2, [off];
	mov.u32 %r3, %ctaid.x;
	add.s32 %r3, %r3, %r2;
	mov.u32 %r4, %ntid.x;
	mov.u32 %r5, %tid.x;
	mad.lo.s32 %r6, %r3, %r4, %r5;
	setp.ge.s32 %p, %r6, %r1;
	@%p bra DONE;
	mul.wide.s32 %rd4, %r6, 4;
	add.s64 %rd5, %rd1, %rd4;
	add.s64 %rd6, %rd2, %rd4;
	add.s64 %rd7, %rd3, %rd4;
	ld.global.f32 %f1, [%rd5];
	ld.global.f32 %f2, [%rd6];
	add.f32 %f3, %f1, %f2;
	st.global.f32 [%rd7], %f3;
DONE:
	ret;
}
`

func TestCUDADriver_LaunchVecAdd(t *testing.T) {
	d := NewCUDADriver(zap.NewNop())
	if !d.IsAvailable() {
		t.Skip("CUDA not available on this system")
	}
	require.NoError(t, d.Initialize())
	defer d.Cleanup()

	ctx, err := d.CreateContext(0)
	require.NoError(t, err)
	defer ctx.Destroy()
	stream, err := ctx.NewStream()
	require.NoError(t, err)
	mod, err := ctx.LoadModule(vecAddPTX)
	require.NoError(t, err)
	defer mod.Unload()
	k, err := mod.Function("vecAdd")
	require.NoError(t, err)

	const n = 256
	a, b := make([]float32, n), make([]float32, n)
	for i := range a {
		a[i], b[i] = float32(i), 1
	}
	var args [][]byte
	for _, host := range [][]float32{a, b, make([]float32, n)} {
		p, err := ctx.MemAlloc(4 * n)
		require.NoError(t, err)
		require.NoError(t, stream.CopyHtoD(p, Float32sToBytes(host)))
		args = append(args, PointerArg(p))
	}
	args = append(args, Int32Arg(n), Int32Arg(0))

	require.NoError(t, stream.Launch(k, LaunchConfig{Grid: Dim3{2, 1, 1}, Block: Dim3{128, 1, 1}}, args))
	out := make([]byte, 4*n)
	c := DevicePtr(binary.LittleEndian.Uint64(args[2]))
	require.NoError(t, stream.CopyDtoH(out, c))
	require.NoError(t, stream.Synchronize())
	for i, v := range BytesToFloat32s(out) {
		assert.InDelta(t, float32(i+1), v, 1e-6)
	}
}
