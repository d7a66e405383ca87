package memory

import (
	"bytes"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/internal/handle"
	"github.com/fxnlabs/weft/pkg/errdefs"
)

type testDevice struct {
	ctx    gpu.Context
	stream gpu.Stream
}

func newTestDevices(t *testing.T, memory int64, n int) (*gpu.EmulatedDriver, []testDevice) {
	t.Helper()
	specs := make([]gpu.EmulatedDeviceSpec, n)
	for i := range specs {
		specs[i] = gpu.EmulatedDeviceSpec{Major: 8, Minor: 6, TotalMemory: memory}
	}
	drv := gpu.NewEmulatedDriver(zap.NewNop(), specs, nil)
	require.NoError(t, drv.Initialize())

	devs := make([]testDevice, n)
	for i := range devs {
		ctx, err := drv.CreateContext(i)
		require.NoError(t, err)
		stream, err := ctx.NewStream()
		require.NoError(t, err)
		devs[i] = testDevice{ctx: ctx, stream: stream}
	}
	return drv, devs
}

func TestManager_AllocateFree(t *testing.T) {
	m := NewManager(zap.NewNop())

	h := m.Allocate(32)
	b, err := m.Get(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), b.Size())
	assert.Equal(t, h, b.Handle())
	assert.Equal(t, 1, m.Len())

	data, err := m.Read(h, 0, 32)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), data, "new blocks are zero-filled")

	require.NoError(t, m.Free(h))
	_, err = m.Get(h)
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, errdefs.IsNotFound(m.Free(h)))
	assert.Equal(t, 0, m.Len())
}

func TestManager_RoundTrip(t *testing.T) {
	m := NewManager(zap.NewNop())

	for _, size := range []int{0, 1, 4096, 1_000_000} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(rand.IntN(256))
		}
		h := m.Allocate(uint64(size))
		require.NoError(t, m.Write(h, 0, data))
		got, err := m.Read(h, 0, uint64(size))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "size %d", size)
	}
}

func TestManager_Bounds(t *testing.T) {
	m := NewManager(zap.NewNop())
	h := m.Allocate(8)

	tests := []struct {
		name string
		run  func() error
	}{
		{"write past end", func() error { return m.Write(h, 0, make([]byte, 9)) }},
		{"write at offset past end", func() error { return m.Write(h, 6, make([]byte, 3)) }},
		{"write offset beyond size", func() error { return m.Write(h, 9, nil) }},
		{"read past end", func() error { _, err := m.Read(h, 0, 9); return err }},
		{"read at offset past end", func() error { _, err := m.Read(h, 4, 5); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errdefs.IsInvalidArgument(tt.run()))
		})
	}

	require.NoError(t, m.Write(h, 6, []byte{1, 2}))
	got, err := m.Read(h, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 2}, got)

	_, err = m.Read(handle.Handle(42), 0, 0)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestManager_DevicePointer(t *testing.T) {
	drv, devs := newTestDevices(t, 1<<20, 2)
	m := NewManager(zap.NewNop())
	b, err := m.Get(m.Allocate(64))
	require.NoError(t, err)

	p0, err := m.DevicePointer(b, devs[0].ctx)
	require.NoError(t, err)
	again, err := m.DevicePointer(b, devs[0].ctx)
	require.NoError(t, err)
	assert.Equal(t, p0, again, "one device buffer per (block, device)")

	p1, err := m.DevicePointer(b, devs[1].ctx)
	require.NoError(t, err)
	assert.NotEqual(t, p0, p1)
	assert.Equal(t, int64(2), drv.Stats().Allocations)

	t.Run("zero size", func(t *testing.T) {
		z, err := m.Get(m.Allocate(0))
		require.NoError(t, err)
		ptr, err := m.DevicePointer(z, devs[0].ctx)
		require.NoError(t, err)
		assert.Zero(t, ptr)
		assert.Equal(t, int64(2), drv.Stats().Allocations)
	})
}

func TestManager_AllocationFailure(t *testing.T) {
	_, devs := newTestDevices(t, 100, 1)
	m := NewManager(zap.NewNop())
	b, err := m.Get(m.Allocate(101))
	require.NoError(t, err)

	_, err = m.DevicePointer(b, devs[0].ctx)
	assert.True(t, errdefs.IsAllocationFailure(err))
	assert.ErrorIs(t, err, gpu.ErrOutOfMemory)

	_, err = m.Upload(b, devs[0].ctx, devs[0].stream)
	assert.True(t, errdefs.IsAllocationFailure(err))
}

func TestManager_UploadWriteBack(t *testing.T) {
	_, devs := newTestDevices(t, 1<<20, 1)
	dev := devs[0]
	m := NewManager(zap.NewNop())
	h := m.Allocate(4)
	b, err := m.Get(h)
	require.NoError(t, err)
	require.NoError(t, m.Write(h, 0, []byte{1, 2, 3, 4}))

	ptr, err := m.Upload(b, dev.ctx, dev.stream)
	require.NoError(t, err)
	assert.True(t, b.Resident(0))

	onDevice := make([]byte, 4)
	require.NoError(t, dev.stream.CopyDtoH(onDevice, ptr))
	assert.Equal(t, []byte{1, 2, 3, 4}, onDevice)

	require.NoError(t, dev.stream.CopyHtoD(ptr, []byte{1, 9, 3, 9}))
	require.NoError(t, m.WriteBack(b, dev.ctx, dev.stream))

	got, err := m.Read(h, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 9, 3, 9}, got)
}

func TestManager_StageCommit(t *testing.T) {
	_, devs := newTestDevices(t, 1<<20, 1)
	dev := devs[0]
	m := NewManager(zap.NewNop())
	h := m.Allocate(4)
	b, err := m.Get(h)
	require.NoError(t, err)

	ptr, err := m.Upload(b, dev.ctx, dev.stream)
	require.NoError(t, err)
	require.NoError(t, dev.stream.CopyHtoD(ptr, []byte{7, 0, 7, 0}))

	st, err := m.Stage(b, dev.ctx, dev.stream)
	require.NoError(t, err)
	assert.Same(t, b, st.Block())
	assert.Equal(t, 0, st.Device())

	got, err := m.Read(h, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, got, "staging leaves the host buffer alone")

	assert.Equal(t, 2, m.Commit(st))
	got, err = m.Read(h, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0, 7, 0}, got)

	t.Run("not resident", func(t *testing.T) {
		other, err := m.Get(m.Allocate(4))
		require.NoError(t, err)
		_, err = m.Stage(other, dev.ctx, dev.stream)
		assert.ErrorIs(t, err, errdefs.ErrNotResident)
	})
}

func TestManager_WriteBackMergeLaw(t *testing.T) {
	_, devs := newTestDevices(t, 1<<20, 1)
	dev := devs[0]
	m := NewManager(zap.NewNop())
	h := m.Allocate(16)
	b, err := m.Get(h)
	require.NoError(t, err)

	// Snapshot is the all-zero pre-launch contents.
	ptr, err := m.Upload(b, dev.ctx, dev.stream)
	require.NoError(t, err)

	// The kernel writes 0xFF to bytes [0, 8).
	require.NoError(t, dev.stream.CopyHtoD(ptr, bytes.Repeat([]byte{0xFF}, 8)))

	// The host mutates byte 12 while the launch is in flight.
	require.NoError(t, m.Write(h, 12, []byte{0xAB}))

	require.NoError(t, m.WriteBack(b, dev.ctx, dev.stream))

	want := make([]byte, 16)
	copy(want, bytes.Repeat([]byte{0xFF}, 8))
	want[12] = 0xAB
	got, err := m.Read(h, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestManager_WriteBackNotResident(t *testing.T) {
	_, devs := newTestDevices(t, 1<<20, 2)
	m := NewManager(zap.NewNop())
	b, err := m.Get(m.Allocate(8))
	require.NoError(t, err)

	err = m.WriteBack(b, devs[0].ctx, devs[0].stream)
	assert.ErrorIs(t, err, errdefs.ErrNotResident)

	// A buffer that exists but was never uploaded is not resident either.
	_, err = m.DevicePointer(b, devs[1].ctx)
	require.NoError(t, err)
	err = m.WriteBack(b, devs[1].ctx, devs[1].stream)
	assert.ErrorIs(t, err, errdefs.ErrNotResident)
}

func TestManager_FreeReleasesDeviceBuffersOnce(t *testing.T) {
	drv, devs := newTestDevices(t, 1<<20, 3)
	m := NewManager(zap.NewNop())
	h := m.Allocate(128)
	b, err := m.Get(h)
	require.NoError(t, err)

	for _, d := range devs {
		_, err := m.Upload(b, d.ctx, d.stream)
		require.NoError(t, err)
	}
	require.NoError(t, m.Free(h))
	assert.Equal(t, int64(3), drv.Stats().Frees)
	assert.True(t, errdefs.IsNotFound(m.Free(h)))
	assert.Equal(t, int64(3), drv.Stats().Frees)
}

func TestManager_PinDefersRelease(t *testing.T) {
	drv, devs := newTestDevices(t, 1<<20, 1)
	dev := devs[0]
	m := NewManager(zap.NewNop())
	h := m.Allocate(16)

	b, err := m.Pin(h)
	require.NoError(t, err)
	_, err = m.Upload(b, dev.ctx, dev.stream)
	require.NoError(t, err)

	require.NoError(t, m.Free(h))
	_, err = m.Pin(h)
	assert.True(t, errdefs.IsNotFound(err), "a freed handle cannot be pinned")
	assert.Equal(t, int64(0), drv.Stats().Frees, "pinned block keeps its device buffers")

	// The in-flight launch can still write back.
	require.NoError(t, m.WriteBack(b, dev.ctx, dev.stream))

	require.NoError(t, m.Unpin(b))
	assert.Equal(t, int64(1), drv.Stats().Frees)
}

func TestManager_ConcurrentDevices(t *testing.T) {
	_, devs := newTestDevices(t, 1<<20, 4)
	m := NewManager(zap.NewNop())
	h := m.Allocate(64)
	b, err := m.Get(h)
	require.NoError(t, err)

	// Each device owns a disjoint 16-byte slice of the result.
	var wg sync.WaitGroup
	errs := make([]error, len(devs))
	for i, d := range devs {
		wg.Add(1)
		go func(i int, d testDevice) {
			defer wg.Done()
			ptr, err := m.Upload(b, d.ctx, d.stream)
			if err != nil {
				errs[i] = err
				return
			}
			out := make([]byte, 64)
			for j := 16 * i; j < 16*(i+1); j++ {
				out[j] = byte(i + 1)
			}
			if err := d.stream.CopyHtoD(ptr, out); err != nil {
				errs[i] = err
				return
			}
			errs[i] = m.WriteBack(b, d.ctx, d.stream)
		}(i, d)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := m.Read(h, 0, 64)
	require.NoError(t, err)
	for j, v := range got {
		assert.Equal(t, byte(j/16+1), v, "byte %d", j)
	}
}
