package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/weft/internal/handle"
	"github.com/fxnlabs/weft/pkg/errdefs"
)

func TestRegistry_LoadModule(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	src := "__global__ void vecAdd(const float* a, const float* b, float* c, int n) {}"

	h := r.LoadModule(src)
	mod, err := r.GetModule(h)
	require.NoError(t, err)
	assert.Equal(t, src, mod.Source)
	assert.Equal(t, h, mod.Handle)

	_, err = r.GetModule(h + 1)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRegistry_GetFunction(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	mod := r.LoadModule("vecAdd")
	params := []Param{
		{Size: 8, IsPointer: true, IsConst: true},
		{Size: 8, IsPointer: true, IsConst: true},
		{Size: 8, IsPointer: true},
		{Size: 4},
	}

	h, err := r.GetFunction(mod, "vecAdd", params)
	require.NoError(t, err)

	fn, err := r.GetFunctionByHandle(h)
	require.NoError(t, err)
	assert.Equal(t, "vecAdd", fn.Name)
	assert.Equal(t, mod, fn.Module)
	assert.Equal(t, params, fn.Params)

	// The registry keeps its own copy of the descriptors.
	params[0].Size = 99
	assert.Equal(t, uint32(8), fn.Params[0].Size)

	src, err := r.Source(fn)
	require.NoError(t, err)
	assert.Equal(t, "vecAdd", src)

	t.Run("unknown module", func(t *testing.T) {
		_, err := r.GetFunction(handle.Handle(0xdead), "vecAdd", nil)
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("unknown function", func(t *testing.T) {
		_, err := r.GetFunctionByHandle(handle.Handle(0xbeef))
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("same name twice yields distinct handles", func(t *testing.T) {
		h2, err := r.GetFunction(mod, "vecAdd", params)
		require.NoError(t, err)
		assert.NotEqual(t, h, h2)
	})
}

func TestParam_Writable(t *testing.T) {
	tests := []struct {
		param Param
		want  bool
	}{
		{Param{Size: 8, IsPointer: true}, true},
		{Param{Size: 8, IsPointer: true, IsConst: true}, false},
		{Param{Size: 4}, false},
		{Param{Size: 4, IsConst: true}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.param.Writable(), "%+v", tt.param)
	}
}
