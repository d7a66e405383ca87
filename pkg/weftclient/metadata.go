package weftclient

import (
	"fmt"

	"github.com/fxnlabs/weft/pkg/errdefs"
	"github.com/fxnlabs/weft/pkg/wire"
)

// MetadataProvider describes the parameters of a kernel defined in source.
type MetadataProvider interface {
	Params(source, kernel string) ([]wire.Param, error)
}

// StaticMetadata serves parameter lists by kernel name, ignoring the source.
type StaticMetadata map[string][]wire.Param

func (m StaticMetadata) Params(_, kernel string) ([]wire.Param, error) {
	params, ok := m[kernel]
	if !ok {
		return nil, fmt.Errorf("kernel %q: %w", kernel, errdefs.ErrNotFound)
	}
	return params, nil
}

// BuiltinMetadata describes the kernels of the emulated driver.
var BuiltinMetadata = StaticMetadata{
	"vecAdd": {
		{Size: 8, IsPointer: true, IsConst: true},
		{Size: 8, IsPointer: true, IsConst: true},
		{Size: 8, IsPointer: true},
		{Size: 4},
	},
	"saxpy": {
		{Size: 4},
		{Size: 8, IsPointer: true, IsConst: true},
		{Size: 8, IsPointer: true},
		{Size: 4},
	},
	"matMul": {
		{Size: 8, IsPointer: true, IsConst: true},
		{Size: 8, IsPointer: true, IsConst: true},
		{Size: 8, IsPointer: true},
		{Size: 4},
		{Size: 4},
		{Size: 4},
	},
}
