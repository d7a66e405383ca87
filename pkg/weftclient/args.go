package weftclient

import (
	"encoding/binary"
	"math"

	"github.com/fxnlabs/weft/pkg/wire"
)

// Buffer passes memory block h. Const buffers are not written back.
func Buffer(h uint64, isConst bool) wire.ParamValue {
	return wire.ParamValue{Size: 8, IsPointer: true, IsConst: isConst, Block: h}
}

func Int32(v int32) wire.ParamValue {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return wire.ParamValue{Size: 4, Data: b}
}

func Float32(v float32) wire.ParamValue {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return wire.ParamValue{Size: 4, Data: b}
}

// Bytes passes an arbitrary scalar by value.
func Bytes(b []byte) wire.ParamValue {
	return wire.ParamValue{Size: uint32(len(b)), Data: b}
}
