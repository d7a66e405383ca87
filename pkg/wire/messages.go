package wire

// MaxChunkSize is the largest payload of a single WriteMemory or ReadMemory
// stream message.
const MaxChunkSize = 64 * 1024

type Empty struct{}

type AllocateRequest struct {
	Size uint64 `cbor:"1,keyasint"`
}

type AllocateResponse struct {
	Handle uint64 `cbor:"1,keyasint"`
}

type FreeRequest struct {
	Handle uint64 `cbor:"1,keyasint"`
}

// WriteMemoryChunk is one message of a WriteMemory stream. Handle is read
// from the first message only; Data of successive messages is written at
// consecutive offsets.
type WriteMemoryChunk struct {
	Handle uint64 `cbor:"1,keyasint,omitempty"`
	Data   []byte `cbor:"2,keyasint"`
}

type ReadMemoryRequest struct {
	Handle uint64 `cbor:"1,keyasint"`
	Size   uint64 `cbor:"2,keyasint"`
}

type MemoryChunk struct {
	Data []byte `cbor:"1,keyasint"`
}

type LoadModuleRequest struct {
	Source string `cbor:"1,keyasint"`
}

type LoadModuleResponse struct {
	Handle uint64 `cbor:"1,keyasint"`
}

// Param describes one declared kernel parameter.
type Param struct {
	Size      uint32 `cbor:"1,keyasint"`
	IsPointer bool   `cbor:"2,keyasint"`
	IsConst   bool   `cbor:"3,keyasint"`
}

type GetFunctionRequest struct {
	Module uint64  `cbor:"1,keyasint"`
	Name   string  `cbor:"2,keyasint"`
	Params []Param `cbor:"3,keyasint"`
}

type GetFunctionResponse struct {
	Handle uint64 `cbor:"1,keyasint"`
}

type Dim3 struct {
	X uint32 `cbor:"1,keyasint"`
	Y uint32 `cbor:"2,keyasint"`
	Z uint32 `cbor:"3,keyasint"`
}

// ParamValue is one actual launch argument. Pointer arguments reference a
// memory block by handle; all others carry their bytes inline.
type ParamValue struct {
	Size      uint32 `cbor:"1,keyasint"`
	IsPointer bool   `cbor:"2,keyasint"`
	IsConst   bool   `cbor:"3,keyasint"`
	Data      []byte `cbor:"4,keyasint,omitempty"`
	Block     uint64 `cbor:"5,keyasint,omitempty"`
}

type LaunchRequest struct {
	Function       uint64       `cbor:"1,keyasint"`
	Grid           Dim3         `cbor:"2,keyasint"`
	Block          Dim3         `cbor:"3,keyasint"`
	SharedMemBytes uint32       `cbor:"4,keyasint"`
	Stream         uint64       `cbor:"5,keyasint,omitempty"`
	Params         []ParamValue `cbor:"6,keyasint"`
}

// Chunks splits data into consecutive pieces of at most size bytes. Empty
// data yields no chunks.
func Chunks(data []byte, size int) [][]byte {
	if size <= 0 || size > MaxChunkSize {
		size = MaxChunkSize
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
