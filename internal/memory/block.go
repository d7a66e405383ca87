package memory

import (
	"sync"

	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/internal/handle"
)

type deviceBuffer struct {
	ctx      gpu.Context
	ptr      gpu.DevicePtr
	resident bool
}

// Block is a host buffer together with its lazily created device
// counterparts. The host buffer is owned by the Block; device buffers are
// created by Manager.DevicePointer and released once, when the block is freed
// and no launch holds it.
type Block struct {
	handle handle.Handle
	size   uint64

	hostMu sync.RWMutex
	host   []byte

	devMu   sync.Mutex
	devices map[int]*deviceBuffer
	pins    int
	freed   bool

	snapOnce sync.Once
	snapshot []byte
}

func newBlock(size uint64) *Block {
	return &Block{
		size:    size,
		host:    make([]byte, size),
		devices: make(map[int]*deviceBuffer),
	}
}

func (b *Block) Handle() handle.Handle { return b.handle }
func (b *Block) Size() uint64          { return b.size }

// Resident reports whether the block has been uploaded to the device at ordinal.
func (b *Block) Resident(ordinal int) bool {
	b.devMu.Lock()
	defer b.devMu.Unlock()
	buf, ok := b.devices[ordinal]
	return ok && buf.resident
}

// captureSnapshot records the host contents the first time it is called.
// Later calls, from any goroutine, are no-ops.
func (b *Block) captureSnapshot() {
	b.snapOnce.Do(func() {
		b.hostMu.RLock()
		defer b.hostMu.RUnlock()
		b.snapshot = append([]byte(nil), b.host...)
	})
}

// merge overwrites host bytes where the device result differs from the
// snapshot and reports how many bytes changed.
func (b *Block) merge(result []byte) int {
	b.hostMu.Lock()
	defer b.hostMu.Unlock()
	if b.host == nil {
		return 0
	}
	changed := 0
	for i := range result {
		if result[i] != b.snapshot[i] {
			b.host[i] = result[i]
			changed++
		}
	}
	return changed
}
