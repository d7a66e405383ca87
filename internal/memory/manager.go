// Package memory owns the memory blocks addressed by remote callers: their
// host buffers, the device buffers materialized for them on first use, and
// the upload/write-back traffic between the two.
package memory

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/internal/handle"
	"github.com/fxnlabs/weft/internal/metrics"
	"github.com/fxnlabs/weft/pkg/errdefs"
)

// Manager is the registry of memory blocks.
type Manager struct {
	log    *zap.Logger
	blocks *handle.Registry[*Block]
}

func NewManager(log *zap.Logger, opts ...handle.Option) *Manager {
	opts = append([]handle.Option{handle.WithCountHook(func(n int) {
		metrics.LiveHandles.WithLabelValues("memory").Set(float64(n))
	})}, opts...)
	return &Manager{
		log:    log.Named("memory"),
		blocks: handle.NewRegistry[*Block]("memory block", opts...),
	}
}

// Allocate creates a zero-filled block of size bytes.
func (m *Manager) Allocate(size uint64) handle.Handle {
	b := newBlock(size)
	h := m.blocks.Allocate(b)
	b.handle = h
	m.log.Debug("Allocated block", zap.Stringer("handle", h), zap.Uint64("size", size))
	return h
}

// Free removes the block and releases its device buffers. If a launch still
// holds the block, the buffers are released when it unpins.
func (m *Manager) Free(h handle.Handle) error {
	b, err := m.blocks.Remove(h)
	if err != nil {
		return err
	}
	b.devMu.Lock()
	b.freed = true
	release := b.pins == 0
	b.devMu.Unlock()

	m.log.Debug("Freed block", zap.Stringer("handle", h), zap.Bool("deferred", !release))
	if release {
		return m.release(b)
	}
	return nil
}

func (m *Manager) Get(h handle.Handle) (*Block, error) {
	return m.blocks.Lookup(h)
}

// Len returns the number of live blocks.
func (m *Manager) Len() int { return m.blocks.Len() }

// Pin resolves h and keeps the block's device buffers alive until Unpin.
func (m *Manager) Pin(h handle.Handle) (*Block, error) {
	b, err := m.blocks.Lookup(h)
	if err != nil {
		return nil, err
	}
	b.devMu.Lock()
	defer b.devMu.Unlock()
	if b.freed {
		return nil, fmt.Errorf("memory block %s: %w", h, errdefs.ErrNotFound)
	}
	b.pins++
	return b, nil
}

// Unpin drops a reference taken by Pin, releasing the block's device buffers
// if it was freed in the meantime.
func (m *Manager) Unpin(b *Block) error {
	b.devMu.Lock()
	b.pins--
	release := b.freed && b.pins == 0
	b.devMu.Unlock()
	if release {
		return m.release(b)
	}
	return nil
}

func (m *Manager) release(b *Block) error {
	b.devMu.Lock()
	devices := b.devices
	b.devices = make(map[int]*deviceBuffer)
	b.devMu.Unlock()

	var errs error
	for ordinal, buf := range devices {
		if buf.ptr == 0 {
			continue
		}
		if err := buf.ctx.MemFree(buf.ptr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("device %d: %w", ordinal, err))
			continue
		}
		metrics.DeviceBuffers.WithLabelValues(strconv.Itoa(ordinal)).Dec()
	}
	b.hostMu.Lock()
	b.host = nil
	b.hostMu.Unlock()
	if errs != nil {
		return fmt.Errorf("release memory block %s: %w", b.handle, errs)
	}
	return nil
}

// DevicePointer returns the device buffer of b on ctx's device, allocating
// it on first use. A zero-size block maps to the null pointer.
func (m *Manager) DevicePointer(b *Block, ctx gpu.Context) (gpu.DevicePtr, error) {
	buf, err := m.deviceBuffer(b, ctx)
	if err != nil {
		return 0, err
	}
	return buf.ptr, nil
}

func (m *Manager) deviceBuffer(b *Block, ctx gpu.Context) (*deviceBuffer, error) {
	ordinal := ctx.Ordinal()

	b.devMu.Lock()
	defer b.devMu.Unlock()
	if b.freed && b.pins == 0 {
		return nil, fmt.Errorf("memory block %s: %w", b.handle, errdefs.ErrNotFound)
	}
	if buf, ok := b.devices[ordinal]; ok {
		return buf, nil
	}
	buf := &deviceBuffer{ctx: ctx}
	if b.size > 0 {
		ptr, err := ctx.MemAlloc(b.size)
		if err != nil {
			if errors.Is(err, gpu.ErrOutOfMemory) {
				return nil, fmt.Errorf("memory block %s on device %d: %w: %w", b.handle, ordinal, errdefs.ErrAllocationFailure, err)
			}
			return nil, fmt.Errorf("memory block %s on device %d: %w", b.handle, ordinal, err)
		}
		buf.ptr = ptr
		metrics.DeviceBuffers.WithLabelValues(strconv.Itoa(ordinal)).Inc()
	}
	b.devices[ordinal] = buf
	m.log.Debug("Materialized device buffer",
		zap.Stringer("handle", b.handle),
		zap.Int("device", ordinal),
		zap.Uint64("ptr", uint64(buf.ptr)),
	)
	return buf, nil
}

// Upload copies the host buffer into the block's buffer on ctx's device and
// returns the device address. The first upload of a block also pins down the
// snapshot later write-backs compare against.
func (m *Manager) Upload(b *Block, ctx gpu.Context, stream gpu.Stream) (gpu.DevicePtr, error) {
	buf, err := m.deviceBuffer(b, ctx)
	if err != nil {
		return 0, err
	}
	b.captureSnapshot()

	if b.size > 0 {
		b.hostMu.RLock()
		err = stream.CopyHtoD(buf.ptr, b.host)
		b.hostMu.RUnlock()
		if err != nil {
			if errors.Is(err, gpu.ErrOutOfMemory) {
				return 0, fmt.Errorf("upload memory block %s to device %d: %w: %w", b.handle, ctx.Ordinal(), errdefs.ErrAllocationFailure, err)
			}
			return 0, fmt.Errorf("upload memory block %s to device %d: %w", b.handle, ctx.Ordinal(), err)
		}
		metrics.BytesUploaded.Add(float64(b.size))
	}

	b.devMu.Lock()
	buf.resident = true
	b.devMu.Unlock()
	return buf.ptr, nil
}

// Staged is a device result copied back to the host but not yet merged into
// the block's host buffer.
type Staged struct {
	block   *Block
	ordinal int
	data    []byte
}

func (s *Staged) Block() *Block { return s.block }
func (s *Staged) Device() int   { return s.ordinal }

// Stage copies the block's device buffer on ctx's device into a private host
// buffer and waits for the copy. The block's host buffer is left untouched
// until Commit.
func (m *Manager) Stage(b *Block, ctx gpu.Context, stream gpu.Stream) (*Staged, error) {
	ordinal := ctx.Ordinal()
	b.devMu.Lock()
	buf, ok := b.devices[ordinal]
	resident := ok && buf.resident
	b.devMu.Unlock()
	if !resident {
		return nil, fmt.Errorf("write back memory block %s from device %d: %w", b.handle, ordinal, errdefs.ErrNotResident)
	}

	b.captureSnapshot()
	staged := &Staged{block: b, ordinal: ordinal, data: make([]byte, b.size)}
	if b.size == 0 {
		return staged, nil
	}
	if err := stream.CopyDtoH(staged.data, buf.ptr); err != nil {
		return nil, fmt.Errorf("write back memory block %s from device %d: %w", b.handle, ordinal, err)
	}
	if err := stream.Synchronize(); err != nil {
		return nil, fmt.Errorf("write back memory block %s from device %d: %w", b.handle, ordinal, err)
	}
	return staged, nil
}

// Commit merges a staged result into the host buffer byte by byte: only
// bytes the device changed relative to the snapshot are written, so host
// writes made during the launch survive. It returns the number of bytes
// written.
func (m *Manager) Commit(s *Staged) int {
	changed := s.block.merge(s.data)
	metrics.BytesWrittenBack.Add(float64(changed))
	m.log.Debug("Wrote back block",
		zap.Stringer("handle", s.block.handle),
		zap.Int("device", s.ordinal),
		zap.Int("changed", changed),
	)
	return changed
}

// WriteBack stages the block's device buffer and commits it at once.
func (m *Manager) WriteBack(b *Block, ctx gpu.Context, stream gpu.Stream) error {
	s, err := m.Stage(b, ctx, stream)
	if err != nil {
		return err
	}
	m.Commit(s)
	return nil
}

// Write copies data into the host buffer of h at offset.
func (m *Manager) Write(h handle.Handle, offset uint64, data []byte) error {
	b, err := m.blocks.Lookup(h)
	if err != nil {
		return err
	}
	if offset > b.size || uint64(len(data)) > b.size-offset {
		return fmt.Errorf("write of %d bytes at offset %d into %d-byte block %s: %w",
			len(data), offset, b.size, h, errdefs.ErrInvalidArgument)
	}
	b.hostMu.Lock()
	defer b.hostMu.Unlock()
	if b.host == nil {
		return fmt.Errorf("memory block %s: %w", h, errdefs.ErrNotFound)
	}
	copy(b.host[offset:], data)
	return nil
}

// Read returns a copy of size bytes of the host buffer of h starting at offset.
func (m *Manager) Read(h handle.Handle, offset, size uint64) ([]byte, error) {
	b, err := m.blocks.Lookup(h)
	if err != nil {
		return nil, err
	}
	if offset > b.size || size > b.size-offset {
		return nil, fmt.Errorf("read of %d bytes at offset %d from %d-byte block %s: %w",
			size, offset, b.size, h, errdefs.ErrInvalidArgument)
	}
	b.hostMu.RLock()
	defer b.hostMu.RUnlock()
	if b.host == nil {
		return nil, fmt.Errorf("memory block %s: %w", h, errdefs.ErrNotFound)
	}
	out := make([]byte, size)
	copy(out, b.host[offset:])
	return out, nil
}
